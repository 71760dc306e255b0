package analyses

import (
	"context"
	"errors"
	"time"
)

// Ledger is the durable record of analyses. Transition is linearised per
// record: of two concurrent transitions from the same status at most one wins.
type Ledger interface {
	Create(ctx context.Context, analysis Analysis) (Analysis, error)
	Transition(ctx context.Context, analysisID string, next Status, outcome Outcome) (Analysis, error)
	GetByID(ctx context.Context, analysisID string) (Analysis, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Analysis, error)
	// ListStale returns records in status whose UpdatedAt is before the cutoff, oldest first.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Analysis, error)
}

const (
	defaultListLimit  = 20
	maxListLimit      = 100
	defaultStaleLimit = 100
	casAttempts       = 3
)

// normalizeTime truncates to the precision every backend can round-trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// nextTimestamp returns now, bumped past prev when the clock has not advanced,
// so UpdatedAt strictly increases across transitions of one record.
func nextTimestamp(now, prev time.Time) time.Time {
	ts := normalizeTime(now)
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

func prepareCreate(a Analysis, now time.Time) (Analysis, error) {
	if a.ID == "" || a.OwnerID == "" || a.VideoKey == "" {
		return Analysis{}, errors.New("analysis id, owner id and video key are required")
	}
	a.Status = StatusPending
	a.Result = nil
	a.Failure = nil
	a.StartedAt = nil
	a.CompletedAt = nil
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.CreatedAt = normalizeTime(a.CreatedAt)
	a.UpdatedAt = a.CreatedAt
	return a, nil
}

// applyTransition computes the record after moving current to next.
func applyTransition(current Analysis, next Status, outcome Outcome, now time.Time) (Analysis, error) {
	if !CanTransition(current.Status, next) {
		return Analysis{}, &InvalidTransitionError{ID: current.ID, From: current.Status, To: next}
	}
	ts := nextTimestamp(now, current.UpdatedAt)
	updated := current
	updated.Status = next
	updated.UpdatedAt = ts
	switch next {
	case StatusProcessing:
		updated.StartedAt = &ts
	case StatusCompleted:
		updated.Result = outcome.Result
		if updated.Result == nil {
			updated.Result = map[string]any{}
		}
		updated.Failure = nil
		updated.CompletedAt = &ts
	case StatusFailed:
		failure := Failure{Code: ErrorCodeInternal}
		if outcome.Failure != nil {
			failure = *outcome.Failure
		}
		if failure.Code == "" {
			failure.Code = ErrorCodeInternal
		}
		updated.Failure = &failure
		updated.Result = nil
		updated.CompletedAt = &ts
	}
	return updated, nil
}

func clampList(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func clampStale(limit int) int {
	if limit <= 0 || limit > defaultStaleLimit {
		return defaultStaleLimit
	}
	return limit
}
