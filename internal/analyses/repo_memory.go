package analyses

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores analyses in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Analysis
	now  func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID: make(map[string]Analysis),
		now:  time.Now,
	}
}

// Create stores a new pending analysis.
func (r *MemoryRepo) Create(ctx context.Context, analysis Analysis) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	created, err := prepareCreate(analysis, r.now())
	if err != nil {
		return Analysis{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[created.ID]; exists {
		return Analysis{}, ErrDuplicateID
	}
	r.byID[created.ID] = cloneAnalysis(created)
	return cloneAnalysis(created), nil
}

// Transition moves an analysis to next under the repo lock.
func (r *MemoryRepo) Transition(ctx context.Context, analysisID string, next Status, outcome Outcome) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byID[analysisID]
	if !ok {
		return Analysis{}, ErrNotFound
	}
	updated, err := applyTransition(current, next, outcome, r.now())
	if err != nil {
		return Analysis{}, err
	}
	r.byID[analysisID] = cloneAnalysis(updated)
	return cloneAnalysis(updated), nil
}

// GetByID returns an analysis by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	analysis, ok := r.byID[analysisID]
	if !ok {
		return Analysis{}, ErrNotFound
	}
	return cloneAnalysis(analysis), nil
}

// ListByOwner returns analyses for an owner, newest first, with limit/offset.
func (r *MemoryRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = clampList(limit, offset)

	r.mu.RLock()
	var owned []Analysis
	for _, a := range r.byID {
		if a.OwnerID == ownerID {
			owned = append(owned, cloneAnalysis(a))
		}
	}
	r.mu.RUnlock()

	if offset >= len(owned) {
		return []Analysis{}, nil
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	end := offset + limit
	if end > len(owned) {
		end = len(owned)
	}
	return owned[offset:end], nil
}

// ListStale returns analyses in status last updated before the cutoff, oldest first.
func (r *MemoryRepo) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampStale(limit)

	r.mu.RLock()
	var stale []Analysis
	for _, a := range r.byID {
		if a.Status == status && a.UpdatedAt.Before(before) {
			stale = append(stale, cloneAnalysis(a))
		}
	}
	r.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func cloneAnalysis(a Analysis) Analysis {
	if a.Result != nil {
		result := make(map[string]any, len(a.Result))
		for k, v := range a.Result {
			result[k] = v
		}
		a.Result = result
	}
	if a.Failure != nil {
		f := *a.Failure
		a.Failure = &f
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		a.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		a.CompletedAt = &t
	}
	return a
}

var _ Ledger = (*MemoryRepo)(nil)
