package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/shared/metrics"
	"bikefit-backend/internal/shared/telemetry"
)

const (
	defaultWatchdogInterval = time.Minute
	defaultWatchdogLease    = 20 * time.Minute
	defaultPendingGrace     = 5 * time.Minute
	defaultSweepBatch       = 100
)

// Watchdog finishes records the dispatcher lost track of. Processing records
// older than Lease are failed with LEASE_EXPIRED; pending records older than
// PendingGrace are dispatched again, but a given record at most once per
// RedispatchAfter (default: Lease) so a backlog is not multiplied by every sweep.
type Watchdog struct {
	Ledger          analyses.Ledger
	Dispatcher      analyses.Dispatcher
	Interval        time.Duration
	Lease           time.Duration
	PendingGrace    time.Duration
	RedispatchAfter time.Duration
	BatchSize       int
	Now             func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	Expired      int `json:"expired"`
	Redispatched int `json:"redispatched"`
	Deferred     int `json:"deferred"`
}

// Run sweeps every Interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				telemetry.Error("watchdog.sweep_failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Sweep runs one pass over stale records.
func (w *Watchdog) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := w.now()

	stuck, err := w.Ledger.ListStale(ctx, analyses.StatusProcessing, now.Add(-w.lease()), w.batch())
	if err != nil {
		return report, fmt.Errorf("list processing: %w", err)
	}
	for _, a := range stuck {
		_, err := w.Ledger.Transition(ctx, a.ID, analyses.StatusFailed, analyses.Outcome{Failure: &analyses.Failure{
			Code:    analyses.ErrorCodeLeaseExpired,
			Message: fmt.Sprintf("processing exceeded lease of %s", w.lease()),
		}})
		if err != nil {
			var invalid *analyses.InvalidTransitionError
			if errors.As(err, &invalid) {
				continue
			}
			return report, fmt.Errorf("expire %s: %w", a.ID, err)
		}
		report.Expired++
		metrics.IncLeaseExpired()
		metrics.IncAnalysisFailed()
		telemetry.Warn("analysis.status", map[string]any{
			"analysis_id": a.ID,
			"status":      analyses.StatusFailed,
			"error_code":  analyses.ErrorCodeLeaseExpired,
		})
	}

	if w.Dispatcher == nil {
		return report, nil
	}
	pending, err := w.Ledger.ListStale(ctx, analyses.StatusPending, now.Add(-w.grace()), w.batch())
	if err != nil {
		return report, fmt.Errorf("list pending: %w", err)
	}
	w.forgetBefore(now.Add(-w.cooldown()))
	for _, a := range pending {
		if !w.claim(a.ID, now) {
			report.Deferred++
			continue
		}
		job := analyses.Job{AnalysisID: a.ID, VideoKey: a.VideoKey}
		if err := w.Dispatcher.Dispatch(ctx, job); err != nil {
			w.unclaim(a.ID)
			telemetry.Error("watchdog.redispatch_failed", map[string]any{
				"analysis_id": a.ID,
				"error":       err.Error(),
			})
			continue
		}
		report.Redispatched++
		metrics.IncRedispatched()
		telemetry.Info("watchdog.redispatched", map[string]any{"analysis_id": a.ID})
	}
	return report, nil
}

// claim records a re-dispatch of id at now. It fails when id was already
// re-dispatched within the cooldown.
func (w *Watchdog) claim(id string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sent == nil {
		w.sent = map[string]time.Time{}
	}
	if at, ok := w.sent[id]; ok && now.Sub(at) < w.cooldown() {
		return false
	}
	w.sent[id] = now
	return true
}

func (w *Watchdog) unclaim(id string) {
	w.mu.Lock()
	delete(w.sent, id)
	w.mu.Unlock()
}

// forgetBefore drops claims old enough to allow another re-dispatch anyway,
// which keeps the map bounded by the records re-dispatched within one cooldown.
func (w *Watchdog) forgetBefore(cutoff time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, at := range w.sent {
		if !at.After(cutoff) {
			delete(w.sent, id)
		}
	}
}

func (w *Watchdog) cooldown() time.Duration {
	if w.RedispatchAfter > 0 {
		return w.RedispatchAfter
	}
	return w.lease()
}

func (w *Watchdog) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Watchdog) lease() time.Duration {
	if w.Lease <= 0 {
		return defaultWatchdogLease
	}
	return w.Lease
}

func (w *Watchdog) grace() time.Duration {
	if w.PendingGrace <= 0 {
		return defaultPendingGrace
	}
	return w.PendingGrace
}

func (w *Watchdog) batch() int {
	if w.BatchSize <= 0 {
		return defaultSweepBatch
	}
	return w.BatchSize
}
