package dispatch

import (
	"context"
	"errors"
	"sync"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/shared/telemetry"
)

// ErrClosed is returned by Dispatch after Close has been called.
var ErrClosed = errors.New("dispatcher closed")

// InProcess runs jobs on goroutines in the API process, at most concurrency at
// a time. Dispatch returns as soon as the goroutine is started. An analysis
// that is already waiting or running is not started a second time.
type InProcess struct {
	runner Runner
	sem    chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	held   map[string]struct{}
	base   context.Context
	cancel context.CancelFunc
}

// NewInProcess returns a pool running at most concurrency jobs at once.
func NewInProcess(runner Runner, concurrency int) *InProcess {
	if concurrency <= 0 {
		concurrency = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &InProcess{
		runner: runner,
		sem:    make(chan struct{}, concurrency),
		held:   map[string]struct{}{},
		base:   base,
		cancel: cancel,
	}
}

// Dispatch starts job on its own goroutine and returns without waiting for it.
// A job whose analysis is already held by the pool is accepted as a no-op.
func (d *InProcess) Dispatch(_ context.Context, job analyses.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if job.AnalysisID != "" {
		if _, ok := d.held[job.AnalysisID]; ok {
			telemetry.Debug("dispatch.already_held", map[string]any{"analysis_id": job.AnalysisID})
			return nil
		}
		d.held[job.AnalysisID] = struct{}{}
	}
	d.wg.Add(1)
	go d.run(job)
	return nil
}

// Held reports how many analyses are waiting or running.
func (d *InProcess) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

func (d *InProcess) release(id string) {
	d.mu.Lock()
	delete(d.held, id)
	d.mu.Unlock()
}

func (d *InProcess) run(job analyses.Job) {
	defer d.wg.Done()
	defer d.release(job.AnalysisID)
	select {
	case d.sem <- struct{}{}:
	case <-d.base.Done():
		return
	}
	defer func() { <-d.sem }()

	ctx := telemetry.WithRequestID(d.base, job.RequestID)
	if err := d.runner.Run(ctx, job); err != nil {
		telemetry.Error("dispatch.run_failed", map[string]any{
			"analysis_id": job.AnalysisID,
			"request_id":  job.RequestID,
			"error":       err.Error(),
		})
	}
}

// Close stops accepting jobs and waits for running ones. When ctx ends first
// the remaining jobs are cancelled and ctx.Err() is returned; their records
// stay in processing until the watchdog lease expires.
func (d *InProcess) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

var _ analyses.Dispatcher = (*InProcess)(nil)
