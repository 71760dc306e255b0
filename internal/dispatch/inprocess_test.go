package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/shared/telemetry"
)

type runnerFunc func(ctx context.Context, job analyses.Job) error

func (f runnerFunc) Run(ctx context.Context, job analyses.Job) error { return f(ctx, job) }

func TestInProcessDispatchDoesNotWaitForRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	d := NewInProcess(runnerFunc(func(ctx context.Context, job analyses.Job) error {
		started <- telemetry.RequestID(ctx)
		<-release
		return nil
	}), 1)

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(context.Background(), analyses.Job{AnalysisID: "a-1", RequestID: "req-1"}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatch blocked on the running job")
	}
	if got := <-started; got != "req-1" {
		t.Fatalf("expected request id in job context, got %q", got)
	}
	close(release)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestInProcessBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	d := NewInProcess(runnerFunc(func(ctx context.Context, job analyses.Job) error {
		defer wg.Done()
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	}), 2)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		if err := d.Dispatch(context.Background(), analyses.Job{AnalysisID: fmt.Sprintf("a-%d", i)}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent runs, saw %d", peak.Load())
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestInProcessCloseRejectsNewJobsAndCancelsOnTimeout(t *testing.T) {
	cancelled := make(chan struct{})
	d := NewInProcess(runnerFunc(func(ctx context.Context, job analyses.Job) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}), 1)
	if err := d.Dispatch(context.Background(), analyses.Job{AnalysisID: "a-1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline from close, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("running job was not cancelled")
	}
	if err := d.Dispatch(context.Background(), analyses.Job{AnalysisID: "a-2"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestInProcessSkipsAnalysisAlreadyHeld(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	d := NewInProcess(runnerFunc(func(ctx context.Context, job analyses.Job) error {
		runs.Add(1)
		<-release
		return nil
	}), 1)

	for i := 0; i < 5; i++ {
		if err := d.Dispatch(context.Background(), analyses.Job{AnalysisID: "a-1"}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if d.Held() != 1 {
		t.Fatalf("expected one held analysis, got %d", d.Held())
	}
	close(release)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if runs.Load() != 1 || d.Held() != 0 {
		t.Fatalf("expected a single run and nothing held, got runs=%d held=%d", runs.Load(), d.Held())
	}
}
