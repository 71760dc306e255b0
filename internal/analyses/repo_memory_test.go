package analyses

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryRepoLifecycle(t *testing.T) {
	repo := NewMemoryRepo()
	frozen := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return frozen }
	ctx := context.Background()

	created, err := repo.Create(ctx, Analysis{ID: "a-1", OwnerID: "u", VideoKey: "k", Status: StatusFailed})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusPending {
		t.Fatalf("create must force pending, got %s", created.Status)
	}

	visible, err := repo.GetByID(ctx, "a-1")
	if err != nil || visible.Status != StatusPending {
		t.Fatalf("record must be visible right after create: %+v %v", visible, err)
	}

	processing, err := repo.Transition(ctx, "a-1", StatusProcessing, Outcome{})
	if err != nil {
		t.Fatalf("to processing: %v", err)
	}
	completed, err := repo.Transition(ctx, "a-1", StatusCompleted, Outcome{Result: map[string]any{"saddleHeightCm": 74.5}})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if !(created.UpdatedAt.Before(processing.UpdatedAt) && processing.UpdatedAt.Before(completed.UpdatedAt)) {
		t.Fatalf("timestamps must strictly increase: %v %v %v", created.UpdatedAt, processing.UpdatedAt, completed.UpdatedAt)
	}
	if completed.Result["saddleHeightCm"] != 74.5 || completed.Failure != nil {
		t.Fatalf("unexpected completed record: %+v", completed)
	}

	// The returned copy must not alias stored state.
	completed.Result["saddleHeightCm"] = 0.0
	again, _ := repo.GetByID(ctx, "a-1")
	if again.Result["saddleHeightCm"] != 74.5 {
		t.Fatalf("stored result was mutated through returned copy")
	}
}

func TestMemoryRepoRejectsIllegalTransitions(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if _, err := repo.Create(ctx, Analysis{ID: "a-1", OwnerID: "u", VideoKey: "k"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name string
		to   Status
	}{
		{"skip processing to completed", StatusCompleted},
		{"skip processing to failed", StatusFailed},
		{"back to pending", StatusPending},
		{"unknown status", Status("archived")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := repo.Transition(ctx, "a-1", tc.to, Outcome{})
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidTransitionError, got %v", err)
			}
			if invalid.From != StatusPending || invalid.To != tc.to {
				t.Fatalf("unexpected error detail: %+v", invalid)
			}
		})
	}

	if _, err := repo.Transition(ctx, "a-1", StatusProcessing, Outcome{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	failed, err := repo.Transition(ctx, "a-1", StatusFailed, Outcome{})
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if failed.Failure == nil || failed.Failure.Code != ErrorCodeInternal {
		t.Fatalf("failed record needs a default error code: %+v", failed.Failure)
	}
	for _, next := range []Status{StatusCompleted, StatusFailed, StatusProcessing, StatusPending} {
		var invalid *InvalidTransitionError
		if _, err := repo.Transition(ctx, "a-1", next, Outcome{}); !errors.As(err, &invalid) {
			t.Fatalf("terminal record accepted %s: %v", next, err)
		}
	}

	if _, err := repo.Transition(ctx, "missing", StatusProcessing, Outcome{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Create(ctx, Analysis{ID: "a-1", OwnerID: "u", VideoKey: "k2"}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestMemoryRepoConcurrentTerminalTransitionsHaveOneWinner(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if _, err := repo.Create(ctx, Analysis{ID: "a-1", OwnerID: "u", VideoKey: "k"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Transition(ctx, "a-1", StatusProcessing, Outcome{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []Status
	)
	for i := 0; i < 16; i++ {
		next := StatusCompleted
		if i%2 == 1 {
			next = StatusFailed
		}
		wg.Add(1)
		go func(next Status) {
			defer wg.Done()
			if _, err := repo.Transition(ctx, "a-1", next, Outcome{}); err == nil {
				mu.Lock()
				winners = append(winners, next)
				mu.Unlock()
			}
		}(next)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected one terminal transition to win, got %v", winners)
	}
	final, _ := repo.GetByID(ctx, "a-1")
	if final.Status != winners[0] {
		t.Fatalf("stored status %s does not match winner %s", final.Status, winners[0])
	}
}

func TestMemoryRepoListStaleOldestFirst(t *testing.T) {
	repo := NewMemoryRepo()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }
	ctx := context.Background()
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		clock = clock.Add(time.Minute)
		if _, err := repo.Create(ctx, Analysis{ID: id, OwnerID: "u", VideoKey: "k/" + id}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	clock = clock.Add(time.Minute)
	if _, err := repo.Transition(ctx, "a-1", StatusProcessing, Outcome{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	stale, err := repo.ListStale(ctx, StatusPending, clock, 0)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 2 || stale[0].ID != "a-2" || stale[1].ID != "a-3" {
		t.Fatalf("unexpected stale pending: %+v", stale)
	}
	processing, _ := repo.ListStale(ctx, StatusProcessing, clock, 0)
	if len(processing) != 0 {
		t.Fatalf("processing record updated at cutoff must not be stale: %+v", processing)
	}
}
