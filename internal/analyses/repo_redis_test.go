package analyses

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisRepo(t *testing.T, clock func() time.Time) (*RedisRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := NewRedisRepo(client)
	repo.Now = clock
	return repo, mr
}

func TestRedisRepoCreateAndGet(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 987654321, time.UTC)
	repo, mr := newTestRedisRepo(t, func() time.Time { return base })
	ctx := context.Background()

	created, err := repo.Create(ctx, Analysis{
		ID:       "a-1",
		OwnerID:  "user-1",
		VideoKey: "videos/u/a-1/ride.mp4",
		Status:   StatusCompleted,
		Intake:   Intake{KeyGoals: "comfort"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusPending {
		t.Fatalf("create must force pending, got %s", created.Status)
	}
	if !mr.Exists("bikefit:analysis:a-1") {
		t.Fatalf("expected record key")
	}

	got, err := repo.GetByID(ctx, "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) || got.Intake.KeyGoals != "comfort" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := repo.Create(ctx, Analysis{ID: "a-1", OwnerID: "user-1", VideoKey: "other"}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisRepoTransitionMovesStatusIndex(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo, _ := newTestRedisRepo(t, func() time.Time { return base })
	ctx := context.Background()
	if _, err := repo.Create(ctx, Analysis{ID: "a-1", OwnerID: "u", VideoKey: "k"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	processing, err := repo.Transition(ctx, "a-1", StatusProcessing, Outcome{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !processing.UpdatedAt.After(processing.CreatedAt) {
		t.Fatalf("updatedAt must strictly increase with a frozen clock")
	}

	cutoff := base.Add(time.Hour)
	pending, _ := repo.ListStale(ctx, StatusPending, cutoff, 10)
	if len(pending) != 0 {
		t.Fatalf("record should have left the pending index: %+v", pending)
	}
	stale, err := repo.ListStale(ctx, StatusProcessing, cutoff, 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "a-1" {
		t.Fatalf("unexpected stale list: %+v", stale)
	}

	failed, err := repo.Transition(ctx, "a-1", StatusFailed, Outcome{Failure: &Failure{Code: ErrorCodeTimeout, Message: "too slow"}})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Failure == nil || failed.Failure.Code != ErrorCodeTimeout || failed.CompletedAt == nil {
		t.Fatalf("unexpected failed record: %+v", failed)
	}

	var invalid *InvalidTransitionError
	if _, err := repo.Transition(ctx, "a-1", StatusCompleted, Outcome{}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := repo.Transition(ctx, "missing", StatusProcessing, Outcome{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisRepoConcurrentClaimHasOneWinner(t *testing.T) {
	repo, _ := newTestRedisRepo(t, time.Now)
	ctx := context.Background()
	if _, err := repo.Create(ctx, Analysis{ID: "a-1", OwnerID: "u", VideoKey: "k"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Transition(ctx, "a-1", StatusProcessing, Outcome{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestRedisRepoListByOwnerNewestFirst(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo, _ := newTestRedisRepo(t, func() time.Time { return clock })
	ctx := context.Background()
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		clock = clock.Add(time.Minute)
		if _, err := repo.Create(ctx, Analysis{ID: id, OwnerID: "u", VideoKey: "k/" + id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	page, err := repo.ListByOwner(ctx, "u", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "a-3" || page[1].ID != "a-2" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	rest, _ := repo.ListByOwner(ctx, "u", 2, 2)
	if len(rest) != 1 || rest[0].ID != "a-1" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
	none, _ := repo.ListByOwner(ctx, "nobody", 0, 0)
	if len(none) != 0 {
		t.Fatalf("expected empty list, got %+v", none)
	}
}
