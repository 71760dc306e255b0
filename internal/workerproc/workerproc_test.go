package workerproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/queue"
	"bikefit-backend/internal/shared/telemetry"
)

type runnerFunc func(ctx context.Context, job analyses.Job) error

func (f runnerFunc) Run(ctx context.Context, job analyses.Job) error { return f(ctx, job) }

func quiet(t *testing.T) {
	t.Helper()
	telemetry.SetOutput(os.Stderr)
	t.Cleanup(func() { telemetry.SetOutput(os.Stdout) })
}

func encoded(t *testing.T, msg queue.Message) string {
	t.Helper()
	payload, err := queue.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(payload)
}

func TestParseRejectsPoisonPayloads(t *testing.T) {
	cases := map[string]struct {
		body   string
		reason Reason
	}{
		"blank":          {"  ", ReasonEmptyBody},
		"not json":       {"{oops", ReasonDecode},
		"no analysis id": {`{"requestId":"req-1"}`, ReasonMissingID},
		"future version": {`{"analysisId":"a-1","version":99}`, ReasonUnsupported},
	}
	for name, tc := range cases {
		_, err := Parse(tc.body)
		var poison *PoisonError
		if !errors.As(err, &poison) {
			t.Fatalf("%s: expected PoisonError, got %v", name, err)
		}
		if poison.Reason != tc.reason {
			t.Fatalf("%s: expected reason %s, got %s", name, tc.reason, poison.Reason)
		}
		if !IsPoison(err) || ReasonOf(fmt.Errorf("wrapped: %w", err)) != tc.reason {
			t.Fatalf("%s: expected wrapped poison with reason %s", name, tc.reason)
		}
	}
	if ReasonOf(errors.New("boom")) != "" {
		t.Fatalf("plain errors carry no reason")
	}

	_, err := Parse("{oops")
	fields := DropFields(err)
	if fields["body_len"] != 5 || len(fields["body_sha256"].(string)) != 64 || fields["reason"] != "decode" {
		t.Fatalf("unexpected drop fields %+v", fields)
	}
	_, err = Parse(`{"requestId":"req-1"}`)
	if DropFields(err)["request_id"] != "req-1" {
		t.Fatalf("expected request id in drop fields")
	}
}

func TestParseAcceptsLegacyUnversionedMessage(t *testing.T) {
	msg, err := Parse(`{"analysisId":"a-1","videoKey":"videos/o/a-1/ride.mp4"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.AnalysisID != "a-1" || msg.Version != 0 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestHandleRunsJobWithRequestID(t *testing.T) {
	var got analyses.Job
	var requestID string
	runner := runnerFunc(func(ctx context.Context, job analyses.Job) error {
		got = job
		requestID = telemetry.RequestID(ctx)
		return nil
	})
	body := encoded(t, queue.NewMessage("a-1", "videos/o/a-1/ride.mp4", "req-9", time.Now()))

	if err := Handle(context.Background(), runner, body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got.AnalysisID != "a-1" || got.VideoKey != "videos/o/a-1/ride.mp4" || got.Video != nil {
		t.Fatalf("unexpected job %+v", got)
	}
	if requestID != "req-9" {
		t.Fatalf("expected request id in context, got %q", requestID)
	}
}

func TestHandleWrapsRunnerError(t *testing.T) {
	cause := errors.New("ledger unavailable")
	runner := runnerFunc(func(ctx context.Context, job analyses.Job) error { return cause })
	err := Handle(context.Background(), runner, encoded(t, queue.Message{AnalysisID: "a-2", RequestID: "r"}))
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.AnalysisID != "a-2" || !errors.Is(err, cause) {
		t.Fatalf("expected RunError wrapping cause, got %v", err)
	}
	if IsPoison(err) {
		t.Fatalf("run errors must be retried")
	}
	if err := Run(context.Background(), nil, queue.Message{AnalysisID: "a-3"}); err == nil {
		t.Fatalf("expected error without runner")
	}
}

func TestQueueWait(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 30, 0, time.UTC)
	msg := queue.NewMessage("a-1", "k", "", now.Add(-30*time.Second))
	if got := QueueWait(msg, now); got != 30*time.Second {
		t.Fatalf("expected 30s wait, got %s", got)
	}
	if LogFields(msg, now)["queue_wait_ms"] != int64(30000) {
		t.Fatalf("expected queue_wait_ms in fields")
	}
	if QueueWait(queue.Message{EnqueuedAt: "yesterday"}, now) != 0 {
		t.Fatalf("unparseable stamp should give zero")
	}
	if QueueWait(msg, now.Add(-time.Hour)) != 0 {
		t.Fatalf("clock skew should give zero")
	}
}

func TestTaskHandlerSkipsRetryForMalformedPayload(t *testing.T) {
	quiet(t)

	calls := 0
	handler := TaskHandler(runnerFunc(func(ctx context.Context, job analyses.Job) error {
		calls++
		return nil
	}))

	err := handler(context.Background(), asynq.NewTask(queue.TaskTypeAnalysis, []byte("not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	task, err := queue.NewAnalysisTask(queue.NewMessage("a-3", "k", "", time.Now()))
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if err := handler(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one run, got %d", calls)
	}
}

func TestTaskHandlerReturnsProcessErrorForRetry(t *testing.T) {
	handler := TaskHandler(runnerFunc(func(ctx context.Context, job analyses.Job) error {
		return errors.New("ledger unavailable")
	}))
	task, _ := queue.NewAnalysisTask(queue.Message{AnalysisID: "a-4"})
	err := handler(context.Background(), task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}
