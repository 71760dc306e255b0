package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/compute"
	"bikefit-backend/internal/shared/storage/object"
	"bikefit-backend/internal/shared/telemetry"
)

type memGateway struct {
	mu      sync.Mutex
	objects map[string][]byte
	openErr error
}

func newMemGateway() *memGateway { return &memGateway{objects: map[string][]byte{}} }

func (g *memGateway) Put(ctx context.Context, key string, body []byte, contentType string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.objects[key]; ok {
		return object.ErrObjectExists
	}
	g.objects[key] = append([]byte(nil), body...)
	return nil
}

func (g *memGateway) SignURL(ctx context.Context, key string) (string, error) {
	return "https://files.example/" + key, nil
}

func (g *memGateway) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if g.openErr != nil {
		return nil, g.openErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	body, ok := g.objects[key]
	if !ok {
		return nil, object.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (g *memGateway) Stat(ctx context.Context, key string) (object.Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	body, ok := g.objects[key]
	if !ok {
		return object.Info{}, object.ErrObjectNotFound
	}
	return object.Info{Key: key, SizeBytes: int64(len(body))}, nil
}

func seedPending(t *testing.T, ledger analyses.Ledger, id string) analyses.Analysis {
	t.Helper()
	created, err := ledger.Create(context.Background(), analyses.Analysis{
		ID:       id,
		OwnerID:  "guest:rider",
		VideoKey: "videos/owner/" + id + "/ride.mp4",
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return created
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	telemetry.SetOutput(&buf)
	t.Cleanup(func() { telemetry.SetOutput(os.Stdout) })
	return &buf
}

func TestProcessorCompletesWithResult(t *testing.T) {
	ledger := analyses.NewMemoryRepo()
	seedPending(t, ledger, "a-1")
	var gotVideo []byte
	p := &Processor{
		Ledger: ledger,
		Analyzer: compute.AnalyzerFunc(func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
			gotVideo = video
			return map[string]any{"saddleHeightMm": 742.0}, nil
		}),
	}

	if err := p.Run(context.Background(), analyses.Job{AnalysisID: "a-1", Video: []byte("frames")}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(gotVideo) != "frames" {
		t.Fatalf("analyzer saw %q", gotVideo)
	}
	got, _ := ledger.GetByID(context.Background(), "a-1")
	if got.Status != analyses.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result["saddleHeightMm"] != 742.0 {
		t.Fatalf("unexpected result %#v", got.Result)
	}
	if got.StartedAt == nil || got.CompletedAt == nil || !got.CompletedAt.After(*got.StartedAt) {
		t.Fatalf("expected started before completed: %v %v", got.StartedAt, got.CompletedAt)
	}
}

func TestProcessorLoadsVideoFromStoreWhenJobHasNoBytes(t *testing.T) {
	ledger := analyses.NewMemoryRepo()
	created := seedPending(t, ledger, "a-2")
	store := newMemGateway()
	_ = store.Put(context.Background(), created.VideoKey, []byte("stored frames"), "video/mp4")

	var gotVideo string
	p := &Processor{
		Ledger: ledger,
		Store:  store,
		Analyzer: compute.AnalyzerFunc(func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
			gotVideo = string(video)
			return nil, nil
		}),
	}
	if err := p.Run(context.Background(), analyses.Job{AnalysisID: "a-2", VideoKey: created.VideoKey}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotVideo != "stored frames" {
		t.Fatalf("analyzer saw %q", gotVideo)
	}
	got, _ := ledger.GetByID(context.Background(), "a-2")
	if got.Status != analyses.StatusCompleted || got.Result == nil {
		t.Fatalf("expected completed with empty result, got %s %#v", got.Status, got.Result)
	}
}

func TestProcessorRecordsFailures(t *testing.T) {
	cases := []struct {
		name     string
		store    *memGateway
		analyzer compute.AnalyzerFunc
		timeout  time.Duration
		wantCode string
		wantMsg  string
	}{
		{
			name: "analyzer error",
			analyzer: func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
				return nil, errors.New("pose model\nrejected frame")
			},
			wantCode: analyses.ErrorCodeProcessing,
			wantMsg:  "pose model rejected frame",
		},
		{
			name: "timeout",
			analyzer: func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout:  20 * time.Millisecond,
			wantCode: analyses.ErrorCodeTimeout,
		},
		{
			name: "panic",
			analyzer: func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
				panic("nil frame")
			},
			wantCode: analyses.ErrorCodeInternal,
			wantMsg:  "nil frame",
		},
		{
			name:  "storage",
			store: &memGateway{objects: map[string][]byte{}, openErr: errors.New("bucket unreachable")},
			analyzer: func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
				t.Fatalf("analyzer must not run without video")
				return nil, nil
			},
			wantCode: analyses.ErrorCodeStorage,
			wantMsg:  "bucket unreachable",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			captureLogs(t)
			ledger := analyses.NewMemoryRepo()
			seedPending(t, ledger, "a-f")
			p := &Processor{Ledger: ledger, Analyzer: tc.analyzer, Timeout: tc.timeout}
			job := analyses.Job{AnalysisID: "a-f", Video: []byte("x")}
			if tc.store != nil {
				p.Store = tc.store
				job.Video = nil
				job.VideoKey = "videos/owner/a-f/ride.mp4"
			}

			if err := p.Run(context.Background(), job); err != nil {
				t.Fatalf("run returned %v; failures belong in the ledger", err)
			}
			got, _ := ledger.GetByID(context.Background(), "a-f")
			if got.Status != analyses.StatusFailed || got.Failure == nil {
				t.Fatalf("expected failed, got %s %+v", got.Status, got.Failure)
			}
			if got.Failure.Code != tc.wantCode {
				t.Fatalf("expected code %s, got %s (%s)", tc.wantCode, got.Failure.Code, got.Failure.Message)
			}
			if tc.wantMsg != "" && !strings.Contains(got.Failure.Message, tc.wantMsg) {
				t.Fatalf("expected message to contain %q, got %q", tc.wantMsg, got.Failure.Message)
			}
			if strings.ContainsAny(got.Failure.Message, "\r\n") {
				t.Fatalf("message not sanitized: %q", got.Failure.Message)
			}
		})
	}
}

func TestProcessorDropsDuplicateDelivery(t *testing.T) {
	buf := captureLogs(t)
	ledger := analyses.NewMemoryRepo()
	seedPending(t, ledger, "a-3")
	if _, err := ledger.Transition(context.Background(), "a-3", analyses.StatusProcessing, analyses.Outcome{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	calls := 0
	p := &Processor{
		Ledger: ledger,
		Analyzer: compute.AnalyzerFunc(func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
			calls++
			return nil, nil
		}),
	}
	if err := p.Run(context.Background(), analyses.Job{AnalysisID: "a-3", Video: []byte("x")}); err != nil {
		t.Fatalf("duplicate should be dropped silently, got %v", err)
	}
	if err := p.Run(context.Background(), analyses.Job{AnalysisID: "missing", Video: []byte("x")}); err != nil {
		t.Fatalf("unknown analysis should be dropped, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("analyzer ran %d times for duplicates", calls)
	}
	if !strings.Contains(buf.String(), "analysis.duplicate_dropped") {
		t.Fatalf("expected duplicate log, got %s", buf.String())
	}
}

func TestProcessorLateResultAfterLeaseExpiry(t *testing.T) {
	captureLogs(t)
	ledger := analyses.NewMemoryRepo()
	seedPending(t, ledger, "a-4")
	p := &Processor{
		Ledger: ledger,
		Analyzer: compute.AnalyzerFunc(func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
			_, err := ledger.Transition(ctx, analysisID, analyses.StatusFailed, analyses.Outcome{
				Failure: &analyses.Failure{Code: analyses.ErrorCodeLeaseExpired},
			})
			if err != nil {
				t.Errorf("expire: %v", err)
			}
			return map[string]any{"late": true}, nil
		}),
	}
	if err := p.Run(context.Background(), analyses.Job{AnalysisID: "a-4", Video: []byte("x")}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := ledger.GetByID(context.Background(), "a-4")
	if got.Status != analyses.StatusFailed || got.Failure.Code != analyses.ErrorCodeLeaseExpired {
		t.Fatalf("late result must not overwrite terminal state: %+v", got)
	}
}

type failingLedger struct {
	analyses.Ledger
	err error
}

func (l failingLedger) Transition(ctx context.Context, id string, next analyses.Status, outcome analyses.Outcome) (analyses.Analysis, error) {
	return analyses.Analysis{}, l.err
}

func TestProcessorReturnsLedgerFaultForRedelivery(t *testing.T) {
	p := &Processor{
		Ledger:   failingLedger{Ledger: analyses.NewMemoryRepo(), err: errors.New("connection reset")},
		Analyzer: compute.AnalyzerFunc(func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) { return nil, nil }),
	}
	err := p.Run(context.Background(), analyses.Job{AnalysisID: "a-5"})
	var fault *analyses.LedgerFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected LedgerFault, got %v", err)
	}
}

func TestSanitizeErrorTruncates(t *testing.T) {
	msg := sanitizeError(errors.New(strings.Repeat("x", 600) + "\n"))
	if len(msg) != maxErrorMessageLen {
		t.Fatalf("expected %d chars, got %d", maxErrorMessageLen, len(msg))
	}
	split := sanitizeError(errors.New(strings.Repeat("x", maxErrorMessageLen-1) + "é and more"))
	if !utf8.ValidString(split) || split != strings.Repeat("x", maxErrorMessageLen-1) {
		t.Fatalf("cut must not split a character, got tail %q", split[len(split)-3:])
	}
	if sanitizeError(nil) != "" {
		t.Fatalf("nil error should sanitize to empty")
	}
}

func okAnalyzer() compute.Analyzer {
	return compute.AnalyzerFunc(func(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
		return map[string]any{"bytes": len(video)}, nil
	})
}
