// Package dispatch runs analyses after ingestion: it hands jobs to an
// in-process pool or a queue, executes the compute step against the ledger
// lifecycle, and sweeps records that were never finished.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/compute"
	"bikefit-backend/internal/shared/metrics"
	"bikefit-backend/internal/shared/storage/object"
	"bikefit-backend/internal/shared/telemetry"
	"bikefit-backend/internal/shared/util"
)

const (
	defaultProcessingTimeout = 10 * time.Minute
	finalizeTimeout          = 30 * time.Second
	maxErrorMessageLen       = 500
)

var errPanic = errors.New("analyzer panicked")

// Runner executes one job to a terminal ledger state.
type Runner interface {
	Run(ctx context.Context, job analyses.Job) error
}

// Processor moves an analysis through processing to completed or failed.
type Processor struct {
	Ledger   analyses.Ledger
	Store    object.Gateway
	Analyzer compute.Analyzer
	Timeout  time.Duration
}

// Run claims the analysis and executes the analyzer. A job whose record is no
// longer pending is a duplicate delivery and is dropped without error. The
// returned error is non-nil only when the ledger could not be updated, so
// queue consumers can redeliver.
func (p *Processor) Run(ctx context.Context, job analyses.Job) error {
	if p.Ledger == nil || p.Analyzer == nil {
		return errors.New("processor not configured")
	}
	requestID := job.RequestID
	if requestID == "" {
		requestID = telemetry.RequestID(ctx)
	}

	if _, err := p.Ledger.Transition(ctx, job.AnalysisID, analyses.StatusProcessing, analyses.Outcome{}); err != nil {
		var invalid *analyses.InvalidTransitionError
		if errors.As(err, &invalid) || errors.Is(err, analyses.ErrNotFound) {
			telemetry.Info("analysis.duplicate_dropped", map[string]any{
				"analysis_id": job.AnalysisID,
				"request_id":  requestID,
				"reason":      err.Error(),
			})
			return nil
		}
		return &analyses.LedgerFault{Op: "transition", ID: job.AnalysisID, Err: err}
	}
	metrics.IncAnalysisStarted()
	telemetry.Info("analysis.status", map[string]any{
		"analysis_id": job.AnalysisID,
		"request_id":  requestID,
		"status":      analyses.StatusProcessing,
	})

	start := time.Now()
	done := metrics.TrackInFlight()
	result, runErr := p.execute(ctx, job)
	done()
	durationMs := time.Since(start).Milliseconds()
	metrics.ObserveProcessingDurationMs(float64(durationMs))

	// The job context may already be past its deadline; the outcome must still be recorded.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	next := analyses.StatusCompleted
	outcome := analyses.Outcome{Result: result}
	if runErr != nil {
		code := classifyFailure(runErr)
		next = analyses.StatusFailed
		outcome = analyses.Outcome{Failure: &analyses.Failure{Code: code, Message: sanitizeError(runErr)}}
	}

	if _, err := p.Ledger.Transition(finalCtx, job.AnalysisID, next, outcome); err != nil {
		var invalid *analyses.InvalidTransitionError
		if errors.As(err, &invalid) {
			telemetry.Warn("analysis.late_result", map[string]any{
				"analysis_id": job.AnalysisID,
				"request_id":  requestID,
				"status":      invalid.From,
				"durationMs":  durationMs,
			})
			return nil
		}
		return &analyses.LedgerFault{Op: "transition", ID: job.AnalysisID, Err: err}
	}

	fields := map[string]any{
		"analysis_id": job.AnalysisID,
		"request_id":  requestID,
		"status":      next,
		"durationMs":  durationMs,
	}
	if runErr != nil {
		metrics.IncAnalysisFailed()
		fields["error_code"] = outcome.Failure.Code
		fields["error"] = outcome.Failure.Message
		telemetry.Error("analysis.status", fields)
		return nil
	}
	metrics.IncAnalysisCompleted()
	telemetry.Info("analysis.status", fields)
	return nil
}

func (p *Processor) execute(ctx context.Context, job analyses.Job) (result map[string]any, err error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	video := job.Video
	if video == nil {
		video, err = p.load(runCtx, job.VideoKey)
		if err != nil {
			return nil, err
		}
	}

	result, err = p.Analyzer.Process(runCtx, video, job.AnalysisID)
	if err != nil {
		if runCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", runCtx.Err(), err)
		}
		return nil, &analyses.ProcessingFault{AnalysisID: job.AnalysisID, Err: err}
	}
	return result, nil
}

func (p *Processor) load(ctx context.Context, key string) ([]byte, error) {
	if p.Store == nil {
		return nil, &analyses.StorageFault{Op: "open", Key: key, Err: errors.New("no object store configured")}
	}
	body, err := p.Store.Open(ctx, key)
	if err != nil {
		return nil, &analyses.StorageFault{Op: "open", Key: key, Err: err}
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &analyses.StorageFault{Op: "read", Key: key, Err: err}
	}
	return data, nil
}

func classifyFailure(err error) string {
	var storageErr *analyses.StorageFault
	switch {
	case err == nil:
		return analyses.ErrorCodeInternal
	case errors.Is(err, context.DeadlineExceeded):
		return analyses.ErrorCodeTimeout
	case errors.As(err, &storageErr):
		return analyses.ErrorCodeStorage
	case errors.Is(err, errPanic):
		return analyses.ErrorCodeInternal
	}
	var procErr *analyses.ProcessingFault
	if errors.As(err, &procErr) {
		return analyses.ErrorCodeProcessing
	}
	return analyses.ErrorCodeInternal
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	return util.TruncateUTF8(msg, maxErrorMessageLen)
}
