package workerproc

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"bikefit-backend/internal/dispatch"
	"bikefit-backend/internal/queue"
	"bikefit-backend/internal/shared/metrics"
	"bikefit-backend/internal/shared/telemetry"
)

// NewServeMux routes analysis tasks to runner.
func NewServeMux(runner dispatch.Runner) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypeAnalysis, TaskHandler(runner))
	return mux
}

// TaskHandler processes one asynq analysis task. Malformed payloads are
// dropped with SkipRetry; ledger failures are returned so asynq retries.
func TaskHandler(runner dispatch.Runner) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		metrics.IncWorkerReceived(metrics.TransportAsynq)
		body := string(task.Payload())
		taskID, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)

		msg, err := Parse(body)
		if err != nil {
			metrics.IncWorkerDropped(metrics.TransportAsynq, string(ReasonOf(err)))
			fields := DropFields(err)
			fields["task_id"] = taskID
			telemetry.Error("worker.analysis.dropped", fields)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		fields := LogFields(msg, time.Now())
		fields["task_id"] = taskID
		fields["retry_count"] = retried
		telemetry.Info("worker.analysis.received", fields)

		if err := Run(ctx, runner, msg); err != nil {
			metrics.IncWorkerFailed(metrics.TransportAsynq)
			fields["error"] = err.Error()
			telemetry.Error("worker.analysis.failed", fields)
			return err
		}
		telemetry.Info("worker.analysis.completed", fields)
		return nil
	}
}
