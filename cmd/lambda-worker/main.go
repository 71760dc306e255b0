package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"bikefit-backend/internal/bootstrap"
	"bikefit-backend/internal/dispatch"
	"bikefit-backend/internal/shared/config"
	"bikefit-backend/internal/shared/metrics"
	"bikefit-backend/internal/shared/telemetry"
	"bikefit-backend/internal/workerproc"
)

// consumer builds the processor once per sandbox and applies it to each
// SQS batch, reporting partial failures so only retryable records return.
type consumer struct {
	build func() (dispatch.Runner, error)

	once   sync.Once
	runner dispatch.Runner
	err    error
}

func (c *consumer) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	c.once.Do(func() {
		c.runner, c.err = c.build()
		if c.err != nil {
			telemetry.Error("lambda.bootstrap_failed", map[string]any{"error": c.err.Error()})
		}
	})
	if c.err != nil {
		// Failing the invocation returns the whole batch to the queue.
		return events.SQSEventResponse{}, c.err
	}
	return handleBatch(ctx, c.runner, event), nil
}

// handleBatch reports only retryable failures; poison records are dropped.
func handleBatch(ctx context.Context, r dispatch.Runner, event events.SQSEvent) events.SQSEventResponse {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		metrics.IncWorkerReceived(metrics.TransportLambda)
		err := workerproc.Handle(ctx, r, record.Body)
		switch {
		case err == nil:
		case workerproc.IsPoison(err):
			fields := workerproc.DropFields(err)
			fields["sqs_message_id"] = record.MessageId
			metrics.IncWorkerDropped(metrics.TransportLambda, string(workerproc.ReasonOf(err)))
			telemetry.Error("worker.analysis.dropped", fields)
		default:
			metrics.IncWorkerFailed(metrics.TransportLambda)
			telemetry.Error("worker.analysis.failed", map[string]any{
				"sqs_message_id": record.MessageId,
				"error":          err.Error(),
			})
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp
}

func buildRunner() (dispatch.Runner, error) {
	cfg := config.Load()
	telemetry.Init(cfg.LogLevel)
	app, err := bootstrap.Build(cfg)
	if err != nil {
		return nil, err
	}
	return app.Processor, nil
}

func main() {
	c := &consumer{build: buildRunner}
	lambda.Start(c.handle)
}
