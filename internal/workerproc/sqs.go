package workerproc

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"bikefit-backend/internal/dispatch"
	"bikefit-backend/internal/shared/metrics"
	"bikefit-backend/internal/shared/telemetry"
)

// SQSAPI is the subset of the SQS client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

const (
	receiveBatch      = 10
	longPoll          = 20 * time.Second
	defaultVisibility = 20 * time.Minute
	receiveBackoff    = time.Second
	receiveCountAttr  = "ApproximateReceiveCount"
)

// SQSConsumer long-polls a queue and runs each message on its own goroutine,
// at most Concurrency at a time. A message is deleted when its run succeeds
// or when it is poison; otherwise it reappears after the visibility timeout.
// While a run is in flight its visibility is extended every half period, so
// a slow analysis is not handed to a second worker.
type SQSConsumer struct {
	Client          SQSAPI
	QueueURL        string
	Runner          dispatch.Runner
	Concurrency     int
	Visibility      time.Duration
	ShutdownTimeout time.Duration
}

func (c *SQSConsumer) visibility() time.Duration {
	if c.Visibility <= 0 {
		return defaultVisibility
	}
	return c.Visibility
}

// Run polls until ctx is cancelled, then waits up to ShutdownTimeout for
// in-flight runs. Runs are detached from ctx so a shutdown only stops polling.
func (c *SQSConsumer) Run(ctx context.Context) error {
	if c.QueueURL == "" {
		return errors.New("SQS_QUEUE_URL is required")
	}
	sem := make(chan struct{}, max(1, c.Concurrency))
	var wg sync.WaitGroup

	telemetry.Info("worker.started", map[string]any{
		"mode":        "sqs",
		"queue":       c.QueueURL,
		"concurrency": cap(sem),
		"visibility":  c.visibility().String(),
	})

	for ctx.Err() == nil {
		resp, err := c.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.QueueURL),
			MaxNumberOfMessages: receiveBatch,
			WaitTimeSeconds:     int32(longPoll / time.Second),
			VisibilityTimeout:   int32(c.visibility() / time.Second),
			AttributeNames:      []sqstypes.QueueAttributeName{receiveCountAttr},
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			telemetry.Warn("worker.receive_failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
			case <-time.After(receiveBackoff):
			}
			continue
		}
		for _, msg := range resp.Messages {
			select {
			case <-ctx.Done():
				// Not started; it becomes visible again for another worker.
				continue
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(m sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				c.Handle(context.WithoutCancel(ctx), m)
			}(msg)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timeout := c.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	telemetry.Info("worker.draining", map[string]any{"timeout": timeout.String()})
	select {
	case <-done:
	case <-time.After(timeout):
		telemetry.Warn("worker.drain_timeout", nil)
	}
	return nil
}

// Handle processes one received message and acknowledges it when appropriate.
func (c *SQSConsumer) Handle(ctx context.Context, msg sqstypes.Message) {
	metrics.IncWorkerReceived(metrics.TransportSQS)
	fields := map[string]any{
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}

	decoded, err := Parse(aws.ToString(msg.Body))
	if err != nil {
		for k, v := range DropFields(err) {
			fields[k] = v
		}
		telemetry.Error("worker.analysis.dropped", fields)
		if c.delete(ctx, msg, fields) {
			metrics.IncWorkerDropped(metrics.TransportSQS, string(ReasonOf(err)))
		}
		return
	}
	for k, v := range LogFields(decoded, time.Now()) {
		fields[k] = v
	}
	telemetry.Info("worker.analysis.received", fields)

	stop := c.heartbeat(ctx, msg, fields)
	err = Run(ctx, c.Runner, decoded)
	stop()
	if err != nil {
		metrics.IncWorkerFailed(metrics.TransportSQS)
		fields["error"] = err.Error()
		telemetry.Error("worker.analysis.failed", fields)
		return
	}
	if c.delete(ctx, msg, fields) {
		telemetry.Info("worker.analysis.completed", fields)
	}
}

func (c *SQSConsumer) heartbeat(ctx context.Context, msg sqstypes.Message, fields map[string]any) (stop func()) {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		return func() {}
	}
	vis := c.visibility()
	analysisID := fields["analysis_id"]
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(vis / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := c.Client.ChangeMessageVisibility(hbCtx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(c.QueueURL),
					ReceiptHandle:     aws.String(receipt),
					VisibilityTimeout: int32(vis / time.Second),
				}); err != nil && hbCtx.Err() == nil {
					telemetry.Warn("worker.visibility_extend_failed", map[string]any{
						"analysis_id": analysisID,
						"error":       err.Error(),
					})
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *SQSConsumer) delete(ctx context.Context, msg sqstypes.Message, fields map[string]any) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		fields["error"] = "missing receipt handle"
		telemetry.Error("worker.analysis.delete_failed", fields)
		return false
	}
	if _, err := c.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.QueueURL),
		ReceiptHandle: aws.String(receipt),
	}); err != nil {
		fields["error"] = err.Error()
		telemetry.Error("worker.analysis.delete_failed", fields)
		return false
	}
	return true
}

func receiveCount(msg sqstypes.Message) int {
	n, err := strconv.Atoi(msg.Attributes[receiveCountAttr])
	if err != nil {
		return 0
	}
	return n
}
