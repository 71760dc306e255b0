package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeAnalysis is the asynq task type for analysis jobs.
	TaskTypeAnalysis = "analysis:process"
	// AsynqQueue is the asynq queue analysis tasks are enqueued on.
	AsynqQueue = "analysis"
)

// TaskEnqueuer is the subset of *asynq.Client used to publish.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqClient sends queue messages as asynq tasks on Redis.
type AsynqClient struct {
	client    TaskEnqueuer
	maxRetry  int
	timeout   time.Duration
	retention time.Duration
}

// NewAsynqClient wraps an asynq client. timeout bounds one task run on the
// worker and should exceed the processing timeout.
func NewAsynqClient(client TaskEnqueuer, timeout time.Duration) *AsynqClient {
	return &AsynqClient{client: client, maxRetry: 3, timeout: timeout, retention: 24 * time.Hour}
}

// NewAnalysisTask builds the asynq task for msg.
func NewAnalysisTask(msg Message) (*asynq.Task, error) {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encode asynq task: %w", err)
	}
	return asynq.NewTask(TaskTypeAnalysis, payload), nil
}

// Send enqueues msg. The analysis ID is the task ID, so a second enqueue for a
// task still known to asynq is treated as already queued.
func (c *AsynqClient) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	task, err := NewAnalysisTask(msg)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(AsynqQueue),
		asynq.TaskID(msg.AnalysisID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Retention(c.retention),
	}
	if c.timeout > 0 {
		opts = append(opts, asynq.Timeout(c.timeout))
	}
	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("asynq enqueue: %w", err)
	}
	return nil
}

var _ Client = (*AsynqClient)(nil)
