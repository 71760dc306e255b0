package queue

import (
	"context"
	"errors"
	"time"

	"bikefit-backend/internal/shared/telemetry"
)

// Client sends messages to a queue backend. Brokers that can deduplicate do
// so on Message.AnalysisID, which makes Send safe to repeat.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, msg Message) error

func (f ClientFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// WithRetry wraps c so a failed Send is attempted up to attempts times,
// doubling the pause between tries. Invalid messages are not retried. The
// request context bounds the total wait.
func WithRetry(c Client, attempts int, backoff time.Duration) Client {
	if attempts <= 1 {
		return c
	}
	return ClientFunc(func(ctx context.Context, msg Message) error {
		wait := backoff
		var err error
		for i := 1; ; i++ {
			err = c.Send(ctx, msg)
			if err == nil || i == attempts || errors.Is(err, ErrInvalidMessage) {
				return err
			}
			telemetry.Warn("queue.send_retry", map[string]any{
				"analysisId": msg.AnalysisID,
				"attempt":    i,
				"error":      err.Error(),
			})
			select {
			case <-ctx.Done():
				return err
			case <-time.After(wait):
			}
			wait *= 2
		}
	})
}
