package dispatch

import (
	"context"
	"time"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/queue"
)

// Queued publishes jobs to a queue for cmd/worker. Video bytes are never sent;
// the worker loads them from the object store.
type Queued struct {
	Client queue.Client
	Now    func() time.Time
}

// Dispatch publishes job stamped with the current time.
func (q *Queued) Dispatch(ctx context.Context, job analyses.Job) error {
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	return q.Client.Send(ctx, queue.NewMessage(job.AnalysisID, job.VideoKey, job.RequestID, now()))
}

// JobFromMessage rebuilds the job a queue message was published for.
func JobFromMessage(msg queue.Message) analyses.Job {
	return analyses.Job{AnalysisID: msg.AnalysisID, VideoKey: msg.VideoKey, RequestID: msg.RequestID}
}

var _ analyses.Dispatcher = (*Queued)(nil)
