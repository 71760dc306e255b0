package analyses

import "context"

// Job is the unit handed to a Dispatcher. Video may be nil, in which case the
// processor loads the bytes from the object store by VideoKey.
type Job struct {
	AnalysisID string
	VideoKey   string
	Video      []byte
	RequestID  string
}

// Dispatcher triggers processing for a created analysis. Dispatch returns once
// the job has been handed off and never waits for the compute step.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job Job) error

func (f DispatcherFunc) Dispatch(ctx context.Context, job Job) error { return f(ctx, job) }
