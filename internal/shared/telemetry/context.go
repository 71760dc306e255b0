package telemetry

import "context"

type requestIDKey struct{}

// WithRequestID returns ctx carrying id. Work detached from an HTTP request
// (queue consumers, the in-process dispatcher) restores the ID this way so its
// log lines correlate with the request that started it.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the ID stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
