// Package compute holds the video analysis step run by the dispatcher. Only
// its contract matters to the rest of the service: bytes in, a JSON-shaped
// result or an error out.
package compute

import "context"

// Analyzer processes one video for one analysis.
type Analyzer interface {
	Process(ctx context.Context, video []byte, analysisID string) (map[string]any, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, video []byte, analysisID string) (map[string]any, error)

func (f AnalyzerFunc) Process(ctx context.Context, video []byte, analysisID string) (map[string]any, error) {
	return f(ctx, video, analysisID)
}
