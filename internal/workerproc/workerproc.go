// Package workerproc turns raw queue payloads into processor runs. It is
// shared by the SQS poller, the asynq server and the Lambda SQS handler.
package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"bikefit-backend/internal/dispatch"
	"bikefit-backend/internal/queue"
	"bikefit-backend/internal/shared/telemetry"
)

// Reason says why a payload was rejected before processing.
type Reason string

const (
	ReasonEmptyBody   Reason = "empty_body"
	ReasonDecode      Reason = "decode"
	ReasonMissingID   Reason = "missing_analysis_id"
	ReasonUnsupported Reason = "unsupported_version"
)

// Fingerprint identifies a payload in logs without printing it.
type Fingerprint struct {
	Len    int
	SHA256 string
}

func fingerprint(body string) Fingerprint {
	if body == "" {
		return Fingerprint{}
	}
	sum := sha256.Sum256([]byte(body))
	return Fingerprint{Len: len(body), SHA256: hex.EncodeToString(sum[:])}
}

// PoisonError is a payload that can never be processed. Redelivering it
// would fail the same way, so consumers delete it.
type PoisonError struct {
	Reason    Reason
	Body      Fingerprint
	RequestID string
	Err       error
}

func (e *PoisonError) Error() string {
	if e.Err == nil {
		return "poison message: " + string(e.Reason)
	}
	return fmt.Sprintf("poison message: %s: %v", e.Reason, e.Err)
}

func (e *PoisonError) Unwrap() error { return e.Err }

// RunError is a parsed job whose run failed. The ledger is still in a state
// the processor can resume from, so consumers let the broker redeliver.
type RunError struct {
	AnalysisID string
	RequestID  string
	Err        error
}

func (e *RunError) Error() string { return "process analysis " + e.AnalysisID + ": " + e.Err.Error() }

func (e *RunError) Unwrap() error { return e.Err }

// IsPoison reports whether err should drop the message instead of retrying it.
func IsPoison(err error) bool {
	var poison *PoisonError
	return errors.As(err, &poison)
}

// ReasonOf returns the rejection reason carried by err, or "" when err is
// not a *PoisonError.
func ReasonOf(err error) Reason {
	var poison *PoisonError
	if errors.As(err, &poison) {
		return poison.Reason
	}
	return ""
}

// Parse decodes and validates a payload. Every error it returns is a *PoisonError.
func Parse(body string) (queue.Message, error) {
	fp := fingerprint(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, &PoisonError{Reason: ReasonEmptyBody, Body: fp}
	}
	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, &PoisonError{Reason: ReasonDecode, Body: fp, Err: err}
	}
	if msg.Version > queue.MessageVersion {
		return msg, &PoisonError{
			Reason:    ReasonUnsupported,
			Body:      fp,
			RequestID: msg.RequestID,
			Err:       fmt.Errorf("version %d is newer than %d", msg.Version, queue.MessageVersion),
		}
	}
	if strings.TrimSpace(msg.AnalysisID) == "" {
		return msg, &PoisonError{Reason: ReasonMissingID, Body: fp, RequestID: msg.RequestID}
	}
	return msg, nil
}

// Run hands an already parsed message to runner under its request ID.
func Run(ctx context.Context, runner dispatch.Runner, msg queue.Message) error {
	if runner == nil {
		return errors.New("analysis processor not configured")
	}
	ctx = telemetry.WithRequestID(ctx, msg.RequestID)
	if err := runner.Run(ctx, dispatch.JobFromMessage(msg)); err != nil {
		return &RunError{AnalysisID: msg.AnalysisID, RequestID: msg.RequestID, Err: err}
	}
	return nil
}

// Handle parses body and runs it.
func Handle(ctx context.Context, runner dispatch.Runner, body string) error {
	msg, err := Parse(body)
	if err != nil {
		return err
	}
	return Run(ctx, runner, msg)
}

// QueueWait is how long msg sat in the queue, or zero when the enqueue
// stamp is missing or unparseable.
func QueueWait(msg queue.Message, now time.Time) time.Duration {
	enqueued, ok := msg.EnqueueTime()
	if !ok || now.Before(enqueued) {
		return 0
	}
	return now.Sub(enqueued)
}

// LogFields are the common fields for a received message.
func LogFields(msg queue.Message, now time.Time) map[string]any {
	fields := map[string]any{"analysis_id": msg.AnalysisID}
	if msg.RequestID != "" {
		fields["request_id"] = msg.RequestID
	}
	if wait := QueueWait(msg, now); wait > 0 {
		fields["queue_wait_ms"] = wait.Milliseconds()
	}
	return fields
}

// DropFields are the log fields for a payload rejected by Parse.
func DropFields(err error) map[string]any {
	fields := map[string]any{"error": err.Error()}
	var poison *PoisonError
	if errors.As(err, &poison) {
		fields["reason"] = string(poison.Reason)
		fields["body_len"] = poison.Body.Len
		if poison.Body.SHA256 != "" {
			fields["body_sha256"] = poison.Body.SHA256
		}
		if poison.RequestID != "" {
			fields["request_id"] = poison.RequestID
		}
	}
	return fields
}
