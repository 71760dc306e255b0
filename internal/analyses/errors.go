package analyses

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("analysis not found")
	ErrDuplicateID = errors.New("analysis id already exists")
	// ErrDirectUploadUnsupported is returned when the object gateway cannot presign uploads.
	ErrDirectUploadUnsupported = errors.New("direct upload not supported by object store")
)

// Failure codes recorded on failed analyses.
const (
	ErrorCodeProcessing   = "PROCESSING_ERROR"
	ErrorCodeTimeout      = "PROCESSING_TIMEOUT"
	ErrorCodeStorage      = "STORAGE_ERROR"
	ErrorCodeInternal     = "INTERNAL_ERROR"
	ErrorCodeLeaseExpired = "LEASE_EXPIRED"
)

// InvalidTransitionError is returned when a transition is not an edge of the
// lifecycle graph from the record's current status.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("analysis %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// ValidationError is a client error; Message is safe to return verbatim.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageFault wraps an object gateway failure.
type StorageFault struct {
	Op  string
	Key string
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("storage %s key=%s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageFault) Unwrap() error { return e.Err }

// LedgerFault wraps a ledger failure.
type LedgerFault struct {
	Op  string
	ID  string
	Err error
}

func (e *LedgerFault) Error() string {
	return fmt.Sprintf("ledger %s id=%s: %v", e.Op, e.ID, e.Err)
}

func (e *LedgerFault) Unwrap() error { return e.Err }

// ProcessingFault wraps a compute failure for one analysis.
type ProcessingFault struct {
	AnalysisID string
	Err        error
}

func (e *ProcessingFault) Error() string {
	return fmt.Sprintf("processing analysis=%s: %v", e.AnalysisID, e.Err)
}

func (e *ProcessingFault) Unwrap() error { return e.Err }

// DispatchFault is returned when the record was created but the processing
// trigger failed. The record stays pending and is picked up by the watchdog.
type DispatchFault struct {
	AnalysisID string
	Err        error
}

func (e *DispatchFault) Error() string {
	return fmt.Sprintf("dispatch analysis=%s: %v", e.AnalysisID, e.Err)
}

func (e *DispatchFault) Unwrap() error { return e.Err }
