package sync

import "errors"

// Sentinel errors surfaced to callers
var (
	// ErrOperationInProgress is returned when a start request arrives
	// while another operation holds the exclusive slot
	ErrOperationInProgress = errors.New("a sync operation is already in progress")

	// ErrOperationNotFound is returned for lookups of unknown operation ids
	ErrOperationNotFound = errors.New("sync operation not found")
)

// Reason constants attached to phase errors
const (
	ReasonGatewayFailure  = "gateway-failure"
	ReasonPhaseTimeout    = "phase-timeout"
	ReasonRetriesExceeded = "batch-retries-exceeded"
	ReasonSnapshotFailure = "snapshot-failure"
	ReasonCancelled       = "operator-cancelled"
)

// Error is a structured phase failure: it carries the phase that failed
// and a machine-readable reason alongside the wrapped cause.
type Error struct {
	Err     error
	Message string
	Phase   Phase
	Reason  string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
