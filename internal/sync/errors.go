package sync

import "fmt"

// NetworkError reports a transient failure talking to the remote peer.
// Retried up to the configured maxRetries.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConflictError reports a conflicting edit under the manual resolution
// policy. Surfaced to the caller, never auto-resolved.
type ConflictError struct {
	EntityID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("manual conflict on entity %s", e.EntityID)
}

// TimeoutError reports a run exceeding the configured syncTimeout.
// Unfinished items stay queued; nothing is lost.
type TimeoutError struct {
	EntityID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sync timed out before entity %s completed", e.EntityID)
}
