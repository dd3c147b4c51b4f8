package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing record.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCriteria signals malformed filter criteria or viewport input.
	ErrInvalidCriteria = errors.New("invalid criteria")
	// ErrSuperseded signals that a newer evaluation replaced this one before
	// it finished; the stale result is never returned.
	ErrSuperseded = errors.New("superseded by newer criteria")

	// ErrUnreachable signals a remote network failure. Recovered locally via
	// backoff retry; surfaces to users only as an offline indicator.
	ErrUnreachable = errors.New("remote unreachable")
	// ErrConflict signals the remote rejected a push on a version mismatch it
	// cannot merge. The local dirty flag is retained for the next cycle.
	ErrConflict = errors.New("push conflict")

	// ErrStorageFailure signals a local persistence I/O error. Fatal to the
	// triggering operation, surfaced immediately, never retried.
	ErrStorageFailure = errors.New("storage failure")

	// Geolocation failures. Proximity filtering degrades; queries keep running.
	ErrPermissionDenied = errors.New("geolocation permission denied")
	ErrUnavailable      = errors.New("geolocation unavailable")
	ErrTimeout          = errors.New("geolocation timeout")
)

// ConflictError wraps ErrConflict with the version the remote reported.
type ConflictError struct {
	RemoteVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: remote version is %d", ErrConflict.Error(), e.RemoteVersion)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflict creates a push conflict error.
func NewConflict(remoteVersion int64) error {
	return &ConflictError{RemoteVersion: remoteVersion}
}
