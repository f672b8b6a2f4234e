package es

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict indicates that the expected version of an append
	// did not match the version of the stream. Callers re-read the stream,
	// recompute their batch and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidArgument indicates a caller error such as an empty batch or a
	// malformed stream id. It is never worth retrying.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBackendUnavailable indicates a transient backend failure where no
	// part of the batch was committed. The whole append may be retried.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrIndeterminate indicates that the outcome of an append is unknown,
	// e.g. after a timeout. Callers must re-read the stream before retrying.
	ErrIndeterminate = errors.New("append outcome indeterminate")

	// ErrCommitNotFound is returned when no batch has the requested commit id.
	ErrCommitNotFound = errors.New("commit not found")

	// ErrStoreNoEvents is returned when an append batch is empty.
	ErrStoreNoEvents = fmt.Errorf("%w: no events to store", ErrInvalidArgument)
)

// ConflictError carries the authoritative stream version observed when an
// append was rejected.
type ConflictError struct {
	StreamID string
	Expected Version
	Actual   Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"%s: stream %q expected version %d, actual %d",
		ErrConcurrencyConflict,
		e.StreamID,
		e.Expected,
		e.Actual,
	)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// IndeterminateError is returned when the backend call of an append was
// cancelled or timed out, so the batch may or may not have been committed.
type IndeterminateError struct {
	StreamID string
	Expected Version
	Err      error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf(
		"%s: stream %q expected version %d: %v",
		ErrIndeterminate,
		e.StreamID,
		e.Expected,
		e.Err,
	)
}

func (e *IndeterminateError) Is(target error) bool { return target == ErrIndeterminate }
func (e *IndeterminateError) Unwrap() error        { return e.Err }

// IsConflict returns the conflict details when err is a concurrency conflict.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// NewConflictError is a convenience constructor for backends.
func NewConflictError(streamID string, expected, actual Version) *ConflictError {
	return &ConflictError{StreamID: streamID, Expected: expected, Actual: actual}
}
