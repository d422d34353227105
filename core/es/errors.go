package es

import (
	"errors"
	"fmt"
)

var (
	// ErrNilEvent is returned when a nil event or an event without a body
	// is added to a stream.
	ErrNilEvent = errors.New("event is nil or has no body")
	// ErrStreamDisposed is returned by Add and CommitChanges on a
	// disposed stream.
	ErrStreamDisposed = errors.New("stream is disposed")
	// ErrStreamNotFound is returned when opening a stream at a minimum
	// revision > 0 and the store holds no commits in range.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrDuplicateCommit is returned when a commit id has already been
	// persisted for the stream.
	ErrDuplicateCommit = errors.New("duplicate commit")
	// ErrConcurrencyConflict is returned when another commit has been
	// appended to the stream since the writer's last observed head.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrReadOnly is returned when mutating a read-only collection view.
	ErrReadOnly = errors.New("collection is read-only")
)

// StorageError wraps unrecoverable I/O, transport and cancellation failures
// surfaced by a CommitStore. Op names the failed store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for the given operation.
// Errors that already carry commit semantics (duplicate, conflict) and
// existing storage errors pass through unchanged.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) ||
		errors.Is(err, ErrDuplicateCommit) ||
		errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
