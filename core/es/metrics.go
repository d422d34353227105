package es

import (
	"errors"

	"github.com/codewandler/evstore-go/core/metrics"
)

// StoreMetrics defines the instrumentation surface of the commit log.
// Implementations must be safe for concurrent use.
type StoreMetrics interface {
	// GetDuration times a range read of a stream.
	GetDuration(bucket string) metrics.Timer
	// CommitDuration times a commit attempt end to end.
	CommitDuration(bucket string) metrics.Timer
	// CommitAttempted records the outcome of a commit attempt.
	CommitAttempted(bucket string, err error)
	// EventsCommitted counts events persisted by successful commits.
	EventsCommitted(bucket string, count int)

	// Snapshots
	SnapshotLoadDuration(bucket string) metrics.Timer
	SnapshotSaveDuration(bucket string) metrics.Timer

	// UndispatchedCommits reports the current undispatched backlog.
	UndispatchedCommits(count int)
}

type nopStoreMetrics struct{}

func (nopStoreMetrics) GetDuration(string) metrics.Timer          { return metrics.NopTimer() }
func (nopStoreMetrics) CommitDuration(string) metrics.Timer       { return metrics.NopTimer() }
func (nopStoreMetrics) CommitAttempted(string, error)             {}
func (nopStoreMetrics) EventsCommitted(string, int)               {}
func (nopStoreMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopStoreMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopStoreMetrics) UndispatchedCommits(int)                   {}

// NopStoreMetrics returns a no-op StoreMetrics implementation.
func NopStoreMetrics() StoreMetrics { return nopStoreMetrics{} }

// CommitOutcome classifies a commit attempt error for labeling.
func CommitOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrDuplicateCommit):
		return "duplicate"
	default:
		return "error"
	}
}
