package es

import (
	"context"
)

// CommitStore is the abstract durable commit log a stream session consumes.
//
// Commit must be serializable per stream: implementations may use leases,
// conditional writes, transactions or mutual exclusion, but two concurrent
// commits against the same stream must never both succeed at the same
// sequence. Operations surface unrecoverable I/O as *StorageError and honor
// context cancellation cooperatively.
type CommitStore interface {
	SnapshotStore

	// GetFrom returns all commits of the stream, ordered by commit
	// sequence ascending, whose stream revision range intersects
	// [minRevision, maxRevision]. The empty result is not an error.
	GetFrom(ctx context.Context, bucketID, streamID string, minRevision, maxRevision Revision) ([]*Commit, error)

	// Commit atomically appends the attempt and returns the persisted
	// commit with any store-assigned fields. It fails with
	// ErrDuplicateCommit when the stream already holds the attempt's
	// commit id, and with ErrConcurrencyConflict when the attempt's
	// sequence is not exactly one greater than the durable head.
	Commit(ctx context.Context, attempt *CommitAttempt) (*Commit, error)

	// MarkCommitDispatched flags the commit as handed off to downstream
	// dispatch machinery.
	MarkCommitDispatched(ctx context.Context, commit *Commit) error

	// GetUndispatchedCommits returns all commits not yet marked as
	// dispatched, ordered by checkpoint token.
	GetUndispatchedCommits(ctx context.Context) ([]*Commit, error)

	// DeleteStream removes a stream and its commits.
	DeleteStream(ctx context.Context, bucketID, streamID string) error

	// Purge removes all streams of a bucket.
	Purge(ctx context.Context, bucketID string) error

	// Drop removes everything the store holds.
	Drop(ctx context.Context) error
}

// instrumentedStore decorates a CommitStore with metrics. The engine wraps
// its store with it so sessions stay metrics-agnostic.
type instrumentedStore struct {
	CommitStore
	metrics StoreMetrics
}

func newInstrumentedStore(store CommitStore, m StoreMetrics) CommitStore {
	if m == nil {
		return store
	}
	if _, ok := m.(nopStoreMetrics); ok {
		return store
	}
	return &instrumentedStore{CommitStore: store, metrics: m}
}

func (s *instrumentedStore) GetFrom(
	ctx context.Context,
	bucketID, streamID string,
	minRevision, maxRevision Revision,
) ([]*Commit, error) {
	defer s.metrics.GetDuration(bucketID).ObserveDuration()
	return s.CommitStore.GetFrom(ctx, bucketID, streamID, minRevision, maxRevision)
}

func (s *instrumentedStore) Commit(ctx context.Context, attempt *CommitAttempt) (*Commit, error) {
	defer s.metrics.CommitDuration(attempt.BucketID).ObserveDuration()
	commit, err := s.CommitStore.Commit(ctx, attempt)
	s.metrics.CommitAttempted(attempt.BucketID, err)
	if err == nil {
		s.metrics.EventsCommitted(attempt.BucketID, len(attempt.Events))
	}
	return commit, err
}

func (s *instrumentedStore) GetSnapshot(
	ctx context.Context,
	bucketID, streamID string,
	maxRevision Revision,
) (*Snapshot, error) {
	defer s.metrics.SnapshotLoadDuration(bucketID).ObserveDuration()
	return s.CommitStore.GetSnapshot(ctx, bucketID, streamID, maxRevision)
}

func (s *instrumentedStore) AddSnapshot(ctx context.Context, snapshot *Snapshot) (bool, error) {
	defer s.metrics.SnapshotSaveDuration(snapshot.BucketID).ObserveDuration()
	return s.CommitStore.AddSnapshot(ctx, snapshot)
}
