package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/evstore-go/ports/kv"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Snapshot is a materialized view of a stream at a known revision. Opening a
// stream from a snapshot skips replaying everything at or below its revision.
type Snapshot struct {
	BucketID       string   `json:"bucket_id"`
	StreamID       string   `json:"stream_id"`
	StreamRevision Revision `json:"stream_revision"`
	Payload        any      `json:"payload"`
}

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("bucket", s.BucketID),
		slog.String("stream", s.StreamID),
		s.StreamRevision.SlogAttr(),
	)
}

// SnapshotStore is the narrow capability for snapshot persistence. Every
// CommitStore satisfies it; a separate implementation (e.g. a KV bucket) can
// be swapped in when snapshots should live apart from the commit log.
type SnapshotStore interface {
	// GetSnapshot returns the most recent snapshot of the stream whose
	// revision is at or below maxRevision, or ErrSnapshotNotFound.
	GetSnapshot(ctx context.Context, bucketID, streamID string, maxRevision Revision) (*Snapshot, error)
	// AddSnapshot records a snapshot. It reports false when the snapshot
	// was not stored (e.g. a snapshot at that revision already exists).
	AddSnapshot(ctx context.Context, snapshot *Snapshot) (bool, error)
}

// KVSnapshotStore keeps snapshots in a key/value port, keyed per stream.
// Only the most recent snapshot per stream is retained.
type KVSnapshotStore struct {
	store kv.Store
}

func NewKVSnapshotStore(store kv.Store) *KVSnapshotStore {
	return &KVSnapshotStore{store: store}
}

func snapshotKey(bucketID, streamID string) string {
	return fmt.Sprintf("snapshot.%s.%s", bucketID, streamID)
}

func (s *KVSnapshotStore) GetSnapshot(
	ctx context.Context,
	bucketID, streamID string,
	maxRevision Revision,
) (*Snapshot, error) {
	snapshot, err := kv.Get[Snapshot](ctx, s.store, snapshotKey(bucketID, streamID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, NewStorageError("get snapshot", err)
	}
	if snapshot.StreamRevision > maxRevision {
		return nil, ErrSnapshotNotFound
	}
	return &snapshot, nil
}

func (s *KVSnapshotStore) AddSnapshot(ctx context.Context, snapshot *Snapshot) (bool, error) {
	if snapshot == nil {
		return false, nil
	}
	key := snapshotKey(snapshot.BucketID, snapshot.StreamID)
	if existing, err := kv.Get[Snapshot](ctx, s.store, key); err == nil {
		if existing.StreamRevision >= snapshot.StreamRevision {
			return false, nil
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return false, NewStorageError("add snapshot", err)
	}
	if err := kv.Put(ctx, s.store, key, snapshot, kv.PutOptions{}); err != nil {
		return false, NewStorageError("add snapshot", err)
	}
	return true, nil
}

var _ SnapshotStore = (*KVSnapshotStore)(nil)
