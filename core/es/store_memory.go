package es

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codewandler/evstore-go/core/perkey"
)

// InMemoryCommitStore is the reference CommitStore: a per-stream ordered
// commit list with commits linearized per stream. It defines the semantics
// other back-ends are conformance-tested against, and is the store of
// choice for tests and single-process development.
type InMemoryCommitStore struct {
	mu         sync.RWMutex // guards the streams and snapshots maps only
	log        *slog.Logger
	checkpoint atomic.Int64
	streams    map[string]*memoryStream
	snapshots  map[string][]*Snapshot
	sched      *perkey.Scheduler[string]
}

type memoryStream struct {
	mu      sync.RWMutex
	commits []*Commit
	ids     map[string]struct{}
}

// NewInMemoryCommitStore creates an empty in-memory store.
func NewInMemoryCommitStore() *InMemoryCommitStore {
	return &InMemoryCommitStore{
		log:       slog.Default().With(slog.String("store", "memory")),
		streams:   map[string]*memoryStream{},
		snapshots: map[string][]*Snapshot{},
		sched:     perkey.New[string](),
	}
}

func streamKey(bucketID, streamID string) string {
	return bucketID + "/" + streamID
}

func (s *InMemoryCommitStore) stream(key string) (*memoryStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[key]
	return st, ok
}

func (s *InMemoryCommitStore) streamOrCreate(key string) *memoryStream {
	if st, ok := s.stream(key); ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		st = &memoryStream{ids: map[string]struct{}{}}
		s.streams[key] = st
	}
	return st
}

func (s *InMemoryCommitStore) GetFrom(
	_ context.Context,
	bucketID, streamID string,
	minRevision, maxRevision Revision,
) ([]*Commit, error) {
	st, ok := s.stream(streamKey(bucketID, streamID))
	if !ok {
		return nil, nil
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []*Commit
	for _, c := range st.commits {
		if c.StreamRevision < minRevision {
			continue
		}
		if c.FirstRevision() > maxRevision {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// Commit linearizes attempts per stream via the perkey scheduler: attempts
// against the same stream run sequentially, different streams in parallel.
// Only the head check and the append lock the stream itself.
func (s *InMemoryCommitStore) Commit(ctx context.Context, attempt *CommitAttempt) (*Commit, error) {
	if err := attempt.Validate(); err != nil {
		return nil, err
	}

	key := streamKey(attempt.BucketID, attempt.StreamID)

	var out *Commit
	err := s.sched.DoContext(ctx, key, func() error {
		st := s.streamOrCreate(key)

		st.mu.Lock()
		defer st.mu.Unlock()

		if _, dup := st.ids[attempt.CommitID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCommit, attempt.CommitID)
		}

		var headRevision Revision
		if n := len(st.commits); n > 0 {
			headRevision = st.commits[n-1].StreamRevision
		}
		if attempt.CommitSequence != uint64(len(st.commits))+1 ||
			attempt.StreamRevision != headRevision+Revision(len(attempt.Events)) {
			return fmt.Errorf(
				"%w: attempt sequence %d against head %d",
				ErrConcurrencyConflict, attempt.CommitSequence, len(st.commits),
			)
		}

		commit := attempt.ToCommit(s.checkpoint.Add(1))
		st.commits = append(st.commits, commit)
		st.ids[commit.CommitID] = struct{}{}
		out = commit

		s.log.Debug("commit", commit.logAttrs())
		return nil
	})
	if err != nil {
		return nil, NewStorageError("commit", err)
	}
	return out, nil
}

func (s *InMemoryCommitStore) MarkCommitDispatched(_ context.Context, commit *Commit) error {
	st, ok := s.stream(streamKey(commit.BucketID, commit.StreamID))
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, c := range st.commits {
		if c.CommitSequence == commit.CommitSequence {
			c.Dispatched = true
			return nil
		}
	}
	return nil
}

func (s *InMemoryCommitStore) GetUndispatchedCommits(_ context.Context) ([]*Commit, error) {
	s.mu.RLock()
	streams := make([]*memoryStream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	var out []*Commit
	for _, st := range streams {
		st.mu.RLock()
		for _, c := range st.commits {
			if !c.Dispatched {
				out = append(out, c)
			}
		}
		st.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CheckpointToken < out[j].CheckpointToken
	})
	return out, nil
}

func (s *InMemoryCommitStore) GetSnapshot(
	_ context.Context,
	bucketID, streamID string,
	maxRevision Revision,
) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := s.snapshots[streamKey(bucketID, streamID)]
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].StreamRevision <= maxRevision {
			return snapshots[i], nil
		}
	}
	return nil, ErrSnapshotNotFound
}

func (s *InMemoryCommitStore) AddSnapshot(_ context.Context, snapshot *Snapshot) (bool, error) {
	if snapshot == nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(snapshot.BucketID, snapshot.StreamID)
	snapshots := s.snapshots[key]
	for _, existing := range snapshots {
		if existing.StreamRevision == snapshot.StreamRevision {
			return false, nil
		}
	}

	snapshots = append(snapshots, snapshot)
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StreamRevision < snapshots[j].StreamRevision
	})
	s.snapshots[key] = snapshots

	s.log.Debug("snapshot added", snapshot.logAttrs())
	return true, nil
}

func (s *InMemoryCommitStore) DeleteStream(_ context.Context, bucketID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(bucketID, streamID)
	delete(s.streams, key)
	delete(s.snapshots, key)
	return nil
}

func (s *InMemoryCommitStore) Purge(_ context.Context, bucketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := bucketID + "/"
	for key := range s.streams {
		if strings.HasPrefix(key, prefix) {
			delete(s.streams, key)
		}
	}
	for key := range s.snapshots {
		if strings.HasPrefix(key, prefix) {
			delete(s.snapshots, key)
		}
	}
	return nil
}

func (s *InMemoryCommitStore) Drop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams = map[string]*memoryStream{}
	s.snapshots = map[string][]*Snapshot{}
	return nil
}

// Close shuts down the per-stream commit scheduler.
func (s *InMemoryCommitStore) Close() {
	s.sched.Close()
}

var _ CommitStore = (*InMemoryCommitStore)(nil)
