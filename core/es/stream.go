package es

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"

	"github.com/codewandler/evstore-go/core/ds"
)

// OptimisticEventStream is the in-memory session mediating between an
// application aggregate and a CommitStore. It buffers uncommitted events,
// assembles them into atomic commit attempts, and reconciles with the
// durable log when a concurrent writer wins.
//
// A stream is a single-owner object: it is not safe for concurrent use.
// Exactly one caller may invoke operations on it at a time; callers sharing
// a stream must serialize externally.
type OptimisticEventStream struct {
	bucketID string
	streamID string

	store CommitStore
	clock Clock
	log   *slog.Logger

	streamRevision Revision
	commitSequence uint64

	committed          []EventMessage
	committedHeaders   map[string]any
	uncommitted        []EventMessage
	uncommittedHeaders map[string]any

	identifiers *ds.Set[string]
	disposed    bool
}

func newStream(store CommitStore, clock Clock, log *slog.Logger, bucketID, streamID string) *OptimisticEventStream {
	return &OptimisticEventStream{
		bucketID:           bucketID,
		streamID:           streamID,
		store:              store,
		clock:              clock,
		log:                log.With(slog.String("bucket", bucketID), slog.String("stream", streamID)),
		committedHeaders:   map[string]any{},
		uncommittedHeaders: map[string]any{},
		identifiers:        ds.NewSet[string](),
	}
}

func openStream(
	ctx context.Context,
	store CommitStore,
	clock Clock,
	log *slog.Logger,
	bucketID, streamID string,
	minRevision, maxRevision Revision,
) (*OptimisticEventStream, error) {
	s := newStream(store, clock, log, bucketID, streamID)

	commits, err := store.GetFrom(ctx, bucketID, streamID, minRevision, maxRevision)
	if err != nil {
		return nil, err
	}
	s.populate(commits, minRevision, maxRevision)

	if minRevision > 0 && len(s.committed) == 0 {
		return nil, ErrStreamNotFound
	}

	s.log.Debug(
		"opened",
		slog.Group(
			"range",
			minRevision.SlogAttrWithKey("min"),
			maxRevision.SlogAttrWithKey("max"),
		),
		s.streamRevision.SlogAttr(),
		slog.Uint64("sequence", s.commitSequence),
		slog.Int("events", len(s.committed)),
	)

	return s, nil
}

func openStreamFromSnapshot(
	ctx context.Context,
	store CommitStore,
	clock Clock,
	log *slog.Logger,
	snapshot *Snapshot,
	maxRevision Revision,
) (*OptimisticEventStream, error) {
	if snapshot == nil {
		return nil, errors.New("snapshot is nil")
	}

	s := newStream(store, clock, log, snapshot.BucketID, snapshot.StreamID)
	s.streamRevision = snapshot.StreamRevision

	commits, err := store.GetFrom(ctx, snapshot.BucketID, snapshot.StreamID, snapshot.StreamRevision+1, maxRevision)
	if err != nil {
		return nil, err
	}
	s.populate(commits, snapshot.StreamRevision+1, maxRevision)

	s.log.Debug(
		"opened from snapshot",
		snapshot.StreamRevision.SlogAttrWithKey("snapshot_revision"),
		s.streamRevision.SlogAttr(),
		slog.Int("events", len(s.committed)),
	)

	return s, nil
}

func (s *OptimisticEventStream) BucketID() string { return s.bucketID }
func (s *OptimisticEventStream) StreamID() string { return s.streamID }

// StreamRevision is the revision of the newest committed event folded into
// this session's view.
func (s *OptimisticEventStream) StreamRevision() Revision { return s.streamRevision }

// CommitSequence is the sequence of the newest commit observed by this
// session, even when its events lie above the session's revision window.
func (s *OptimisticEventStream) CommitSequence() uint64 { return s.commitSequence }

// CommittedEvents is a read-only, ordered view of the committed events
// whose revision falls within the session's load range.
func (s *OptimisticEventStream) CommittedEvents() EventList { return newEventList(&s.committed) }

// CommittedHeaders is a read-only view of headers accumulated from folded
// commits; later commits overwrite earlier keys.
func (s *OptimisticEventStream) CommittedHeaders() HeaderView {
	return newHeaderView(&s.committedHeaders)
}

// UncommittedEvents is a read-only, ordered view of the events buffered for
// the next commit.
func (s *OptimisticEventStream) UncommittedEvents() EventList { return newEventList(&s.uncommitted) }

// UncommittedHeaders is the mutable header map merged into the next commit.
func (s *OptimisticEventStream) UncommittedHeaders() HeaderMap {
	return newHeaderMap(&s.uncommittedHeaders)
}

// Add appends an event to the uncommitted buffer. No revision is assigned
// until the buffer is committed.
func (s *OptimisticEventStream) Add(event EventMessage) error {
	if s.disposed {
		return ErrStreamDisposed
	}
	if err := event.Validate(); err != nil {
		return err
	}
	s.uncommitted = append(s.uncommitted, event)
	return nil
}

// CommitChanges persists the uncommitted buffer as a single commit under the
// caller-chosen commitID.
//
// With an empty buffer it is a no-op that never touches the store. On
// ErrConcurrencyConflict the session folds in the commits that arrived
// concurrently and re-raises; the uncommitted buffer is left intact so the
// caller can rebuild its decision on the refreshed state and retry. On any
// other failure session state is unchanged.
func (s *OptimisticEventStream) CommitChanges(ctx context.Context, commitID string) error {
	if s.disposed {
		return ErrStreamDisposed
	}
	if commitID == "" {
		return errors.New("commit id is empty")
	}
	if s.identifiers.Contains(commitID) {
		return ErrDuplicateCommit
	}
	if len(s.uncommitted) == 0 {
		return nil
	}

	attempt := s.buildAttempt(commitID)

	s.log.Debug(
		"committing",
		slog.String("commit_id", commitID),
		slog.Uint64("sequence", attempt.CommitSequence),
		attempt.StreamRevision.SlogAttr(),
		slog.Int("events", len(attempt.Events)),
	)

	commit, err := s.store.Commit(ctx, attempt)
	switch {
	case err == nil:
		s.populate([]*Commit{commit}, s.streamRevision+1, attempt.StreamRevision)
		s.ClearChanges()
		return nil

	case errors.Is(err, ErrConcurrencyConflict):
		refreshed, loadErr := s.store.GetFrom(ctx, s.bucketID, s.streamID, s.streamRevision+1, MaxRevision)
		if loadErr != nil {
			return errors.Join(err, loadErr)
		}
		s.populate(refreshed, s.streamRevision+1, MaxRevision)
		s.log.Debug(
			"conflict reconciled",
			slog.Int("commits", len(refreshed)),
			s.streamRevision.SlogAttr(),
		)
		return err

	default:
		return err
	}
}

// ClearChanges drops the uncommitted events and headers.
func (s *OptimisticEventStream) ClearChanges() {
	s.uncommitted = nil
	s.uncommittedHeaders = map[string]any{}
}

// Dispose marks the stream terminal. Subsequent Add and CommitChanges calls
// fail with ErrStreamDisposed; ClearChanges and the UncommittedHeaders map
// do not check the disposed flag. Dispose is idempotent; the stream owns no
// durable resources.
func (s *OptimisticEventStream) Dispose() {
	s.disposed = true
}

func (s *OptimisticEventStream) buildAttempt(commitID string) *CommitAttempt {
	return &CommitAttempt{
		BucketID:       s.bucketID,
		StreamID:       s.streamID,
		CommitID:       commitID,
		CommitSequence: s.commitSequence + 1,
		StreamRevision: s.streamRevision + Revision(len(s.uncommitted)),
		CommitStamp:    s.clock.Now(),
		Headers:        maps.Clone(s.uncommittedHeaders),
		Events:         slices.Clone(s.uncommitted),
	}
}

// populate folds commits, in store order, into the committed view. Only
// events whose revision falls within [minRevision, maxRevision] are kept;
// the commit sequence advances for every commit observed, even when its
// events lie entirely above maxRevision.
func (s *OptimisticEventStream) populate(commits []*Commit, minRevision, maxRevision Revision) {
	for _, c := range commits {
		s.identifiers.Add(c.CommitID)
		s.commitSequence = c.CommitSequence

		first := c.FirstRevision()
		if first > maxRevision {
			break
		}

		for k, v := range c.Headers {
			s.committedHeaders[k] = v
		}

		cur := first
		for _, ev := range c.Events {
			if cur > maxRevision {
				break
			}
			if cur >= minRevision {
				s.committed = append(s.committed, ev)
				s.streamRevision = cur
			}
			cur++
		}
	}
}
