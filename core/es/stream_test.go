package es

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
)

// recordingStore wraps a CommitStore and records the attempts it receives.
// An injected commitErr short-circuits Commit without touching the inner
// store.
type recordingStore struct {
	CommitStore
	attempts  []*CommitAttempt
	commitErr error
}

func (r *recordingStore) Commit(ctx context.Context, attempt *CommitAttempt) (*Commit, error) {
	r.attempts = append(r.attempts, attempt)
	if r.commitErr != nil {
		return nil, r.commitErr
	}
	return r.CommitStore.Commit(ctx, attempt)
}

func testEngine(store CommitStore) (*Engine, *FrozenClock) {
	clock := NewFrozenClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(store, WithClock(clock)), clock
}

// seedCommits appends n commits of two events each to the stream, with
// bodies "e1", "e2", ... numbered across commits.
func seedCommits(t *testing.T, store CommitStore, bucketID, streamID string, n int) {
	t.Helper()
	ev := 0
	for seq := 1; seq <= n; seq++ {
		attempt := &CommitAttempt{
			BucketID:       bucketID,
			StreamID:       streamID,
			CommitID:       fmt.Sprintf("c%d", seq),
			CommitSequence: uint64(seq),
			StreamRevision: Revision(seq * 2),
			CommitStamp:    time.Now().UTC(),
			Events: []EventMessage{
				{Body: fmt.Sprintf("e%d", ev+1)},
				{Body: fmt.Sprintf("e%d", ev+2)},
			},
		}
		ev += 2
		_, err := store.Commit(context.Background(), attempt)
		require.NoError(t, err)
	}
}

func bodies(list EventList) []string {
	var out []string
	for _, e := range list.Values() {
		out = append(out, e.Body.(string))
	}
	return out
}

func TestOpenStream_Range(t *testing.T) {
	store := NewInMemoryCommitStore()
	seedCommits(t, store, "b1", "s1", 4)
	engine, _ := testEngine(store)

	s, err := engine.OpenStream(context.Background(), "b1", "s1", 2, 7)
	require.NoError(t, err)

	require.Equal(t, Revision(7), s.StreamRevision())
	require.Equal(t, uint64(4), s.CommitSequence())
	require.Equal(t, []string{"e2", "e3", "e4", "e5", "e6", "e7"}, bodies(s.CommittedEvents()))
}

func TestOpenStream_Full(t *testing.T) {
	store := NewInMemoryCommitStore()
	seedCommits(t, store, "b1", "s1", 4)
	engine, _ := testEngine(store)

	s, err := engine.OpenStream(context.Background(), "b1", "s1", 0, MaxRevision)
	require.NoError(t, err)

	require.Equal(t, Revision(8), s.StreamRevision())
	require.Equal(t, uint64(4), s.CommitSequence())
	require.Equal(t, 8, s.CommittedEvents().Len())
}

func TestOpenStream_UpperBoundStopsFolding(t *testing.T) {
	store := NewInMemoryCommitStore()
	seedCommits(t, store, "b1", "s1", 3)
	engine, _ := testEngine(store)

	// max revision 2 keeps only the first commit's events; later commits
	// lie entirely above the window
	s, err := engine.OpenStream(context.Background(), "b1", "s1", 0, 2)
	require.NoError(t, err)

	require.Equal(t, Revision(2), s.StreamRevision())
	require.Equal(t, []string{"e1", "e2"}, bodies(s.CommittedEvents()))
}

func TestOpenStream_NotFound(t *testing.T) {
	engine, _ := testEngine(NewInMemoryCommitStore())

	_, err := engine.OpenStream(context.Background(), "b1", "missing", 1, MaxRevision)
	require.ErrorIs(t, err, ErrStreamNotFound)

	// min revision 0 distinguishes the genuinely empty stream
	s, err := engine.OpenStream(context.Background(), "b1", "missing", 0, MaxRevision)
	require.NoError(t, err)
	require.Equal(t, Revision(0), s.StreamRevision())
}

func TestOpenStreamFromSnapshot(t *testing.T) {
	store := NewInMemoryCommitStore()
	seedCommits(t, store, "b1", "s1", 2)
	engine, _ := testEngine(store)

	snapshot := &Snapshot{BucketID: "b1", StreamID: "s1", StreamRevision: 2, Payload: "state@2"}
	s, err := engine.OpenStreamFromSnapshot(context.Background(), snapshot, MaxRevision)
	require.NoError(t, err)

	require.Equal(t, Revision(4), s.StreamRevision())
	require.Equal(t, uint64(2), s.CommitSequence())
	require.Equal(t, []string{"e3", "e4"}, bodies(s.CommittedEvents()))
}

func TestOpenStreamFromSnapshot_AtHead(t *testing.T) {
	store := NewInMemoryCommitStore()
	seedCommits(t, store, "b1", "s1", 2)
	engine, _ := testEngine(store)

	snapshot := &Snapshot{BucketID: "b1", StreamID: "s1", StreamRevision: 4}
	s, err := engine.OpenStreamFromSnapshot(context.Background(), snapshot, MaxRevision)
	require.NoError(t, err)

	// nothing above the snapshot: revision stays at the snapshot's
	require.Equal(t, Revision(4), s.StreamRevision())
	require.Equal(t, 0, s.CommittedEvents().Len())
}

func TestAdd(t *testing.T) {
	engine, _ := testEngine(NewInMemoryCommitStore())
	s := engine.CreateStream("b1", "s1")

	require.ErrorIs(t, s.Add(EventMessage{}), ErrNilEvent)
	require.NoError(t, s.Add(EventMessage{Body: "x"}))
	require.Equal(t, 1, s.UncommittedEvents().Len())
	require.Equal(t, Revision(0), s.StreamRevision())
}

func TestCommitChanges(t *testing.T) {
	rec := &recordingStore{CommitStore: NewInMemoryCommitStore()}
	engine, clock := testEngine(rec)

	s := engine.CreateStream("b1", "s1")
	require.NoError(t, s.Add(EventMessage{Body: "x"}))
	s.UncommittedHeaders().Set("k", "v")

	id := gonanoid.Must()
	require.NoError(t, s.CommitChanges(context.Background(), id))

	require.Len(t, rec.attempts, 1)
	attempt := rec.attempts[0]
	require.Equal(t, id, attempt.CommitID)
	require.Equal(t, uint64(1), attempt.CommitSequence)
	require.Equal(t, Revision(1), attempt.StreamRevision)
	require.Equal(t, clock.Now(), attempt.CommitStamp)
	require.Len(t, attempt.Events, 1)
	require.Equal(t, map[string]any{"k": "v"}, attempt.Headers)

	require.Equal(t, Revision(1), s.StreamRevision())
	require.Equal(t, uint64(1), s.CommitSequence())
	require.Equal(t, 0, s.UncommittedEvents().Len())
	require.Equal(t, 0, s.UncommittedHeaders().Len())
	require.Equal(t, 1, s.CommittedEvents().Len())

	v, ok := s.CommittedHeaders().Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestCommitChanges_BuffersAllUncommittedEvents(t *testing.T) {
	rec := &recordingStore{CommitStore: NewInMemoryCommitStore()}
	engine, _ := testEngine(rec)

	s := engine.CreateStream("b1", "s1")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Add(EventMessage{Body: fmt.Sprintf("e%d", i+1)}))
	}
	s.UncommittedHeaders().Set("only", "header")

	require.NoError(t, s.CommitChanges(context.Background(), gonanoid.Must()))

	// the commit carries every buffered event, independent of how many
	// headers were set
	require.Len(t, rec.attempts, 1)
	require.Len(t, rec.attempts[0].Events, 3)
	require.Equal(t, Revision(3), rec.attempts[0].StreamRevision)
}

func TestCommitChanges_EmptyIsNoop(t *testing.T) {
	rec := &recordingStore{CommitStore: NewInMemoryCommitStore()}
	engine, _ := testEngine(rec)

	s := engine.CreateStream("b1", "s1")
	require.NoError(t, s.CommitChanges(context.Background(), gonanoid.Must()))

	require.Empty(t, rec.attempts)
	require.Equal(t, Revision(0), s.StreamRevision())
	require.Equal(t, uint64(0), s.CommitSequence())
}

func TestCommitChanges_DuplicateLocal(t *testing.T) {
	store := NewInMemoryCommitStore()
	seedCommits(t, store, "b1", "s1", 1)
	rec := &recordingStore{CommitStore: store}
	engine, _ := testEngine(rec)

	s, err := engine.OpenStream(context.Background(), "b1", "s1", 0, MaxRevision)
	require.NoError(t, err)
	require.NoError(t, s.Add(EventMessage{Body: "x"}))

	// "c1" was folded in during the load above
	require.ErrorIs(t, s.CommitChanges(context.Background(), "c1"), ErrDuplicateCommit)
	require.Empty(t, rec.attempts, "the store must not be touched")
	require.Equal(t, 1, s.UncommittedEvents().Len())
}

func TestCommitChanges_DuplicateFromStore(t *testing.T) {
	store := NewInMemoryCommitStore()
	seedCommits(t, store, "b1", "s1", 1)
	engine, _ := testEngine(store)

	// a fresh session has not observed commit "c1" and hits the store
	s := engine.CreateStream("b1", "s1")
	require.NoError(t, s.Add(EventMessage{Body: "x"}))

	require.ErrorIs(t, s.CommitChanges(context.Background(), "c1"), ErrDuplicateCommit)
	require.Equal(t, 1, s.UncommittedEvents().Len())
}

func TestCommitChanges_ConflictReconciles(t *testing.T) {
	store := NewInMemoryCommitStore()
	seedCommits(t, store, "b1", "s1", 1) // head: revision 2, sequence 1
	engine, _ := testEngine(store)

	s, err := engine.OpenStream(context.Background(), "b1", "s1", 0, MaxRevision)
	require.NoError(t, err)
	require.NoError(t, s.Add(EventMessage{Body: "mine"}))

	// concurrent writer advances the stream to revision 4, sequence 2
	other, err := engine.OpenStream(context.Background(), "b1", "s1", 0, MaxRevision)
	require.NoError(t, err)
	require.NoError(t, other.Add(EventMessage{Body: "theirs-1"}))
	require.NoError(t, other.Add(EventMessage{Body: "theirs-2"}))
	require.NoError(t, other.CommitChanges(context.Background(), gonanoid.Must()))

	err = s.CommitChanges(context.Background(), gonanoid.Must())
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	// the conflicting commits are folded in, the buffer survives
	require.Equal(t, Revision(4), s.StreamRevision())
	require.Equal(t, uint64(2), s.CommitSequence())
	require.Equal(t, []string{"e1", "e2", "theirs-1", "theirs-2"}, bodies(s.CommittedEvents()))
	require.Equal(t, []string{"mine"}, bodies(s.UncommittedEvents()))

	// a retry on top of the refreshed state succeeds
	require.NoError(t, s.CommitChanges(context.Background(), gonanoid.Must()))
	require.Equal(t, Revision(5), s.StreamRevision())
	require.Equal(t, uint64(3), s.CommitSequence())
	require.Equal(t, 0, s.UncommittedEvents().Len())
}

func TestCommitChanges_StorageErrorLeavesStateUnchanged(t *testing.T) {
	boom := &StorageError{Op: "commit", Err: errors.New("disk on fire")}
	rec := &recordingStore{CommitStore: NewInMemoryCommitStore(), commitErr: boom}
	engine, _ := testEngine(rec)

	s := engine.CreateStream("b1", "s1")
	require.NoError(t, s.Add(EventMessage{Body: "x"}))

	err := s.CommitChanges(context.Background(), gonanoid.Must())
	var se *StorageError
	require.ErrorAs(t, err, &se)

	require.Equal(t, Revision(0), s.StreamRevision())
	require.Equal(t, 1, s.UncommittedEvents().Len())
}

func TestClearChanges(t *testing.T) {
	engine, _ := testEngine(NewInMemoryCommitStore())
	s := engine.CreateStream("b1", "s1")

	require.NoError(t, s.Add(EventMessage{Body: "x"}))
	s.UncommittedHeaders().Set("k", "v")

	s.ClearChanges()

	require.Equal(t, 0, s.UncommittedEvents().Len())
	require.Equal(t, 0, s.UncommittedHeaders().Len())
}

func TestDispose(t *testing.T) {
	engine, _ := testEngine(NewInMemoryCommitStore())
	s := engine.CreateStream("b1", "s1")

	s.Dispose()

	require.ErrorIs(t, s.CommitChanges(context.Background(), gonanoid.Must()), ErrStreamDisposed)
	require.ErrorIs(t, s.Add(EventMessage{Body: "x"}), ErrStreamDisposed)

	// idempotent
	s.Dispose()
}

func TestCommitChanges_EmptyCommitID(t *testing.T) {
	engine, _ := testEngine(NewInMemoryCommitStore())
	s := engine.CreateStream("b1", "s1")
	require.NoError(t, s.Add(EventMessage{Body: "x"}))

	require.Error(t, s.CommitChanges(context.Background(), ""))
}

func TestViews_ReadOnly(t *testing.T) {
	engine, _ := testEngine(NewInMemoryCommitStore())
	s := engine.CreateStream("b1", "s1")
	require.NoError(t, s.Add(EventMessage{Body: "x"}))

	for _, list := range []EventList{s.CommittedEvents(), s.UncommittedEvents()} {
		require.ErrorIs(t, list.Append(EventMessage{Body: "y"}), ErrReadOnly)
		require.ErrorIs(t, list.RemoveAt(0), ErrReadOnly)
		require.ErrorIs(t, list.Clear(), ErrReadOnly)
	}

	headers := s.CommittedHeaders()
	require.ErrorIs(t, headers.Set("k", "v"), ErrReadOnly)
	require.ErrorIs(t, headers.Delete("k"), ErrReadOnly)
	require.ErrorIs(t, headers.Clear(), ErrReadOnly)
}

func TestViews_TrackLiveBuffer(t *testing.T) {
	engine, _ := testEngine(NewInMemoryCommitStore())
	s := engine.CreateStream("b1", "s1")

	view := s.UncommittedEvents()
	require.Equal(t, 0, view.Len())

	require.NoError(t, s.Add(EventMessage{Body: "x"}))
	require.Equal(t, 1, view.Len())
	require.Equal(t, "x", view.At(0).Body)
}

func TestCommittedHeaders_LastWriteWins(t *testing.T) {
	store := NewInMemoryCommitStore()
	engine, _ := testEngine(store)

	for i, v := range []string{"first", "second"} {
		s, err := engine.OpenStream(context.Background(), "b1", "s1", 0, MaxRevision)
		require.NoError(t, err)
		require.NoError(t, s.Add(EventMessage{Body: fmt.Sprintf("e%d", i+1)}))
		s.UncommittedHeaders().Set("owner", v)
		require.NoError(t, s.CommitChanges(context.Background(), gonanoid.Must()))
	}

	s, err := engine.OpenStream(context.Background(), "b1", "s1", 0, MaxRevision)
	require.NoError(t, err)

	v, ok := s.CommittedHeaders().Get("owner")
	require.True(t, ok)
	require.Equal(t, "second", v)
}
