package es

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codewandler/evstore-go/core/cache"
	"github.com/codewandler/evstore-go/core/sf"
)

type engineOptions struct {
	clock         Clock
	log           *slog.Logger
	metrics       StoreMetrics
	snapshots     SnapshotStore
	snapshotCache cache.Cache
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

// WithClock sets the clock used to stamp commit attempts.
func WithClock(c Clock) EngineOption {
	return func(o *engineOptions) { o.clock = c }
}

// WithLog sets the logger for the engine and its sessions.
func WithLog(l *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.log = l }
}

// WithMetrics instruments the range reads, commits and snapshot loads and
// saves issued through the engine.
func WithMetrics(m StoreMetrics) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

// WithSnapshotStore keeps snapshots apart from the commit log, e.g. in a KV
// bucket. Defaults to the commit store itself.
func WithSnapshotStore(s SnapshotStore) EngineOption {
	return func(o *engineOptions) { o.snapshots = s }
}

// WithSnapshotCache caches the most recently loaded snapshots in an LRU of
// the given size.
func WithSnapshotCache(size int) EngineOption {
	return func(o *engineOptions) { o.snapshotCache = cache.NewLRU(size) }
}

// Engine is the factory for stream sessions. It binds a CommitStore to a
// clock, logger and metrics, and owns the snapshot load path.
type Engine struct {
	store     CommitStore
	snapshots SnapshotStore
	clock     Clock
	log       *slog.Logger
	ssf       *sf.Singleflight[Snapshot]
	scache    cache.TypedCache[*Snapshot]
}

// NewEngine creates an engine on top of the given store.
func NewEngine(store CommitStore, opts ...EngineOption) *Engine {
	options := engineOptions{
		clock:         SystemClock(),
		log:           slog.Default(),
		metrics:       NopStoreMetrics(),
		snapshotCache: cache.Nop{},
	}
	for _, opt := range opts {
		opt(&options)
	}

	instrumented := newInstrumentedStore(store, options.metrics)

	snapshots := options.snapshots
	if snapshots == nil {
		snapshots = instrumented
	}

	return &Engine{
		store:     instrumented,
		snapshots: snapshots,
		clock:     options.clock,
		log:       options.log.With(slog.String("component", "es")),
		ssf:       sf.New[Snapshot](),
		scache:    cache.NewTyped[*Snapshot](options.snapshotCache),
	}
}

// Store returns the engine's commit store, instrumented when metrics are
// configured.
func (e *Engine) Store() CommitStore { return e.store }

// CreateStream returns a fresh session at revision 0 without touching the
// store. The stream materializes durably on its first commit.
func (e *Engine) CreateStream(bucketID, streamID string) *OptimisticEventStream {
	return newStream(e.store, e.clock, e.log, bucketID, streamID)
}

// OpenStream loads the commits whose revisions intersect
// [minRevision, maxRevision] and returns a session with them folded in.
// It fails with ErrStreamNotFound when minRevision > 0 and the range holds
// no events.
func (e *Engine) OpenStream(
	ctx context.Context,
	bucketID, streamID string,
	minRevision, maxRevision Revision,
) (*OptimisticEventStream, error) {
	return openStream(ctx, e.store, e.clock, e.log, bucketID, streamID, minRevision, maxRevision)
}

// OpenStreamFromSnapshot returns a session seeded from the snapshot, with
// only the commits above the snapshot's revision loaded and folded in.
func (e *Engine) OpenStreamFromSnapshot(
	ctx context.Context,
	snapshot *Snapshot,
	maxRevision Revision,
) (*OptimisticEventStream, error) {
	return openStreamFromSnapshot(ctx, e.store, e.clock, e.log, snapshot, maxRevision)
}

// LoadSnapshot returns the most recent snapshot of the stream at or below
// maxRevision. Concurrent loads for the same stream and maxRevision are
// deduplicated and results are cached when a snapshot cache is configured.
func (e *Engine) LoadSnapshot(
	ctx context.Context,
	bucketID, streamID string,
	maxRevision Revision,
) (*Snapshot, error) {
	cacheKey := streamKey(bucketID, streamID)
	if cached, ok := e.scache.Get(cacheKey); ok && cached.StreamRevision <= maxRevision {
		return cached, nil
	}

	key := fmt.Sprintf("%s/%s@%d", bucketID, streamID, maxRevision)
	snapshot, err := e.ssf.Do(key, func() (*Snapshot, error) {
		return e.snapshots.GetSnapshot(ctx, bucketID, streamID, maxRevision)
	})
	if err != nil {
		return nil, err
	}

	e.scache.Put(cacheKey, snapshot)
	return snapshot, nil
}

// TakeSnapshot materializes payload as a snapshot of the stream's current
// durable head and records it in the snapshot store.
func (e *Engine) TakeSnapshot(
	ctx context.Context,
	bucketID, streamID string,
	payload any,
) (*Snapshot, error) {
	stream, err := e.OpenStream(ctx, bucketID, streamID, 0, MaxRevision)
	if err != nil {
		return nil, err
	}
	defer stream.Dispose()

	snapshot := &Snapshot{
		BucketID:       bucketID,
		StreamID:       streamID,
		StreamRevision: stream.StreamRevision(),
		Payload:        payload,
	}

	added, err := e.snapshots.AddSnapshot(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	if added {
		e.scache.Put(streamKey(bucketID, streamID), snapshot)
		e.log.Debug("snapshot taken", snapshot.logAttrs())
	}
	return snapshot, nil
}
