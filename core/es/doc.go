// Package es implements an event-sourcing storage engine: domain facts are
// recorded as an append-only log of commits grouped into streams, and
// streams are surfaced to application code as sessions that can be read,
// appended to, and committed with optimistic concurrency control.
//
// # Core Components
//
// OptimisticEventStream: the in-memory session between an aggregate and the
// commit log. It replays committed events into a read-only view, buffers
// new events, and persists the buffer as one atomic commit:
//
//	stream, err := engine.OpenStream(ctx, "tenant-1", "order-42", 0, es.MaxRevision)
//	stream.Add(es.NewEventMessage(&OrderShipped{...}))
//	err = stream.CommitChanges(ctx, commitID)
//
// CommitStore: the abstract durable log. [NewInMemoryCommitStore] is the
// reference implementation and semantics oracle; the adapters packages
// provide PostgreSQL and NATS JetStream back-ends.
//
// Engine: the session factory. It binds a store to a [Clock], a logger and
// [StoreMetrics], and owns the snapshot load path:
//
//	engine := es.NewEngine(store,
//	    es.WithLog(logger),
//	    es.WithSnapshotCache(256),
//	)
//
// # Concurrency Control
//
// Commits carry a 1-based, gapless per-stream sequence. A store accepts an
// attempt only when its sequence is exactly one greater than the durable
// head; otherwise [ErrConcurrencyConflict] is returned, the session folds
// in the concurrently arrived commits, and the caller decides whether to
// retry on top of the refreshed state. The uncommitted buffer survives the
// conflict untouched.
//
// # Duplicate Suppression
//
// Commit ids are caller-supplied and unique per stream. A session rejects
// ids it has already folded in without touching the store; stores reject
// ids they already hold with [ErrDuplicateCommit]. Retrying a timed-out
// commit with the same id is therefore safe.
//
// # Snapshots
//
// Opening a stream from a [Snapshot] skips replaying everything at or
// below the snapshot's revision:
//
//	snapshot, _ := engine.LoadSnapshot(ctx, "tenant-1", "order-42", es.MaxRevision)
//	stream, _ := engine.OpenStreamFromSnapshot(ctx, snapshot, es.MaxRevision)
//
// A stream session is a single-owner object and must not be shared between
// goroutines without external serialization. Stores are safe for concurrent
// use by independent sessions.
package es
