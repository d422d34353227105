// Package postgres implements the CommitStore contract on PostgreSQL.
//
// Commits are rows in a single table with a BIGSERIAL checkpoint column.
// Per-stream append linearization uses a transaction-scoped advisory lock on
// the stream key, so the sequence check and the insert are atomic without
// blocking writers of other streams.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/internal/codec"
)

// Config configures the PostgreSQL commit store.
type Config struct {
	// ConnectionString is the lib/pq connection string (required).
	ConnectionString string
	// Log for diagnostics (optional).
	Log *slog.Logger
	// Codec encodes commit events and headers; defaults to JSON.
	Codec codec.Codec
	// CommitsTable and SnapshotsTable override the default table names.
	CommitsTable   string
	SnapshotsTable string
}

// CommitStore is a PostgreSQL-backed commit log.
type CommitStore struct {
	db        *sql.DB
	log       *slog.Logger
	codec     codec.Codec
	commits   string
	snapshots string
}

// NewCommitStore opens a connection pool and verifies connectivity.
func NewCommitStore(cfg Config) (*CommitStore, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("connection string is required")
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	c := cfg.Codec
	if c == nil {
		c = codec.JSONCodec{}
	}

	commits := cfg.CommitsTable
	if commits == "" {
		commits = "commits"
	}
	snapshots := cfg.SnapshotsTable
	if snapshots == "" {
		snapshots = "snapshots"
	}

	return &CommitStore{
		db:        db,
		log:       log.With(slog.String("store", "postgres")),
		codec:     c,
		commits:   commits,
		snapshots: snapshots,
	}, nil
}

// Close closes the connection pool.
func (s *CommitStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the tables and indexes if they don't exist.
func (s *CommitStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		checkpoint_number BIGSERIAL PRIMARY KEY,
		bucket_id VARCHAR(255) NOT NULL,
		stream_id VARCHAR(255) NOT NULL,
		commit_id VARCHAR(255) NOT NULL,
		commit_sequence BIGINT NOT NULL,
		stream_revision BIGINT NOT NULL,
		items INT NOT NULL,
		commit_stamp TIMESTAMP WITH TIME ZONE NOT NULL,
		headers BYTEA,
		payload BYTEA NOT NULL,
		dispatched BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_stream_seq ON %[1]s(bucket_id, stream_id, commit_sequence);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_commit_id ON %[1]s(bucket_id, stream_id, commit_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_stream_revision ON %[1]s(bucket_id, stream_id, stream_revision);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_dispatched ON %[1]s(dispatched) WHERE NOT dispatched;

	CREATE TABLE IF NOT EXISTS %[2]s (
		bucket_id VARCHAR(255) NOT NULL,
		stream_id VARCHAR(255) NOT NULL,
		stream_revision BIGINT NOT NULL,
		payload BYTEA NOT NULL,
		PRIMARY KEY (bucket_id, stream_id, stream_revision)
	);
	`, s.commits, s.snapshots)

	_, err := s.db.ExecContext(ctx, query)
	return es.NewStorageError("init schema", err)
}

// pgRevision clamps a revision to the BIGINT range for query parameters.
func pgRevision(r es.Revision) int64 {
	if r > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(r)
}

func (s *CommitStore) GetFrom(
	ctx context.Context,
	bucketID, streamID string,
	minRevision, maxRevision es.Revision,
) ([]*es.Commit, error) {
	query := fmt.Sprintf(`
		SELECT checkpoint_number, commit_id, commit_sequence, stream_revision,
		       commit_stamp, headers, payload, dispatched
		FROM %s
		WHERE bucket_id = $1 AND stream_id = $2
		  AND stream_revision >= $3
		  AND stream_revision - items + 1 <= $4
		ORDER BY commit_sequence ASC
	`, s.commits)

	rows, err := s.db.QueryContext(ctx, query, bucketID, streamID, pgRevision(minRevision), pgRevision(maxRevision))
	if err != nil {
		return nil, es.NewStorageError("get from", err)
	}
	defer rows.Close()

	var out []*es.Commit
	for rows.Next() {
		commit, err := s.scanCommit(rows, bucketID, streamID)
		if err != nil {
			return nil, err
		}
		out = append(out, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, es.NewStorageError("get from", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *CommitStore) scanCommit(row rowScanner, bucketID, streamID string) (*es.Commit, error) {
	var (
		commit   = &es.Commit{BucketID: bucketID, StreamID: streamID}
		stamp    time.Time
		headers  []byte
		payload  []byte
		revision int64
	)
	if err := row.Scan(
		&commit.CheckpointToken,
		&commit.CommitID,
		&commit.CommitSequence,
		&revision,
		&stamp,
		&headers,
		&payload,
		&commit.Dispatched,
	); err != nil {
		return nil, es.NewStorageError("scan commit", err)
	}

	commit.StreamRevision = es.Revision(revision)
	commit.CommitStamp = stamp.UTC()

	if len(headers) > 0 {
		if err := s.codec.Unmarshal(headers, &commit.Headers); err != nil {
			return nil, es.NewStorageError("decode headers", err)
		}
	}
	if err := s.codec.Unmarshal(payload, &commit.Events); err != nil {
		return nil, es.NewStorageError("decode events", err)
	}
	return commit, nil
}

func (s *CommitStore) Commit(ctx context.Context, attempt *es.CommitAttempt) (*es.Commit, error) {
	if err := attempt.Validate(); err != nil {
		return nil, err
	}

	payload, err := s.codec.Marshal(attempt.Events)
	if err != nil {
		return nil, es.NewStorageError("encode events", err)
	}
	var headers []byte
	if len(attempt.Headers) > 0 {
		if headers, err = s.codec.Marshal(attempt.Headers); err != nil {
			return nil, es.NewStorageError("encode headers", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, es.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	// serialize appends per stream without blocking other streams
	if _, err := tx.ExecContext(
		ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))",
		attempt.BucketID+"/"+attempt.StreamID,
	); err != nil {
		return nil, es.NewStorageError("acquire stream lock", err)
	}

	var duplicate bool
	if err := tx.QueryRowContext(
		ctx,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE bucket_id = $1 AND stream_id = $2 AND commit_id = $3)", s.commits),
		attempt.BucketID, attempt.StreamID, attempt.CommitID,
	).Scan(&duplicate); err != nil {
		return nil, es.NewStorageError("check duplicate", err)
	}
	if duplicate {
		return nil, fmt.Errorf("%w: %s", es.ErrDuplicateCommit, attempt.CommitID)
	}

	var headSequence, headRevision int64
	if err := tx.QueryRowContext(
		ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(commit_sequence), 0), COALESCE(MAX(stream_revision), 0) FROM %s WHERE bucket_id = $1 AND stream_id = $2", s.commits),
		attempt.BucketID, attempt.StreamID,
	).Scan(&headSequence, &headRevision); err != nil {
		return nil, es.NewStorageError("read stream head", err)
	}

	if attempt.CommitSequence != uint64(headSequence)+1 ||
		attempt.StreamRevision != es.Revision(headRevision)+es.Revision(len(attempt.Events)) {
		return nil, fmt.Errorf(
			"%w: attempt sequence %d against head %d",
			es.ErrConcurrencyConflict, attempt.CommitSequence, headSequence,
		)
	}

	var checkpoint int64
	if err := tx.QueryRowContext(
		ctx,
		fmt.Sprintf(`
			INSERT INTO %s (bucket_id, stream_id, commit_id, commit_sequence, stream_revision, items, commit_stamp, headers, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING checkpoint_number
		`, s.commits),
		attempt.BucketID,
		attempt.StreamID,
		attempt.CommitID,
		attempt.CommitSequence,
		uint64(attempt.StreamRevision),
		len(attempt.Events),
		attempt.CommitStamp,
		headers,
		payload,
	).Scan(&checkpoint); err != nil {
		return nil, es.NewStorageError("insert commit", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, es.NewStorageError("commit transaction", err)
	}

	commit := attempt.ToCommit(checkpoint)
	s.log.Debug(
		"commit",
		slog.String("bucket", commit.BucketID),
		slog.String("stream", commit.StreamID),
		slog.Uint64("sequence", commit.CommitSequence),
		slog.Int64("checkpoint", checkpoint),
	)
	return commit, nil
}

func (s *CommitStore) MarkCommitDispatched(ctx context.Context, commit *es.Commit) error {
	_, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf("UPDATE %s SET dispatched = TRUE WHERE bucket_id = $1 AND stream_id = $2 AND commit_sequence = $3", s.commits),
		commit.BucketID, commit.StreamID, commit.CommitSequence,
	)
	return es.NewStorageError("mark dispatched", err)
}

func (s *CommitStore) GetUndispatchedCommits(ctx context.Context) ([]*es.Commit, error) {
	query := fmt.Sprintf(`
		SELECT bucket_id, stream_id, checkpoint_number, commit_id, commit_sequence, stream_revision,
		       commit_stamp, headers, payload, dispatched
		FROM %s
		WHERE NOT dispatched
		ORDER BY checkpoint_number ASC
	`, s.commits)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, es.NewStorageError("get undispatched", err)
	}
	defer rows.Close()

	var out []*es.Commit
	for rows.Next() {
		var bucketID, streamID string
		var (
			commit   = &es.Commit{}
			stamp    time.Time
			headers  []byte
			payload  []byte
			revision int64
		)
		if err := rows.Scan(
			&bucketID,
			&streamID,
			&commit.CheckpointToken,
			&commit.CommitID,
			&commit.CommitSequence,
			&revision,
			&stamp,
			&headers,
			&payload,
			&commit.Dispatched,
		); err != nil {
			return nil, es.NewStorageError("scan commit", err)
		}
		commit.BucketID = bucketID
		commit.StreamID = streamID
		commit.StreamRevision = es.Revision(revision)
		commit.CommitStamp = stamp.UTC()
		if len(headers) > 0 {
			if err := s.codec.Unmarshal(headers, &commit.Headers); err != nil {
				return nil, es.NewStorageError("decode headers", err)
			}
		}
		if err := s.codec.Unmarshal(payload, &commit.Events); err != nil {
			return nil, es.NewStorageError("decode events", err)
		}
		out = append(out, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, es.NewStorageError("get undispatched", err)
	}
	return out, nil
}

func (s *CommitStore) GetSnapshot(
	ctx context.Context,
	bucketID, streamID string,
	maxRevision es.Revision,
) (*es.Snapshot, error) {
	var (
		revision int64
		payload  []byte
	)
	err := s.db.QueryRowContext(
		ctx,
		fmt.Sprintf(`
			SELECT stream_revision, payload FROM %s
			WHERE bucket_id = $1 AND stream_id = $2 AND stream_revision <= $3
			ORDER BY stream_revision DESC
			LIMIT 1
		`, s.snapshots),
		bucketID, streamID, pgRevision(maxRevision),
	).Scan(&revision, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, es.ErrSnapshotNotFound
		}
		return nil, es.NewStorageError("get snapshot", err)
	}

	snapshot := &es.Snapshot{
		BucketID:       bucketID,
		StreamID:       streamID,
		StreamRevision: es.Revision(revision),
	}
	if err := s.codec.Unmarshal(payload, &snapshot.Payload); err != nil {
		return nil, es.NewStorageError("decode snapshot", err)
	}
	return snapshot, nil
}

func (s *CommitStore) AddSnapshot(ctx context.Context, snapshot *es.Snapshot) (bool, error) {
	if snapshot == nil {
		return false, nil
	}

	payload, err := s.codec.Marshal(snapshot.Payload)
	if err != nil {
		return false, es.NewStorageError("encode snapshot", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf(`
			INSERT INTO %s (bucket_id, stream_id, stream_revision, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, s.snapshots),
		snapshot.BucketID, snapshot.StreamID, uint64(snapshot.StreamRevision), payload,
	)
	if err != nil {
		return false, es.NewStorageError("add snapshot", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, es.NewStorageError("add snapshot", err)
	}
	return affected > 0, nil
}

func (s *CommitStore) DeleteStream(ctx context.Context, bucketID, streamID string) error {
	for _, table := range []string{s.commits, s.snapshots} {
		if _, err := s.db.ExecContext(
			ctx,
			fmt.Sprintf("DELETE FROM %s WHERE bucket_id = $1 AND stream_id = $2", table),
			bucketID, streamID,
		); err != nil {
			return es.NewStorageError("delete stream", err)
		}
	}
	return nil
}

func (s *CommitStore) Purge(ctx context.Context, bucketID string) error {
	for _, table := range []string{s.commits, s.snapshots} {
		if _, err := s.db.ExecContext(
			ctx,
			fmt.Sprintf("DELETE FROM %s WHERE bucket_id = $1", table),
			bucketID,
		); err != nil {
			return es.NewStorageError("purge", err)
		}
	}
	return nil
}

func (s *CommitStore) Drop(ctx context.Context) error {
	_, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf("DROP TABLE IF EXISTS %s, %s", s.commits, s.snapshots),
	)
	return es.NewStorageError("drop", err)
}

var _ es.CommitStore = (*CommitStore)(nil)
