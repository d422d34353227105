package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/internal/codec"
	"github.com/codewandler/evstore-go/ports/kv"
)

const (
	defaultStreamName    = "EVSTORE"
	defaultSubjectPrefix = "evstore.commits"
	defaultKvBucket      = "evstore_meta"
)

// StoreConfig configures the JetStream commit store.
type StoreConfig struct {
	// Connect creates the underlying NATS connection. If nil,
	// ConnectDefault() is used.
	Connect Connector
	// Log for diagnostics (optional).
	Log *slog.Logger
	// StreamName names the JetStream stream holding the commit log.
	StreamName string
	// SubjectPrefix prefixes the per-stream commit subjects.
	SubjectPrefix string
	// KvBucket names the key/value bucket for snapshots and dispatch
	// bookkeeping.
	KvBucket string
	// Codec encodes commits on the wire; defaults to JSON.
	Codec codec.Codec
}

// CommitStore is a NATS JetStream-backed commit log.
type CommitStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	meta          kv.Store
	snapshots     *es.KVSnapshotStore
	log           *slog.Logger
	codec         codec.Codec
	streamName    string
	subjectPrefix string
}

// NewCommitStore connects, ensures the JetStream stream and the metadata
// bucket exist, and returns the store.
func NewCommitStore(cfg StoreConfig) (*CommitStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	kvBucket := cfg.KvBucket
	if kvBucket == "" {
		kvBucket = defaultKvBucket
	}
	c := cfg.Codec
	if c == nil {
		c = codec.JSONCodec{}
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		FirstSeq: 1,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	kvb, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  kvBucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	meta := &KvStore{kvb: kvb, closeNc: func() {}}

	log.Debug("ensured stream", slog.String("subjects", subjectPrefix+".>"))

	return &CommitStore{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		stream:        stream,
		meta:          meta,
		snapshots:     es.NewKVSnapshotStore(meta),
		log:           log,
		codec:         c,
		streamName:    streamName,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Close releases the underlying connection.
func (s *CommitStore) Close() error {
	s.js.CleanupPublisher()
	s.closeNc()
	return nil
}

func (s *CommitStore) subjectFor(bucketID, streamID string) string {
	return s.subjectPrefix + "." + bucketID + "." + streamID
}

func undispatchedKey(bucketID, streamID string, checkpoint int64) string {
	return fmt.Sprintf("undispatched.%s.%s.%d", bucketID, streamID, checkpoint)
}

// lastCommit reads the most recent commit on the subject. A zero sequence
// means the stream has no commits yet.
func (s *CommitStore) lastCommit(ctx context.Context, subject string) (head *es.Commit, subjectSeq uint64, err error) {
	lm, err := s.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	head = &es.Commit{}
	if err := s.codec.Unmarshal(lm.Data, head); err != nil {
		return nil, 0, fmt.Errorf("failed to decode head commit on %q: %w", subject, err)
	}
	head.CheckpointToken = int64(lm.Sequence)
	return head, lm.Sequence, nil
}

func (s *CommitStore) GetFrom(
	ctx context.Context,
	bucketID, streamID string,
	minRevision, maxRevision es.Revision,
) ([]*es.Commit, error) {
	subject := s.subjectFor(bucketID, streamID)

	_, endSeq, err := s.lastCommit(ctx, subject)
	if err != nil {
		return nil, es.NewStorageError("get from", err)
	}
	if endSeq == 0 {
		return nil, nil
	}

	consumerName := fmt.Sprintf("loader-%s", gonanoid.Must())
	cc, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:           consumerName,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		AckPolicy:      jetstream.AckExplicitPolicy,
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, es.NewStorageError("get from", err)
	}
	defer func() {
		if errDelete := s.stream.DeleteConsumer(ctx, consumerName); errDelete != nil {
			s.log.Error("failed to delete loader consumer", slog.Any("error", errDelete))
		}
	}()

	mc, err := cc.Messages()
	if err != nil {
		return nil, es.NewStorageError("get from", err)
	}

	var out []*es.Commit
	for {
		msg, err := mc.Next(jetstream.NextMaxWait(250 * time.Millisecond))
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || errors.Is(err, natsgo.ErrTimeout) {
				break
			}
			return nil, es.NewStorageError("get from", err)
		}

		if err := msg.Ack(); err != nil {
			return nil, es.NewStorageError("get from", err)
		}

		commit, seq, err := s.decodeMsg(msg)
		if err != nil {
			return nil, es.NewStorageError("get from", err)
		}

		if commit.StreamRevision >= minRevision && commit.FirstRevision() <= maxRevision {
			out = append(out, commit)
		}

		if seq >= endSeq || commit.FirstRevision() > maxRevision {
			mc.Drain()
		}
	}

	return out, nil
}

func (s *CommitStore) Commit(ctx context.Context, attempt *es.CommitAttempt) (*es.Commit, error) {
	if err := attempt.Validate(); err != nil {
		return nil, err
	}

	subject := s.subjectFor(attempt.BucketID, attempt.StreamID)

	head, headSubjectSeq, err := s.lastCommit(ctx, subject)
	if err != nil {
		return nil, es.NewStorageError("commit", err)
	}

	var headSequence uint64
	var headRevision es.Revision
	if head != nil {
		if head.CommitID == attempt.CommitID {
			return nil, fmt.Errorf("%w: %s", es.ErrDuplicateCommit, attempt.CommitID)
		}
		headSequence = head.CommitSequence
		headRevision = head.StreamRevision
	}
	if attempt.CommitSequence != headSequence+1 ||
		attempt.StreamRevision != headRevision+es.Revision(len(attempt.Events)) {
		return nil, fmt.Errorf(
			"%w: attempt sequence %d against head %d",
			es.ErrConcurrencyConflict, attempt.CommitSequence, headSequence,
		)
	}

	data, err := s.codec.Marshal(attempt.ToCommit(0))
	if err != nil {
		return nil, es.NewStorageError("commit", err)
	}

	msg := natsgo.NewMsg(subject)
	msg.Header.Set("x-commit-id", attempt.CommitID)
	msg.Header.Set("x-commit-sequence", strconv.FormatUint(attempt.CommitSequence, 10))
	msg.Data = data

	// the server-side expected-last-sequence guard closes the race between
	// the head read above and this publish
	ack, err := s.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithMsgID(attempt.BucketID+"."+attempt.StreamID+"."+attempt.CommitID),
		jetstream.WithExpectLastSequencePerSubject(headSubjectSeq),
	)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return nil, fmt.Errorf("%w: %v", es.ErrConcurrencyConflict, err)
		}
		return nil, es.NewStorageError("commit", err)
	}
	if ack.Duplicate {
		return nil, fmt.Errorf("%w: %s", es.ErrDuplicateCommit, attempt.CommitID)
	}

	commit := attempt.ToCommit(int64(ack.Sequence))

	if err := s.meta.Put(
		ctx,
		undispatchedKey(commit.BucketID, commit.StreamID, commit.CheckpointToken),
		kv.Entry{Data: []byte(subject)},
	); err != nil {
		// the commit is durable; dispatch bookkeeping is best effort
		s.log.Error("failed to record undispatched marker", slog.Any("error", err))
	}

	s.log.Debug(
		"commit",
		slog.String("subject", subject),
		slog.Uint64("sequence", commit.CommitSequence),
		slog.Int64("checkpoint", commit.CheckpointToken),
	)
	return commit, nil
}

func (s *CommitStore) MarkCommitDispatched(ctx context.Context, commit *es.Commit) error {
	err := s.meta.Delete(ctx, undispatchedKey(commit.BucketID, commit.StreamID, commit.CheckpointToken))
	return es.NewStorageError("mark dispatched", err)
}

func (s *CommitStore) GetUndispatchedCommits(ctx context.Context) ([]*es.Commit, error) {
	keys, err := s.meta.Keys(ctx, "undispatched.")
	if err != nil {
		return nil, es.NewStorageError("get undispatched", err)
	}

	var out []*es.Commit
	for _, key := range keys {
		seq, err := strconv.ParseUint(key[strings.LastIndex(key, ".")+1:], 10, 64)
		if err != nil {
			continue
		}

		raw, err := s.stream.GetMsg(ctx, seq)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				// the commit was purged; drop the stale marker
				_ = s.meta.Delete(ctx, key)
				continue
			}
			return nil, es.NewStorageError("get undispatched", err)
		}

		commit := &es.Commit{}
		if err := s.codec.Unmarshal(raw.Data, commit); err != nil {
			return nil, es.NewStorageError("get undispatched", err)
		}
		commit.CheckpointToken = int64(raw.Sequence)
		out = append(out, commit)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CheckpointToken < out[j].CheckpointToken
	})
	return out, nil
}

func (s *CommitStore) GetSnapshot(
	ctx context.Context,
	bucketID, streamID string,
	maxRevision es.Revision,
) (*es.Snapshot, error) {
	return s.snapshots.GetSnapshot(ctx, bucketID, streamID, maxRevision)
}

func (s *CommitStore) AddSnapshot(ctx context.Context, snapshot *es.Snapshot) (bool, error) {
	return s.snapshots.AddSnapshot(ctx, snapshot)
}

func (s *CommitStore) DeleteStream(ctx context.Context, bucketID, streamID string) error {
	if err := s.stream.Purge(ctx, jetstream.WithPurgeSubject(s.subjectFor(bucketID, streamID))); err != nil {
		return es.NewStorageError("delete stream", err)
	}
	return s.deleteMetaKeys(ctx,
		fmt.Sprintf("undispatched.%s.%s.", bucketID, streamID),
		fmt.Sprintf("snapshot.%s.%s", bucketID, streamID),
	)
}

func (s *CommitStore) Purge(ctx context.Context, bucketID string) error {
	if err := s.stream.Purge(ctx, jetstream.WithPurgeSubject(s.subjectPrefix+"."+bucketID+".>")); err != nil {
		return es.NewStorageError("purge", err)
	}
	return s.deleteMetaKeys(ctx,
		fmt.Sprintf("undispatched.%s.", bucketID),
		fmt.Sprintf("snapshot.%s.", bucketID),
	)
}

func (s *CommitStore) Drop(ctx context.Context) error {
	if err := s.js.DeleteStream(ctx, s.streamName); err != nil {
		return es.NewStorageError("drop", err)
	}
	return s.deleteMetaKeys(ctx, "undispatched.", "snapshot.")
}

func (s *CommitStore) deleteMetaKeys(ctx context.Context, prefixes ...string) error {
	for _, prefix := range prefixes {
		keys, err := s.meta.Keys(ctx, prefix)
		if err != nil {
			return es.NewStorageError("delete meta keys", err)
		}
		for _, key := range keys {
			if err := s.meta.Delete(ctx, key); err != nil {
				return es.NewStorageError("delete meta keys", err)
			}
		}
	}
	return nil
}

func (s *CommitStore) decodeMsg(msg jetstream.Msg) (*es.Commit, uint64, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, 0, err
	}

	commit := &es.Commit{}
	if err := s.codec.Unmarshal(msg.Data(), commit); err != nil {
		return nil, 0, err
	}
	commit.CheckpointToken = int64(md.Sequence.Stream)
	return commit, md.Sequence.Stream, nil
}

var _ es.CommitStore = (*CommitStore)(nil)
