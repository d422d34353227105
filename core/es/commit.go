package es

import (
	"errors"
	"log/slog"
	"time"
)

// Commit is an atomic, durably-persisted group of events for one stream.
type Commit struct {
	// BucketID is the namespace the stream lives in.
	BucketID string `json:"bucket_id"`
	// StreamID identifies the stream within the bucket.
	StreamID string `json:"stream_id"`
	// CommitID is the caller-supplied identifier, unique per stream.
	CommitID string `json:"commit_id"`
	// CommitSequence is the 1-based, gapless position of this commit
	// within its stream.
	CommitSequence uint64 `json:"commit_sequence"`
	// StreamRevision is the revision of the last event in this commit.
	StreamRevision Revision `json:"stream_revision"`
	// CommitStamp is the UTC instant assigned when the attempt was built.
	CommitStamp time.Time `json:"commit_stamp"`
	// Headers is merged into the stream's committed headers on fold.
	Headers map[string]any `json:"headers,omitempty"`
	// Events is the ordered, non-empty payload of this commit.
	Events []EventMessage `json:"events"`
	// CheckpointToken is assigned by the store; zero when absent.
	CheckpointToken int64 `json:"checkpoint_token,omitempty"`
	// Dispatched is owned by the store and flipped by external dispatch
	// machinery once downstream delivery has been handed off.
	Dispatched bool `json:"dispatched,omitempty"`
}

// FirstRevision returns the revision of the first event in the commit.
func (c *Commit) FirstRevision() Revision {
	return c.StreamRevision - Revision(len(c.Events)) + 1
}

func (c *Commit) logAttrs() slog.Attr {
	return slog.Group(
		"commit",
		slog.String("bucket", c.BucketID),
		slog.String("stream", c.StreamID),
		slog.String("id", c.CommitID),
		slog.Uint64("sequence", c.CommitSequence),
		c.StreamRevision.SlogAttr(),
		slog.Int("events", len(c.Events)),
	)
}

// CommitAttempt is the pre-durability intent a stream session submits to a
// CommitStore. It has the shape of a Commit minus the store-owned fields.
type CommitAttempt struct {
	BucketID       string         `json:"bucket_id"`
	StreamID       string         `json:"stream_id"`
	CommitID       string         `json:"commit_id"`
	CommitSequence uint64         `json:"commit_sequence"`
	StreamRevision Revision       `json:"stream_revision"`
	CommitStamp    time.Time      `json:"commit_stamp"`
	Headers        map[string]any `json:"headers,omitempty"`
	Events         []EventMessage `json:"events"`
}

func (a *CommitAttempt) Validate() error {
	if a.BucketID == "" {
		return errors.New("attempt bucket id is empty")
	}
	if a.StreamID == "" {
		return errors.New("attempt stream id is empty")
	}
	if a.CommitID == "" {
		return errors.New("attempt commit id is empty")
	}
	if a.CommitSequence == 0 {
		return errors.New("attempt commit sequence is zero")
	}
	if len(a.Events) == 0 {
		return errors.New("attempt has no events")
	}
	if a.StreamRevision < Revision(len(a.Events)) {
		return errors.New("attempt stream revision is below its event count")
	}
	for _, e := range a.Events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToCommit converts the attempt into a persisted commit carrying the
// store-assigned checkpoint token.
func (a *CommitAttempt) ToCommit(checkpointToken int64) *Commit {
	return &Commit{
		BucketID:        a.BucketID,
		StreamID:        a.StreamID,
		CommitID:        a.CommitID,
		CommitSequence:  a.CommitSequence,
		StreamRevision:  a.StreamRevision,
		CommitStamp:     a.CommitStamp,
		Headers:         a.Headers,
		Events:          a.Events,
		CheckpointToken: checkpointToken,
	}
}
