// Package kv defines a minimal key/value port used for snapshot storage and
// dispatch bookkeeping, with back-ends in memory and on NATS JetStream KV.
package kv

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

// Entry is the stored unit.
type Entry struct {
	Data []byte
}

// Store is the key/value capability set the engine consumes.
type Store interface {
	Put(ctx context.Context, key string, entry Entry) error
	Get(ctx context.Context, key string) (Entry, error)
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// PutOptions is reserved for store-specific put behavior.
type PutOptions struct{}

// Put marshals v as JSON and stores it under key.
func Put[T any](ctx context.Context, store Store, key string, v T, _ PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data})
}

// Get loads the entry under key and unmarshals it into T.
func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err = json.Unmarshal(entry.Data, &out); err != nil {
		return out, err
	}
	return out, nil
}
