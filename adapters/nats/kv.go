package nats

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/evstore-go/ports/kv"
)

// KvConfig configures a JetStream-backed key/value store.
type KvConfig struct {
	Connect Connector
	Bucket  string
}

// KvStore implements the kv port on a JetStream key/value bucket.
type KvStore struct {
	kvb     jetstream.KeyValue
	closeNc closeFunc
}

// NewKvStore connects and ensures the bucket exists.
func NewKvStore(cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

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

	kvb, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	return &KvStore{kvb: kvb, closeNc: closeNc}, nil
}

// Close releases the underlying connection.
func (k *KvStore) Close() {
	k.closeNc()
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry) error {
	_, err := k.kvb.Put(ctx, key, entry.Data)
	return err
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.kvb.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, err
	}
	return kv.Entry{Data: v.Value()}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	return k.kvb.Delete(ctx, key)
}

func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.kvb.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

var _ kv.Store = (*KvStore)(nil)
