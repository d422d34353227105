package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "snapshot.b1.s1", Entry{Data: []byte("x")}))
	require.NoError(t, s.Put(ctx, "snapshot.b1.s2", Entry{Data: []byte("y")}))
	require.NoError(t, s.Put(ctx, "dispatch.1", Entry{Data: []byte("z")}))

	entry, err := s.Get(ctx, "snapshot.b1.s1")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), entry.Data)

	keys, err := s.Keys(ctx, "snapshot.")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"snapshot.b1.s1", "snapshot.b1.s2"}, keys)

	require.NoError(t, s.Delete(ctx, "snapshot.b1.s1"))
	_, err = s.Get(ctx, "snapshot.b1.s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_TypedHelpers(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	type payload struct {
		N int `json:"n"`
	}

	require.NoError(t, Put(ctx, s, "k", payload{N: 42}, PutOptions{}))

	out, err := Get[payload](ctx, s, "k")
	require.NoError(t, err)
	require.Equal(t, 42, out.N)
}
