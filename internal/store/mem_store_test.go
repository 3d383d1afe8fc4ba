package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k1", []byte("v1")))
	v, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", string(v))
}

func TestMemStoreScanPrefixOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for _, k := range []string{"m:1", "m:3", "m:2"} {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}
	require.NoError(t, s.Put(ctx, "other", []byte("x")))

	kvs, err := s.ScanPrefix(ctx, "m:", false, 0)
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	assert.Equal(t, []string{"m:1", "m:2", "m:3"}, keys(kvs))

	rev, err := s.ScanPrefix(ctx, "m:", true, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m:3", "m:2", "m:1"}, keys(rev))

	limited, err := s.ScanPrefix(ctx, "m:", false, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func keys(kvs []KV) []string {
	out := make([]string, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Key
	}
	return out
}

func TestMemStoreCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	swapped, err := s.CAS(ctx, "balance:u1", nil, []byte("100"))
	require.NoError(t, err)
	assert.True(t, swapped, "CAS against an absent key with nil expected must succeed")

	swapped, err = s.CAS(ctx, "balance:u1", nil, []byte("200"))
	require.NoError(t, err)
	assert.False(t, swapped, "CAS against an existing key with nil expected must fail")

	swapped, err = s.CAS(ctx, "balance:u1", []byte("wrong"), []byte("200"))
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.CAS(ctx, "balance:u1", []byte("100"), []byte("200"))
	require.NoError(t, err)
	assert.True(t, swapped)

	v, _, err := s.Get(ctx, "balance:u1")
	require.NoError(t, err)
	assert.Equal(t, "200", string(v))
}

func TestMemStoreExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "k"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting an absent key is not an error.
	require.NoError(t, s.Delete(ctx, "k"))
}
