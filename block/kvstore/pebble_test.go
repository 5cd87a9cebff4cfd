package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbfs/vbfs/block"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPebbleStoreStoreLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := block.NewID()

	require.NoError(t, s.Store(ctx, id, []byte("payload")))

	got, ok, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
}

func TestPebbleStoreLoadReportsAbsence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.Load(ctx, block.NewID())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPebbleStoreTryCreateRejectsExisting(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := block.NewID()

	res, err := s.TryCreate(ctx, id, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, block.Created, res)

	res, err = s.TryCreate(ctx, id, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, block.AlreadyExists, res)

	got, _, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got)
}

func TestPebbleStoreRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id := block.NewID()

	require.NoError(t, s.Store(ctx, id, []byte("x")))

	res, err := s.Remove(ctx, id)
	require.NoError(t, err)
	require.Equal(t, block.Removed, res)

	res, err = s.Remove(ctx, id)
	require.NoError(t, err)
	require.Equal(t, block.NotFound, res)

	_, ok, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPebbleStoreAllBlocksAndNumBlocks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ids := []block.ID{block.NewID(), block.NewID(), block.NewID()}
	for _, id := range ids {
		require.NoError(t, s.Store(ctx, id, []byte("v")))
	}

	n, err := s.NumBlocks(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(len(ids)), n)

	seen := make(map[block.ID]bool)
	it := s.AllBlocks(ctx)
	for it.Next() {
		seen[it.ID()] = true
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	require.Len(t, seen, len(ids))
	for _, id := range ids {
		require.True(t, seen[id])
	}
}
