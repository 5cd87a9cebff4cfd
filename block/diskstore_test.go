package block

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskStoreStoreLoadRemove(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDiskStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	id := NewID()
	exists, err := s.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Store(ctx, id, []byte("hello")))

	data, ok, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	res, err := s.Remove(ctx, id)
	require.NoError(t, err)
	require.Equal(t, Removed, res)

	res, err = s.Remove(ctx, id)
	require.NoError(t, err)
	require.Equal(t, NotFound, res)
}

func TestDiskStoreTryCreate(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDiskStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	id := NewID()
	res, err := s.TryCreate(ctx, id, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, Created, res)

	res, err = s.TryCreate(ctx, id, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, AlreadyExists, res)

	data, _, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), data)
}

func TestDiskStoreAllBlocks(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDiskStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	want := map[ID]bool{}
	for i := 0; i < 10; i++ {
		id := NewID()
		require.NoError(t, s.Store(ctx, id, []byte{byte(i)}))
		want[id] = true
	}

	it := s.AllBlocks(ctx)
	defer it.Close()
	got := map[ID]bool{}
	for it.Next() {
		got[it.ID()] = true
	}
	require.NoError(t, it.Err())
	require.Equal(t, want, got)

	n, err := s.NumBlocks(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), n)
}
