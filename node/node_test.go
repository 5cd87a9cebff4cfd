package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbfs/vbfs/block"
)

// memBlockStore is a minimal in-memory blockStore double for tests that don't
// need the full locking/integrity/crypt stack.
type memBlockStore struct {
	data map[block.ID][]byte
}

func newMemBlockStore() *memBlockStore {
	return &memBlockStore{data: make(map[block.ID][]byte)}
}

func (m *memBlockStore) Load(_ context.Context, id block.ID) ([]byte, bool, error) {
	v, ok := m.data[id]
	return v, ok, nil
}
func (m *memBlockStore) Store(_ context.Context, id block.ID, data []byte) error {
	m.data[id] = append([]byte(nil), data...)
	return nil
}
func (m *memBlockStore) TryCreate(_ context.Context, id block.ID, data []byte) (block.TryCreateResult, error) {
	if _, ok := m.data[id]; ok {
		return block.AlreadyExists, nil
	}
	m.data[id] = append([]byte(nil), data...)
	return block.Created, nil
}
func (m *memBlockStore) Remove(_ context.Context, id block.ID) (block.RemoveResult, error) {
	if _, ok := m.data[id]; !ok {
		return block.NotFound, nil
	}
	delete(m.data, id)
	return block.Removed, nil
}
func (m *memBlockStore) NumBlocks(context.Context) (uint64, error) {
	return uint64(len(m.data)), nil
}
func (m *memBlockStore) EstimateFreeBytes(context.Context) (uint64, error) { return 1 << 30, nil }
func (m *memBlockStore) BlockSizeFromPhysicalBlockSize(p uint32) uint32    { return p }
func (m *memBlockStore) AllBlocks(context.Context) block.Iterator          { return nil }

func newTestStore() *Store {
	return Open(newMemBlockStore(), 256, 0)
}

func TestLeafNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	n, err := s.CreateNewLeafNode(ctx, []byte("hello"))
	require.NoError(t, err)

	loaded, ok, err := s.Load(ctx, n.ID())
	require.NoError(t, err)
	require.True(t, ok)
	data, isLeaf := loaded.AsLeaf()
	require.True(t, isLeaf)
	require.Equal(t, []byte("hello"), data)
}

func TestInnerNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	leaf, err := s.CreateNewLeafNode(ctx, []byte("x"))
	require.NoError(t, err)

	inner, err := s.CreateNewInnerNode(ctx, 1, []block.ID{leaf.ID()})
	require.NoError(t, err)

	loaded, ok, err := s.Load(ctx, inner.ID())
	require.NoError(t, err)
	require.True(t, ok)
	children, isInner := loaded.AsInner()
	require.True(t, isInner)
	require.Equal(t, []block.ID{leaf.ID()}, children)
	require.Equal(t, uint8(1), loaded.Depth())
}

func TestLeafNodeRejectsOversizedData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	tooBig := make([]byte, s.layout.MaxBytesPerLeaf+1)
	_, err := s.CreateNewLeafNode(ctx, tooBig)
	require.Error(t, err)
}

func TestDecodeRejectsBadFormatVersion(t *testing.T) {
	s := newTestStore()
	id := block.NewID()
	raw := encodeLeaf(s.layout, []byte("ok"))
	raw[0] = 0xFF

	_, err := decode(id, s.layout, raw)
	require.Error(t, err)
	var corruptErr *CorruptionError
	require.ErrorAs(t, err, &corruptErr)
}

func TestDecodeRejectsOversizedLeafClaim(t *testing.T) {
	s := newTestStore()
	id := block.NewID()
	raw := encodeLeaf(s.layout, []byte("ok"))
	// Overwrite claimed size with a value beyond the layout's max.
	raw[3] = 0xFF
	raw[4] = 0xFF
	raw[5] = 0xFF
	raw[6] = 0xFF

	_, err := decode(id, s.layout, raw)
	require.Error(t, err)
}

func TestOverwriteChangesKind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	n, err := s.CreateNewLeafNode(ctx, []byte("leaf"))
	require.NoError(t, err)

	child, err := s.CreateNewLeafNode(ctx, []byte("child"))
	require.NoError(t, err)

	require.NoError(t, s.OverwriteWithInnerNode(ctx, n.ID(), 1, []block.ID{child.ID()}))

	loaded, ok, err := s.Load(ctx, n.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Inner, loaded.Kind())
}

func TestRemoveDeletesBlock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	n, err := s.CreateNewLeafNode(ctx, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, n))

	_, ok, err := s.Load(ctx, n.ID())
	require.NoError(t, err)
	require.False(t, ok)
}
