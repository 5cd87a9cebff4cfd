package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/node"
)

// memBlockStore is a minimal in-memory block.Store double, sized so that
// MaxChildrenPerInner comes out small (2) and trees grow across depth with
// only a handful of leaves, keeping these tests fast and easy to reason
// about.
type memBlockStore struct {
	data map[block.ID][]byte
}

func newMemBlockStore() *memBlockStore { return &memBlockStore{data: make(map[block.ID][]byte)} }

func (m *memBlockStore) Exists(_ context.Context, id block.ID) (bool, error) {
	_, ok := m.data[id]
	return ok, nil
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

// smallTree builds an empty tree whose node store has MaxChildrenPerInner==2
// and MaxBytesPerLeaf==33 (logical block size 40, node header 7 bytes,
// child id 16 bytes: payload 33, 33/16==2 children per inner node).
func smallTree(t *testing.T) (*Tree, *node.Store) {
	t.Helper()
	nodes := node.Open(newMemBlockStore(), 40, 0)
	tr, err := CreateEmpty(context.Background(), nodes)
	require.NoError(t, err)
	return tr, nodes
}

func TestEmptyTreeHasOneEmptyLeaf(t *testing.T) {
	ctx := context.Background()
	tr, _ := smallTree(t)

	size, err := tr.NumBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), size)

	leaves, err := tr.NumLeaves(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), leaves)

	depth, err := tr.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, uint8(0), depth)
}

func TestWriteThenReadBytes(t *testing.T) {
	ctx := context.Background()
	tr, _ := smallTree(t)

	payload := []byte("hello, world")
	require.NoError(t, tr.WriteBytes(ctx, 0, payload))

	size, err := tr.NumBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(len(payload)), size)

	got := make([]byte, len(payload))
	require.NoError(t, tr.ReadBytes(ctx, 0, got))
	require.Equal(t, payload, got)
}

func TestWriteGrowsTreeAcrossDepth(t *testing.T) {
	ctx := context.Background()
	tr, _ := smallTree(t)

	// MaxBytesPerLeaf is 33; write enough to require several leaves and at
	// least one level of depth growth (childrenPerInner == 2).
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, tr.WriteBytes(ctx, 0, payload))

	depth, err := tr.Depth(ctx)
	require.NoError(t, err)
	require.Greater(t, depth, uint8(0))

	got := make([]byte, len(payload))
	require.NoError(t, tr.ReadBytes(ctx, 0, got))
	require.Equal(t, payload, got)
}

func TestWriteWithGapZeroFills(t *testing.T) {
	ctx := context.Background()
	tr, _ := smallTree(t)

	require.NoError(t, tr.WriteBytes(ctx, 100, []byte("tail")))

	size, err := tr.NumBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(104), size)

	got := make([]byte, 104)
	require.NoError(t, tr.ReadBytes(ctx, 0, got))
	require.Equal(t, make([]byte, 100), got[:100])
	require.Equal(t, []byte("tail"), got[100:])
}

func TestResizeShrinkToOneLeaf(t *testing.T) {
	ctx := context.Background()
	tr, _ := smallTree(t)

	payload := make([]byte, 200)
	require.NoError(t, tr.WriteBytes(ctx, 0, payload))

	depthBefore, err := tr.Depth(ctx)
	require.NoError(t, err)
	require.Greater(t, depthBefore, uint8(0))

	require.NoError(t, tr.ResizeNumBytes(ctx, 0))

	size, err := tr.NumBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), size)

	leaves, err := tr.NumLeaves(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), leaves)

	depthAfter, err := tr.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, uint8(0), depthAfter)
}

func TestResizeGrowThenShrinkPartial(t *testing.T) {
	ctx := context.Background()
	tr, _ := smallTree(t)

	require.NoError(t, tr.WriteBytes(ctx, 0, []byte("0123456789")))
	require.NoError(t, tr.ResizeNumBytes(ctx, 5))

	size, err := tr.NumBytes(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), size)

	got := make([]byte, 5)
	require.NoError(t, tr.ReadBytes(ctx, 0, got))
	require.Equal(t, []byte("01234"), got)
}

func TestReadOutOfRangeFails(t *testing.T) {
	ctx := context.Background()
	tr, _ := smallTree(t)

	require.NoError(t, tr.WriteBytes(ctx, 0, []byte("hi")))

	buf := make([]byte, 10)
	err := tr.ReadBytes(ctx, 0, buf)
	require.Error(t, err)
}

func TestRemoveDeletesAllNodes(t *testing.T) {
	ctx := context.Background()
	tr, nodes := smallTree(t)

	payload := make([]byte, 200)
	require.NoError(t, tr.WriteBytes(ctx, 0, payload))

	before, err := nodes.NumNodes(ctx)
	require.NoError(t, err)
	require.Greater(t, before, uint64(1))

	require.NoError(t, tr.Remove(ctx))

	after, err := nodes.NumNodes(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), after)
}
