package fsdevice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbfs/vbfs/blob"
	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/node"
)

type memBlockStore struct {
	data map[block.ID][]byte
}

func newMemBlockStore() *memBlockStore { return &memBlockStore{data: make(map[block.ID][]byte)} }

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

// newTestDevice builds a Device over a fresh in-memory blob store, with an
// empty directory blob at a known root id.
func newTestDevice(t *testing.T) *Device {
	t.Helper()
	ctx := context.Background()
	nodes := node.Open(newMemBlockStore(), 256, 0)
	blobs := blob.NewStore(nodes)

	rootID := block.NewID()
	_, ok, err := blobs.TryCreateTree(ctx, rootID)
	require.NoError(t, err)
	require.True(t, ok)

	return New(blobs, rootID, nil)
}

func TestLookupAndReadDirOnEmptyRoot(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	e, err := d.Lookup(ctx, "")
	require.NoError(t, err)
	require.Equal(t, EntryDir, e.Type)
	require.Equal(t, d.rootID, e.BlobID)

	entries, err := d.ReadDir(ctx, "")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCreateFileAndDirRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	_, err := d.Create(ctx, "", "a.txt", EntryFile, DirEntry{Mode: 0o644})
	require.NoError(t, err)

	_, err = d.Create(ctx, "", "sub", EntryDir, DirEntry{Mode: 0o755})
	require.NoError(t, err)

	_, err = d.Create(ctx, "", "a.txt", EntryFile, DirEntry{})
	require.ErrorIs(t, err, ErrInvalidOperation)

	entries, err := d.ReadDir(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a.txt", entries[0].Name)
	require.Equal(t, "sub", entries[1].Name)

	subEntry, err := d.Lookup(ctx, "sub")
	require.NoError(t, err)
	require.Equal(t, EntryDir, subEntry.Type)

	_, err = d.Create(ctx, "sub", "nested.txt", EntryFile, DirEntry{})
	require.NoError(t, err)

	nested, err := d.Lookup(ctx, "sub/nested.txt")
	require.NoError(t, err)
	require.Equal(t, EntryFile, nested.Type)
}

func TestLookupMissingFails(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	_, err := d.Lookup(ctx, "nope")
	require.ErrorIs(t, err, ErrNotExist)
}

func TestCreateUnderNonDirectoryFails(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	_, err := d.Create(ctx, "", "f", EntryFile, DirEntry{})
	require.NoError(t, err)

	_, err = d.Create(ctx, "f", "child", EntryFile, DirEntry{})
	require.ErrorIs(t, err, ErrNotDirectory)
}

func TestRemoveRefusesRootAndNonEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	err := d.Remove(ctx, "")
	require.ErrorIs(t, err, ErrInvalidOperation)

	_, err = d.Create(ctx, "", "sub", EntryDir, DirEntry{})
	require.NoError(t, err)
	_, err = d.Create(ctx, "sub", "child.txt", EntryFile, DirEntry{})
	require.NoError(t, err)

	err = d.Remove(ctx, "sub")
	require.ErrorIs(t, err, ErrNotEmpty)

	require.NoError(t, d.Remove(ctx, "sub/child.txt"))
	require.NoError(t, d.Remove(ctx, "sub"))

	entries, err := d.ReadDir(ctx, "")
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = d.Lookup(ctx, "sub")
	require.ErrorIs(t, err, ErrNotExist)
}

func TestRenameAcrossDirectories(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	_, err := d.Create(ctx, "", "src", EntryDir, DirEntry{})
	require.NoError(t, err)
	_, err = d.Create(ctx, "", "dst", EntryDir, DirEntry{})
	require.NoError(t, err)
	_, err = d.Create(ctx, "src", "f.txt", EntryFile, DirEntry{Mode: 0o600})
	require.NoError(t, err)

	require.NoError(t, d.Rename(ctx, "src/f.txt", "dst", "g.txt"))

	_, err = d.Lookup(ctx, "src/f.txt")
	require.ErrorIs(t, err, ErrNotExist)

	moved, err := d.Lookup(ctx, "dst/g.txt")
	require.NoError(t, err)
	require.Equal(t, EntryFile, moved.Type)
	require.Equal(t, uint32(0o600), moved.Mode)

	dst, err := d.Lookup(ctx, "dst")
	require.NoError(t, err)
	parent, err := d.ParentBlobID(ctx, "dst/g.txt")
	require.NoError(t, err)
	require.Equal(t, dst.BlobID, parent)

	srcEntries, err := d.ReadDir(ctx, "src")
	require.NoError(t, err)
	require.Empty(t, srcEntries)
}

func TestRenameOverwritesExistingDestinationName(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	_, err := d.Create(ctx, "", "a.txt", EntryFile, DirEntry{Mode: 0o644})
	require.NoError(t, err)
	_, err = d.Create(ctx, "", "b.txt", EntryFile, DirEntry{Mode: 0o600})
	require.NoError(t, err)

	require.NoError(t, d.Rename(ctx, "a.txt", "", "b.txt"))

	entries, err := d.ReadDir(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b.txt", entries[0].Name)
	require.Equal(t, uint32(0o644), entries[0].Mode)
}

func TestRenameRefusesMovingDirectoryIntoOwnDescendant(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	_, err := d.Create(ctx, "", "parent", EntryDir, DirEntry{})
	require.NoError(t, err)
	_, err = d.Create(ctx, "parent", "child", EntryDir, DirEntry{})
	require.NoError(t, err)

	err = d.Rename(ctx, "parent", "parent/child", "parent")
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestRenameRefusesOverwritingNonEmptyDestinationDirectory(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	_, err := d.Create(ctx, "", "src", EntryDir, DirEntry{})
	require.NoError(t, err)
	_, err = d.Create(ctx, "", "dst", EntryDir, DirEntry{})
	require.NoError(t, err)
	_, err = d.Create(ctx, "dst", "occupant.txt", EntryFile, DirEntry{})
	require.NoError(t, err)

	err = d.Rename(ctx, "src", "", "dst")
	require.ErrorIs(t, err, ErrNotEmpty)
}

func TestStatfs(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	_, err := d.Create(ctx, "", "a.txt", EntryFile, DirEntry{})
	require.NoError(t, err)

	stat, err := d.Statfs(ctx)
	require.NoError(t, err)
	require.Greater(t, stat.TotalBlocks, uint64(0))
	require.Equal(t, d.blobs.VirtualBlockSizeBytes(), stat.BlockSize)
}
