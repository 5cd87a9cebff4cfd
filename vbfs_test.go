package vbfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/block/crypt"
	"github.com/vbfs/vbfs/block/integrity"
	"github.com/vbfs/vbfs/fsdevice"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	key := make([]byte, crypt.AES256GCM.KeySize())
	for i := range key {
		key[i] = byte(i)
	}
	return Config{
		DataDir:                t.TempDir(),
		BlockSizeBytes:         256,
		Cipher:                 crypt.AES256GCM,
		EncryptionKey:          key,
		ClientID:               integrity.ClientID(1),
		IntegrityFlushInterval: time.Hour,
		MaxDirtyBlocks:         64,
		LockingFlushInterval:   time.Hour,
	}
}

func TestOpenCreatesRootAndWritesThroughTheFullLayerStack(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	rootID := block.NewID()

	fs, err := Open(cfg, rootID)
	require.NoError(t, err)

	e, err := fs.Device.Create(ctx, "", "hello.txt", fsdevice.EntryFile, fsdevice.DirEntry{Mode: 0o644})
	require.NoError(t, err)

	tr, ok, err := fs.BlobTree(ctx, e.BlobID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tr.WriteBytes(ctx, 0, []byte("hello, vbfs")))
	require.NoError(t, fs.Close(ctx))
}

func TestOpenReopensExistingDataDirAndSeesPriorWrites(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	rootID := block.NewID()

	fs, err := Open(cfg, rootID)
	require.NoError(t, err)
	e, err := fs.Device.Create(ctx, "", "a.txt", fsdevice.EntryFile, fsdevice.DirEntry{})
	require.NoError(t, err)
	tr, ok, err := fs.BlobTree(ctx, e.BlobID)
	require.NoError(t, err)
	require.True(t, ok)
	// File content starts after the blob's parent-pointer header.
	require.NoError(t, tr.WriteBytes(ctx, block.IDSize, []byte("persisted")))
	require.NoError(t, fs.Close(ctx))

	fs2, err := Open(cfg, rootID)
	require.NoError(t, err)
	defer fs2.Close(ctx)

	entries, err := fs2.Device.ReadDir(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a.txt", entries[0].Name)

	tr2, ok, err := fs2.BlobTree(ctx, entries[0].BlobID)
	require.NoError(t, err)
	require.True(t, ok)
	size, err := tr2.NumBytes(ctx)
	require.NoError(t, err)
	got := make([]byte, size-block.IDSize)
	require.NoError(t, tr2.ReadBytes(ctx, block.IDSize, got))
	require.Equal(t, "persisted", string(got))
}

func TestOpenRejectsUndersizedBlockSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockSizeBytes = 8

	_, err := Open(cfg, block.NewID())
	require.Error(t, err)
}
