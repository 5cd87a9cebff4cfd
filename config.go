// Package vbfs wires the block, node, tree, blob, blobcache, and fsdevice
// layers together into one filesystem instance, and defines the ambient
// Config knobs enumerated in spec.md 6.5. There is deliberately no config
// file loader here (spec.md's non-goals exclude the CLI front-end and
// configuration loader); callers construct a Config in code or from their
// own flag parsing, as cmd/vbfsctl does.
package vbfs

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/block/crypt"
	"github.com/vbfs/vbfs/block/integrity"
	"github.com/vbfs/vbfs/block/locking"
	"github.com/vbfs/vbfs/blob"
	"github.com/vbfs/vbfs/fsdevice"
	"github.com/vbfs/vbfs/node"
	"github.com/vbfs/vbfs/tree"
)

// Config is the enumerated set of configuration knobs from spec.md 6.5.
type Config struct {
	// DataDir holds the on-disk backing block store and integrity state
	// file.
	DataDir string

	// BlockSizeBytes is the physical block size, chosen once at format
	// time. Open rejects sizes below 40 bytes; it does not check that the
	// encryption, integrity and node headers leave room for any payload.
	BlockSizeBytes uint32

	// Cipher selects the AEAD construction (spec.md 6.5).
	Cipher crypt.Cipher
	// EncryptionKey must be exactly Cipher.KeySize() bytes.
	EncryptionKey []byte

	ClientID                integrity.ClientID
	AllowViolations         bool
	MissingIsViolation      bool
	IntegrityFlushInterval  time.Duration
	OnIntegrityViolation    func(integrity.Violation)

	MaxDirtyBlocks       int
	LockingFlushInterval time.Duration

	// CleanNodeCacheBytes sizes the node store's decrypted/validated node
	// cache. Zero disables it.
	CleanNodeCacheBytes int
}

const minBlockSizeBytes = 40

// Filesystem bundles the opened layer stack for one data directory.
type Filesystem struct {
	cfg Config

	disk      *block.DiskStore
	integrity *integrity.Store
	locking   *locking.Store
	nodes     *node.Store
	blobs     *blob.Store
	Device    *fsdevice.Device
}

// Open assembles the full layer stack per spec.md's data-flow diagram
// (backing store → encryption → integrity → locking → node → tree/blob →
// filesystem device), creating a fresh root blob if none exists at
// rootID.
func Open(cfg Config, rootID block.ID) (*Filesystem, error) {
	if cfg.BlockSizeBytes < minBlockSizeBytes {
		return nil, fmt.Errorf("vbfs: block size %d below minimum %d", cfg.BlockSizeBytes, minBlockSizeBytes)
	}

	disk, err := block.OpenDiskStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("vbfs: open disk store: %w", err)
	}

	cryptStore, err := crypt.New(disk, cfg.Cipher, cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("vbfs: open encryption layer: %w", err)
	}

	integrityStore, err := integrity.Open(cryptStore, filepath.Join(cfg.DataDir, "integrity.state"), integrity.Config{
		ClientID:           cfg.ClientID,
		AllowViolations:    cfg.AllowViolations,
		MissingIsViolation: cfg.MissingIsViolation,
		OnViolation:        cfg.OnIntegrityViolation,
		FlushInterval:      cfg.IntegrityFlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("vbfs: open integrity layer: %w", err)
	}

	lockingStore, err := locking.Open(integrityStore, locking.Config{
		MaxDirtyBlocks: cfg.MaxDirtyBlocks,
		FlushInterval:  cfg.LockingFlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("vbfs: open locking layer: %w", err)
	}

	nodes := node.Open(lockingStore, cfg.BlockSizeBytes, cfg.CleanNodeCacheBytes)
	blobs := blob.NewStore(nodes)

	ctx := context.Background()
	if _, ok, err := blobs.LoadTree(ctx, rootID); err != nil {
		return nil, fmt.Errorf("vbfs: probe root blob: %w", err)
	} else if !ok {
		if _, _, err := blobs.TryCreateTree(ctx, rootID); err != nil {
			return nil, fmt.Errorf("vbfs: create root blob: %w", err)
		}
	}

	device := fsdevice.New(blobs, rootID, lockingStore)

	return &Filesystem{
		cfg:       cfg,
		disk:      disk,
		integrity: integrityStore,
		locking:   lockingStore,
		nodes:     nodes,
		blobs:     blobs,
		Device:    device,
	}, nil
}

// BlobTree opens the blob tree rooted at id, for callers (like cmd/vbfsctl)
// that need direct byte-level access beyond what fsdevice.Device exposes.
func (fs *Filesystem) BlobTree(ctx context.Context, id block.ID) (*tree.Tree, bool, error) {
	return fs.blobs.LoadTree(ctx, id)
}

// Close flushes every layer's write-back state and releases the backing
// directory lock.
func (fs *Filesystem) Close(ctx context.Context) error {
	if err := fs.locking.Close(ctx); err != nil {
		return fmt.Errorf("vbfs: close locking layer: %w", err)
	}
	if err := fs.integrity.Close(); err != nil {
		return fmt.Errorf("vbfs: close integrity layer: %w", err)
	}
	return fs.disk.Close()
}
