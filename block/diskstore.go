package block

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/tsdb/fileutil"
)

// DiskStore is the on-disk backing block store: one file per block, sharded
// into 256 subdirectories by the id's first hex byte (spec.md 4.1). Writes
// go to a temporary file in the same shard directory and are atomically
// renamed into place so a reader never observes a half-written block.
//
// A single process is assumed to own the directory (spec.md's non-goal on
// multi-writer coordination); OpenDiskStore takes an exclusive flock on the
// root directory for the lifetime of the store, the same mechanism the
// teacher's ancient-store freezer uses to stop a second process from
// opening the same data directory twice.
type DiskStore struct {
	root string
	lock fileutil.Releaser

	mu sync.Mutex // serializes directory creation (MkdirAll) on first write to a shard
}

// OpenDiskStore opens (creating if necessary) an on-disk block store rooted
// at dir.
func OpenDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("block: create store dir: %w", err)
	}
	lock, _, err := fileutil.Flock(filepath.Join(dir, ".vbfs-lock"))
	if err != nil {
		return nil, fmt.Errorf("block: lock store dir: %w", err)
	}
	log.Info("Opened on-disk block store", "dir", dir)
	return &DiskStore{root: dir, lock: lock}, nil
}

// Close releases the directory lock.
func (s *DiskStore) Close() error {
	return s.lock.Release()
}

func (s *DiskStore) path(id ID) string {
	return filepath.Join(s.root, id.ShardPrefix(), id.ShardRemainder())
}

func (s *DiskStore) shardDir(id ID) string {
	return filepath.Join(s.root, id.ShardPrefix())
}

func (s *DiskStore) Exists(_ context.Context, id ID) (bool, error) {
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", ErrTransport, id, err)
}

func (s *DiskStore) Load(_ context.Context, id ID) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(id))
	if err == nil {
		return data, true, nil
	}
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: read %s: %v", ErrTransport, id, err)
}

// writeAtomic writes data to the block's shard directory via a temp file
// plus rename, the same pattern the teacher's freezer tables use to avoid
// torn writes.
func (s *DiskStore) writeAtomic(id ID, data []byte) error {
	dir := s.shardDir(id)
	s.mu.Lock()
	err := os.MkdirAll(dir, 0o700)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrTransport, dir, err)
	}
	tmp, err := os.CreateTemp(dir, id.ShardRemainder()+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrTransport, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp: %v", ErrTransport, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp: %v", ErrTransport, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp: %v", ErrTransport, err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename into place: %v", ErrTransport, err)
	}
	return nil
}

func (s *DiskStore) Store(_ context.Context, id ID, data []byte) error {
	return s.writeAtomic(id, data)
}

func (s *DiskStore) TryCreate(_ context.Context, id ID, data []byte) (TryCreateResult, error) {
	if _, err := os.Stat(s.path(id)); err == nil {
		return AlreadyExists, nil
	} else if !os.IsNotExist(err) {
		return AlreadyExists, fmt.Errorf("%w: stat %s: %v", ErrTransport, id, err)
	}
	if err := s.writeAtomic(id, data); err != nil {
		return AlreadyExists, err
	}
	return Created, nil
}

func (s *DiskStore) Remove(_ context.Context, id ID) (RemoveResult, error) {
	err := os.Remove(s.path(id))
	if err == nil {
		return Removed, nil
	}
	if os.IsNotExist(err) {
		return NotFound, nil
	}
	return NotFound, fmt.Errorf("%w: remove %s: %v", ErrTransport, id, err)
}

func (s *DiskStore) NumBlocks(ctx context.Context) (uint64, error) {
	var n uint64
	it := s.AllBlocks(ctx)
	defer it.Close()
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// EstimateFreeBytes reports the free space on the filesystem backing the
// store's root directory.
func (s *DiskStore) EstimateFreeBytes(context.Context) (uint64, error) {
	return estimateFreeBytes(s.root)
}

// BlockSizeFromPhysicalBlockSize: the on-disk store adds no header of its
// own, so the logical size equals the physical size.
func (s *DiskStore) BlockSizeFromPhysicalBlockSize(physical uint32) uint32 {
	return physical
}

func (s *DiskStore) AllBlocks(context.Context) Iterator {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return &errIterator{err: fmt.Errorf("%w: readdir %s: %v", ErrTransport, s.root, err)}
	}
	var ids []ID
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			log.Warn("Failed to list block shard", "shard", shard.Name(), "err", err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if len(name) != IDSize*2-2 {
				continue // temp files and other stray entries
			}
			id, err := ParseID(shard.Name() + name)
			if err != nil {
				log.Warn("Skipping unparseable block filename", "shard", shard.Name(), "name", name, "err", err)
				continue
			}
			ids = append(ids, id)
		}
	}
	return newSliceIterator(ids)
}

type errIterator struct{ err error }

func (it *errIterator) Next() bool   { return false }
func (it *errIterator) ID() ID       { return ID{} }
func (it *errIterator) Err() error   { return it.err }
func (it *errIterator) Close() error { return nil }
