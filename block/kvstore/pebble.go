// Package kvstore provides an alternative backing block.Store on top of a
// local embedded key-value engine, for deployments that prefer a single
// compacting LSM file over one-file-per-block on disk.
package kvstore

import (
	"context"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/vbfs/vbfs/block"
)

// PebbleStore implements block.Store on top of a pebble database. Keys are
// the raw 16-byte block id; values are the block's bytes unmodified.
type PebbleStore struct {
	db *pebble.DB
}

// Open opens (creating if necessary) a pebble-backed block store at dir.
func Open(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble db %s: %v", block.ErrTransport, dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Exists(_ context.Context, id block.ID) (bool, error) {
	v, closer, err := s.db.Get(id[:])
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %v", block.ErrTransport, id, err)
	}
	_ = v
	closer.Close()
	return true, nil
}

func (s *PebbleStore) Load(_ context.Context, id block.ID) ([]byte, bool, error) {
	v, closer, err := s.db.Get(id[:])
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", block.ErrTransport, id, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *PebbleStore) Store(_ context.Context, id block.ID, data []byte) error {
	if err := s.db.Set(id[:], data, pebble.Sync); err != nil {
		return fmt.Errorf("%w: set %s: %v", block.ErrTransport, id, err)
	}
	return nil
}

func (s *PebbleStore) TryCreate(ctx context.Context, id block.ID, data []byte) (block.TryCreateResult, error) {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return block.AlreadyExists, err
	}
	if exists {
		return block.AlreadyExists, nil
	}
	// A racing TryCreate for the same id is vanishingly unlikely (ids are
	// CSPRNG-generated) and spec.md does not require atomicity against it;
	// a plain check-then-set mirrors the teacher's non-transactional use of
	// its own KV stores for similarly-keyed data.
	if err := s.Store(ctx, id, data); err != nil {
		return block.AlreadyExists, err
	}
	return block.Created, nil
}

func (s *PebbleStore) Remove(_ context.Context, id block.ID) (block.RemoveResult, error) {
	_, closer, err := s.db.Get(id[:])
	if err == pebble.ErrNotFound {
		return block.NotFound, nil
	}
	if err != nil {
		return block.NotFound, fmt.Errorf("%w: get %s: %v", block.ErrTransport, id, err)
	}
	closer.Close()
	if err := s.db.Delete(id[:], pebble.Sync); err != nil {
		return block.NotFound, fmt.Errorf("%w: delete %s: %v", block.ErrTransport, id, err)
	}
	return block.Removed, nil
}

func (s *PebbleStore) NumBlocks(ctx context.Context) (uint64, error) {
	it := s.AllBlocks(ctx)
	defer it.Close()
	var n uint64
	for it.Next() {
		n++
	}
	return n, it.Err()
}

func (s *PebbleStore) EstimateFreeBytes(context.Context) (uint64, error) {
	// pebble does not expose free space on its own; callers that need a real
	// quota estimate should layer this store over a filesystem-aware sibling.
	// Returning metrics.DiskSpaceUsage would require OS-specific code this
	// store intentionally avoids duplicating from block.DiskStore.
	return 0, nil
}

func (s *PebbleStore) BlockSizeFromPhysicalBlockSize(physical uint32) uint32 {
	return physical
}

func (s *PebbleStore) AllBlocks(context.Context) block.Iterator {
	return &pebbleIterator{iter: func() *pebble.Iterator {
		it, _ := s.db.NewIter(&pebble.IterOptions{})
		return it
	}()}
}

type pebbleIterator struct {
	iter    *pebble.Iterator
	started bool
	err     error
	id      block.ID
}

func (it *pebbleIterator) Next() bool {
	if it.err != nil {
		return false
	}
	var ok bool
	if !it.started {
		it.started = true
		ok = it.iter.First()
	} else {
		ok = it.iter.Next()
	}
	if !ok {
		return false
	}
	id, err := block.IDFromBytes(it.iter.Key())
	if err != nil {
		it.err = fmt.Errorf("kvstore: corrupt key: %w", err)
		return false
	}
	it.id = id
	return true
}

func (it *pebbleIterator) ID() block.ID { return it.id }
func (it *pebbleIterator) Err() error   { return it.err }
func (it *pebbleIterator) Close() error { return it.iter.Close() }
