// Package locking decorates a block.Store with per-id serialization and a
// write-back dirty cache, so concurrent callers touching the same block
// never interleave, and repeated writes to a hot block coalesce into one
// flush instead of one store call each (spec.md component 4.4). The
// write-back buffer's full/flush/size shape follows the teacher's
// triedb/pathdb buffer (aggregate writes, flush when the configured
// threshold is exceeded or on demand).
package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vbfs/vbfs/block"
)

var (
	flushBytesMeter = metrics.GetOrRegisterMeter("locking/flush/bytes", nil)
	flushTimer      = metrics.GetOrRegisterTimer("locking/flush/time", nil)
)

// entry is one cached block: its last known bytes, whether those bytes
// still need to be written back, and whether it has been removed (a
// tombstone, so a write-back flush doesn't resurrect a deleted block).
type entry struct {
	data    []byte
	dirty   bool
	removed bool
}

// idLock is a per-block mutex: one goroutine at a time may hold the
// critical section for a given id, others block on that id's sync.Mutex
// rather than on the whole store. refcount counts the goroutines holding or
// waiting for it, so the entry can be dropped from the map once unused.
type idLock struct {
	mu       sync.Mutex
	refcount int
}

// Config tunes the write-back cache.
type Config struct {
	// MaxDirtyBlocks bounds how many dirty (unflushed) blocks are held in
	// memory before a write forces a synchronous flush of one dirty block
	// (an arbitrary one; blocks are not flushed in age order).
	MaxDirtyBlocks int
	// FlushInterval, if non-zero, runs a background sweep that flushes
	// every dirty block once per interval, bounding how long a crash could
	// lose writes for. Entries carry no age; each sweep flushes them all.
	FlushInterval time.Duration
}

// Store decorates a block.Store with per-id locking and a write-back cache.
type Store struct {
	inner block.Store
	cfg   Config

	mu      sync.Mutex
	locks   map[block.ID]*idLock
	cache   *lru.Cache[block.ID, *entry]
	dirtyID map[block.ID]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// Open wraps inner with locking and a write-back cache sized per cfg.
func Open(inner block.Store, cfg Config) (*Store, error) {
	if cfg.MaxDirtyBlocks <= 0 {
		cfg.MaxDirtyBlocks = 1024
	}
	s := &Store{
		inner:   inner,
		cfg:     cfg,
		locks:   make(map[block.ID]*idLock),
		dirtyID: make(map[block.ID]struct{}),
		quit:    make(chan struct{}),
	}
	cache, err := lru.NewWithEvict[block.ID, *entry](cfg.MaxDirtyBlocks*4, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("locking: new lru: %w", err)
	}
	s.cache = cache
	if cfg.FlushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop(cfg.FlushInterval)
	}
	return s, nil
}

// onEvict is called by the LRU cache when an entry ages out. Dirty
// entries are never evicted silently: the cache is sized generously above
// MaxDirtyBlocks so that in practice only clean, already-flushed entries get
// evicted this way, but as a safety net a dirty eviction is flushed inline.
// cache.Add runs this callback with s.mu already held, so the write-back
// goes to the inner store here rather than through flushEntry, which takes
// s.mu itself.
func (s *Store) onEvict(id block.ID, e *entry) {
	if !e.dirty {
		return
	}
	var err error
	if e.removed {
		_, err = s.inner.Remove(context.Background(), id)
	} else {
		err = s.inner.Store(context.Background(), id, e.data)
	}
	if err != nil {
		log.Error("Failed to flush evicted dirty block", "block", id, "err", err)
		return
	}
	e.dirty = false
	delete(s.dirtyID, id)
}

func (s *Store) lockFor(id block.ID) *idLock {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &idLock{}
		s.locks[id] = l
	}
	l.refcount++
	s.mu.Unlock()
	return l
}

func (s *Store) unlockFor(id block.ID, l *idLock) {
	l.mu.Unlock()
	s.mu.Lock()
	l.refcount--
	if l.refcount == 0 {
		delete(s.locks, id)
	}
	s.mu.Unlock()
}

func (s *Store) withLock(id block.ID, fn func() error) error {
	l := s.lockFor(id)
	l.mu.Lock()
	defer s.unlockFor(id, l)
	return fn()
}

func (s *Store) Exists(ctx context.Context, id block.ID) (bool, error) {
	var exists bool
	var err error
	lockErr := s.withLock(id, func() error {
		s.mu.Lock()
		if e, ok := s.cache.Get(id); ok {
			exists = !e.removed
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		exists, err = s.inner.Exists(ctx, id)
		return nil
	})
	if lockErr != nil {
		return false, lockErr
	}
	return exists, err
}

func (s *Store) Load(ctx context.Context, id block.ID) ([]byte, bool, error) {
	var data []byte
	var ok bool
	var err error
	lockErr := s.withLock(id, func() error {
		s.mu.Lock()
		if e, cached := s.cache.Get(id); cached {
			s.mu.Unlock()
			if e.removed {
				return nil
			}
			data, ok = append([]byte(nil), e.data...), true
			return nil
		}
		s.mu.Unlock()
		data, ok, err = s.inner.Load(ctx, id)
		if err == nil && ok {
			s.mu.Lock()
			s.cache.Add(id, &entry{data: data})
			s.mu.Unlock()
		}
		return nil
	})
	if lockErr != nil {
		return nil, false, lockErr
	}
	return data, ok, err
}

func (s *Store) put(id block.ID, data []byte) {
	s.mu.Lock()
	s.cache.Add(id, &entry{data: append([]byte(nil), data...), dirty: true})
	s.dirtyID[id] = struct{}{}
	dirtyCount := len(s.dirtyID)
	s.mu.Unlock()

	if dirtyCount > s.cfg.MaxDirtyBlocks {
		if err := s.flushOldest(context.Background()); err != nil {
			log.Error("Failed to flush oldest dirty block", "err", err)
		}
	}
}

func (s *Store) Store(ctx context.Context, id block.ID, data []byte) error {
	return s.withLock(id, func() error {
		s.put(id, data)
		return nil
	})
}

func (s *Store) TryCreate(ctx context.Context, id block.ID, data []byte) (block.TryCreateResult, error) {
	var res block.TryCreateResult
	var err error
	lockErr := s.withLock(id, func() error {
		exists, ierr := s.existsLocked(ctx, id)
		if ierr != nil {
			err = ierr
			return nil
		}
		if exists {
			res = block.AlreadyExists
			return nil
		}
		s.put(id, data)
		res = block.Created
		return nil
	})
	if lockErr != nil {
		return block.AlreadyExists, lockErr
	}
	return res, err
}

func (s *Store) existsLocked(ctx context.Context, id block.ID) (bool, error) {
	s.mu.Lock()
	if e, ok := s.cache.Get(id); ok {
		s.mu.Unlock()
		return !e.removed, nil
	}
	s.mu.Unlock()
	return s.inner.Exists(ctx, id)
}

func (s *Store) Remove(ctx context.Context, id block.ID) (block.RemoveResult, error) {
	var res block.RemoveResult
	lockErr := s.withLock(id, func() error {
		exists, err := s.existsLocked(ctx, id)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.cache.Add(id, &entry{removed: true, dirty: true})
		s.dirtyID[id] = struct{}{}
		s.mu.Unlock()
		if exists {
			res = block.Removed
		} else {
			res = block.NotFound
		}
		return nil
	})
	return res, lockErr
}

// flushEntry writes a single entry's state to the inner store: a pending
// removal is applied as Remove, a dirty write as Store.
func (s *Store) flushEntry(ctx context.Context, id block.ID, e *entry) error {
	defer func(start time.Time) { flushTimer.UpdateSince(start) }(time.Now())

	var err error
	if e.removed {
		_, err = s.inner.Remove(ctx, id)
	} else {
		err = s.inner.Store(ctx, id, e.data)
		flushBytesMeter.Mark(int64(len(e.data)))
	}
	if err != nil {
		return fmt.Errorf("locking: flush block %s: %w", id, err)
	}
	s.mu.Lock()
	e.dirty = false
	delete(s.dirtyID, id)
	s.mu.Unlock()
	return nil
}

// Flush writes back every dirty block.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]block.ID, 0, len(s.dirtyID))
	for id := range s.dirtyID {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.withLock(id, func() error {
			s.mu.Lock()
			e, ok := s.cache.Get(id)
			s.mu.Unlock()
			if !ok || !e.dirty {
				return nil
			}
			return s.flushEntry(ctx, id, e)
		}); err != nil {
			return err
		}
	}
	return nil
}

// FlushBlock writes a single block through to the inner store immediately,
// without waiting for MaxDirtyBlocks or FlushInterval, while keeping the
// entry in the write-back cache (spec.md 4.4's flush_block: "writes through
// immediately but keeps the cache entry"). A block that is not cached or
// not dirty is a no-op.
func (s *Store) FlushBlock(ctx context.Context, id block.ID) error {
	return s.withLock(id, func() error {
		s.mu.Lock()
		e, ok := s.cache.Get(id)
		s.mu.Unlock()
		if !ok || !e.dirty {
			return nil
		}
		return s.flushEntry(ctx, id, e)
	})
}

// flushOldest writes back one arbitrary dirty block to relieve pressure
// once MaxDirtyBlocks is exceeded. The teacher's buffer flushes its whole
// aggregate at once when full; here blocks flush individually since each
// has its own lock, but the triggering condition (size over limit) is the
// same shape.
func (s *Store) flushOldest(ctx context.Context) error {
	s.mu.Lock()
	var victim block.ID
	found := false
	for id := range s.dirtyID {
		victim, found = id, true
		break
	}
	s.mu.Unlock()
	if !found {
		return nil
	}
	return s.withLock(victim, func() error {
		s.mu.Lock()
		e, ok := s.cache.Get(victim)
		s.mu.Unlock()
		if !ok || !e.dirty {
			return nil
		}
		return s.flushEntry(ctx, victim, e)
	})
}

func (s *Store) flushLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			if err := s.Flush(context.Background()); err != nil {
				log.Error("Background flush failed", "err", err)
			}
		}
	}
}

// Close stops the background flush loop and writes back all dirty blocks.
func (s *Store) Close(ctx context.Context) error {
	close(s.quit)
	s.wg.Wait()
	return s.Flush(ctx)
}

func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	n, err := s.inner.NumBlocks(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.cache.Keys() {
		e, ok := s.cache.Peek(id)
		if !ok || !e.dirty {
			continue
		}
		existedBefore, _ := s.inner.Exists(ctx, id)
		switch {
		case e.removed && existedBefore:
			n--
		case !e.removed && !existedBefore:
			n++
		}
	}
	return n, nil
}

func (s *Store) EstimateFreeBytes(ctx context.Context) (uint64, error) {
	return s.inner.EstimateFreeBytes(ctx)
}

func (s *Store) BlockSizeFromPhysicalBlockSize(physical uint32) uint32 {
	return s.inner.BlockSizeFromPhysicalBlockSize(physical)
}

func (s *Store) AllBlocks(ctx context.Context) block.Iterator {
	return s.inner.AllBlocks(ctx)
}
