// Package blobcache implements the concurrent blob cache: a per-id state
// machine that guarantees at most one load executes per id, lets many
// callers share a loaded value through refcounted handles, and coordinates
// removal with in-flight users (spec.md component 4.8).
//
// The at-most-one-load guarantee is built on golang.org/x/sync/singleflight
// rather than a hand-rolled broadcast channel: singleflight already
// delivers one execution's result independently to every concurrent caller
// through DoChan, which sidesteps the cancellation-safety problem spec.md
// raises as an open question (9) — a caller that stops waiting on its own
// ctx.Done() never touches the shared in-flight call or other waiters'
// view of it. The goroutine/channel state-machine shape otherwise follows
// the teacher's core/state/trie_prefetcher.go concurrent-request pattern,
// generalized from "prefetch tries" to "load-once, share, refcount".
package blobcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vbfs/vbfs/block"
)

// Loaded is the constraint on cacheable values: anything that can be torn
// down (flushed and released) when its last handle drops.
type Loaded interface {
	// Close releases any resources held by the value. Called exactly once,
	// when the last Handle referencing it is dropped.
	Close(ctx context.Context) error
}

// ErrAlreadyLoaded is returned by TryInsertWithID when id is already known
// to the cache in any state (loading, loaded, or dropping).
var ErrAlreadyLoaded = errors.New("blobcache: id already loaded or loading")

// state is the lifecycle stage of one cache entry.
type state int

const (
	stateLoading state = iota
	stateLoaded
	stateLoadedRemovalRequested
	stateDropping
)

type cacheEntry[T Loaded] struct {
	state state
	value T // valid once state >= stateLoaded
	refs  int
}

// Cache is a generic concurrent blob cache keyed by block.ID.
type Cache[T Loaded] struct {
	mu      sync.Mutex
	entries map[block.ID]*cacheEntry[T]
	group   singleflight.Group
	// removed is closed and replaced every time an entry is deleted, so
	// awaitAbsence can wait on it instead of busy-polling.
	removed chan struct{}
}

// New creates an empty Cache.
func New[T Loaded]() *Cache[T] {
	return &Cache[T]{entries: make(map[block.ID]*cacheEntry[T]), removed: make(chan struct{})}
}

// notifyRemoved must be called with mu held, right before it is released,
// any time an entry is deleted from entries.
func (c *Cache[T]) notifyRemoved() {
	close(c.removed)
	c.removed = make(chan struct{})
}

// Handle is a refcounted reference to a loaded value; dropping the last
// handle (Release) tears the value down. Handles do not serialize access to
// the value: several handles on the same id may use it at the same time.
type Handle[T Loaded] struct {
	cache *Cache[T]
	id    block.ID
}

// ID reports the blob id this handle refers to.
func (h *Handle[T]) ID() block.ID { return h.id }

// Use invokes fn with the current value. The cache lock is held only while
// the entry is looked up, not while fn runs, so Use calls on handles
// referring to the same id are not serialized against each other.
func (h *Handle[T]) Use(fn func(v T) error) error {
	h.cache.mu.Lock()
	e, ok := h.cache.entries[h.id]
	h.cache.mu.Unlock()
	if !ok {
		return fmt.Errorf("blobcache: handle for %s used after release", h.id)
	}
	return fn(e.value)
}

// Release drops this handle. If it was the last handle on a LOADED entry,
// the entry transitions to DROPPING, runs teardown, and returns to ABSENT.
func (h *Handle[T]) Release(ctx context.Context) error {
	c := h.cache
	c.mu.Lock()
	e, ok := c.entries[h.id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	e.state = stateDropping
	c.mu.Unlock()

	err := e.value.Close(ctx)

	c.mu.Lock()
	delete(c.entries, h.id)
	c.notifyRemoved()
	c.mu.Unlock()
	return err
}

// loadResult is what a singleflight load produces: either a value ready to
// install as LOADED, or an error to share with every waiter.
type loadResult[T Loaded] struct {
	value T
}

// TryInsertWithID runs loader and inserts its result as a new entry under
// id, failing with ErrAlreadyLoaded if id is in any known state.
func (c *Cache[T]) TryInsertWithID(ctx context.Context, id block.ID, loader func(ctx context.Context) (T, error)) (*Handle[T], error) {
	c.mu.Lock()
	if _, exists := c.entries[id]; exists {
		c.mu.Unlock()
		return nil, ErrAlreadyLoaded
	}
	c.entries[id] = &cacheEntry[T]{state: stateLoading}
	c.mu.Unlock()

	return c.runLoad(ctx, id, loader)
}

// InsertWithNewID inserts a blob the caller already owns (just created with
// a fresh, unique id) directly as LOADED, with one handle outstanding.
func (c *Cache[T]) InsertWithNewID(id block.ID, value T) *Handle[T] {
	c.mu.Lock()
	c.entries[id] = &cacheEntry[T]{state: stateLoaded, value: value, refs: 1}
	c.mu.Unlock()
	return &Handle[T]{cache: c, id: id}
}

// GetLoadedOrInsertLoading is the hot path: returns a handle on an already
// loaded (or newly loaded) value, running loader at most once even under
// concurrent callers for the same id. If id is mid-removal, the call awaits
// the removal and then retries with the same loader.
func (c *Cache[T]) GetLoadedOrInsertLoading(ctx context.Context, id block.ID, loader func(ctx context.Context) (T, error)) (*Handle[T], error) {
	for {
		c.mu.Lock()
		e, exists := c.entries[id]
		if !exists {
			c.entries[id] = &cacheEntry[T]{state: stateLoading}
			c.mu.Unlock()
			return c.runLoad(ctx, id, loader)
		}
		switch e.state {
		case stateLoaded:
			e.refs++
			c.mu.Unlock()
			return &Handle[T]{cache: c, id: id}, nil
		case stateLoadedRemovalRequested, stateDropping:
			c.mu.Unlock()
			if err := c.awaitAbsence(ctx, id); err != nil {
				return nil, err
			}
			continue // retry from ABSENT
		case stateLoading:
			c.mu.Unlock()
			if _, err, _ := c.group.Do(groupKey(id), func() (interface{}, error) {
				return nil, nil // just rides the in-flight call's completion signal
			}); err != nil {
				return nil, err
			}
			continue
		default:
			c.mu.Unlock()
			return nil, fmt.Errorf("blobcache: %s in unexpected state %d", id, e.state)
		}
	}
}

// GetIfLoadingOrLoaded returns a handle if id is currently loaded, or
// "absent" (nil handle, no error) if it is loading, unknown, or being
// removed. It never starts a new load.
func (c *Cache[T]) GetIfLoadingOrLoaded(id block.ID) (*Handle[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.state != stateLoaded {
		return nil, false
	}
	e.refs++
	return &Handle[T]{cache: c, id: id}, true
}

// RequestRemoval records removal intent for id. If id is LOADING, the
// removal takes effect once the load completes and the resulting handle's
// refcount drops to zero. If id is LOADED with no outstanding handles
// (refs == 0, e.g. inserted but never handed out), removal proceeds
// immediately.
func (c *Cache[T]) RequestRemoval(ctx context.Context, id block.ID) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	switch e.state {
	case stateLoading:
		// Marked so that when the load resolves, runLoad sees the request
		// and tears the freshly-loaded value down instead of publishing it.
		e.state = stateLoadedRemovalRequested
		c.mu.Unlock()
		return nil
	case stateLoaded:
		if e.refs == 0 {
			e.state = stateDropping
			c.mu.Unlock()
			err := e.value.Close(ctx)
			c.mu.Lock()
			delete(c.entries, id)
			c.notifyRemoved()
			c.mu.Unlock()
			return err
		}
		e.state = stateLoadedRemovalRequested
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
}

func groupKey(id block.ID) string { return id.Hex() }

// runLoad executes loader through singleflight, keyed by id, and publishes
// the result into the entries map under the cache lock.
func (c *Cache[T]) runLoad(ctx context.Context, id block.ID, loader func(ctx context.Context) (T, error)) (*Handle[T], error) {
	ch := c.group.DoChan(groupKey(id), func() (interface{}, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return loadResult[T]{value: v}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.mu.Lock()
			if e, ok := c.entries[id]; ok && e.state == stateLoading {
				delete(c.entries, id)
			}
			c.mu.Unlock()
			return nil, res.Err
		}
		lr, ok := res.Val.(loadResult[T])
		if !ok {
			// DoChan joined a waiter's no-op call from
			// GetLoadedOrInsertLoading instead of starting the load, so
			// the loader has not run yet; start it now.
			return c.runLoad(ctx, id, loader)
		}

		c.mu.Lock()
		e, ok := c.entries[id]
		if !ok {
			// Entry vanished (shouldn't happen absent a bug); re-synthesize.
			e = &cacheEntry[T]{}
			c.entries[id] = e
		}
		removalWanted := e.state == stateLoadedRemovalRequested
		e.value = lr.value
		e.refs = 1
		if removalWanted {
			// No handle is handed out, so RequestRemoval tears it down.
			e.refs = 0
		}
		e.state = stateLoaded
		c.mu.Unlock()

		if removalWanted {
			if err := c.RequestRemoval(ctx, id); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return &Handle[T]{cache: c, id: id}, nil
	case <-ctx.Done():
		// This caller stops waiting; the load itself (and other waiters'
		// view of it) is untouched, since singleflight delivers the result
		// to each DoChan caller independently.
		return nil, ctx.Err()
	}
}

// awaitAbsence blocks until id is no longer present in the cache (i.e. a
// pending removal has completed), or ctx is done. It waits on the cache's
// removed channel, which is closed and replaced on every deletion, rather
// than polling.
func (c *Cache[T]) awaitAbsence(ctx context.Context, id block.ID) error {
	for {
		c.mu.Lock()
		_, exists := c.entries[id]
		wait := c.removed
		c.mu.Unlock()
		if !exists {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}
