package block

import (
	"context"
	"errors"
)

// RemoveResult distinguishes "removed" from "did not exist" for Remove,
// per spec.md 4.1: removal of an absent block is success, not an error.
type RemoveResult int

const (
	Removed RemoveResult = iota
	NotFound
)

// TryCreateResult distinguishes "created" from "already existed" for
// TryCreate, again success either way.
type TryCreateResult int

const (
	Created TryCreateResult = iota
	AlreadyExists
)

// ErrTransport wraps an underlying I/O error from a Store implementation.
// Spec.md 4.1/7: transport failures propagate verbatim, never retried here.
var ErrTransport = errors.New("block: transport failure")

// Iterator walks a store's block ids. The kvstore PebbleStore iterator
// walks its keys lazily; DiskStore collects its whole id set into memory
// before returning the iterator.
type Iterator interface {
	// Next advances the iterator. It returns false at end of stream or on
	// error; call Err to distinguish the two.
	Next() bool
	ID() ID
	Err() error
	Close() error
}

// Store is the backing block store interface (spec.md 4.1). A Store
// implementation knows nothing about encryption, integrity, or node
// structure: it just durably stores bytes under a 16-byte key.
type Store interface {
	Exists(ctx context.Context, id ID) (bool, error)

	// Load returns (data, true, nil) if present, (nil, false, nil) if
	// absent-but-no-error, or (nil, false, err) on a transport failure.
	Load(ctx context.Context, id ID) ([]byte, bool, error)

	// Store writes data unconditionally, creating or overwriting.
	Store(ctx context.Context, id ID, data []byte) error

	// TryCreate writes data only if id does not already exist.
	TryCreate(ctx context.Context, id ID, data []byte) (TryCreateResult, error)

	Remove(ctx context.Context, id ID) (RemoveResult, error)

	NumBlocks(ctx context.Context) (uint64, error)
	EstimateFreeBytes(ctx context.Context) (uint64, error)

	// BlockSizeFromPhysicalBlockSize translates a proposed physical block
	// size into the logical size usable above this store, after this
	// store's own header overhead (zero for on-disk/kv stores; layers
	// above add their own overhead on top).
	BlockSizeFromPhysicalBlockSize(physical uint32) uint32

	AllBlocks(ctx context.Context) Iterator
}

// sliceIterator is a trivial Iterator over an in-memory id slice. DiskStore
// uses it after walking its directory tree into a slice; it keeps that
// implementation's Next()/Err() plumbing tiny.
type sliceIterator struct {
	ids []ID
	pos int
	err error
}

func newSliceIterator(ids []ID) *sliceIterator {
	return &sliceIterator{ids: ids, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	return it.pos < len(it.ids)
}

func (it *sliceIterator) ID() ID {
	if it.pos < 0 || it.pos >= len(it.ids) {
		return ID{}
	}
	return it.ids[it.pos]
}

func (it *sliceIterator) Err() error   { return it.err }
func (it *sliceIterator) Close() error { return nil }
