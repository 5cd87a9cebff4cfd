package node

import (
	"context"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/vbfs/vbfs/block"
)

var (
	cleanHitMeter  = metrics.GetOrRegisterMeter("node/clean/hit", nil)
	cleanMissMeter = metrics.GetOrRegisterMeter("node/clean/miss", nil)
)

// blockStore is the minimal surface this package needs from whatever sits
// underneath it (normally *locking.Store, but kept as an interface so tests
// can substitute a plain in-memory block.Store).
type blockStore interface {
	Load(ctx context.Context, id block.ID) ([]byte, bool, error)
	Store(ctx context.Context, id block.ID, data []byte) error
	TryCreate(ctx context.Context, id block.ID, data []byte) (block.TryCreateResult, error)
	Remove(ctx context.Context, id block.ID) (block.RemoveResult, error)
	NumBlocks(ctx context.Context) (uint64, error)
	EstimateFreeBytes(ctx context.Context) (uint64, error)
	BlockSizeFromPhysicalBlockSize(physical uint32) uint32
	AllBlocks(ctx context.Context) block.Iterator
}

// Store decodes/encodes nodes on top of a locked, integrity-checked,
// encrypted block store, and keeps a cache of already-validated node
// payloads so repeated reads of hot nodes skip the underlying block load
// (cached payloads are still decoded on every read). The clean cache
// is a fastcache.Cache, the same library the teacher uses for its trie
// clean-node cache (triedb/pathdb), keyed by block id.
type Store struct {
	blocks            blockStore
	layout            Layout
	physicalBlockSize uint32
	clean             *fastcache.Cache
}

// Open creates a node Store. cleanCacheBytes sizes the clean-node cache;
// pass 0 to disable it.
func Open(blocks blockStore, physicalBlockSize uint32, cleanCacheBytes int) *Store {
	logical := blocks.BlockSizeFromPhysicalBlockSize(physicalBlockSize)
	var clean *fastcache.Cache
	if cleanCacheBytes > 0 {
		clean = fastcache.New(cleanCacheBytes)
	}
	return &Store{blocks: blocks, layout: NewLayout(logical), physicalBlockSize: physicalBlockSize, clean: clean}
}

func (s *Store) Layout() Layout { return s.layout }

func (s *Store) cacheGet(id block.ID) ([]byte, bool) {
	if s.clean == nil {
		return nil, false
	}
	v, ok := s.clean.HasGet(nil, id[:])
	if ok {
		cleanHitMeter.Mark(1)
	} else {
		cleanMissMeter.Mark(1)
	}
	return v, ok
}

func (s *Store) cacheSet(id block.ID, raw []byte) {
	if s.clean == nil {
		return
	}
	s.clean.Set(id[:], raw)
}

func (s *Store) cacheDel(id block.ID) {
	if s.clean == nil {
		return
	}
	s.clean.Del(id[:])
}

// Load reads and validates the node stored at id, or reports absence.
func (s *Store) Load(ctx context.Context, id block.ID) (*Node, bool, error) {
	if raw, ok := s.cacheGet(id); ok {
		n, err := decode(id, s.layout, raw)
		if err != nil {
			return nil, false, err
		}
		return n, true, nil
	}
	raw, ok, err := s.blocks.Load(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("node: load %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	n, err := decode(id, s.layout, raw)
	if err != nil {
		return nil, false, err
	}
	s.cacheSet(id, raw)
	return n, true, nil
}

// CreateNewLeafNode allocates a fresh random id and stores data as a leaf.
func (s *Store) CreateNewLeafNode(ctx context.Context, data []byte) (*Node, error) {
	if uint32(len(data)) > s.layout.MaxBytesPerLeaf {
		return nil, fmt.Errorf("node: leaf data %d bytes exceeds max %d", len(data), s.layout.MaxBytesPerLeaf)
	}
	id := block.NewID()
	raw := encodeLeaf(s.layout, data)
	if err := s.blocks.Store(ctx, id, raw); err != nil {
		return nil, fmt.Errorf("node: store new leaf %s: %w", id, err)
	}
	s.cacheSet(id, raw)
	return &Node{id: id, kind: Leaf, depth: 0, leafData: append([]byte(nil), data...)}, nil
}

// TryCreateNewLeafNode stores data as a leaf at a caller-chosen id, failing
// if that id already exists.
func (s *Store) TryCreateNewLeafNode(ctx context.Context, id block.ID, data []byte) (bool, error) {
	if uint32(len(data)) > s.layout.MaxBytesPerLeaf {
		return false, fmt.Errorf("node: leaf data %d bytes exceeds max %d", len(data), s.layout.MaxBytesPerLeaf)
	}
	raw := encodeLeaf(s.layout, data)
	res, err := s.blocks.TryCreate(ctx, id, raw)
	if err != nil {
		return false, fmt.Errorf("node: try-create leaf %s: %w", id, err)
	}
	if res == block.AlreadyExists {
		return false, nil
	}
	s.cacheSet(id, raw)
	return true, nil
}

// CreateNewInnerNode allocates a fresh random id and stores children as an
// inner node at the given depth.
func (s *Store) CreateNewInnerNode(ctx context.Context, depth uint8, children []block.ID) (*Node, error) {
	if len(children) < 1 || uint32(len(children)) > s.layout.MaxChildrenPerInner {
		return nil, fmt.Errorf("node: inner node child count %d out of range [1,%d]", len(children), s.layout.MaxChildrenPerInner)
	}
	id := block.NewID()
	raw := encodeInner(s.layout, depth, children)
	if err := s.blocks.Store(ctx, id, raw); err != nil {
		return nil, fmt.Errorf("node: store new inner %s: %w", id, err)
	}
	s.cacheSet(id, raw)
	out := make([]block.ID, len(children))
	copy(out, children)
	return &Node{id: id, kind: Inner, depth: depth, children: out}, nil
}

// OverwriteWithLeafNode replaces whatever is at id with a new leaf,
// regardless of what was there before (used when shrinking a tree turns an
// inner node's block back into a leaf, and vice versa when growing).
func (s *Store) OverwriteWithLeafNode(ctx context.Context, id block.ID, data []byte) error {
	if uint32(len(data)) > s.layout.MaxBytesPerLeaf {
		return fmt.Errorf("node: leaf data %d bytes exceeds max %d", len(data), s.layout.MaxBytesPerLeaf)
	}
	raw := encodeLeaf(s.layout, data)
	if err := s.blocks.Store(ctx, id, raw); err != nil {
		return fmt.Errorf("node: overwrite %s with leaf: %w", id, err)
	}
	s.cacheSet(id, raw)
	return nil
}

// OverwriteWithInnerNode replaces whatever is at id with a new inner node.
func (s *Store) OverwriteWithInnerNode(ctx context.Context, id block.ID, depth uint8, children []block.ID) error {
	if len(children) < 1 || uint32(len(children)) > s.layout.MaxChildrenPerInner {
		return fmt.Errorf("node: inner node child count %d out of range [1,%d]", len(children), s.layout.MaxChildrenPerInner)
	}
	raw := encodeInner(s.layout, depth, children)
	if err := s.blocks.Store(ctx, id, raw); err != nil {
		return fmt.Errorf("node: overwrite %s with inner: %w", id, err)
	}
	s.cacheSet(id, raw)
	return nil
}

// CreateNewNodeAsCopyFrom duplicates n's content under a fresh id, used when
// deepening a tree (the old root's content moves to a new block).
func (s *Store) CreateNewNodeAsCopyFrom(ctx context.Context, n *Node) (*Node, error) {
	switch n.kind {
	case Leaf:
		return s.CreateNewLeafNode(ctx, n.leafData)
	case Inner:
		return s.CreateNewInnerNode(ctx, n.depth, n.children)
	default:
		return nil, fmt.Errorf("node: copy: unknown kind %d", n.kind)
	}
}

// Remove deletes the block underlying n.
func (s *Store) Remove(ctx context.Context, n *Node) error {
	_, err := s.blocks.Remove(ctx, n.id)
	s.cacheDel(n.id)
	if err != nil {
		return fmt.Errorf("node: remove %s: %w", n.id, err)
	}
	return nil
}

// RemoveByID deletes the block at id without requiring a decoded Node.
func (s *Store) RemoveByID(ctx context.Context, id block.ID) error {
	_, err := s.blocks.Remove(ctx, id)
	s.cacheDel(id)
	if err != nil {
		return fmt.Errorf("node: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) NumNodes(ctx context.Context) (uint64, error) {
	return s.blocks.NumBlocks(ctx)
}

// EstimateSpaceForNumBlocksLeft divides free space by the physical block
// size (the unit the backing store actually allocates in), not the logical
// block size a blob consumer writes against; the latter is surfaced
// separately via VirtualBlockSizeBytes.
func (s *Store) EstimateSpaceForNumBlocksLeft(ctx context.Context) (uint64, error) {
	free, err := s.blocks.EstimateFreeBytes(ctx)
	if err != nil {
		return 0, err
	}
	if s.physicalBlockSize == 0 {
		return 0, nil
	}
	return free / uint64(s.physicalBlockSize), nil
}
