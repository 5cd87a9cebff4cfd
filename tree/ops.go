package tree

import (
	"context"
	"fmt"

	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/node"
)

// CreateEmpty allocates a brand-new tree: a single empty leaf as its root,
// per spec.md 3's blob lifecycle ("a blob is created by allocating a single
// empty leaf as its root").
func CreateEmpty(ctx context.Context, nodes *node.Store) (*Tree, error) {
	leaf, err := nodes.CreateNewLeafNode(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("tree: create empty: %w", err)
	}
	return Open(nodes, leaf.ID()), nil
}

// TryCreateEmptyWithID is CreateEmpty with a caller-chosen root id, failing
// if that id already exists.
func TryCreateEmptyWithID(ctx context.Context, nodes *node.Store, id block.ID) (*Tree, bool, error) {
	ok, err := nodes.TryCreateNewLeafNode(ctx, id, nil)
	if err != nil {
		return nil, false, fmt.Errorf("tree: try-create empty %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	return Open(nodes, id), true, nil
}

// byteRange translates a [byteBegin, byteEnd) window into the leaf indices
// it touches.
func (t *Tree) byteRange(byteBegin, byteEnd uint64) (firstLeaf, lastLeafExclusive uint64) {
	perLeaf := t.maxBytesPerLeaf()
	firstLeaf = byteBegin / perLeaf
	lastLeafExclusive = (byteEnd + perLeaf - 1) / perLeaf
	return
}

// ReadBytes copies length bytes starting at offset into dest (which must
// have capacity length), traversing only the leaves that cover the range.
func (t *Tree) ReadBytes(ctx context.Context, offset uint64, dest []byte) error {
	length := uint64(len(dest))
	if length == 0 {
		return nil
	}
	perLeaf := t.maxBytesPerLeaf()
	firstLeaf, lastLeafExcl := t.byteRange(offset, offset+length)

	err := t.Traverse(ctx, firstLeaf, lastLeafExcl, false, Callbacks{
		OnExistingLeaf: func(_ context.Context, leafIndex uint64, _ bool, data []byte) ([]byte, error) {
			leafStart := leafIndex * perLeaf
			winStart := maxU64(offset, leafStart)
			winEnd := minU64(offset+length, leafStart+perLeaf)
			if winStart >= winEnd {
				return nil, nil
			}
			srcOff := winStart - leafStart
			srcEnd := winEnd - leafStart
			if srcEnd > uint64(len(data)) {
				return nil, fmt.Errorf("tree: %w: leaf %d shorter than requested range", ErrOutOfRange, leafIndex)
			}
			copy(dest[winStart-offset:winEnd-offset], data[srcOff:srcEnd])
			return nil, nil
		},
	})
	return err
}

// WriteBytes overwrites length(data) bytes starting at offset, growing the
// tree (and zero-filling any gap) as needed.
func (t *Tree) WriteBytes(ctx context.Context, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	perLeaf := t.maxBytesPerLeaf()
	length := uint64(len(data))
	firstLeaf, lastLeafExcl := t.byteRange(offset, offset+length)
	oldSize, err := t.NumBytes(ctx)
	if err != nil {
		return err
	}

	err = t.Traverse(ctx, firstLeaf, lastLeafExcl, true, Callbacks{
		OnExistingLeaf: func(_ context.Context, leafIndex uint64, _ bool, cur []byte) ([]byte, error) {
			leafStart := leafIndex * perLeaf
			winStart := maxU64(offset, leafStart)
			winEnd := minU64(offset+length, leafStart+perLeaf)

			// A leaf touched by a write traversal may need growing past its
			// current size (e.g. writing past the old blob end into what
			// was previously the last, partially-filled leaf).
			newLen := uint64(len(cur))
			if winEnd-leafStart > newLen {
				newLen = winEnd - leafStart
			}
			out := make([]byte, newLen)
			copy(out, cur)
			if winStart < winEnd {
				copy(out[winStart-leafStart:winEnd-leafStart], data[winStart-offset:winEnd-offset])
			}
			return out, nil
		},
		OnCreateLeaf: func(_ context.Context, leafIndex uint64) ([]byte, error) {
			leafStart := leafIndex * perLeaf
			winStart := maxU64(offset, leafStart)
			winEnd := minU64(offset+length, leafStart+perLeaf)
			size := winEnd - leafStart
			out := make([]byte, size)
			if winStart < winEnd {
				copy(out[winStart-leafStart:winEnd-leafStart], data[winStart-offset:winEnd-offset])
			}
			return out, nil
		},
	})
	if err != nil || offset+length <= oldSize {
		return err
	}
	// Leaves added to extend the tree are created full width; trim the tree
	// back so it ends exactly at offset+length.
	return t.shrinkTo(ctx, offset+length)
}

// ResizeNumBytes grows or shrinks the blob to exactly newSize bytes.
func (t *Tree) ResizeNumBytes(ctx context.Context, newSize uint64) error {
	current, err := t.NumBytes(ctx)
	if err != nil {
		return err
	}
	if newSize == current {
		return nil
	}
	if newSize > current {
		perLeaf := t.maxBytesPerLeaf()
		firstLeaf, lastLeafExcl := t.byteRange(current, newSize)
		if err := t.Traverse(ctx, firstLeaf, lastLeafExcl, true, Callbacks{
			OnExistingLeaf: func(_ context.Context, leafIndex uint64, _ bool, cur []byte) ([]byte, error) {
				leafStart := leafIndex * perLeaf
				want := minU64(newSize, leafStart+perLeaf) - leafStart
				if want <= uint64(len(cur)) {
					return nil, nil
				}
				out := make([]byte, want)
				copy(out, cur)
				return out, nil
			},
			OnCreateLeaf: func(_ context.Context, leafIndex uint64) ([]byte, error) {
				leafStart := leafIndex * perLeaf
				size := minU64(newSize, leafStart+perLeaf) - leafStart
				return make([]byte, size), nil
			},
		}); err != nil {
			return err
		}
		// Leaves added to extend the tree are created full width; the
		// shrinkTo below trims the tree back so it ends exactly at newSize.
	}
	return t.shrinkTo(ctx, newSize)
}

// shrinkTo removes leaves beyond newSize and truncates the new last leaf.
func (t *Tree) shrinkTo(ctx context.Context, newSize uint64) error {
	perLeaf := t.maxBytesPerLeaf()
	var newNumLeaves uint64
	if newSize == 0 {
		newNumLeaves = 1 // a tree always has at least one (possibly empty) leaf
	} else {
		newNumLeaves = (newSize + perLeaf - 1) / perLeaf
	}
	lastLeafNewSize := newSize - (newNumLeaves-1)*perLeaf
	if newSize == 0 {
		lastLeafNewSize = 0
	}

	root, ok, err := t.nodes.Load(ctx, t.rootID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tree: root %s missing", t.rootID)
	}
	if err := t.pruneToLeafCount(ctx, root, newNumLeaves); err != nil {
		return err
	}

	root, ok, err = t.nodes.Load(ctx, t.rootID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tree: root %s missing after prune", t.rootID)
	}
	last, err := t.loadLeafByIndex(ctx, root, newNumLeaves-1)
	if err != nil {
		return err
	}
	data, _ := last.AsLeaf()
	if uint64(len(data)) != lastLeafNewSize {
		truncated := make([]byte, lastLeafNewSize)
		copy(truncated, data)
		if err := t.nodes.OverwriteWithLeafNode(ctx, last.ID(), truncated); err != nil {
			return fmt.Errorf("tree: shrink: truncate last leaf: %w", err)
		}
	}
	return t.shrinkToFit(ctx)
}

// pruneToLeafCount recursively removes every leaf at or beyond
// newNumLeaves, and the inner nodes left holding no children.
func (t *Tree) pruneToLeafCount(ctx context.Context, n *node.Node, newNumLeaves uint64) error {
	if _, isLeaf := n.AsLeaf(); isLeaf {
		return nil
	}
	children, _ := n.AsInner()
	childCapacity := t.maxLeaves(n.Depth() - 1)
	keep := (newNumLeaves + childCapacity - 1) / childCapacity
	if keep == 0 {
		keep = 1
	}
	if keep > uint64(len(children)) {
		keep = uint64(len(children))
	}

	for i := uint64(keep); i < uint64(len(children)); i++ {
		if err := t.removeSubtree(ctx, children[i]); err != nil {
			return err
		}
	}
	children = children[:keep]

	lastChildBegin := (keep - 1) * childCapacity
	remainderUnderLast := newNumLeaves - lastChildBegin
	if newNumLeaves <= lastChildBegin {
		remainderUnderLast = 0
	}
	lastChild, ok, err := t.nodes.Load(ctx, children[keep-1])
	if err != nil {
		return err
	}
	if !ok {
		return &node.CorruptionError{Block: children[keep-1], Msg: "child missing during prune"}
	}
	if err := t.pruneToLeafCount(ctx, lastChild, remainderUnderLast); err != nil {
		return err
	}

	return t.nodes.OverwriteWithInnerNode(ctx, n.ID(), n.Depth(), children)
}

// removeSubtree recursively removes every node reachable from id.
func (t *Tree) removeSubtree(ctx context.Context, id block.ID) error {
	n, ok, err := t.nodes.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if children, isInner := n.AsInner(); isInner {
		for _, c := range children {
			if err := t.removeSubtree(ctx, c); err != nil {
				return err
			}
		}
	}
	return t.nodes.Remove(ctx, n)
}

// Remove deletes every node reachable from the tree's root, including the
// root itself.
func (t *Tree) Remove(ctx context.Context) error {
	return t.removeSubtree(ctx, t.rootID)
}

// Flusher is the write-back layer's flush operation. The tree layer keeps no
// write-back state of its own; Tree.Flush lets callers flush "this tree's"
// writes without reaching past the façade, by flushing the whole underlying
// store through it.
type Flusher interface {
	Flush(ctx context.Context) error
}

func (t *Tree) Flush(ctx context.Context, underlying Flusher) error {
	return underlying.Flush(ctx)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
