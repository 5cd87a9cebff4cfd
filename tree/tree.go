// Package tree implements the balanced tree of nodes that maps a variable
// length blob onto fixed-size blocks, and the traversal engine that reads,
// writes, grows and shrinks it (spec.md component 4.6). The recursive
// descent here mirrors the layer-chain composition style of the teacher's
// triedb/pathdb (each level of the tree delegates to the next exactly the
// way a pathdb layer delegates to its parent), generalized from a
// fixed-radix Merkle trie to this store's balanced block tree.
package tree

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/node"
)

// ErrOutOfRange is returned when a read traversal touches bytes beyond the
// blob's current size.
var ErrOutOfRange = errors.New("tree: read out of range")

// ErrTreeTooLarge is returned when a write traversal would need to grow the
// tree beyond what a 64-bit leaf count / 16-byte id space can address.
var ErrTreeTooLarge = errors.New("tree: required depth exceeds addressable maximum")

const maxDepth = 64 // generous bound; 16-byte ids and 64-bit leaf counts never require more

// Tree is a handle on one blob's on-disk balanced tree, rooted at a single
// node id that never changes for the tree's lifetime (depth changes happen
// by rewriting the root block's content in place, per spec.md 4.6).
type Tree struct {
	nodes            *node.Store
	rootID           block.ID
	childrenPerInner uint64
}

// Open wraps an existing tree rooted at rootID.
func Open(nodes *node.Store, rootID block.ID) *Tree {
	return &Tree{
		nodes:            nodes,
		rootID:           rootID,
		childrenPerInner: uint64(nodes.Layout().MaxChildrenPerInner),
	}
}

func (t *Tree) RootID() block.ID { return t.rootID }

func (t *Tree) maxBytesPerLeaf() uint64 { return uint64(t.nodes.Layout().MaxBytesPerLeaf) }

// maxLeaves returns k^depth, the leaf capacity of a full tree of the given
// depth (depth 0 = a single leaf).
func (t *Tree) maxLeaves(depth uint8) uint64 {
	if depth == 0 {
		return 1
	}
	n := uint64(1)
	for i := uint8(0); i < depth; i++ {
		n *= t.childrenPerInner
		if n == 0 { // overflow saturates to "effectively unbounded"
			return ^uint64(0)
		}
	}
	return n
}

// Depth loads the root and reports its depth.
func (t *Tree) Depth(ctx context.Context) (uint8, error) {
	root, ok, err := t.nodes.Load(ctx, t.rootID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("tree: root %s missing", t.rootID)
	}
	return root.Depth(), nil
}

// NumLeaves reports the blob's current leaf count, derived from the root's
// structure (the rightmost path may be partial).
func (t *Tree) NumLeaves(ctx context.Context) (uint64, error) {
	root, ok, err := t.nodes.Load(ctx, t.rootID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("tree: root %s missing", t.rootID)
	}
	return t.numLeavesUnder(ctx, root)
}

func (t *Tree) numLeavesUnder(ctx context.Context, n *node.Node) (uint64, error) {
	if _, ok := n.AsLeaf(); ok {
		return 1, nil
	}
	children, _ := n.AsInner()
	if n.Depth() == 1 {
		return uint64(len(children)), nil
	}
	full := t.maxLeaves(n.Depth() - 1)
	var total uint64
	for i, cid := range children {
		if i < len(children)-1 {
			total += full
			continue
		}
		child, ok, err := t.nodes.Load(ctx, cid)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, &node.CorruptionError{Block: cid, Msg: "child referenced by parent is missing"}
		}
		last, err := t.numLeavesUnder(ctx, child)
		if err != nil {
			return 0, err
		}
		total += last
	}
	return total, nil
}

// NumBytes reports the blob's current logical size in bytes.
func (t *Tree) NumBytes(ctx context.Context) (uint64, error) {
	leaves, err := t.NumLeaves(ctx)
	if err != nil {
		return 0, err
	}
	if leaves == 0 {
		return 0, nil
	}
	root, ok, err := t.nodes.Load(ctx, t.rootID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("tree: root %s missing", t.rootID)
	}
	lastLeaf, err := t.loadLeafByIndex(ctx, root, leaves-1)
	if err != nil {
		return 0, err
	}
	data, _ := lastLeaf.AsLeaf()
	return (leaves-1)*t.maxBytesPerLeaf() + uint64(len(data)), nil
}

func (t *Tree) loadLeafByIndex(ctx context.Context, n *node.Node, index uint64) (*node.Node, error) {
	if _, ok := n.AsLeaf(); ok {
		return n, nil
	}
	children, _ := n.AsInner()
	perChild := t.maxLeaves(n.Depth() - 1)
	childIdx := index / perChild
	if int(childIdx) >= len(children) {
		return nil, fmt.Errorf("tree: %w", ErrOutOfRange)
	}
	child, ok, err := t.nodes.Load(ctx, children[childIdx])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &node.CorruptionError{Block: children[childIdx], Msg: "child referenced by parent is missing"}
	}
	return t.loadLeafByIndex(ctx, child, index%perChild)
}

// Callbacks bundles the traversal engine's three extension points (spec.md
// 4.6). Each is optional; a nil callback is simply skipped.
type Callbacks struct {
	// OnExistingLeaf is invoked for every leaf already covered by the
	// traversal region, in increasing index order. It may mutate and return
	// replacement data; returning the same bytes is a no-op write. The
	// traversal does not compute isRightBorder: it is always false.
	OnExistingLeaf func(ctx context.Context, leafIndex uint64, isRightBorder bool, data []byte) ([]byte, error)
	// OnCreateLeaf is invoked for each brand-new leaf that lies inside the
	// traversal region (not a zero-filled gap leaf).
	OnCreateLeaf func(ctx context.Context, leafIndex uint64) ([]byte, error)
	// OnBacktrackFromSubtree runs after every descendant of an inner node
	// has been visited.
	OnBacktrackFromSubtree func(ctx context.Context, innerID block.ID) error
}

// Traverse visits leaves [begin, end) of the tree, invoking cb's callbacks
// in increasing leaf-index order. When allowWrites is true the traversal
// may grow the tree (creating gap leaves and deepening the root) to cover
// the region first.
func (t *Tree) Traverse(ctx context.Context, begin, end uint64, allowWrites bool, cb Callbacks) error {
	if begin > end {
		return fmt.Errorf("tree: invalid range [%d,%d)", begin, end)
	}
	if begin == end {
		return nil
	}

	root, ok, err := t.nodes.Load(ctx, t.rootID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tree: root %s missing", t.rootID)
	}

	if !allowWrites {
		numLeaves, err := t.numLeavesUnder(ctx, root)
		if err != nil {
			return err
		}
		if end > numLeaves {
			return fmt.Errorf("tree: %w: range [%d,%d) exceeds %d leaves", ErrOutOfRange, begin, end, numLeaves)
		}
		_, err = t.traverseNode(ctx, root, 0, t.maxLeaves(root.Depth()), begin, end, false, cb)
		return err
	}

	for end > t.maxLeaves(root.Depth()) {
		if root.Depth() >= maxDepth {
			return ErrTreeTooLarge
		}
		root, err = t.growDepth(ctx, root)
		if err != nil {
			return err
		}
	}

	_, err = t.traverseNode(ctx, root, 0, t.maxLeaves(root.Depth()), begin, end, true, cb)
	if err != nil {
		return err
	}

	return t.shrinkToFit(ctx)
}

// growDepth replaces the root's content with a new inner node whose sole
// child is a copy of the old root, deepening the tree by one level.
func (t *Tree) growDepth(ctx context.Context, oldRoot *node.Node) (*node.Node, error) {
	copyNode, err := t.nodes.CreateNewNodeAsCopyFrom(ctx, oldRoot)
	if err != nil {
		return nil, fmt.Errorf("tree: grow depth: copy old root: %w", err)
	}
	newDepth := oldRoot.Depth() + 1
	if err := t.nodes.OverwriteWithInnerNode(ctx, t.rootID, newDepth, []block.ID{copyNode.ID()}); err != nil {
		return nil, fmt.Errorf("tree: grow depth: overwrite root: %w", err)
	}
	newRoot, ok, err := t.nodes.Load(ctx, t.rootID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tree: root %s vanished after growth", t.rootID)
	}
	return newRoot, nil
}

// shrinkToFit collapses the root while it is an inner node with exactly one
// child, the inverse of growDepth.
func (t *Tree) shrinkToFit(ctx context.Context) error {
	for {
		root, ok, err := t.nodes.Load(ctx, t.rootID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("tree: root %s missing during shrink", t.rootID)
		}
		children, isInner := root.AsInner()
		if !isInner || len(children) != 1 {
			return nil
		}
		onlyChild, ok, err := t.nodes.Load(ctx, children[0])
		if err != nil {
			return err
		}
		if !ok {
			return &node.CorruptionError{Block: children[0], Msg: "sole child of shrinking root is missing"}
		}
		if leafData, isLeaf := onlyChild.AsLeaf(); isLeaf {
			if err := t.nodes.OverwriteWithLeafNode(ctx, t.rootID, leafData); err != nil {
				return fmt.Errorf("tree: shrink: overwrite root with leaf: %w", err)
			}
		} else {
			grandchildren, _ := onlyChild.AsInner()
			if err := t.nodes.OverwriteWithInnerNode(ctx, t.rootID, onlyChild.Depth(), grandchildren); err != nil {
				return fmt.Errorf("tree: shrink: overwrite root with inner: %w", err)
			}
		}
		if err := t.nodes.Remove(ctx, onlyChild); err != nil {
			return fmt.Errorf("tree: shrink: remove collapsed child: %w", err)
		}
	}
}

// traverseNode visits the portion of [begin,end) that falls under n, whose
// leaf-index range is [nodeBegin, nodeBegin+capacity). It returns n's id,
// which may have changed if n was rewritten (leaf data changed in place, so
// the id is stable; only growDepth changes the root's apparent identity,
// and that happens above this function).
func (t *Tree) traverseNode(ctx context.Context, n *node.Node, nodeBegin, capacity, begin, end uint64, allowWrites bool, cb Callbacks) (block.ID, error) {
	if data, isLeaf := n.AsLeaf(); isLeaf {
		return n.ID(), t.visitLeaf(ctx, n.ID(), data, nodeBegin, begin, end, allowWrites, cb)
	}

	children, _ := n.AsInner()
	childCapacity := t.maxLeaves(n.Depth() - 1)

	firstChild := (begin - nodeBegin) / childCapacity
	lastChild := (end - 1 - nodeBegin) / childCapacity

	if allowWrites && int(lastChild) >= len(children) {
		if err := t.extendChildren(ctx, n, int(lastChild)+1); err != nil {
			return n.ID(), err
		}
		reloaded, ok, err := t.nodes.Load(ctx, n.ID())
		if err != nil {
			return n.ID(), err
		}
		if !ok {
			return n.ID(), fmt.Errorf("tree: inner node %s vanished mid-traversal", n.ID())
		}
		children, _ = reloaded.AsInner()
	}

	type result struct {
		idx int
		id  block.ID
		err error
	}

	// Sequential application in increasing index order is load-bearing for
	// callback ordering; any concurrency is limited to a read-only prefetch
	// stage ahead of it (spec.md 4.6 permits, does not require, concurrent
	// sibling prefetch).
	if allowWrites && int(lastChild)-int(firstChild) >= 2 {
		t.prefetchSiblings(ctx, children[firstChild:lastChild+1])
	}

	for idx := firstChild; idx <= lastChild; idx++ {
		childBegin := nodeBegin + idx*childCapacity
		childEnd := childBegin + childCapacity
		visitBegin := max64(begin, childBegin)
		visitEnd := min64(end, childEnd)

		child, ok, err := t.nodes.Load(ctx, children[idx])
		if err != nil {
			return n.ID(), err
		}
		if !ok {
			if allowWrites && visitBegin == childBegin {
				// Entirely new leaf position; materialize a zero leaf and
				// recurse into it below via visitLeaf's create path.
				child = nil
			} else {
				return n.ID(), &node.CorruptionError{Block: children[idx], Msg: "child referenced by parent is missing"}
			}
		}
		if child != nil && child.Depth() != n.Depth()-1 {
			return n.ID(), &node.CorruptionError{Block: child.ID(), Msg: fmt.Sprintf("child depth %d inconsistent with parent depth %d", child.Depth(), n.Depth())}
		}

		var newChildID block.ID
		if child == nil {
			newChildID, err = t.createLeafChild(ctx, childBegin, visitBegin, visitEnd, allowWrites, cb)
		} else {
			newChildID, err = t.traverseNode(ctx, child, childBegin, childCapacity, visitBegin, visitEnd, allowWrites, cb)
		}
		if err != nil {
			return n.ID(), err
		}
		if newChildID != children[idx] {
			children[idx] = newChildID
			if err := t.nodes.OverwriteWithInnerNode(ctx, n.ID(), n.Depth(), children); err != nil {
				return n.ID(), fmt.Errorf("tree: update child pointer: %w", err)
			}
		}
	}

	if cb.OnBacktrackFromSubtree != nil {
		if err := cb.OnBacktrackFromSubtree(ctx, n.ID()); err != nil {
			return n.ID(), err
		}
	}
	return n.ID(), nil
}

// prefetchSiblings warms the node store's clean cache for a run of sibling
// children concurrently; it discards errors since the authoritative load
// happens sequentially afterward in traverseNode.
func (t *Tree) prefetchSiblings(ctx context.Context, ids []block.ID) {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			t.nodes.Load(ctx, id)
			return nil
		})
	}
	g.Wait()
}

// extendChildren grows an inner node's child list up to count entries,
// filling gaps with zero-filled leaves (spec.md 4.6's gap-fill rule). Any
// entries appended here displace the current last child from its
// right-border position, so that child must first be completed to a full
// subtree (spec.md's "full except right border" invariant only tolerates
// partial content on whichever child is currently rightmost).
func (t *Tree) extendChildren(ctx context.Context, n *node.Node, count int) error {
	children, _ := n.AsInner()
	if len(children) > 0 && count > len(children) {
		if err := t.completeSubtree(ctx, children[len(children)-1], n.Depth()-1); err != nil {
			return fmt.Errorf("tree: extend children: complete former right border: %w", err)
		}
	}
	for len(children) < count {
		var leaf *node.Node
		var err error
		if n.Depth() == 1 {
			leaf, err = t.nodes.CreateNewLeafNode(ctx, t.zeroLeafData())
		} else {
			leaf, err = t.createZeroSubtree(ctx, n.Depth()-1)
		}
		if err != nil {
			return fmt.Errorf("tree: extend children: %w", err)
		}
		children = append(children, leaf.ID())
	}
	return t.nodes.OverwriteWithInnerNode(ctx, n.ID(), n.Depth(), children)
}

// zeroLeafData returns a full-capacity zero-filled leaf payload. Every leaf
// created as filler (gap-fill or zero subtree) must be full width, not
// empty: only the blob's actual rightmost leaf is allowed to be shorter
// than maxBytesPerLeaf, and these filler leaves are never that one at the
// moment they're created (a later write may still shrink them back down
// through ResizeNumBytes).
func (t *Tree) zeroLeafData() []byte {
	return make([]byte, t.maxBytesPerLeaf())
}

// createZeroSubtree builds a full zero-filled subtree of the given depth
// and returns its root node.
func (t *Tree) createZeroSubtree(ctx context.Context, depth uint8) (*node.Node, error) {
	if depth == 0 {
		return t.nodes.CreateNewLeafNode(ctx, t.zeroLeafData())
	}
	child, err := t.createZeroSubtree(ctx, depth-1)
	if err != nil {
		return nil, err
	}
	children := make([]block.ID, 1, t.childrenPerInner)
	children[0] = child.ID()
	// A single-child inner is only valid transiently for the root; interior
	// gap subtrees must be genuinely full, so replicate the zero child up
	// to childrenPerInner copies by creating independent zero leaves/subtrees
	// (no node sharing is permitted, per spec.md's data-model invariant).
	for uint64(len(children)) < t.childrenPerInner {
		more, err := t.createZeroSubtree(ctx, depth-1)
		if err != nil {
			return nil, err
		}
		children = append(children, more.ID())
	}
	return t.nodes.CreateNewInnerNode(ctx, depth, children)
}

// completeSubtree pads the subtree rooted at id (known to be at the given
// depth) out to a full childrenPerInner^depth leaves of full width, since
// id is about to stop being the right border and a non-border leaf must
// carry exactly maxBytesPerLeaf bytes, not a short prefix. It recurses into
// its current last child/leaf first since that one may itself still be
// partial.
func (t *Tree) completeSubtree(ctx context.Context, id block.ID, depth uint8) error {
	if depth == 0 {
		return t.padLeafToFull(ctx, id)
	}
	n, ok, err := t.nodes.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &node.CorruptionError{Block: id, Msg: "subtree to complete is missing"}
	}
	children, _ := n.AsInner()
	if len(children) > 0 {
		if err := t.completeSubtree(ctx, children[len(children)-1], depth-1); err != nil {
			return err
		}
	}
	for uint64(len(children)) < t.childrenPerInner {
		var child *node.Node
		var err error
		if depth-1 == 0 {
			child, err = t.nodes.CreateNewLeafNode(ctx, t.zeroLeafData())
		} else {
			child, err = t.createZeroSubtree(ctx, depth-1)
		}
		if err != nil {
			return err
		}
		children = append(children, child.ID())
	}
	return t.nodes.OverwriteWithInnerNode(ctx, id, depth, children)
}

// padLeafToFull zero-extends a leaf's payload up to maxBytesPerLeaf bytes in
// place, preserving its existing content as a prefix. Called only when a
// leaf is about to stop being the blob's right border.
func (t *Tree) padLeafToFull(ctx context.Context, id block.ID) error {
	n, ok, err := t.nodes.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &node.CorruptionError{Block: id, Msg: "leaf to pad is missing"}
	}
	data, _ := n.AsLeaf()
	full := t.maxBytesPerLeaf()
	if uint64(len(data)) >= full {
		return nil
	}
	padded := make([]byte, full)
	copy(padded, data)
	return t.nodes.OverwriteWithLeafNode(ctx, id, padded)
}

// createLeafChild handles a brand-new leaf position beneath an inner node
// that previously had no child there.
func (t *Tree) createLeafChild(ctx context.Context, childBegin, visitBegin, visitEnd uint64, allowWrites bool, cb Callbacks) (block.ID, error) {
	if !allowWrites {
		return block.ID{}, fmt.Errorf("tree: %w: missing leaf in read traversal", ErrOutOfRange)
	}
	data := t.zeroLeafData()
	if visitBegin == childBegin && cb.OnCreateLeaf != nil {
		var err error
		data, err = cb.OnCreateLeaf(ctx, childBegin)
		if err != nil {
			return block.ID{}, err
		}
	}
	leaf, err := t.nodes.CreateNewLeafNode(ctx, data)
	if err != nil {
		return block.ID{}, err
	}
	return leaf.ID(), nil
}

// visitLeaf applies the traversal region to a single leaf, invoking
// OnExistingLeaf and growing the leaf's payload via zero-fill if the write
// region extends past its current size.
func (t *Tree) visitLeaf(ctx context.Context, id block.ID, data []byte, leafIndex, begin, end uint64, allowWrites bool, cb Callbacks) error {
	// Byte-range traversals address leaves one at a time through the tree's
	// maxBytesPerLeaf granularity; ReadBytes/WriteBytes pass the global byte
	// window down through their closures rather than through begin/end here.
	isRightBorder := false
	if cb.OnExistingLeaf == nil {
		return nil
	}
	newData, err := cb.OnExistingLeaf(ctx, leafIndex, isRightBorder, data)
	if err != nil {
		return err
	}
	if newData == nil || sameBytes(newData, data) {
		return nil
	}
	if allowWrites {
		return t.nodes.OverwriteWithLeafNode(ctx, id, newData)
	}
	return fmt.Errorf("tree: cannot mutate leaf %s during a read traversal", id)
}

func sameBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
