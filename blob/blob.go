// Package blob is a thin façade over the tree layer exposing the
// blob-level entry points a filesystem device needs: create, try-create
// with a chosen id, load, remove, and the lazy subtree walk used by
// integrity-check tooling (spec.md component 4.7).
package blob

import (
	"context"
	"fmt"

	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/node"
	"github.com/vbfs/vbfs/tree"
)

// Store is the blob-level façade over a node.Store.
type Store struct {
	nodes *node.Store
}

func NewStore(nodes *node.Store) *Store {
	return &Store{nodes: nodes}
}

// CreateTree allocates a brand-new, empty blob tree with a fresh random id.
func (s *Store) CreateTree(ctx context.Context) (*tree.Tree, error) {
	return tree.CreateEmpty(ctx, s.nodes)
}

// TryCreateTree allocates a new, empty blob tree at a caller-chosen id,
// reporting false (no error) if that id is already in use.
func (s *Store) TryCreateTree(ctx context.Context, id block.ID) (*tree.Tree, bool, error) {
	return tree.TryCreateEmptyWithID(ctx, s.nodes, id)
}

// LoadTree opens the existing blob tree rooted at id. It loads the root
// node first and reports false (no error) if that block is absent.
func (s *Store) LoadTree(ctx context.Context, id block.ID) (*tree.Tree, bool, error) {
	_, ok, err := s.nodes.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return tree.Open(s.nodes, id), true, nil
}

// RemoveTreeByID removes every node reachable from the blob rooted at id.
func (s *Store) RemoveTreeByID(ctx context.Context, id block.ID) error {
	t := tree.Open(s.nodes, id)
	return t.Remove(ctx)
}

func (s *Store) NumNodes(ctx context.Context) (uint64, error) {
	return s.nodes.NumNodes(ctx)
}

func (s *Store) EstimateSpaceForNumBlocksLeft(ctx context.Context) (uint64, error) {
	return s.nodes.EstimateSpaceForNumBlocksLeft(ctx)
}

// VirtualBlockSizeBytes reports the usable leaf payload size (the "virtual"
// block size a blob consumer writes against, after all lower-layer
// overhead has been subtracted).
func (s *Store) VirtualBlockSizeBytes() uint32 {
	return s.nodes.Layout().MaxBytesPerLeaf
}

// LoadBlockDepth reports the depth of the node stored at id without
// constructing a Tree, used by fsck-style tools walking raw block ids.
func (s *Store) LoadBlockDepth(ctx context.Context, id block.ID) (uint8, error) {
	n, ok, err := s.nodes.Load(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("blob: block %s not found", id)
	}
	return n.Depth(), nil
}

// SubtreeEvent is one step of LoadAllNodesInSubtreeOfID's lazy walk: either
// a successfully loaded node, or an error naming the block id that could
// not be loaded, without aborting the rest of the walk.
type SubtreeEvent struct {
	ID   block.ID
	Node *node.Node
	Err  error
}

// LoadAllNodesInSubtreeOfID walks every node reachable from id depth-first,
// sending one SubtreeEvent per node to the returned channel. A node that
// fails to load or decode produces an error event for that id and the walk
// continues with its siblings (spec.md 4.7: "yields a load error per node
// that is unreachable or corrupted without aborting the whole stream").
// The channel is closed when the walk completes; callers that stop
// consuming early must cancel ctx to let the producing goroutine exit.
func (s *Store) LoadAllNodesInSubtreeOfID(ctx context.Context, id block.ID) <-chan SubtreeEvent {
	out := make(chan SubtreeEvent)
	go func() {
		defer close(out)
		s.walkSubtree(ctx, id, out)
	}()
	return out
}

func (s *Store) walkSubtree(ctx context.Context, id block.ID, out chan<- SubtreeEvent) {
	n, ok, err := s.nodes.Load(ctx, id)
	if err != nil {
		select {
		case out <- SubtreeEvent{ID: id, Err: err}:
		case <-ctx.Done():
		}
		return
	}
	if !ok {
		select {
		case out <- SubtreeEvent{ID: id, Err: fmt.Errorf("blob: node %s not found", id)}:
		case <-ctx.Done():
		}
		return
	}
	select {
	case out <- SubtreeEvent{ID: id, Node: n}:
	case <-ctx.Done():
		return
	}
	if children, isInner := n.AsInner(); isInner {
		for _, c := range children {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.walkSubtree(ctx, c, out)
		}
	}
}
