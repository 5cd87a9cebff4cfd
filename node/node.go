// Package node provides typed views over a block: either a leaf (raw bytes)
// or an inner node (a list of child block ids), matching the tagged-union
// style of the teacher's trie/trienode package rather than a class
// hierarchy (spec.md component 4.5 and design note on composition over
// inheritance).
package node

import (
	"encoding/binary"
	"fmt"

	"github.com/vbfs/vbfs/block"
)

// Kind distinguishes a leaf from an inner node.
type Kind int

const (
	Leaf Kind = iota
	Inner
)

func (k Kind) String() string {
	if k == Leaf {
		return "leaf"
	}
	return "inner"
}

const (
	formatVersion = 0
	headerSize    = 1 + 1 + 1 + 4 // version + unused + depth + size
	childIDSize   = block.IDSize
)

// CorruptionError reports a structural invariant violation in a node's
// on-disk payload, always carrying the offending block id (spec.md 4.6
// error semantics).
type CorruptionError struct {
	Block block.ID
	Msg   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("node: corrupt block %s: %s", e.Block, e.Msg)
}

// Node is a decoded, validated view of one block's payload. It is an
// immutable value; layout-changing operations on the Store produce a new
// Node rather than mutating this one in place.
type Node struct {
	id    block.ID
	kind  Kind
	depth uint8

	leafData []byte   // valid only when kind == Leaf; len == size, not padded
	children []block.ID
}

func (n *Node) ID() block.ID  { return n.id }
func (n *Node) Kind() Kind    { return n.kind }
func (n *Node) Depth() uint8  { return n.depth }

// AsLeaf returns the leaf's data and true if this is a leaf node.
func (n *Node) AsLeaf() ([]byte, bool) {
	if n.kind != Leaf {
		return nil, false
	}
	return n.leafData, true
}

// AsInner returns the inner node's children and true if this is an inner
// node.
func (n *Node) AsInner() ([]block.ID, bool) {
	if n.kind != Inner {
		return nil, false
	}
	return n.children, true
}

// Layout describes the size limits a Store enforces, derived from the
// logical block size available after lower layers' overhead.
type Layout struct {
	// MaxBytesPerLeaf is the largest payload a leaf node may claim.
	MaxBytesPerLeaf uint32
	// MaxChildrenPerInner is the largest child count an inner node may claim.
	MaxChildrenPerInner uint32
	// LogicalBlockSize is the full logical block size (header + payload).
	LogicalBlockSize uint32
}

// NewLayout derives a Layout from the logical block size usable above the
// locking layer.
func NewLayout(logicalBlockSize uint32) Layout {
	payload := logicalBlockSize - headerSize
	return Layout{
		MaxBytesPerLeaf:     payload,
		MaxChildrenPerInner: payload / childIDSize,
		LogicalBlockSize:    logicalBlockSize,
	}
}

// encodeLeaf renders a leaf's wire payload, zero-padded to the layout's full
// logical block size as spec.md 6.2 requires ("trailing bytes after size
// must be zero").
func encodeLeaf(layout Layout, data []byte) []byte {
	buf := make([]byte, layout.LogicalBlockSize)
	buf[0] = formatVersion
	buf[1] = 0
	buf[2] = 0 // depth
	binary.LittleEndian.PutUint32(buf[3:7], uint32(len(data)))
	copy(buf[7:], data)
	return buf
}

// encodeInner renders an inner node's wire payload.
func encodeInner(layout Layout, depth uint8, children []block.ID) []byte {
	buf := make([]byte, layout.LogicalBlockSize)
	buf[0] = formatVersion
	buf[1] = 0
	buf[2] = depth
	binary.LittleEndian.PutUint32(buf[3:7], uint32(len(children)))
	off := 7
	for _, c := range children {
		copy(buf[off:off+childIDSize], c[:])
		off += childIDSize
	}
	return buf
}

// decode parses and validates a block's raw payload into a Node.
func decode(id block.ID, layout Layout, raw []byte) (*Node, error) {
	if len(raw) < headerSize {
		return nil, &CorruptionError{Block: id, Msg: fmt.Sprintf("block too short (%d bytes)", len(raw))}
	}
	if raw[0] != formatVersion {
		return nil, &CorruptionError{Block: id, Msg: fmt.Sprintf("unknown format version %d", raw[0])}
	}
	depth := raw[2]
	size := binary.LittleEndian.Uint32(raw[3:7])
	payload := raw[7:]

	if depth == 0 {
		if size > layout.MaxBytesPerLeaf {
			return nil, &CorruptionError{Block: id, Msg: fmt.Sprintf("leaf claims %d bytes, max is %d", size, layout.MaxBytesPerLeaf)}
		}
		if uint32(len(payload)) < size {
			return nil, &CorruptionError{Block: id, Msg: "leaf payload shorter than claimed size"}
		}
		data := make([]byte, size)
		copy(data, payload[:size])
		return &Node{id: id, kind: Leaf, depth: 0, leafData: data}, nil
	}

	if size < 1 || size > layout.MaxChildrenPerInner {
		return nil, &CorruptionError{Block: id, Msg: fmt.Sprintf("inner node claims %d children, limit is [1,%d]", size, layout.MaxChildrenPerInner)}
	}
	need := int(size) * childIDSize
	if len(payload) < need {
		return nil, &CorruptionError{Block: id, Msg: "inner node payload shorter than claimed children"}
	}
	children := make([]block.ID, size)
	for i := range children {
		copy(children[i][:], payload[i*childIDSize:(i+1)*childIDSize])
	}
	return &Node{id: id, kind: Inner, depth: depth, children: children}, nil
}
