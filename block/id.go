// Package block defines the backing block store interface: durable,
// fixed-size-ish byte blobs addressed by a 16-byte id. This is the lowest
// layer of the storage engine (spec component 4.1); everything above it
// (integrity, encryption, locking, nodes, trees) is a Store decorator.
package block

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// IDSize is the fixed width of a block id in bytes.
const IDSize = 16

// ID is the opaque 16-byte identifier of a block. New ids are generated by
// a CSPRNG; google/uuid's v4 generator already draws 16 random bytes, which
// is exactly the shape this type needs.
type ID [IDSize]byte

// NewID generates a fresh random block id.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the 32-character hex form of an id.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("block: invalid id %q: %w", s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("block: invalid id %q: want %d bytes, got %d", s, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromBytes copies a 16-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("block: invalid id length %d, want %d", len(b), IDSize)
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the lowercase 32-character hex form of the id.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ID) String() string { return id.Hex() }

// ShardPrefix returns the 2-character hex prefix used to shard on-disk
// blocks into subdirectories, and ShardRemainder the remaining 30 hex
// characters, per spec.md's on-disk layout.
func (id ID) ShardPrefix() string    { return id.Hex()[:2] }
func (id ID) ShardRemainder() string { return id.Hex()[2:] }

// IsZero reports whether id is the zero value (never a valid generated id,
// but used as a sentinel for "no parent"/"no root" fields).
func (id ID) IsZero() bool { return id == ID{} }
