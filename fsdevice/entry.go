// Package fsdevice resolves filesystem paths against the blob layer: one
// directory blob per directory, one entry per child, walked component by
// component from a root blob id (spec.md component 4.9). The directory
// entry wire format follows spec.md 6.3; the open/cache-of-open-nodes shape
// is grounded on cloudflare/utahfs's node_manager.go (pack), adapted from
// its gob-encoded inode metadata to this blob store's explicit binary
// record format.
package fsdevice

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vbfs/vbfs/block"
)

// EntryType distinguishes the three kinds of directory entry spec.md 6.3
// names.
type EntryType uint8

const (
	EntryFile EntryType = iota
	EntryDir
	EntrySymlink
)

// DirEntry is one decoded record from a directory blob's payload.
type DirEntry struct {
	Type       EntryType
	Mode       uint32
	UID        uint32
	GID        uint32
	AccessTime time.Time
	ModTime    time.Time
	BlobID     block.ID
	Name       string
}

// encode renders e as spec.md 6.3's record:
// entry-type(1) | mode(4) | uid(4) | gid(4) | atime-ns(8) | mtime-ns(8) |
// blob-id(16) | name-length(varint) | name(utf-8).
func (e DirEntry) encode() []byte {
	nameBytes := []byte(e.Name)
	var nameLen [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(nameLen[:], uint64(len(nameBytes)))

	buf := make([]byte, 0, 1+4+4+4+8+8+block.IDSize+n+len(nameBytes))
	buf = append(buf, byte(e.Type))
	buf = appendU32(buf, e.Mode)
	buf = appendU32(buf, e.UID)
	buf = appendU32(buf, e.GID)
	buf = appendU64(buf, uint64(e.AccessTime.UnixNano()))
	buf = appendU64(buf, uint64(e.ModTime.UnixNano()))
	buf = append(buf, e.BlobID[:]...)
	buf = append(buf, nameLen[:n]...)
	buf = append(buf, nameBytes...)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// decodeEntry parses one record starting at buf[0], returning the entry and
// the number of bytes consumed.
func decodeEntry(buf []byte) (DirEntry, int, error) {
	const fixed = 1 + 4 + 4 + 4 + 8 + 8 + block.IDSize
	if len(buf) < fixed {
		return DirEntry{}, 0, fmt.Errorf("fsdevice: truncated directory entry (%d bytes)", len(buf))
	}
	e := DirEntry{Type: EntryType(buf[0])}
	off := 1
	e.Mode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.UID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.GID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.AccessTime = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[off:])))
	off += 8
	e.ModTime = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[off:])))
	off += 8
	copy(e.BlobID[:], buf[off:off+block.IDSize])
	off += block.IDSize

	nameLen, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return DirEntry{}, 0, fmt.Errorf("fsdevice: invalid name-length varint")
	}
	off += n
	if uint64(len(buf)-off) < nameLen {
		return DirEntry{}, 0, fmt.Errorf("fsdevice: directory entry name truncated")
	}
	e.Name = string(buf[off : off+int(nameLen)])
	off += int(nameLen)
	return e, off, nil
}

// parentPointerSize is the width of the parent-pointer header stored at the
// start of every blob's byte stream, file or directory alike: the blob id
// of the directory that currently contains it (spec.md 4.9, following the
// original implementation's convention of keeping the parent pointer inside
// the blob itself rather than only in the parent's directory listing, so a
// blob can be located from a bare id without a directory walk).
const parentPointerSize = block.IDSize

func encodeParentPointer(parent block.ID) []byte {
	buf := make([]byte, parentPointerSize)
	copy(buf, parent[:])
	return buf
}

func decodeParentPointer(buf []byte) (block.ID, error) {
	if len(buf) < parentPointerSize {
		return block.ID{}, fmt.Errorf("fsdevice: truncated parent pointer (%d bytes)", len(buf))
	}
	var id block.ID
	copy(id[:], buf[:parentPointerSize])
	return id, nil
}

// decodeDirectory parses every record in a directory blob's payload.
func decodeDirectory(payload []byte) ([]DirEntry, error) {
	var entries []DirEntry
	for len(payload) > 0 {
		e, n, err := decodeEntry(payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		payload = payload[n:]
	}
	return entries, nil
}

// encodeDirectory renders entries back into a directory blob's payload.
func encodeDirectory(entries []DirEntry) []byte {
	var buf []byte
	for _, e := range entries {
		buf = append(buf, e.encode()...)
	}
	return buf
}
