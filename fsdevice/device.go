package fsdevice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vbfs/vbfs/block"
	"github.com/vbfs/vbfs/blob"
	"github.com/vbfs/vbfs/blobcache"
	"github.com/vbfs/vbfs/tree"
)

var (
	ErrNotExist         = errors.New("fsdevice: no such file or directory")
	ErrNotDirectory     = errors.New("fsdevice: not a directory")
	ErrInvalidOperation = errors.New("fsdevice: invalid operation")
	ErrNotEmpty         = errors.New("fsdevice: directory not empty")
)

// cachedTree is blobcache's Loaded value for an open blob tree: the tree
// itself, a mutex giving exactly one caller at a time access to it (the
// "blob-wide mutex" spec.md 4.8 describes — blobcache.Handle itself only
// dedupes loads and coordinates removal, it does not serialize Use calls on
// its own), and the flusher to run on teardown.
type cachedTree struct {
	mu      sync.Mutex
	t       *tree.Tree
	flusher tree.Flusher
}

// Close runs on the last handle dropping for this blob id (spec.md 4.8's
// DROPPING tear-down: "flush + cache release"). A nil flusher (as in tests
// that never wire a locking.Store) makes this a no-op.
func (c *cachedTree) Close(ctx context.Context) error {
	if c.flusher == nil {
		return nil
	}
	return c.flusher.Flush(ctx)
}

// Device resolves paths against a blob store rooted at a fixed root blob
// id. Open blob trees are served through a blobcache.Cache (spec.md 4.8):
// concurrent opens of the same blob id load it at most once, and callers
// hold a refcounted handle for as long as they touch it.
type Device struct {
	blobs   *blob.Store
	rootID  block.ID
	flusher tree.Flusher

	cache *blobcache.Cache[*cachedTree]
}

// New builds a Device over blobs, rooted at rootID. flusher, if non-nil, is
// run (via cachedTree.Close) whenever a blob tree's last handle is
// released; callers that construct their blob.Store over a
// block/locking.Store should pass it here so the cache's tear-down step
// actually flushes write-back state (locking.Store.Flush satisfies
// tree.Flusher). Passing nil is fine for tests and other callers with no
// write-back layer to flush.
func New(blobs *blob.Store, rootID block.ID, flusher tree.Flusher) *Device {
	return &Device{blobs: blobs, rootID: rootID, flusher: flusher, cache: blobcache.New[*cachedTree]()}
}

func (d *Device) loadTree(ctx context.Context, id block.ID) (*cachedTree, error) {
	t, ok, err := d.blobs.LoadTree(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", ErrNotExist, id)
	}
	return &cachedTree{t: t, flusher: d.flusher}, nil
}

// acquire loads (or reuses) id's tree through the blob cache and locks it
// for exclusive use, giving Create/Remove/Rename's read-modify-write
// sequences the same-blob-id serialization spec.md 5 requires. The caller
// must invoke the returned release func exactly once, typically via defer,
// when it is done with the tree; release unlocks it and drops the cache
// handle.
func (d *Device) acquire(ctx context.Context, id block.ID) (*tree.Tree, func(), error) {
	h, err := d.cache.GetLoadedOrInsertLoading(ctx, id, d.loadTree)
	if err != nil {
		return nil, nil, err
	}
	var ct *cachedTree
	if err := h.Use(func(v *cachedTree) error { ct = v; return nil }); err != nil {
		h.Release(ctx)
		return nil, nil, err
	}
	ct.mu.Lock()
	release := func() {
		ct.mu.Unlock()
		h.Release(ctx)
	}
	return ct.t, release, nil
}

// readDirectory reads the entry list stored after the blob's parent-pointer
// header. A blob whose header was never written (smaller than
// parentPointerSize) is treated as having no entries yet, which is only
// ever true of the root blob, seeded directly by the caller that opens the
// Device rather than through Create.
func readDirectory(ctx context.Context, t *tree.Tree) ([]DirEntry, error) {
	size, err := t.NumBytes(ctx)
	if err != nil {
		return nil, err
	}
	if size <= parentPointerSize {
		return nil, nil
	}
	buf := make([]byte, size-parentPointerSize)
	if err := t.ReadBytes(ctx, parentPointerSize, buf); err != nil {
		return nil, err
	}
	return decodeDirectory(buf)
}

func writeDirectory(ctx context.Context, t *tree.Tree, entries []DirEntry) error {
	payload := encodeDirectory(entries)
	if err := t.ResizeNumBytes(ctx, uint64(parentPointerSize)+uint64(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return t.WriteBytes(ctx, parentPointerSize, payload)
}

// readParentPointer reads the parent-blob-id header stored at the start of
// t's byte stream.
func readParentPointer(ctx context.Context, t *tree.Tree) (block.ID, error) {
	buf := make([]byte, parentPointerSize)
	if err := t.ReadBytes(ctx, 0, buf); err != nil {
		return block.ID{}, err
	}
	return decodeParentPointer(buf)
}

// writeParentPointer stamps t's parent-blob-id header, growing the blob to
// make room for it if this is the first write.
func writeParentPointer(ctx context.Context, t *tree.Tree, parent block.ID) error {
	return t.WriteBytes(ctx, 0, encodeParentPointer(parent))
}

// splitPath splits a slash-separated path into non-empty components.
func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// resolve walks from the root to the directory entry named by path,
// returning the entry and the blob id of its parent directory. An empty
// path resolves to the root itself (entry.BlobID == rootID).
func (d *Device) resolve(ctx context.Context, path string) (DirEntry, block.ID, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return DirEntry{Type: EntryDir, BlobID: d.rootID}, block.ID{}, nil
	}
	parentID := d.rootID
	var entry DirEntry
	for i, name := range parts {
		entries, err := func() ([]DirEntry, error) {
			t, release, err := d.acquire(ctx, parentID)
			if err != nil {
				return nil, err
			}
			defer release()
			return readDirectory(ctx, t)
		}()
		if err != nil {
			return DirEntry{}, block.ID{}, err
		}
		found := false
		for _, e := range entries {
			if e.Name == name {
				entry, found = e, true
				break
			}
		}
		if !found {
			return DirEntry{}, block.ID{}, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		if i < len(parts)-1 {
			if entry.Type != EntryDir {
				return DirEntry{}, block.ID{}, fmt.Errorf("%w: %s is not a directory", ErrNotDirectory, name)
			}
			parentID = entry.BlobID
		}
	}
	return entry, parentID, nil
}

// Lookup resolves path to its directory entry.
func (d *Device) Lookup(ctx context.Context, path string) (DirEntry, error) {
	e, _, err := d.resolve(ctx, path)
	return e, err
}

// ParentBlobID reads the blob id stored in path's own parent-pointer
// header, independent of what the containing directory's listing says.
// Used by consistency-check tooling and tests to confirm Rename kept the
// two in agreement.
func (d *Device) ParentBlobID(ctx context.Context, path string) (block.ID, error) {
	entry, _, err := d.resolve(ctx, path)
	if err != nil {
		return block.ID{}, err
	}
	t, release, err := d.acquire(ctx, entry.BlobID)
	if err != nil {
		return block.ID{}, err
	}
	defer release()
	return readParentPointer(ctx, t)
}

// ReadDir lists the entries of the directory at path.
func (d *Device) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	entry, _, err := d.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry.Type != EntryDir {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	t, release, err := d.acquire(ctx, entry.BlobID)
	if err != nil {
		return nil, err
	}
	defer release()
	entries, err := readDirectory(ctx, t)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Create adds a new entry of the given type to the directory at dirPath,
// allocating a fresh blob for it, and returns the new entry.
func (d *Device) Create(ctx context.Context, dirPath, name string, typ EntryType, e DirEntry) (DirEntry, error) {
	dirEntry, _, err := d.resolve(ctx, dirPath)
	if err != nil {
		return DirEntry{}, err
	}
	if dirEntry.Type != EntryDir {
		return DirEntry{}, fmt.Errorf("%w: %s", ErrNotDirectory, dirPath)
	}
	t, release, err := d.acquire(ctx, dirEntry.BlobID)
	if err != nil {
		return DirEntry{}, err
	}
	defer release()
	entries, err := readDirectory(ctx, t)
	if err != nil {
		return DirEntry{}, err
	}
	for _, existing := range entries {
		if existing.Name == name {
			return DirEntry{}, fmt.Errorf("%w: %s already exists", ErrInvalidOperation, name)
		}
	}
	newTree, err := d.blobs.CreateTree(ctx)
	if err != nil {
		return DirEntry{}, err
	}
	if err := writeParentPointer(ctx, newTree, dirEntry.BlobID); err != nil {
		return DirEntry{}, err
	}
	e.Type = typ
	e.Name = name
	e.BlobID = newTree.RootID()
	entries = append(entries, e)
	if err := writeDirectory(ctx, t, entries); err != nil {
		return DirEntry{}, err
	}
	return e, nil
}

// Remove deletes the entry named by path. Removing a non-empty directory is
// refused.
func (d *Device) Remove(ctx context.Context, path string) error {
	entry, parentID, err := d.resolve(ctx, path)
	if err != nil {
		return err
	}
	if entry.BlobID == d.rootID {
		return fmt.Errorf("%w: cannot remove root", ErrInvalidOperation)
	}
	if entry.Type == EntryDir {
		empty, err := func() (bool, error) {
			childTree, release, err := d.acquire(ctx, entry.BlobID)
			if err != nil {
				return false, err
			}
			defer release()
			children, err := readDirectory(ctx, childTree)
			if err != nil {
				return false, err
			}
			return len(children) == 0, nil
		}()
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: %s", ErrNotEmpty, path)
		}
	}

	parentTree, release, err := d.acquire(ctx, parentID)
	if err != nil {
		return err
	}
	entries, err := readDirectory(ctx, parentTree)
	if err != nil {
		release()
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Name != entry.Name {
			out = append(out, e)
		}
	}
	if err := writeDirectory(ctx, parentTree, out); err != nil {
		release()
		return err
	}
	release()

	if err := d.blobs.RemoveTreeByID(ctx, entry.BlobID); err != nil {
		return err
	}
	return d.cache.RequestRemoval(ctx, entry.BlobID)
}

// isAncestor reports whether candidate is path-prefix-equal to, or a
// descendant directory of, ancestor — used by Rename to refuse turning a
// directory into its own descendant.
func isAncestor(ancestor, candidate string) bool {
	a, c := splitPath(ancestor), splitPath(candidate)
	if len(a) > len(c) {
		return false
	}
	for i := range a {
		if a[i] != c[i] {
			return false
		}
	}
	return true
}

// Rename moves the entry at oldPath to newPath (possibly in a different
// directory). oldPath and newDir are each resolved from the root on their
// own; directories the two paths share are loaded once per path, not once
// in all. A directory cannot be moved into its own subtree, and the
// destination must not be a non-empty directory.
func (d *Device) Rename(ctx context.Context, oldPath, newDir, newName string) error {
	if isAncestor(oldPath, newDir) {
		return fmt.Errorf("%w: cannot move %s into its own descendant", ErrInvalidOperation, oldPath)
	}

	entry, oldParentID, err := d.resolve(ctx, oldPath)
	if err != nil {
		return err
	}

	newDirEntry, _, err := d.resolve(ctx, newDir)
	if err != nil {
		return err
	}
	if newDirEntry.Type != EntryDir {
		return fmt.Errorf("%w: %s is not a directory", ErrNotDirectory, newDir)
	}

	// Lock ordering across the two (possibly distinct) parent directories
	// follows a fixed order on their blob ids (lessID), not on their paths,
	// rather than source-then-destination.
	oldParent, newParent := oldParentID, newDirEntry.BlobID
	first, second := oldParent, newParent
	if lessID(newParent, oldParent) {
		first, second = newParent, oldParent
	}
	firstTree, releaseFirst, err := d.acquire(ctx, first)
	if err != nil {
		return err
	}
	defer releaseFirst()
	var secondTree *tree.Tree
	if second != first {
		var releaseSecond func()
		secondTree, releaseSecond, err = d.acquire(ctx, second)
		if err != nil {
			return err
		}
		defer releaseSecond()
	} else {
		secondTree = firstTree
	}
	oldParentTree, newParentTree := firstTree, secondTree
	if first != oldParent {
		oldParentTree, newParentTree = secondTree, firstTree
	}

	destEntries, err := readDirectory(ctx, newParentTree)
	if err != nil {
		return err
	}
	for _, e := range destEntries {
		if e.Name == newName {
			if e.Type == EntryDir {
				empty, err := func() (bool, error) {
					destTree, release, err := d.acquire(ctx, e.BlobID)
					if err != nil {
						return false, err
					}
					defer release()
					children, err := readDirectory(ctx, destTree)
					if err != nil {
						return false, err
					}
					return len(children) == 0, nil
				}()
				if err != nil {
					return err
				}
				if !empty {
					return fmt.Errorf("%w: %s", ErrNotEmpty, newName)
				}
			}
			break
		}
	}

	srcEntries, err := readDirectory(ctx, oldParentTree)
	if err != nil {
		return err
	}
	filtered := srcEntries[:0]
	for _, e := range srcEntries {
		if e.Name != entry.Name {
			filtered = append(filtered, e)
		}
	}
	if err := writeDirectory(ctx, oldParentTree, filtered); err != nil {
		return err
	}

	// A same-directory rename shares a tree between source and destination;
	// destEntries was read before the removal above and would otherwise
	// still carry the entry under its old name.
	if oldParentTree == newParentTree {
		destEntries = filtered
	}

	// Update the moved blob's own parent-pointer header before the move
	// becomes visible under its new name, so no reader can observe the
	// entry at its new path while the blob still claims the old parent
	// (spec.md 4.9: the parent pointer moves atomically with respect to
	// the directory entries).
	if err := func() error {
		movedTree, release, err := d.acquire(ctx, entry.BlobID)
		if err != nil {
			return err
		}
		defer release()
		return writeParentPointer(ctx, movedTree, newParentTree.RootID())
	}(); err != nil {
		return err
	}

	moved := entry
	moved.Name = newName

	withoutOldName := destEntries[:0]
	for _, e := range destEntries {
		if e.Name != newName {
			withoutOldName = append(withoutOldName, e)
		}
	}
	withoutOldName = append(withoutOldName, moved)
	return writeDirectory(ctx, newParentTree, withoutOldName)
}

func lessID(a, b block.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Stat reports aggregate space usage, the supplemented "statfs-style
// reporting" feature from the original implementation this design descends
// from (spec.md does not otherwise expose a filesystem-wide size query).
type Stat struct {
	TotalBlocks uint64
	FreeBlocks  uint64
	BlockSize   uint32
}

func (d *Device) Statfs(ctx context.Context) (Stat, error) {
	numNodes, err := d.blobs.NumNodes(ctx)
	if err != nil {
		return Stat{}, err
	}
	free, err := d.blobs.EstimateSpaceForNumBlocksLeft(ctx)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		TotalBlocks: numNodes + free,
		FreeBlocks:  free,
		BlockSize:   d.blobs.VirtualBlockSizeBytes(),
	}, nil
}
