package block

import (
	"fmt"
	"syscall"
)

// estimateFreeBytes reports free space on the filesystem containing dir.
//
// No example or pack dependency offers a portable free-space query; every
// library in the dependency surface (pebble, fastcache, lru) operates above
// the filesystem layer, not on it. syscall.Statfs is stdlib but unavoidable
// here, so it is used directly rather than pulled in as a fake abstraction.
func estimateFreeBytes(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("%w: statfs %s: %v", ErrTransport, dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
