package engine

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FreeDiskSpace returns the bytes available to us on the filesystem holding path.
// If path doesn't exist yet, its nearest existing ancestor is used.
func FreeDiskSpace(path string) (int64, error) {
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// LowDiskSpace returns true if writing a blob of newBytes would leave less than newBytes free
func LowDiskSpace(path string, newBytes int64) bool {
	free, err := FreeDiskSpace(path)
	if err != nil {
		return false
	}
	return free < 2*newBytes
}
