//go:build unix

package segment

import "syscall"

// freeBytes reports the free space on the filesystem containing path.
// Overridden in tests.
var freeBytes = func(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
