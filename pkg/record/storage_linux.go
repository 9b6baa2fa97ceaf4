//go:build linux

package record

import "golang.org/x/sys/unix"

// freeDiskBytes reports the space left on the filesystem holding the
// recording directory.
func freeDiskBytes(path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0
	}
	return int64(st.Bavail) * int64(st.Bsize)
}
