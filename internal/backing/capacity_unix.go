//go:build !windows

package backing

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// volumeUsage reports capacity of the filesystem holding dir.
// Free counts blocks available to unprivileged users.
func volumeUsage(dir string) (Volume, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return Volume{}, fmt.Errorf("statfs %s: %w", dir, err)
	}
	// Bsize is int64 on linux but uint32 on darwin.
	block := int64(st.Bsize) //nolint:unconvert
	v := Volume{
		TotalBytes: int64(st.Blocks) * block,
		FreeBytes:  int64(st.Bavail) * block,
	}
	v.UsedBytes = v.TotalBytes - int64(st.Bfree)*block
	return v, nil
}
