//go:build windows

package backing

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// volumeUsage reports capacity of the volume holding dir.
func volumeUsage(dir string) (Volume, error) {
	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return Volume{}, fmt.Errorf("utf16 path: %w", err)
	}

	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return Volume{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", dir, err)
	}
	return Volume{
		TotalBytes: int64(total),
		UsedBytes:  int64(total - free),
		FreeBytes:  int64(avail),
	}, nil
}
