// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !windows

package sleighdb

import (
	"golang.org/x/sys/unix"
)

// DiskInfoFromPath returns the disk info for the given path.
func DiskInfoFromPath(path string) (DiskInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskInfo{TotalSpace: -1, AvailableSpace: -1}, err
	}

	// available blocks * size per block = available space in bytes
	reservedBlocks := stat.Bfree - stat.Bavail
	return DiskInfo{
		TotalSpace:     (int64(stat.Blocks) - int64(reservedBlocks)) * int64(stat.Bsize),
		AvailableSpace: int64(stat.Bavail) * int64(stat.Bsize),
	}, nil
}
