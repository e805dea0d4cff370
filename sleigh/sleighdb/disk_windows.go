// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build windows

package sleighdb

import (
	"path/filepath"

	"golang.org/x/sys/windows"
)

// DiskInfoFromPath returns the disk info for the given path.
func DiskInfoFromPath(path string) (DiskInfo, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	path16, err := windows.UTF16PtrFromString(absPath)
	if err != nil {
		return DiskInfo{TotalSpace: -1, AvailableSpace: -1}, err
	}

	var availableToCaller, total uint64
	err = windows.GetDiskFreeSpaceEx(path16, &availableToCaller, &total, nil)
	if err != nil {
		return DiskInfo{TotalSpace: -1, AvailableSpace: -1}, err
	}

	return DiskInfo{
		TotalSpace:     int64(total),
		AvailableSpace: int64(availableToCaller),
	}, nil
}
