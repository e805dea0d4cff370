// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sleighdb

// DiskInfo contains the state of the filesystem holding the store.
type DiskInfo struct {
	TotalSpace     int64
	AvailableSpace int64
}
