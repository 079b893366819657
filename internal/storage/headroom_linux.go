// SPDX-License-Identifier: MIT
//go:build linux

package storage

import "golang.org/x/sys/unix"

func platformFreeMemory() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return -1, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return int64((uint64(info.Freeram) + uint64(info.Bufferram)) * unit), nil
}

func platformFreeDisk(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return -1, err
	}
	return int64(st.Bavail * uint64(st.Bsize)), nil
}
