// SPDX-License-Identifier: MIT
//go:build darwin || freebsd

package storage

import "golang.org/x/sys/unix"

// Free memory is not portable outside Linux; report it as unknown so the
// advisor falls back to the disk figure.
func platformFreeMemory() (int64, error) {
	return -1, nil
}

func platformFreeDisk(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return -1, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
