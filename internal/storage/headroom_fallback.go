// SPDX-License-Identifier: MIT
//go:build !linux && !darwin && !freebsd

package storage

func platformFreeMemory() (int64, error) { return -1, nil }

func platformFreeDisk(string) (int64, error) { return -1, nil }
