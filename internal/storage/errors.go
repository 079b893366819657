// SPDX-License-Identifier: MIT
package storage

import "errors"

// Error kinds shared by the matrix store, the column caches and the
// spectrogram manager. Failures are wrapped so that both the kind and the
// underlying cause are visible:
//
//	if errors.Is(err, storage.ErrOutOfDiskSpace) {
//	    // pick a smaller configuration or free space
//	}
var (
	// ErrFileOpenFailed indicates a matrix file could not be created or opened.
	ErrFileOpenFailed = errors.New("storage: file open failed")

	// ErrFileReadFailed indicates a header or column read failed, including an
	// unsuccessful prefetch. Data is never substituted with zeroes.
	ErrFileReadFailed = errors.New("storage: file read failed")

	// ErrFileWriteFailed indicates a header or column write failed.
	ErrFileWriteFailed = errors.New("storage: file write failed")

	// ErrSeekFailed indicates the file could not be positioned or resized.
	ErrSeekFailed = errors.New("storage: seek failed")

	// ErrOutOfDiskSpace is returned before a write that cannot fit.
	ErrOutOfDiskSpace = errors.New("storage: out of disk space")

	// ErrAllocationFailed indicates an in-memory cache could not be sized.
	ErrAllocationFailed = errors.New("storage: allocation failed")

	// ErrInvalidConfiguration indicates a programming or configuration error,
	// e.g. a read-only open of an identity that nobody has created.
	ErrInvalidConfiguration = errors.New("storage: invalid configuration")
)
