// SPDX-License-Identifier: MIT

// Package column stores spectral columns (one per time step, one bin per
// frequency) in memory or in a disk-backed matrix store.
//
// Callers serialise writers against readers; a cache may serve any number of
// concurrent readers between writes.
package column

import (
	"errors"
	"fmt"
)

// Kind names the storage variant behind a Cache.
type Kind uint8

const (
	KindMemory Kind = iota
	KindDisk
)

func (k Kind) String() string {
	if k == KindDisk {
		return "disk"
	}
	return "memory"
}

var (
	// ErrColumnNotSet is returned when reading a column that was never written.
	ErrColumnNotSet = errors.New("column: column not set")

	// ErrOutOfRange is returned for coordinates outside the cache.
	ErrOutOfRange = errors.New("column: coordinates out of range")
)

// Cache is a width × height grid of bins.
type Cache interface {
	// Resize sets the grid to w columns of h bins, discarding all data.
	Resize(w, h int) error
	// Reset discards all data, keeping the dimensions.
	Reset() error

	Width() int
	Height() int
	Encoding() Encoding
	Kind() Kind

	MagnitudeAt(x, y int) (float32, error)
	NormalizedMagnitudeAt(x, y int) (float32, error)
	MaximumMagnitudeAt(x int) (float32, error)
	PhaseAt(x, y int) (float32, error)
	ValuesAt(x, y int) (re, im float32, err error)
	// Magnitudes copies the magnitudes of column x into dst[:Height()].
	Magnitudes(x int, dst []float32) error

	HaveSetColumnAt(x int) bool
	// SetColumn writes magnitudes and phases. A factor <= 0 is replaced by
	// the largest magnitude of the column.
	SetColumn(x int, mags, phases []float32, factor float32) error
	SetColumnComplex(x int, re, im []float32) error

	// Suspend releases any file resources; the next access reacquires them.
	Suspend() error
	Close() error
}

// New returns a cache of the given kind. Disk caches live at path.
func New(kind Kind, enc Encoding, path string, opts DiskOptions) (Cache, error) {
	switch kind {
	case KindMemory:
		return NewMemory(enc)
	case KindDisk:
		return NewDisk(path, enc, opts)
	default:
		return nil, fmt.Errorf("unknown cache kind %d", uint8(kind))
	}
}

func checkColumn(x, width int) error {
	if x < 0 || x >= width {
		return fmt.Errorf("%w: column %d of %d", ErrOutOfRange, x, width)
	}
	return nil
}

func checkBin(x, y, width, height int) error {
	if x < 0 || x >= width || y < 0 || y >= height {
		return fmt.Errorf("%w: (%d, %d) in %dx%d", ErrOutOfRange, x, y, width, height)
	}
	return nil
}

func checkLengths(height int, a, b []float32) error {
	if len(a) != height || len(b) != height {
		return fmt.Errorf("%w: column of %d/%d bins, want %d", ErrOutOfRange, len(a), len(b), height)
	}
	return nil
}
