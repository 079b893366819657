// SPDX-License-Identifier: MIT
package column

import (
	"fmt"
	"sync"

	"spectral/internal/matrix"
)

// DiskOptions configures the matrix store behind a disk cache.
type DiskOptions = matrix.Options

// readSlots is the number of raw columns a disk cache keeps decoded-ready,
// so per-bin reads of the same column do not go back to the store.
const readSlots = 2

type readSlot struct {
	x     int
	valid bool
	buf   []byte
}

// DiskCache keeps encoded columns in a matrix store file.
type DiskCache struct {
	enc   Encoding
	codec codec
	store *matrix.Store

	mu       sync.Mutex
	height   int
	colBytes int
	scratch  []byte
	slots    [readSlots]readSlot
	next     int
}

// Compile-time check for interface implementation.
var _ Cache = (*DiskCache)(nil)

// NewDisk opens (creating) the matrix store at path.
func NewDisk(path string, enc Encoding, opts DiskOptions) (*DiskCache, error) {
	c, err := newCodec(enc)
	if err != nil {
		return nil, err
	}
	store, err := matrix.Open(path, enc.CellSize(), matrix.ReadWrite, opts)
	if err != nil {
		return nil, err
	}
	return &DiskCache{enc: enc, codec: c, store: store}, nil
}

func (d *DiskCache) Resize(w, h int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Resize(w, d.enc.ColumnCells(h)); err != nil {
		return err
	}
	d.height = h
	d.colBytes = d.enc.ColumnBytes(h)
	d.scratch = make([]byte, d.colBytes)
	for i := range d.slots {
		d.slots[i] = readSlot{buf: make([]byte, d.colBytes)}
	}
	return nil
}

func (d *DiskCache) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidateLocked(-1)
	return d.store.Reset()
}

func (d *DiskCache) Width() int { return d.store.Width() }

func (d *DiskCache) Height() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.height
}

func (d *DiskCache) Encoding() Encoding { return d.enc }
func (d *DiskCache) Kind() Kind         { return KindDisk }

// Path returns the backing file.
func (d *DiskCache) Path() string { return d.store.Path() }

// Stats returns the read counters of the backing store.
func (d *DiskCache) Stats() matrix.Stats { return d.store.Stats() }

// columnLocked returns the raw cells of column x from the read slots,
// filling the oldest slot from the store on a miss.
func (d *DiskCache) columnLocked(x int) ([]byte, error) {
	if err := checkColumn(x, d.store.Width()); err != nil {
		return nil, err
	}
	if !d.store.HasColumn(x) {
		return nil, fmt.Errorf("%w: %d", ErrColumnNotSet, x)
	}
	for i := range d.slots {
		if d.slots[i].valid && d.slots[i].x == x {
			return d.slots[i].buf, nil
		}
	}
	s := &d.slots[d.next]
	d.next = (d.next + 1) % readSlots
	s.valid = false
	if err := d.store.Column(x, s.buf); err != nil {
		return nil, err
	}
	s.x, s.valid = x, true
	return s.buf, nil
}

func (d *DiskCache) binLocked(x, y int) ([]byte, error) {
	if y < 0 || y >= d.height {
		return nil, fmt.Errorf("%w: bin %d of %d", ErrOutOfRange, y, d.height)
	}
	return d.columnLocked(x)
}

func (d *DiskCache) invalidateLocked(x int) {
	for i := range d.slots {
		if x < 0 || d.slots[i].x == x {
			d.slots[i].valid = false
		}
	}
}

func (d *DiskCache) MagnitudeAt(x, y int) (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	col, err := d.binLocked(x, y)
	if err != nil {
		return 0, err
	}
	return d.codec.magnitude(col, y), nil
}

func (d *DiskCache) NormalizedMagnitudeAt(x, y int) (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	col, err := d.binLocked(x, y)
	if err != nil {
		return 0, err
	}
	return d.codec.normalized(col, y, d.height), nil
}

func (d *DiskCache) MaximumMagnitudeAt(x int) (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	col, err := d.columnLocked(x)
	if err != nil {
		return 0, err
	}
	return d.codec.factor(col, d.height), nil
}

func (d *DiskCache) PhaseAt(x, y int) (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	col, err := d.binLocked(x, y)
	if err != nil {
		return 0, err
	}
	return d.codec.phase(col, y), nil
}

func (d *DiskCache) ValuesAt(x, y int) (float32, float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	col, err := d.binLocked(x, y)
	if err != nil {
		return 0, 0, err
	}
	re, im := d.codec.values(col, y)
	return re, im, nil
}

func (d *DiskCache) Magnitudes(x int, dst []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	col, err := d.columnLocked(x)
	if err != nil {
		return err
	}
	if len(dst) < d.height {
		return fmt.Errorf("%w: destination holds %d of %d bins", ErrOutOfRange, len(dst), d.height)
	}
	for y := range d.height {
		dst[y] = d.codec.magnitude(col, y)
	}
	return nil
}

func (d *DiskCache) HaveSetColumnAt(x int) bool {
	return d.store.HasColumn(x)
}

func (d *DiskCache) SetColumn(x int, mags, phases []float32, factor float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := checkColumn(x, d.store.Width()); err != nil {
		return err
	}
	if err := checkLengths(d.height, mags, phases); err != nil {
		return err
	}
	d.codec.put(d.scratch, mags, phases, factor)
	d.invalidateLocked(x)
	return d.store.SetColumn(x, d.scratch)
}

func (d *DiskCache) SetColumnComplex(x int, re, im []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := checkColumn(x, d.store.Width()); err != nil {
		return err
	}
	if err := checkLengths(d.height, re, im); err != nil {
		return err
	}
	d.codec.putComplex(d.scratch, re, im)
	d.invalidateLocked(x)
	return d.store.SetColumn(x, d.scratch)
}

func (d *DiskCache) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidateLocked(-1)
	return d.store.Suspend()
}

func (d *DiskCache) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidateLocked(-1)
	return d.store.Close()
}
