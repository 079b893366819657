// SPDX-License-Identifier: MIT
package column

import (
	"fmt"

	"spectral/internal/storage"
)

// MemoryCache keeps encoded columns in one flat slice.
type MemoryCache struct {
	enc      Encoding
	codec    codec
	width    int
	height   int
	colBytes int
	data     []byte
	written  []bool
}

// Compile-time check for interface implementation.
var _ Cache = (*MemoryCache)(nil)

// NewMemory returns an empty memory cache.
func NewMemory(enc Encoding) (*MemoryCache, error) {
	c, err := newCodec(enc)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{enc: enc, codec: c}, nil
}

func (m *MemoryCache) Resize(w, h int) error {
	if w < 0 || h < 0 {
		return fmt.Errorf("%w: dimensions %dx%d", storage.ErrInvalidConfiguration, w, h)
	}
	colBytes := m.enc.ColumnBytes(h)
	data, err := allocate(w, colBytes)
	if err != nil {
		return err
	}
	m.width, m.height, m.colBytes = w, h, colBytes
	m.data = data
	m.written = make([]bool, w)
	return nil
}

// allocate reserves w columns of colBytes, reporting failure as an error
// instead of a runtime panic.
func allocate(w, colBytes int) (b []byte, err error) {
	n := int64(w) * int64(colBytes)
	if colBytes != 0 && n/int64(colBytes) != int64(w) || n != int64(int(n)) {
		return nil, fmt.Errorf("%w: %d columns of %d bytes", storage.ErrAllocationFailed, w, colBytes)
	}
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("%w: %d bytes: %v", storage.ErrAllocationFailed, n, r)
		}
	}()
	return make([]byte, n), nil
}

func (m *MemoryCache) Reset() error {
	clear(m.data)
	clear(m.written)
	return nil
}

func (m *MemoryCache) Width() int         { return m.width }
func (m *MemoryCache) Height() int        { return m.height }
func (m *MemoryCache) Encoding() Encoding { return m.enc }
func (m *MemoryCache) Kind() Kind         { return KindMemory }

func (m *MemoryCache) column(x int) ([]byte, error) {
	if err := checkColumn(x, m.width); err != nil {
		return nil, err
	}
	if !m.written[x] {
		return nil, fmt.Errorf("%w: %d", ErrColumnNotSet, x)
	}
	off := x * m.colBytes
	return m.data[off : off+m.colBytes], nil
}

func (m *MemoryCache) bin(x, y int) ([]byte, error) {
	if err := checkBin(x, y, m.width, m.height); err != nil {
		return nil, err
	}
	return m.column(x)
}

func (m *MemoryCache) MagnitudeAt(x, y int) (float32, error) {
	col, err := m.bin(x, y)
	if err != nil {
		return 0, err
	}
	return m.codec.magnitude(col, y), nil
}

func (m *MemoryCache) NormalizedMagnitudeAt(x, y int) (float32, error) {
	col, err := m.bin(x, y)
	if err != nil {
		return 0, err
	}
	return m.codec.normalized(col, y, m.height), nil
}

func (m *MemoryCache) MaximumMagnitudeAt(x int) (float32, error) {
	col, err := m.column(x)
	if err != nil {
		return 0, err
	}
	return m.codec.factor(col, m.height), nil
}

func (m *MemoryCache) PhaseAt(x, y int) (float32, error) {
	col, err := m.bin(x, y)
	if err != nil {
		return 0, err
	}
	return m.codec.phase(col, y), nil
}

func (m *MemoryCache) ValuesAt(x, y int) (float32, float32, error) {
	col, err := m.bin(x, y)
	if err != nil {
		return 0, 0, err
	}
	re, im := m.codec.values(col, y)
	return re, im, nil
}

func (m *MemoryCache) Magnitudes(x int, dst []float32) error {
	col, err := m.column(x)
	if err != nil {
		return err
	}
	if len(dst) < m.height {
		return fmt.Errorf("%w: destination holds %d of %d bins", ErrOutOfRange, len(dst), m.height)
	}
	for y := range m.height {
		dst[y] = m.codec.magnitude(col, y)
	}
	return nil
}

func (m *MemoryCache) HaveSetColumnAt(x int) bool {
	return x >= 0 && x < m.width && m.written[x]
}

func (m *MemoryCache) SetColumn(x int, mags, phases []float32, factor float32) error {
	if err := checkColumn(x, m.width); err != nil {
		return err
	}
	if err := checkLengths(m.height, mags, phases); err != nil {
		return err
	}
	off := x * m.colBytes
	m.codec.put(m.data[off:off+m.colBytes], mags, phases, factor)
	m.written[x] = true
	return nil
}

func (m *MemoryCache) SetColumnComplex(x int, re, im []float32) error {
	if err := checkColumn(x, m.width); err != nil {
		return err
	}
	if err := checkLengths(m.height, re, im); err != nil {
		return err
	}
	off := x * m.colBytes
	m.codec.putComplex(m.data[off:off+m.colBytes], re, im)
	m.written[x] = true
	return nil
}

// Suspend is a no-op: memory caches hold no file resources.
func (m *MemoryCache) Suspend() error { return nil }

func (m *MemoryCache) Close() error {
	m.data = nil
	m.written = nil
	m.width, m.height = 0, 0
	return nil
}

// Bytes returns the size of the encoded data held in memory.
func (m *MemoryCache) Bytes() int64 {
	return int64(len(m.data))
}
