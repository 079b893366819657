// SPDX-License-Identifier: MIT
package column

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Encoding selects how one column of bins is laid out in cells.
type Encoding uint8

const (
	// Compact stores each bin as a uint16 magnitude fraction of the column
	// factor and an int16 phase, with the factor as a float32 in two
	// trailing cells.
	Compact Encoding = iota
	// Polar stores float32 magnitude and phase per bin plus a float32 factor.
	Polar
	// Rectangular stores float32 real and imaginary parts per bin plus a
	// float32 factor.
	Rectangular
)

func (e Encoding) String() string {
	switch e {
	case Compact:
		return "compact"
	case Polar:
		return "polar"
	case Rectangular:
		return "rectangular"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// ParseEncoding converts a case-insensitive name into an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "compact":
		return Compact, nil
	case "polar":
		return Polar, nil
	case "rectangular", "rect":
		return Rectangular, nil
	default:
		return Compact, fmt.Errorf("unknown encoding %q (compact, polar, rectangular)", name)
	}
}

// Lossless reports whether the encoding keeps full float32 precision.
func (e Encoding) Lossless() bool {
	return e == Polar || e == Rectangular
}

// CellSize returns the size of one cell in bytes.
func (e Encoding) CellSize() int {
	if e == Compact {
		return 2
	}
	return 4
}

// ColumnCells returns the number of cells one column of bins occupies.
func (e Encoding) ColumnCells(bins int) int {
	if e == Compact {
		return 2*bins + 2
	}
	return 2*bins + 1
}

// ColumnBytes returns the encoded size of one column of bins.
func (e Encoding) ColumnBytes(bins int) int {
	return e.ColumnCells(bins) * e.CellSize()
}

const (
	twoPi = 2 * math.Pi
	// phaseSlack covers float32 rounding of ±π, which lands just outside
	// the float64 interval.
	phaseSlack = 1e-6
)

// Princarg maps a phase in radians onto (-π, π]. Phases within float32
// rounding of -π map to π.
func Princarg(a float64) float64 {
	r := a - twoPi*math.Round(a/twoPi)
	if r <= -math.Pi+phaseSlack {
		return math.Pi
	}
	return r
}

// codec converts between bins and the encoded bytes of one column. One
// codec is chosen per cache when it is constructed.
type codec interface {
	put(col []byte, mags, phases []float32, factor float32)
	putComplex(col []byte, re, im []float32)
	magnitude(col []byte, y int) float32
	normalized(col []byte, y, bins int) float32
	phase(col []byte, y int) float32
	values(col []byte, y int) (re, im float32)
	factor(col []byte, bins int) float32
}

func newCodec(e Encoding) (codec, error) {
	switch e {
	case Compact:
		return compactCodec{}, nil
	case Polar:
		return polarCodec{}, nil
	case Rectangular:
		return rectangularCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %d", uint8(e))
	}
}

var ne = binary.NativeEndian

func getF32(b []byte, cell int) float32 {
	return math.Float32frombits(ne.Uint32(b[cell*4:]))
}

func putF32(b []byte, cell int, v float32) {
	ne.PutUint32(b[cell*4:], math.Float32bits(v))
}

func maxOf(mags []float32) float32 {
	var m float32
	for _, v := range mags {
		if v > m {
			m = v
		}
	}
	return m
}

func maxHypot(re, im []float32) float32 {
	var m float64
	for i := range re {
		if h := math.Hypot(float64(re[i]), float64(im[i])); h > m {
			m = h
		}
	}
	return float32(m)
}

func polarOf(re, im float32) (mag, phase float32) {
	r, i := float64(re), float64(im)
	return float32(math.Hypot(r, i)), float32(Princarg(math.Atan2(i, r)))
}

// compactCodec: cells 2y and 2y+1 hold the quantized magnitude and phase;
// the factor is a float32 spanning cells 2·bins and 2·bins+1.
type compactCodec struct{}

const (
	compactMagScale   = 65535
	compactPhaseScale = 32767
)

func (compactCodec) putBin(col []byte, y int, mag, phase, factor float32) {
	var q float64
	if factor > 0 {
		q = math.Round(float64(mag) / float64(factor) * compactMagScale)
		q = max(0, min(q, compactMagScale))
	}
	p := math.Round(Princarg(float64(phase)) / math.Pi * compactPhaseScale)
	p = max(-compactPhaseScale, min(p, compactPhaseScale))
	ne.PutUint16(col[4*y:], uint16(q))
	ne.PutUint16(col[4*y+2:], uint16(int16(p)))
}

func (c compactCodec) put(col []byte, mags, phases []float32, factor float32) {
	if factor <= 0 {
		factor = maxOf(mags)
	}
	for y := range mags {
		c.putBin(col, y, mags[y], phases[y], factor)
	}
	putF32(col, len(mags), factor)
}

func (c compactCodec) putComplex(col []byte, re, im []float32) {
	factor := maxHypot(re, im)
	for y := range re {
		m, p := polarOf(re[y], im[y])
		c.putBin(col, y, m, p, factor)
	}
	putF32(col, len(re), factor)
}

func (compactCodec) normalized(col []byte, y, _ int) float32 {
	return float32(ne.Uint16(col[4*y:])) / compactMagScale
}

func (c compactCodec) magnitude(col []byte, y int) float32 {
	bins := (len(col) - 4) / 4
	return c.normalized(col, y, bins) * c.factor(col, bins)
}

func (compactCodec) phase(col []byte, y int) float32 {
	q := int16(ne.Uint16(col[4*y+2:]))
	return float32(float64(q) / compactPhaseScale * math.Pi)
}

func (c compactCodec) values(col []byte, y int) (float32, float32) {
	m := float64(c.magnitude(col, y))
	p := float64(c.phase(col, y))
	return float32(m * math.Cos(p)), float32(m * math.Sin(p))
}

func (compactCodec) factor(col []byte, bins int) float32 {
	return getF32(col, bins)
}

// polarCodec: float32 magnitude and phase per bin, factor in cell 2·bins.
type polarCodec struct{}

func (polarCodec) put(col []byte, mags, phases []float32, factor float32) {
	if factor <= 0 {
		factor = maxOf(mags)
	}
	for y := range mags {
		putF32(col, 2*y, mags[y])
		putF32(col, 2*y+1, float32(Princarg(float64(phases[y]))))
	}
	putF32(col, 2*len(mags), factor)
}

func (polarCodec) putComplex(col []byte, re, im []float32) {
	var factor float32
	for y := range re {
		m, p := polarOf(re[y], im[y])
		putF32(col, 2*y, m)
		putF32(col, 2*y+1, p)
		factor = max(factor, m)
	}
	putF32(col, 2*len(re), factor)
}

func (polarCodec) magnitude(col []byte, y int) float32 {
	return getF32(col, 2*y)
}

func (c polarCodec) normalized(col []byte, y, bins int) float32 {
	f := c.factor(col, bins)
	if f <= 0 {
		return 0
	}
	return getF32(col, 2*y) / f
}

func (polarCodec) phase(col []byte, y int) float32 {
	return getF32(col, 2*y+1)
}

func (polarCodec) values(col []byte, y int) (float32, float32) {
	m := float64(getF32(col, 2*y))
	p := float64(getF32(col, 2*y+1))
	return float32(m * math.Cos(p)), float32(m * math.Sin(p))
}

func (polarCodec) factor(col []byte, bins int) float32 {
	return getF32(col, 2*bins)
}

// rectangularCodec: float32 real and imaginary per bin, factor in cell 2·bins.
type rectangularCodec struct{}

func (rectangularCodec) put(col []byte, mags, phases []float32, factor float32) {
	if factor <= 0 {
		factor = maxOf(mags)
	}
	for y := range mags {
		m, p := float64(mags[y]), float64(phases[y])
		putF32(col, 2*y, float32(m*math.Cos(p)))
		putF32(col, 2*y+1, float32(m*math.Sin(p)))
	}
	putF32(col, 2*len(mags), factor)
}

func (rectangularCodec) putComplex(col []byte, re, im []float32) {
	for y := range re {
		putF32(col, 2*y, re[y])
		putF32(col, 2*y+1, im[y])
	}
	putF32(col, 2*len(re), maxHypot(re, im))
}

func (rectangularCodec) magnitude(col []byte, y int) float32 {
	return float32(math.Hypot(float64(getF32(col, 2*y)), float64(getF32(col, 2*y+1))))
}

func (c rectangularCodec) normalized(col []byte, y, bins int) float32 {
	f := c.factor(col, bins)
	if f <= 0 {
		return 0
	}
	return c.magnitude(col, y) / f
}

func (rectangularCodec) phase(col []byte, y int) float32 {
	_, p := polarOf(getF32(col, 2*y), getF32(col, 2*y+1))
	return p
}

func (rectangularCodec) values(col []byte, y int) (float32, float32) {
	return getF32(col, 2*y), getF32(col, 2*y+1)
}

func (rectangularCodec) factor(col []byte, bins int) float32 {
	return getF32(col, 2*bins)
}
