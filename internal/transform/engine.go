// SPDX-License-Identifier: MIT
package transform

import (
	"fmt"
	"strings"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Engine computes the forward transform of one real frame. Engines are not
// safe for concurrent use.
type Engine interface {
	// Size is the frame length accepted by Forward.
	Size() int
	// Forward writes the Size()/2+1 non-negative frequency coefficients of
	// frame into dst (allocating when dst is nil) and returns them.
	Forward(dst []complex128, frame []float64) ([]complex128, error)
}

// Engine names accepted by NewEngine.
const (
	EngineGonum = "gonum"
	EngineGoDSP = "godsp"
)

// NewEngine returns the named engine for frames of n samples. An empty name
// selects gonum.
func NewEngine(name string, n int) (Engine, error) {
	if n <= 0 {
		return nil, fmt.Errorf("transform size must be positive, got %d", n)
	}
	switch strings.ToLower(name) {
	case "", EngineGonum:
		return &Gonum{fft: fourier.NewFFT(n)}, nil
	case EngineGoDSP, "go-dsp":
		return &GoDSP{n: n}, nil
	default:
		return nil, fmt.Errorf("unknown transform engine %q (gonum, godsp)", name)
	}
}

// Gonum wraps gonum's FFTPACK-based real transform.
type Gonum struct {
	fft *fourier.FFT
}

// Compile-time checks for interface implementations.
var _ Engine = (*Gonum)(nil)
var _ Engine = (*GoDSP)(nil)

func (g *Gonum) Size() int { return g.fft.Len() }

func (g *Gonum) Forward(dst []complex128, frame []float64) ([]complex128, error) {
	n := g.fft.Len()
	if len(frame) != n {
		return nil, fmt.Errorf("frame of %d samples, engine size %d", len(frame), n)
	}
	if half := n/2 + 1; dst != nil && len(dst) != half {
		if cap(dst) >= half {
			dst = dst[:half]
		} else {
			dst = nil
		}
	}
	return g.fft.Coefficients(dst, frame), nil
}

// GoDSP uses mjibson/go-dsp, which accepts any length.
type GoDSP struct {
	n int
}

func (g *GoDSP) Size() int { return g.n }

func (g *GoDSP) Forward(dst []complex128, frame []float64) ([]complex128, error) {
	if len(frame) != g.n {
		return nil, fmt.Errorf("frame of %d samples, engine size %d", len(frame), g.n)
	}
	full := fft.FFTReal(frame)
	half := g.n/2 + 1
	if cap(dst) < half {
		dst = make([]complex128, half)
	}
	dst = dst[:half]
	copy(dst, full[:half])
	return dst, nil
}
