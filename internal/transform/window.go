// SPDX-License-Identifier: MIT

// Package transform provides the window functions and forward real-to-complex
// transforms used to compute spectral columns.
package transform

import (
	"fmt"
	"math"
	"strings"

	dspwindow "github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/dsp/window"
)

// WindowType enumerates the supported window functions.
type WindowType int

const (
	Rectangular WindowType = iota
	Bartlett
	Hamming
	Hann
	Blackman
	Gaussian
	Parzen
	Nuttall
	BlackmanHarris
)

var windowNames = [...]string{
	Rectangular:    "rectangular",
	Bartlett:       "bartlett",
	Hamming:        "hamming",
	Hann:           "hann",
	Blackman:       "blackman",
	Gaussian:       "gaussian",
	Parzen:         "parzen",
	Nuttall:        "nuttall",
	BlackmanHarris: "blackman-harris",
}

func (w WindowType) String() string {
	if w >= 0 && int(w) < len(windowNames) {
		return windowNames[w]
	}
	return fmt.Sprintf("window(%d)", int(w))
}

// ParseWindowType converts a case-insensitive name into a WindowType. It
// returns Hann together with an error when the name is unknown.
func ParseWindowType(name string) (WindowType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "_", "-")
	for i, s := range windowNames {
		if s == n {
			return WindowType(i), nil
		}
	}
	if n == "hanning" {
		return Hann, nil
	}
	return Hann, fmt.Errorf("unknown window type %q", name)
}

// gaussianSigma is the width of the Gaussian window relative to its half
// length.
const gaussianSigma = 0.4

// Window returns the n coefficients of the window t.
func Window(t WindowType, n int) (window.Values, error) {
	if n <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", n)
	}
	if t < 0 || int(t) >= len(windowNames) {
		return nil, fmt.Errorf("unknown window type %d", int(t))
	}
	if n == 1 {
		return window.Values{1}, nil
	}
	switch t {
	case Rectangular:
		return window.NewValues(window.Rectangular, n), nil
	case Bartlett:
		return window.Values(dspwindow.Bartlett(n)), nil
	case Hamming:
		return window.NewValues(window.Hamming, n), nil
	case Hann:
		return window.NewValues(window.Hann, n), nil
	case Blackman:
		return window.NewValues(window.Blackman, n), nil
	case Gaussian:
		return window.NewValues(window.Gaussian{Sigma: gaussianSigma}.Transform, n), nil
	case Parzen:
		return window.NewValues(parzen, n), nil
	case Nuttall:
		return window.NewValues(window.Nuttall, n), nil
	case BlackmanHarris:
		return window.NewValues(window.BlackmanHarris, n), nil
	default:
		return nil, fmt.Errorf("unknown window type %d", int(t))
	}
}

// parzen modifies seq in place by the Parzen (de la Vallée Poussin) window.
//
//	w(x) = 1 - 6(x/h)²(1 - |x|/h)   |x| <= h/2
//	w(x) = 2(1 - |x|/h)³            h/2 < |x| <= h
//
// with x the distance from the centre and h = N/2.
func parzen(seq []float64) []float64 {
	n := len(seq)
	h := float64(n) / 2
	c := float64(n-1) / 2
	for i := range seq {
		x := math.Abs(float64(i) - c)
		r := x / h
		var w float64
		if x <= h/2 {
			w = 1 - 6*r*r*(1-r)
		} else {
			w = 2 * math.Pow(1-r, 3)
		}
		seq[i] *= w
	}
	return seq
}
