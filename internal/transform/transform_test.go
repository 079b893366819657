// SPDX-License-Identifier: MIT
package transform

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindowType(t *testing.T) {
	tests := []struct {
		name     string
		expected WindowType
		wantErr  bool
	}{
		{"hann", Hann, false},
		{"HANNING", Hann, false},
		{"Blackman_Harris", BlackmanHarris, false},
		{" parzen ", Parzen, false},
		{"bartlett", Bartlett, false},
		{"kaiser", Hann, true},
	}
	for _, tt := range tests {
		got, err := ParseWindowType(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWindowType(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if got != tt.expected {
			t.Errorf("ParseWindowType(%q) = %v, expected %v", tt.name, got, tt.expected)
		}
	}
	for w := Rectangular; w <= BlackmanHarris; w++ {
		got, err := ParseWindowType(w.String())
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
}

func TestWindowShapes(t *testing.T) {
	const n = 65
	for w := Rectangular; w <= BlackmanHarris; w++ {
		t.Run(w.String(), func(t *testing.T) {
			v, err := Window(w, n)
			require.NoError(t, err)
			require.Len(t, v, n)
			for i := range n / 2 {
				assert.InDelta(t, v[i], v[n-1-i], 1e-12, "symmetry at %d", i)
				assert.LessOrEqual(t, v[i], v[n/2]+1e-12, "peak is central")
			}
			assert.InDelta(t, 1, v[n/2], 1e-9, "unit peak")
		})
	}

	_, err := Window(WindowType(99), 8)
	assert.Error(t, err)
	_, err = Window(Hann, 0)
	assert.Error(t, err)
	one, err := Window(Gaussian, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, []float64(one))
}

func TestParzenEdges(t *testing.T) {
	v, err := Window(Parzen, 8)
	require.NoError(t, err)
	assert.Greater(t, v[0], 0.0)
	assert.Less(t, v[0], 0.02)
}

func TestEnginesAgree(t *testing.T) {
	const n = 64
	frame := make([]float64, n)
	for i := range frame {
		frame[i] = math.Sin(2*math.Pi*5*float64(i)/n) + 0.25*math.Cos(2*math.Pi*12*float64(i)/n)
	}

	g, err := NewEngine(EngineGonum, n)
	require.NoError(t, err)
	d, err := NewEngine(EngineGoDSP, n)
	require.NoError(t, err)
	assert.Equal(t, n, g.Size())
	assert.Equal(t, n, d.Size())

	a, err := g.Forward(nil, frame)
	require.NoError(t, err)
	b, err := d.Forward(make([]complex128, 3), frame)
	require.NoError(t, err)
	require.Len(t, a, n/2+1)
	require.Len(t, b, n/2+1)

	for k := range a {
		assert.InDelta(t, real(a[k]), real(b[k]), 1e-9, "re %d", k)
		assert.InDelta(t, imag(a[k]), imag(b[k]), 1e-9, "im %d", k)
	}
	assert.InDelta(t, n/2, cmplx.Abs(a[5]), 1e-9)
	assert.InDelta(t, n/8, cmplx.Abs(a[12]), 1e-9)

	_, err = g.Forward(nil, frame[:10])
	assert.Error(t, err)
	_, err = NewEngine("fftw", n)
	assert.Error(t, err)
}

func BenchmarkGonumForward(b *testing.B) {
	e, _ := NewEngine(EngineGonum, 1024)
	frame := make([]float64, 1024)
	dst := make([]complex128, 513)
	b.ReportAllocs()
	for b.Loop() {
		_, _ = e.Forward(dst, frame)
	}
}
