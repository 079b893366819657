// SPDX-License-Identifier: MIT
package spectrogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectral/internal/column"
	"spectral/internal/source"
	"spectral/internal/storage"
	"spectral/internal/transform"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testOptions(t, inMemory))
	t.Cleanup(func() { assert.NoError(t, r.Close()) })
	return r
}

func baseParams(src source.Source) Params {
	return Params{
		Source:     src,
		Window:     transform.Hann,
		WindowSize: 1024,
		HopSize:    512,
		FFTSize:    1024,
		Encoding:   column.Compact,
	}
}

func TestAcquireSharesExactMatch(t *testing.T) {
	r := newRegistry(t)
	src := toneSource(t, "shared", 44100, 44100, 440)

	a, err := r.Acquire(baseParams(src))
	require.NoError(t, err)
	p := baseParams(src)
	p.FillFrom = 30
	b, err := r.Acquire(p)
	require.NoError(t, err)

	assert.Same(t, a.Manager(), b.Manager())
	assert.Equal(t, 2, r.RefCount(a.Manager()))
	assert.True(t, b.Exact())

	other, err := r.Acquire(Params{
		Source: src, Window: transform.Hamming, WindowSize: 1024, HopSize: 512, FFTSize: 1024,
	})
	require.NoError(t, err)
	assert.NotSame(t, a.Manager(), other.Manager())

	require.NoError(t, r.Release(a))
	require.NoError(t, r.Release(a))
	assert.Equal(t, 1, r.RefCount(b.Manager()))
}

func TestAcquireFuzzyMatch(t *testing.T) {
	r := newRegistry(t)
	src := toneSource(t, "fuzzy", 8000, 3*8000, 1000)

	fine := baseParams(src)
	fine.FFTSize = 2048
	fine.Encoding = column.Polar
	h, err := r.Acquire(fine)
	require.NoError(t, err)
	waitComplete(t, h.Manager())

	coarse := baseParams(src)
	coarse.HopSize = 1024
	g, err := r.Acquire(coarse)
	require.NoError(t, err)
	require.Same(t, h.Manager(), g.Manager())
	assert.Equal(t, 2, r.RefCount(h.Manager()))
	assert.False(t, g.Exact())
	assert.Equal(t, coarse.Width(), g.Width())
	assert.Equal(t, 512, g.Height())

	for _, c := range [][2]int{{0, 0}, {3, 17}, {g.Width() - 1, 511}} {
		got, err := g.MagnitudeAt(c[0], c[1])
		require.NoError(t, err)
		want, err := h.MagnitudeAt(2*c[0], 2*c[1])
		require.NoError(t, err)
		assert.Equal(t, want, got, "cell %v", c)
	}

	col := make([]float32, g.Height())
	require.NoError(t, g.ColumnMagnitudes(5, col))
	full := make([]float32, h.Height())
	require.NoError(t, h.ColumnMagnitudes(10, full))
	for y := range col {
		require.Equal(t, full[2*y], col[y], "bin %d", y)
	}
	assert.True(t, g.IsColumnReady(g.Width()-1))
	assert.Equal(t, h.FillExtent()/2, g.FillExtent())

	_, err = g.MagnitudeAt(g.Width(), 0)
	assert.ErrorIs(t, err, column.ErrOutOfRange)
	_, err = g.PhaseAt(0, g.Height())
	assert.ErrorIs(t, err, column.ErrOutOfRange)
}

func TestFuzzyMatchRejections(t *testing.T) {
	src := toneSource(t, "reject", 8000, 2*8000, 1000)

	tests := []struct {
		name   string
		modify func(*Params)
	}{
		{"hop not a multiple", func(p *Params) { p.HopSize = 768 }},
		{"transform not a power of two below", func(p *Params) { p.FFTSize = 4096 }},
		{"different window", func(p *Params) { p.Window = transform.Blackman }},
		{"different window size", func(p *Params) { p.WindowSize = 512 }},
		{"lossless wanted from compact", func(p *Params) { p.Encoding = column.Rectangular }},
		{"different channel", func(p *Params) { p.Channel = source.MixDown }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry(t)
			h, err := r.Acquire(baseParams(src))
			require.NoError(t, err)
			waitComplete(t, h.Manager())

			p := baseParams(src)
			tt.modify(&p)
			g, err := r.Acquire(p)
			require.NoError(t, err)
			assert.NotSame(t, h.Manager(), g.Manager())
		})
	}

	t.Run("not enough progress", func(t *testing.T) {
		opts := testOptions(t, inMemory)
		opts.FuzzyMinCompletion = 100
		r := NewRegistry(opts)
		t.Cleanup(func() { assert.NoError(t, r.Close()) })

		fine := baseParams(src)
		fine.FFTSize = 2048
		h, err := r.Acquire(fine)
		require.NoError(t, err)
		h.Manager().SuspendFill()

		g, err := r.Acquire(baseParams(src))
		require.NoError(t, err)
		assert.NotSame(t, h.Manager(), g.Manager())
	})
}

func TestRegistrySharesDefaultOracle(t *testing.T) {
	r := NewRegistry(testOptions(t, nil))
	t.Cleanup(func() { assert.NoError(t, r.Close()) })

	a, err := r.Acquire(baseParams(toneSource(t, "oracle-a", 8000, 8000, 440)))
	require.NoError(t, err)
	b, err := r.Acquire(baseParams(toneSource(t, "oracle-b", 8000, 8000, 880)))
	require.NoError(t, err)
	require.NotSame(t, a.Manager(), b.Manager())

	advisor, ok := a.Manager().opts.Oracle.(*storage.Advisor)
	require.True(t, ok, "default oracle is an Advisor")
	assert.Same(t, advisor, b.Manager().opts.Oracle)
}

func TestReleaseUnusedClosesImmediately(t *testing.T) {
	r := newRegistry(t)
	h, err := r.Acquire(baseParams(toneSource(t, "unused", 8000, 8000, 440)))
	require.NoError(t, err)
	m := h.Manager()

	require.NoError(t, r.Release(h))
	assert.Zero(t, r.RefCount(m))
	assert.Zero(t, r.Limbo())
	_, err = m.MagnitudeAt(0, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLimboRevivesAndOverflows(t *testing.T) {
	opts := testOptions(t, inMemory)
	opts.LimboSize = 1
	r := NewRegistry(opts)
	t.Cleanup(func() { assert.NoError(t, r.Close()) })

	srcA := toneSource(t, "limbo-a", 8000, 8000, 440)
	srcB := toneSource(t, "limbo-b", 8000, 8000, 880)

	a, err := r.Acquire(baseParams(srcA))
	require.NoError(t, err)
	ma := a.Manager()
	_, err = a.MagnitudeAt(0, 0)
	require.NoError(t, err)
	require.NoError(t, r.Release(a))
	assert.Equal(t, 1, r.Limbo())
	assert.True(t, ma.FillSuspended())

	again, err := r.Acquire(baseParams(srcA))
	require.NoError(t, err)
	assert.Same(t, ma, again.Manager())
	assert.False(t, ma.FillSuspended())
	assert.Zero(t, r.Limbo())
	require.NoError(t, r.Release(again))

	b, err := r.Acquire(baseParams(srcB))
	require.NoError(t, err)
	_, err = b.MagnitudeAt(0, 0)
	require.NoError(t, err)
	require.NoError(t, r.Release(b))

	assert.Equal(t, 1, r.Limbo())
	_, err = ma.MagnitudeAt(0, 0)
	assert.ErrorIs(t, err, ErrClosed, "oldest limbo entry is closed on overflow")

	require.NoError(t, r.Purge())
	assert.Zero(t, r.Limbo())
	_, err = b.Manager().PhaseAt(0, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(testOptions(t, inMemory))
	h, err := r.Acquire(baseParams(toneSource(t, "close", 8000, 8000, 440)))
	require.NoError(t, err)
	_, err = h.MagnitudeAt(0, 0)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	_, err = h.MagnitudeAt(0, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, r.Release(h))

	_, err = r.Acquire(baseParams(toneSource(t, "late", 8000, 8000, 440)))
	assert.ErrorIs(t, err, ErrClosed)
}
