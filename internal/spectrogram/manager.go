// SPDX-License-Identifier: MIT
package spectrogram

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/dsp/window"

	"spectral/internal/column"
	applog "spectral/internal/log"
	"spectral/internal/metrics"
	"spectral/internal/transform"
)

var managerSeq atomic.Uint64

// Manager serves the columns of one spectrogram, computing them in a
// background fill and synchronously for readers that outrun it.
type Manager struct {
	params Params
	opts   Options
	log    applog.Logger
	ident  uint64
	width  int
	height int
	chunks *chunkSet

	// writeMu serialises column computation. The scratch buffers below
	// belong to whoever holds it.
	writeMu sync.Mutex
	engine  transform.Engine
	window  window.Values
	frame   []float32
	samples []float64
	input   []float64
	spec    []complex128
	mags    []float32
	phases  []float32

	fillMu    sync.Mutex
	started   bool
	suspended bool
	exiting   bool
	fillErr   error
	wake      chan struct{}
	fillDone  chan struct{}

	completion atomic.Int32
	extent     atomic.Int64
	used       atomic.Bool
	closed     atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewManager validates p and returns a manager for it. Nothing is computed
// or allocated on disk until the first query.
func NewManager(p Params, opts Options) (*Manager, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		params:   p,
		opts:     opts,
		width:    p.Width(),
		height:   p.Height(),
		wake:     make(chan struct{}, 1),
		fillDone: make(chan struct{}),
	}
	if m.params.FillFrom < 0 || m.params.FillFrom >= m.width {
		m.params.FillFrom = 0
	}

	if m.engine, err = transform.NewEngine(opts.Engine, p.FFTSize); err != nil {
		return nil, err
	}
	if m.window, err = transform.Window(p.Window, p.WindowSize); err != nil {
		return nil, err
	}
	m.frame = make([]float32, p.WindowSize)
	m.samples = make([]float64, p.WindowSize)
	m.input = make([]float64, p.FFTSize)
	m.mags = make([]float32, m.height)
	m.phases = make([]float32, m.height)

	m.ident = xxhash.Sum64String(fmt.Sprintf("%s#%d#%d", p.key(), os.Getpid(), managerSeq.Add(1)))
	m.log = applog.Named("spectrogram").With(fmt.Sprintf("%08x", uint32(m.ident)))

	if m.chunks, err = newChunkSet(m, opts.MaxResidentChunks); err != nil {
		return nil, err
	}
	metrics.ActiveSpectrograms.Inc()
	m.log.Debugf("%s: %dx%d in chunks of %d columns", p.key(), m.width, m.height, m.chunks.maxWidth)
	return m, nil
}

// Params returns the configuration the manager computes.
func (m *Manager) Params() Params { return m.params }

func (m *Manager) Width() int  { return m.width }
func (m *Manager) Height() int { return m.height }

// MaxChunkWidth is the width of every chunk but the last.
func (m *Manager) MaxChunkWidth() int { return m.chunks.maxWidth }

// read makes column x available and calls fn on its chunk under the chunk's
// read lock.
func (m *Manager) read(x int, fn func(c column.Cache, local int) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if x < 0 || x >= m.width {
		return fmt.Errorf("%w: column %d of %d", column.ErrOutOfRange, x, m.width)
	}
	m.used.Store(true)
	m.startFill()

	if _, err := m.ensureColumn(x, false); err != nil {
		return err
	}
	c, err := m.chunks.lock(x, false)
	if err != nil {
		return err
	}
	defer c.mu.RUnlock()
	return fn(c.cache, x-c.start)
}

func (m *Manager) MagnitudeAt(x, y int) (v float32, err error) {
	err = m.read(x, func(c column.Cache, local int) error {
		v, err = c.MagnitudeAt(local, y)
		return err
	})
	return v, err
}

func (m *Manager) NormalizedMagnitudeAt(x, y int) (v float32, err error) {
	err = m.read(x, func(c column.Cache, local int) error {
		v, err = c.NormalizedMagnitudeAt(local, y)
		return err
	})
	return v, err
}

func (m *Manager) MaximumMagnitudeAt(x int) (v float32, err error) {
	err = m.read(x, func(c column.Cache, local int) error {
		v, err = c.MaximumMagnitudeAt(local)
		return err
	})
	return v, err
}

func (m *Manager) PhaseAt(x, y int) (v float32, err error) {
	err = m.read(x, func(c column.Cache, local int) error {
		v, err = c.PhaseAt(local, y)
		return err
	})
	return v, err
}

func (m *Manager) ValuesAt(x, y int) (re, im float32, err error) {
	err = m.read(x, func(c column.Cache, local int) error {
		re, im, err = c.ValuesAt(local, y)
		return err
	})
	return re, im, err
}

// ColumnMagnitudes copies the magnitudes of column x into dst[:Height()].
func (m *Manager) ColumnMagnitudes(x int, dst []float32) error {
	return m.read(x, func(c column.Cache, local int) error {
		return c.Magnitudes(local, dst)
	})
}

// IsColumnReady reports whether column x has been computed. It never
// computes anything itself but starts the background fill.
func (m *Manager) IsColumnReady(x int) bool {
	if m.closed.Load() || x < 0 || x >= m.width {
		return false
	}
	m.used.Store(true)
	m.startFill()
	return m.chunks.has(x)
}

// Completion is the percentage of columns the fill has covered. It never
// decreases and is 100 exactly when every column has been written.
func (m *Manager) Completion() int { return int(m.completion.Load()) }

// FillExtent is the number of columns the fill has covered.
func (m *Manager) FillExtent() int { return int(m.extent.Load()) }

// FillErr returns the error that stopped the fill, wrapping ErrFillFailed.
func (m *Manager) FillErr() error {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	return m.fillErr
}

// Used reports whether the manager has been queried or has made fill
// progress.
func (m *Manager) Used() bool {
	return m.used.Load() || m.extent.Load() > 0
}

// ResidentChunks is the number of chunks currently holding resources.
func (m *Manager) ResidentChunks() int { return int(m.chunks.resident.Load()) }

// MaxResidentObserved is the largest value ResidentChunks has taken.
func (m *Manager) MaxResidentObserved() int { return int(m.chunks.maxSeen.Load()) }

// Close stops the fill, waits for it to exit and releases every chunk.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)

		m.fillMu.Lock()
		m.exiting = true
		started := m.started
		m.fillMu.Unlock()
		m.signal()
		if started {
			<-m.fillDone
		}

		m.closeErr = m.chunks.close()
		metrics.ActiveSpectrograms.Dec()
		m.log.Debugf("closed")
	})
	return m.closeErr
}

// ensureColumn computes and writes column x unless it is already present.
func (m *Manager) ensureColumn(x int, background bool) (bool, error) {
	if m.chunks.has(x) {
		return false, nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.chunks.has(x) {
		return false, nil
	}
	if err := m.computeLocked(x); err != nil {
		return false, err
	}

	c, err := m.chunks.lock(x, true)
	if err != nil {
		return false, err
	}
	err = c.cache.SetColumn(x-c.start, m.mags, m.phases, 0)
	c.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("write column %d: %w", x, err)
	}

	if background {
		metrics.ColumnsFilled.Inc()
	} else {
		metrics.SyncFills.Inc()
	}
	return true, nil
}
