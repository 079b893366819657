// SPDX-License-Identifier: MIT
package spectrogram

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"spectral/internal/column"
	applog "spectral/internal/log"
	"spectral/internal/storage"
	"spectral/pkg/bitint"
)

// Registry shares managers between callers. A caller acquires a Handle for
// the configuration it wants and releases it when done; the registry reuses
// an existing manager with the same configuration or, failing that, one
// whose configuration is a compatible refinement and whose fill has made
// enough progress.
type Registry struct {
	opts Options
	log  applog.Logger

	mu     sync.Mutex
	refs   map[*Manager]int
	limbo  []*Manager // released but used, oldest first
	closed bool
}

// NewRegistry returns an empty registry creating managers with opts.
// LimboSize and FuzzyMinCompletion are used as given. A nil Oracle is
// replaced by one Advisor shared by every manager, so its memory
// reservations span them all.
func NewRegistry(opts Options) *Registry {
	if opts.CacheDir == "" {
		opts.CacheDir = DefaultOptions().CacheDir
	}
	if opts.Oracle == nil {
		opts.Oracle = storage.NewAdvisor(opts.CacheDir)
	}
	return &Registry{
		opts: opts,
		log:  applog.Named("registry"),
		refs: make(map[*Manager]int),
	}
}

// Handle is one caller's reference to a manager. Coordinates passed to a
// handle are in the caller's configuration and are rescaled onto the
// manager's.
type Handle struct {
	m        *Manager
	reg      *Registry
	params   Params
	hopRatio int
	binRatio int
	released atomic.Bool
}

// Acquire returns a handle for p.
func (r *Registry) Acquire(p Params) (*Handle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	key := p.key()
	for m := range r.refs {
		if m.params.key() == key {
			r.refs[m]++
			r.log.Debugf("reusing %s (refs %d)", key, r.refs[m])
			return r.handle(m, p), nil
		}
	}
	for i, m := range r.limbo {
		if m.params.key() == key {
			r.limbo = slices.Delete(r.limbo, i, i+1)
			r.refs[m] = 1
			m.ResumeFill()
			r.log.Debugf("revived %s", key)
			return r.handle(m, p), nil
		}
	}

	if m, fromLimbo := r.bestFuzzyLocked(p); m != nil {
		if fromLimbo {
			r.limbo = slices.DeleteFunc(r.limbo, func(l *Manager) bool { return l == m })
			m.ResumeFill()
		}
		r.refs[m]++
		r.log.Debugf("serving %s from %s at %d%%", key, m.params.key(), m.Completion())
		return r.handle(m, p), nil
	}

	m, err := NewManager(p, r.opts)
	if err != nil {
		return nil, err
	}
	r.refs[m] = 1
	return r.handle(m, p), nil
}

func (r *Registry) handle(m *Manager, p Params) *Handle {
	return &Handle{
		m:        m,
		reg:      r,
		params:   p,
		hopRatio: p.HopSize / m.params.HopSize,
		binRatio: m.params.FFTSize / p.FFTSize,
	}
}

// bestFuzzyLocked returns the most complete manager able to serve p.
func (r *Registry) bestFuzzyLocked(p Params) (best *Manager, fromLimbo bool) {
	consider := func(m *Manager, limbo bool) {
		if !r.compatible(m, p) {
			return
		}
		if best == nil || m.Completion() > best.Completion() {
			best, fromLimbo = m, limbo
		}
	}
	for m := range r.refs {
		consider(m, false)
	}
	for _, m := range r.limbo {
		consider(m, true)
	}
	return best, fromLimbo
}

// compatible reports whether m can answer queries for p by rescaling: same
// signal and window, a hop dividing p's, a transform size p's times a power
// of two, and the same encoding or a lossless one where p asks for Compact.
func (r *Registry) compatible(m *Manager, p Params) bool {
	e := m.params
	if e.Source.ID() != p.Source.ID() || e.Channel != p.Channel ||
		e.Window != p.Window || e.WindowSize != p.WindowSize {
		return false
	}
	if p.HopSize%e.HopSize != 0 {
		return false
	}
	if _, ok := bitint.PowerOfTwoRatio(e.FFTSize, p.FFTSize); !ok {
		return false
	}
	if e.Encoding != p.Encoding && (p.Encoding != column.Compact || !e.Encoding.Lossless()) {
		return false
	}
	return m.FillErr() == nil && m.Completion() >= r.opts.FuzzyMinCompletion
}

// Release drops h's reference. A manager nobody references is closed if it
// was never used and otherwise parked, fill suspended, in a bounded limbo
// from which an exact Acquire revives it.
func (r *Registry) Release(h *Handle) error {
	if h == nil || h.reg != r || !h.released.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	n, ok := r.refs[h.m]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if n > 1 {
		r.refs[h.m] = n - 1
		r.mu.Unlock()
		return nil
	}
	delete(r.refs, h.m)

	var doomed []*Manager
	switch {
	case r.closed || !h.m.Used() || r.opts.LimboSize <= 0:
		doomed = append(doomed, h.m)
	default:
		h.m.SuspendFill()
		r.limbo = append(r.limbo, h.m)
		if over := len(r.limbo) - r.opts.LimboSize; over > 0 {
			doomed = append(doomed, r.limbo[:over]...)
			r.limbo = slices.Delete(r.limbo, 0, over)
		}
	}
	r.mu.Unlock()

	return closeAll(doomed)
}

// Purge closes every manager in limbo.
func (r *Registry) Purge() error {
	r.mu.Lock()
	doomed := r.limbo
	r.limbo = nil
	r.mu.Unlock()
	return closeAll(doomed)
}

// Close closes every manager, referenced or not. Outstanding handles fail
// with ErrClosed afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	doomed := r.limbo
	r.limbo = nil
	for m := range r.refs {
		doomed = append(doomed, m)
	}
	clear(r.refs)
	r.mu.Unlock()
	return closeAll(doomed)
}

// RefCount returns the number of handles referencing m.
func (r *Registry) RefCount(m *Manager) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[m]
}

// Limbo returns the number of released managers kept for revival.
func (r *Registry) Limbo() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limbo)
}

func closeAll(ms []*Manager) error {
	var errs []error
	for _, m := range ms {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.params.key(), err))
		}
	}
	return errors.Join(errs...)
}

// Manager returns the manager behind h.
func (h *Handle) Manager() *Manager { return h.m }

// Params returns the configuration h was acquired with.
func (h *Handle) Params() Params { return h.params }

// Exact reports whether h reads its manager without rescaling.
func (h *Handle) Exact() bool { return h.hopRatio == 1 && h.binRatio == 1 }

func (h *Handle) Width() int  { return h.params.Width() }
func (h *Handle) Height() int { return h.params.Height() }

func (h *Handle) column(x int) (int, error) {
	if x < 0 || x >= h.Width() {
		return 0, fmt.Errorf("%w: column %d of %d", column.ErrOutOfRange, x, h.Width())
	}
	return x * h.hopRatio, nil
}

func (h *Handle) cell(x, y int) (int, int, error) {
	mx, err := h.column(x)
	if err != nil {
		return 0, 0, err
	}
	if y < 0 || y >= h.Height() {
		return 0, 0, fmt.Errorf("%w: bin %d of %d", column.ErrOutOfRange, y, h.Height())
	}
	return mx, y * h.binRatio, nil
}

func (h *Handle) MagnitudeAt(x, y int) (float32, error) {
	mx, my, err := h.cell(x, y)
	if err != nil {
		return 0, err
	}
	return h.m.MagnitudeAt(mx, my)
}

func (h *Handle) NormalizedMagnitudeAt(x, y int) (float32, error) {
	mx, my, err := h.cell(x, y)
	if err != nil {
		return 0, err
	}
	return h.m.NormalizedMagnitudeAt(mx, my)
}

func (h *Handle) MaximumMagnitudeAt(x int) (float32, error) {
	mx, err := h.column(x)
	if err != nil {
		return 0, err
	}
	return h.m.MaximumMagnitudeAt(mx)
}

func (h *Handle) PhaseAt(x, y int) (float32, error) {
	mx, my, err := h.cell(x, y)
	if err != nil {
		return 0, err
	}
	return h.m.PhaseAt(mx, my)
}

func (h *Handle) ValuesAt(x, y int) (float32, float32, error) {
	mx, my, err := h.cell(x, y)
	if err != nil {
		return 0, 0, err
	}
	return h.m.ValuesAt(mx, my)
}

// ColumnMagnitudes copies the magnitudes of column x into dst[:Height()].
func (h *Handle) ColumnMagnitudes(x int, dst []float32) error {
	mx, err := h.column(x)
	if err != nil {
		return err
	}
	if h.binRatio == 1 {
		return h.m.ColumnMagnitudes(mx, dst)
	}
	if len(dst) < h.Height() {
		return fmt.Errorf("%w: buffer of %d bins, want %d", column.ErrOutOfRange, len(dst), h.Height())
	}
	full := make([]float32, h.m.Height())
	if err := h.m.ColumnMagnitudes(mx, full); err != nil {
		return err
	}
	for y := range h.Height() {
		dst[y] = full[y*h.binRatio]
	}
	return nil
}

func (h *Handle) IsColumnReady(x int) bool {
	mx, err := h.column(x)
	return err == nil && h.m.IsColumnReady(mx)
}

func (h *Handle) Completion() int { return h.m.Completion() }

// FillExtent is the manager's fill extent in the handle's columns.
func (h *Handle) FillExtent() int { return h.m.FillExtent() / h.hopRatio }

func (h *Handle) FillErr() error { return h.m.FillErr() }
