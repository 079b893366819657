// SPDX-License-Identifier: MIT
package spectrogram

import (
	"fmt"
	"math/cmplx"
	"time"

	"spectral/internal/column"
	"spectral/internal/metrics"
)

// minProgressStep is the fewest columns between two progress updates.
const minProgressStep = 100

func (m *Manager) startFill() {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	if m.started || m.exiting {
		return
	}
	m.started = true
	go m.fill()
}

// SuspendFill pauses the background fill before its next column.
func (m *Manager) SuspendFill() {
	m.fillMu.Lock()
	m.suspended = true
	m.fillMu.Unlock()
}

// ResumeFill undoes SuspendFill.
func (m *Manager) ResumeFill() {
	m.fillMu.Lock()
	m.suspended = false
	m.fillMu.Unlock()
	m.signal()
}

// FillSuspended reports whether SuspendFill is in effect.
func (m *Manager) FillSuspended() bool {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	return m.suspended
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// fill walks [FillFrom, W) and then [0, FillFrom), computing every column
// not already present.
func (m *Manager) fill() {
	defer close(m.fillDone)

	from := m.params.FillFrom
	step := max(m.width/20, minProgressStep)
	timer := time.NewTimer(m.opts.SuspendWait)
	defer timer.Stop()

	m.log.Debugf("fill started at column %d of %d", from, m.width)
	start := time.Now()

	for i := range m.width {
		if !m.runnable(timer) {
			m.log.Debugf("fill stopped after %d columns", i)
			return
		}
		x := (from + i) % m.width
		if _, err := m.ensureColumn(x, true); err != nil {
			m.fail(x, err)
			return
		}
		if done := i + 1; done%step == 0 || done == m.width {
			m.publish(done)
		}
	}
	m.log.Infof("fill complete: %d columns in %v", m.width, time.Since(start).Round(time.Millisecond))
}

// runnable blocks while the fill is suspended and reports whether it should
// continue.
func (m *Manager) runnable(timer *time.Timer) bool {
	for {
		m.fillMu.Lock()
		exiting, suspended := m.exiting, m.suspended
		m.fillMu.Unlock()
		if exiting {
			return false
		}
		if !suspended {
			return true
		}
		timer.Reset(m.opts.SuspendWait)
		select {
		case <-m.wake:
		case <-timer.C:
		}
	}
}

func (m *Manager) publish(done int) {
	pct := done * 100 / m.width
	if done < m.width {
		pct = min(pct, 99)
	}
	m.extent.Store(int64(done))
	m.completion.Store(int32(pct))
}

func (m *Manager) fail(x int, err error) {
	err = fmt.Errorf("%w at column %d: %w", ErrFillFailed, x, err)
	m.fillMu.Lock()
	m.fillErr = err
	m.fillMu.Unlock()
	metrics.FillFailures.Inc()
	m.log.Errorf("%v", err)
}

// computeLocked computes column x into m.mags and m.phases. The frame is
// centred on the column's sample, zero-padded at the signal edges, windowed,
// zero-padded to the transform size and rotated so that its centre lands on
// sample 0 of the transform input.
func (m *Manager) computeLocked(x int) error {
	p := m.params
	src := p.Source
	ws := p.WindowSize

	lo := src.StartFrame() + int64(x)*int64(p.HopSize) - int64(ws/2)
	clear(m.frame)
	from, to := max(lo, src.StartFrame()), min(lo+int64(ws), src.EndFrame())
	if from < to {
		if _, err := src.ReadFrames(p.Channel, from, to, m.frame[from-lo:]); err != nil {
			return fmt.Errorf("read frames [%d, %d): %w", from, to, err)
		}
	}
	for i, v := range m.frame {
		m.samples[i] = float64(v)
	}

	clear(m.input)
	pad := (p.FFTSize - ws) / 2
	m.window.TransformTo(m.input[pad:pad+ws], m.samples)
	half := p.FFTSize / 2
	for i := range half {
		m.input[i], m.input[i+half] = m.input[i+half], m.input[i]
	}

	spec, err := m.engine.Forward(m.spec, m.input)
	if err != nil {
		return fmt.Errorf("transform column %d: %w", x, err)
	}
	m.spec = spec

	scale := 2 / float64(ws)
	for y := range m.height {
		m.mags[y] = float32(cmplx.Abs(spec[y]) * scale)
		m.phases[y] = float32(column.Princarg(cmplx.Phase(spec[y])))
	}
	return nil
}
