// SPDX-License-Identifier: MIT

// Package source supplies the sample frames a spectrogram is computed from.
package source

import (
	"errors"
	"fmt"
)

// Source is a read-only multichannel signal addressed by frame number.
// Implementations must be safe for concurrent readers.
type Source interface {
	// ID identifies the signal for sharing spectrograms between callers.
	ID() string
	SampleRate() int
	ChannelCount() int
	// StartFrame and EndFrame bound the readable frames, [start, end).
	StartFrame() int64
	EndFrame() int64
	// ReadFrames copies frames [start, end) of channel into dst and returns
	// the number copied, which is short when end passes EndFrame. Channel
	// -1 averages all channels.
	ReadFrames(channel int, start, end int64, dst []float32) (int, error)
}

// MixDown selects the average of all channels in ReadFrames.
const MixDown = -1

var (
	// ErrBadChannel is returned for a channel that does not exist.
	ErrBadChannel = errors.New("source: no such channel")

	// ErrBadRange is returned when start lies outside the signal.
	ErrBadRange = errors.New("source: frame range outside signal")
)

// Memory is a Source over per-channel sample slices.
type Memory struct {
	id       string
	rate     int
	start    int64
	channels [][]float32
}

// Compile-time check for interface implementation.
var _ Source = (*Memory)(nil)

// NewMemory returns a source over channels, which must all have the same
// length. The slices are retained, not copied.
func NewMemory(id string, sampleRate int, channels [][]float32) (*Memory, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: source %q has no channels", ErrBadChannel, id)
	}
	for i, ch := range channels {
		if len(ch) != len(channels[0]) {
			return nil, fmt.Errorf("channel %d has %d frames, channel 0 has %d", i, len(ch), len(channels[0]))
		}
	}
	return &Memory{id: id, rate: sampleRate, channels: channels}, nil
}

// NewMono is NewMemory for a single channel.
func NewMono(id string, sampleRate int, samples []float32) (*Memory, error) {
	return NewMemory(id, sampleRate, [][]float32{samples})
}

func (m *Memory) ID() string        { return m.id }
func (m *Memory) SampleRate() int   { return m.rate }
func (m *Memory) ChannelCount() int { return len(m.channels) }
func (m *Memory) StartFrame() int64 { return m.start }
func (m *Memory) EndFrame() int64   { return m.start + int64(len(m.channels[0])) }

func (m *Memory) ReadFrames(channel int, start, end int64, dst []float32) (int, error) {
	if channel < MixDown || channel >= len(m.channels) {
		return 0, fmt.Errorf("%w: %d of %d", ErrBadChannel, channel, len(m.channels))
	}
	if start < m.StartFrame() || start > m.EndFrame() {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrBadRange, start, m.StartFrame(), m.EndFrame())
	}
	end = min(end, m.EndFrame(), start+int64(len(dst)))
	if end <= start {
		return 0, nil
	}
	lo, hi := start-m.start, end-m.start
	n := int(hi - lo)

	if channel != MixDown {
		copy(dst[:n], m.channels[channel][lo:hi])
		return n, nil
	}
	if len(m.channels) == 1 {
		copy(dst[:n], m.channels[0][lo:hi])
		return n, nil
	}
	scale := 1 / float32(len(m.channels))
	for i := range n {
		var sum float32
		for _, ch := range m.channels {
			sum += ch[lo+int64(i)]
		}
		dst[i] = sum * scale
	}
	return n, nil
}
