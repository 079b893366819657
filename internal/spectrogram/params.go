// SPDX-License-Identifier: MIT

// Package spectrogram computes short-time Fourier transforms of a sample
// source into chunked column caches, filling them in the background and on
// demand.
//
// A Manager owns one spectrogram configuration. Its columns are split into
// chunks of at most MaxChunkWidth columns; at most MaxResidentChunks chunks
// hold open resources at a time. A Registry shares managers between callers
// that ask for the same, or a compatible, configuration.
package spectrogram

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"spectral/internal/column"
	"spectral/internal/prefetch"
	"spectral/internal/source"
	"spectral/internal/storage"
	"spectral/internal/transform"
)

// MaxResidentChunks is the largest number of chunks a manager keeps resident.
const MaxResidentChunks = 4

var (
	// ErrClosed is returned by every query on a closed manager.
	ErrClosed = errors.New("spectrogram: manager closed")

	// ErrFillFailed wraps the error that stopped a background fill.
	ErrFillFailed = errors.New("spectrogram: fill failed")
)

// Params identifies a spectrogram.
type Params struct {
	Source source.Source
	// Channel selects one channel, or source.MixDown for the average.
	Channel    int
	Window     transform.WindowType
	WindowSize int
	HopSize    int
	FFTSize    int
	Encoding   column.Encoding
	// FillFrom is the column the background fill starts at. It does not
	// take part in matching.
	FillFrom int
}

// Validate reports whether p describes a computable spectrogram.
func (p Params) Validate() error {
	switch {
	case p.Source == nil:
		return fmt.Errorf("%w: no source", storage.ErrInvalidConfiguration)
	case p.Channel < source.MixDown || p.Channel >= p.Source.ChannelCount():
		return fmt.Errorf("%w: channel %d of %d", storage.ErrInvalidConfiguration, p.Channel, p.Source.ChannelCount())
	case p.WindowSize <= 0:
		return fmt.Errorf("%w: window size %d", storage.ErrInvalidConfiguration, p.WindowSize)
	case p.HopSize <= 0:
		return fmt.Errorf("%w: hop size %d", storage.ErrInvalidConfiguration, p.HopSize)
	case p.FFTSize < p.WindowSize || p.FFTSize < 2 || p.FFTSize%2 != 0:
		return fmt.Errorf("%w: transform size %d for window %d", storage.ErrInvalidConfiguration, p.FFTSize, p.WindowSize)
	case p.Source.EndFrame() < p.Source.StartFrame():
		return fmt.Errorf("%w: source ends before it starts", storage.ErrInvalidConfiguration)
	}
	if _, err := transform.Window(p.Window, 1); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrInvalidConfiguration, err)
	}
	return nil
}

// Width is the number of columns: one per hop, plus one for the final frame.
func (p Params) Width() int {
	return int((p.Source.EndFrame()-p.Source.StartFrame())/int64(p.HopSize)) + 1
}

// Height is the number of frequency bins per column.
func (p Params) Height() int {
	return p.FFTSize / 2
}

// key is the exact-match identity of p.
func (p Params) key() string {
	return fmt.Sprintf("%s|%d|%s|%d|%d|%d|%s",
		p.Source.ID(), p.Channel, p.Window, p.WindowSize, p.HopSize, p.FFTSize, p.Encoding)
}

// Options tune managers and the registry.
type Options struct {
	// CacheDir holds the matrix files of disk-backed chunks.
	CacheDir string
	// Oracle chooses memory or disk for each chunk. Nil builds an
	// Advisor over CacheDir.
	Oracle storage.Oracle
	// MaxResidentChunks bounds resident chunks, 1..4.
	MaxResidentChunks int
	// ChunkBytes is the budget a single chunk's columns may occupy.
	ChunkBytes int64
	// WindowBytes and MinPrefetchColumns configure the disk read-ahead.
	WindowBytes        int64
	MinPrefetchColumns int
	// Worker services disk prefetches. Nil selects prefetch.Shared().
	Worker *prefetch.Worker
	// Engine names the transform engine, see transform.NewEngine.
	Engine string
	// SuspendWait bounds each wait of a suspended fill.
	SuspendWait time.Duration

	// LimboSize is the number of released managers kept for revival.
	LimboSize int
	// FuzzyMinCompletion is the fill percentage a manager needs before it
	// may serve a compatible but different configuration.
	FuzzyMinCompletion int
}

// DefaultOptions returns options suitable for interactive use.
func DefaultOptions() Options {
	return Options{
		CacheDir:           filepath.Join(os.TempDir(), "spectral-cache"),
		MaxResidentChunks:  MaxResidentChunks,
		ChunkBytes:         64 << 20,
		WindowBytes:        4 << 20,
		MinPrefetchColumns: 4,
		Engine:             transform.EngineGonum,
		SuspendWait:        time.Second,
		LimboSize:          2,
		FuzzyMinCompletion: 50,
	}
}

func (o Options) withDefaults() (Options, error) {
	def := DefaultOptions()
	if o.CacheDir == "" {
		o.CacheDir = def.CacheDir
	}
	if o.MaxResidentChunks == 0 {
		o.MaxResidentChunks = def.MaxResidentChunks
	}
	if o.MaxResidentChunks < 1 || o.MaxResidentChunks > MaxResidentChunks {
		return o, fmt.Errorf("%w: %d resident chunks, want 1..%d",
			storage.ErrInvalidConfiguration, o.MaxResidentChunks, MaxResidentChunks)
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = def.ChunkBytes
	}
	if o.WindowBytes <= 0 {
		o.WindowBytes = def.WindowBytes
	}
	if o.MinPrefetchColumns <= 0 {
		o.MinPrefetchColumns = def.MinPrefetchColumns
	}
	if o.SuspendWait <= 0 {
		o.SuspendWait = def.SuspendWait
	}
	if o.Oracle == nil {
		o.Oracle = storage.NewAdvisor(o.CacheDir)
	}
	return o, nil
}
