// SPDX-License-Identifier: MIT
package source

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// OpenWAV decodes a PCM WAV file completely into a Memory source whose ID is
// the absolute path of the file.
func OpenWAV(path string) (*Memory, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", path, err)
	}

	nch := int(dec.NumChans)
	if nch == 0 || buf.Format == nil {
		return nil, fmt.Errorf("%s: no channels", path)
	}
	depth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		depth = buf.SourceBitDepth
	}
	scale := 1 / float32(audio.IntMaxSignedValue(depth))
	if depth == 8 {
		// 8-bit WAV is unsigned with a 128 offset.
		scale = 1.0 / 128
	}

	frames := len(buf.Data) / nch
	channels := make([][]float32, nch)
	for c := range channels {
		channels[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range nch {
			v := buf.Data[i*nch+c]
			if depth == 8 {
				v -= 128
			}
			channels[c][i] = float32(v) * scale
		}
	}
	return NewMemory("wav:"+abs, int(dec.SampleRate), channels)
}

// WriteWAV encodes channels as 16-bit PCM at sampleRate.
func WriteWAV(path string, sampleRate int, channels [][]float32) (err error) {
	if len(channels) == 0 {
		return fmt.Errorf("%w: nothing to write", ErrBadChannel)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	const depth = 16
	nch := len(channels)
	frames := len(channels[0])
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: nch, SampleRate: sampleRate},
		Data:           make([]int, frames*nch),
		SourceBitDepth: depth,
	}
	peak := float64(audio.IntMaxSignedValue(depth))
	for i := range frames {
		for c := range nch {
			v := math.Round(float64(channels[c][i]) * peak)
			buf.Data[i*nch+c] = int(max(-peak-1, min(v, peak)))
		}
	}

	enc := wav.NewEncoder(f, sampleRate, depth, nch, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("%s: encode: %w", path, err)
	}
	return enc.Close()
}
