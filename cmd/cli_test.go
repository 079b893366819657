// SPDX-License-Identifier: MIT
package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectral/internal/column"
	applog "spectral/internal/log"
	"spectral/internal/source"
	"spectral/internal/spectrogram"
	"spectral/internal/storage"
	"spectral/internal/transform"
	"spectral/pkg/utils"
)

func TestMain(m *testing.M) {
	applog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// writeConfig writes a config selecting the given storage policy with its
// cache directory under the test's temp dir.
func writeConfig(t *testing.T, policy string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "spectral.yaml")
	content := fmt.Sprintf("log_level: error\ncache:\n  dir: %s\n  storage: %s\n",
		filepath.Join(dir, "cache"), policy)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := Execute(args, &out)
	return out.String(), err
}

// synthTone writes two seconds of a 440 Hz tone at 8 kHz.
func synthTone(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	out, err := run(t, "synth", path, "--kind", "sine", "--freq", "440", "--seconds", "2", "--sample-rate", "8000")
	require.NoError(t, err)
	assert.Contains(t, out, "16000 frames at 8000 Hz")
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "dev")
}

func TestInfo(t *testing.T) {
	wav := synthTone(t)
	cfg := writeConfig(t, "memory")

	out, err := run(t, "info", wav, "--config", cfg, "--peak")
	require.NoError(t, err)
	assert.Contains(t, out, "1 channels, 8000 Hz, 16000 frames")
	assert.Contains(t, out, "hann, 1024 frames, hop 512, transform 1024")
	assert.Contains(t, out, "32 columns x 512 bins, compact")
	assert.Contains(t, out, "peak       bin 56")
	assert.Regexp(t, `cache      .*cache, (unknown|\d+ bytes) free, \d+ prefetches outstanding`, out)
}

func TestQuery(t *testing.T) {
	wav := synthTone(t)
	cfg := writeConfig(t, "memory")

	out, err := run(t, "query", wav, "--config", cfg, "--column", "8", "--bin", "56", "--encoding", "polar")
	require.NoError(t, err)
	for _, field := range []string{"magnitude", "normalized", "phase", "real", "imaginary", "factor"} {
		assert.Contains(t, out, field)
	}
	assert.Contains(t, out, "bin        56 (437.5 Hz)")

	_, err = run(t, "query", wav, "--config", cfg, "--column", "32")
	assert.ErrorIs(t, err, column.ErrOutOfRange)
}

func TestFill(t *testing.T) {
	wav := synthTone(t)
	for _, policy := range []string{"memory", "disk"} {
		t.Run(policy, func(t *testing.T) {
			out, err := run(t, "fill", wav, "--config", writeConfig(t, policy), "--fill-from", "10")
			require.NoError(t, err)
			assert.Contains(t, out, "fill 100% (32 of 32 columns)")
			assert.Contains(t, out, "done in")
		})
	}
}

func TestCommandErrors(t *testing.T) {
	wav := synthTone(t)
	cfg := writeConfig(t, "memory")

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{"unknown encoding", []string{"info", wav, "--config", cfg, "--encoding", "lossy"}, nil},
		{"unknown window", []string{"info", wav, "--config", cfg, "--window", "kaiser"}, nil},
		{"transform smaller than window", []string{"info", wav, "--config", cfg, "--fft-size", "512"}, storage.ErrInvalidConfiguration},
		{"zero hop", []string{"info", wav, "--config", cfg, "--hop", "0"}, storage.ErrInvalidConfiguration},
		{"missing file", []string{"info", filepath.Join(t.TempDir(), "none.wav"), "--config", cfg}, nil},
		{"unknown signal", []string{"synth", filepath.Join(t.TempDir(), "x.wav"), "--kind", "noise"}, nil},
		{"missing argument", []string{"fill"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestReleaseReportsCloseFailure(t *testing.T) {
	dir := t.TempDir()
	a := &app{out: io.Discard, reg: spectrogram.NewRegistry(spectrogram.Options{
		CacheDir: dir,
		Oracle:   storage.Fixed(storage.UseDisk | storage.ConserveSpace),
		Engine:   transform.EngineGonum,
	})}
	t.Cleanup(func() { _ = a.teardown() })

	src, err := source.NewMono("release", 8000, utils.GenerateSineWave(8000, 8000, 440))
	require.NoError(t, err)
	h, err := a.reg.Acquire(spectrogram.Params{
		Source:     src,
		Window:     transform.Hann,
		WindowSize: 256,
		HopSize:    128,
		FFTSize:    256,
		Encoding:   column.Compact,
	})
	require.NoError(t, err)
	_, err = h.MagnitudeAt(0, 0)
	require.NoError(t, err)

	// A non-empty directory in place of the chunk file cannot be removed.
	paths, err := filepath.Glob(filepath.Join(dir, "*.mat"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		require.NoError(t, os.Remove(p))
		require.NoError(t, os.MkdirAll(filepath.Join(p, "blocker"), 0o755))
	}

	var runErr error
	a.release(h, &runErr)
	assert.Error(t, runErr)
}
