// SPDX-License-Identifier: MIT
package utils

import (
	"math"
	"os"
	"testing"
)

const (
	testSize       = 1024
	testSampleRate = 44100
	testFrequency  = 440.0 // A4 note
)

var testMagnitudes []float32

func TestMain(m *testing.M) {
	testMagnitudes = make([]float32, testSize)

	// A "hill" peaking at testSize/4.
	for i := range testMagnitudes {
		testMagnitudes[i] = float32(math.Exp(-0.01 * math.Pow(float64(i-testSize/4), 2)))
	}

	os.Exit(m.Run())
}

func TestGenerateComplexWave(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		sampleRate float64
	}{
		{"Standard", 1024, 44100},
		{"Small", 16, 8000},
		{"Large", 8192, 96000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateComplexWave(tt.size, tt.sampleRate)

			if len(result) != tt.size {
				t.Errorf("GenerateComplexWave() buffer size = %d, want %d",
					len(result), tt.size)
			}

			hasNonZero := false
			for _, v := range result {
				if v > headroom || v < -headroom {
					t.Fatalf("GenerateComplexWave() sample %v exceeds headroom", v)
				}
				if v != 0 {
					hasNonZero = true
				}
			}

			if !hasNonZero {
				t.Errorf("GenerateComplexWave() produced all zeros")
			}
		})
	}
}

func TestGenerateSineWave(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		sampleRate float64
		frequency  float64
	}{
		{"A4 Note", 1024, 44100, 440.0},
		{"Middle C", 1024, 44100, 261.63},
		{"High Sample Rate", 1024, 192000, 440.0},
		{"Low Sample Rate", 1024, 8000, 440.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateSineWave(tt.size, tt.sampleRate, tt.frequency)

			if len(result) != tt.size {
				t.Errorf("GenerateSineWave() buffer size = %d, want %d",
					len(result), tt.size)
			}

			// Two zero crossings per cycle, give or take phase alignment.
			samplesPerCycle := tt.sampleRate / tt.frequency
			if samplesPerCycle > 2 && float64(tt.size) > samplesPerCycle {
				crossCount := zeroCrossings(result)
				expectedCrossings := float64(tt.size) / (samplesPerCycle / 2)
				tolerance := 0.2 * expectedCrossings

				if math.Abs(float64(crossCount)-expectedCrossings) > tolerance {
					t.Errorf("GenerateSineWave() zero crossings = %d, expected approximately %.1f±%.1f",
						crossCount, expectedCrossings, tolerance)
				}
			}
		})
	}
}

func TestGenerateChirpRises(t *testing.T) {
	const size = 8192
	chirp := GenerateChirp(size, testSampleRate, 100, 4000)
	if len(chirp) != size {
		t.Fatalf("GenerateChirp() buffer size = %d, want %d", len(chirp), size)
	}
	head := zeroCrossings(chirp[:size/4])
	tail := zeroCrossings(chirp[3*size/4:])
	if tail <= head*2 {
		t.Errorf("GenerateChirp() crossings head=%d tail=%d, expected a rising sweep", head, tail)
	}
	if got := GenerateChirp(0, testSampleRate, 1, 2); len(got) != 0 {
		t.Errorf("GenerateChirp(0) = %v, want empty", got)
	}
}

func TestBinFrequency(t *testing.T) {
	if got := BinFrequency(10, 1024, 44100); math.Abs(got-430.6640625) > 1e-9 {
		t.Errorf("BinFrequency() = %v, want 430.66", got)
	}
}

func TestFindPeakBin(t *testing.T) {
	tests := []struct {
		name     string
		mags     []float32
		start    int
		end      int
		expected int
	}{
		{"Full Range", testMagnitudes, 0, testSize - 1, testSize / 4},
		{"Partial Range Start", testMagnitudes, testSize / 8, testSize - 1, testSize / 4},
		{"Partial Range End", testMagnitudes, 0, testSize / 3, testSize / 4},
		{"Negative Start", testMagnitudes, -10, testSize - 1, testSize / 4},
		{"Out of Range End", testMagnitudes, 0, testSize * 2, testSize / 4},
		{"Empty Slice", []float32{}, 0, 10, 0},
		{"Single Value", []float32{1.0}, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FindPeakBin(tt.mags, tt.start, tt.end)
			if result != tt.expected {
				t.Errorf("FindPeakBin() = %d, want %d", result, tt.expected)
			}
		})
	}

	allocs := testing.AllocsPerRun(100, func() {
		FindPeakBin(testMagnitudes, 0, len(testMagnitudes)-1)
	})

	if allocs > 0 {
		t.Errorf("FindPeakBin allocated memory: got %.1f allocs, want 0", allocs)
	}
}

func zeroCrossings(s []float32) int {
	n := 0
	for i := 1; i < len(s); i++ {
		if (s[i-1] < 0) != (s[i] < 0) {
			n++
		}
	}
	return n
}

func BenchmarkGenerateComplexWave(b *testing.B) {
	benchmarks := []struct {
		name string
		size int
	}{
		{"Small", 64},
		{"Standard", 1024},
		{"Large", 8192},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				GenerateComplexWave(bm.size, testSampleRate)
			}
		})
	}
}

func BenchmarkFindPeakBin(b *testing.B) {
	benchmarks := []struct {
		name string
		size int
	}{
		{"Small", 64},
		{"Standard", 1024},
		{"Large", 8192},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			mags := make([]float32, bm.size)
			peakPos := bm.size / 2
			for i := range mags {
				mags[i] = float32(math.Exp(-0.01 * math.Pow(float64(i-peakPos), 2)))
			}

			b.ReportAllocs()
			for b.Loop() {
				FindPeakBin(mags, 0, bm.size-1)
			}
		})
	}
}
