// SPDX-License-Identifier: MIT

// Package utils generates deterministic test signals and inspects the
// spectra computed from them.
package utils

import "math"

// headroom keeps generated signals clear of full scale so that 16-bit WAV
// encoding never clips.
const headroom = 0.9

// GenerateComplexWave returns a 440Hz fundamental with its second and third
// harmonics.
func GenerateComplexWave(size int, sampleRate float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2
		buffer[i] = float32(signal * headroom)
	}
	return buffer
}

func GenerateSineWave(size int, sampleRate, frequency float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(math.Sin(2*math.Pi*frequency*t) * headroom)
	}
	return buffer
}

// GenerateChirp sweeps linearly from f0 to f1 over size samples.
func GenerateChirp(size int, sampleRate, f0, f1 float64) []float32 {
	buffer := make([]float32, size)
	if size == 0 {
		return buffer
	}
	duration := float64(size) / sampleRate
	k := (f1 - f0) / duration
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(math.Sin(2*math.Pi*(f0*t+k*t*t/2)) * headroom)
	}
	return buffer
}

// BinFrequency returns the centre frequency of bin for an fftSize-point
// transform.
func BinFrequency(bin, fftSize int, sampleRate float64) float64 {
	return float64(bin) * sampleRate / float64(fftSize)
}

func FindPeakBin(magnitudes []float32, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
