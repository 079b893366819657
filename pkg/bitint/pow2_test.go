// SPDX-License-Identifier: MIT
package bitint

import (
	"fmt"
	"testing"
)

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		n        int
		expected int
	}{
		{-10, 1},     // Negative number
		{0, 1},       // Zero
		{8, 8},       // Already power of two
		{10, 16},     // Not power of two
		{1000, 1024}, // Large number
		{3, 4},       // Small non-power
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d→%d", tt.n, tt.expected), func(t *testing.T) {
			result := NextPowerOfTwo(tt.n)
			if result != tt.expected {
				t.Errorf("NextPowerOfTwo(%d) = %d, expected %d", tt.n, result, tt.expected)
			}
		})
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		n        int
		expected bool
	}{
		{-2, false},     // Negative number
		{0, false},      // Zero
		{1, true},       // One
		{8, true},       // Power of two
		{10, false},     // Not power of two
		{1 << 20, true}, // Large power of two
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d→%t", tt.n, tt.expected), func(t *testing.T) {
			result := IsPowerOfTwo(tt.n)
			if result != tt.expected {
				t.Errorf("IsPowerOfTwo(%d) = %v, expected %v", tt.n, result, tt.expected)
			}
		})
	}
}

func TestLog2(t *testing.T) {
	tests := []struct {
		n        int
		expected int
	}{
		{0, -1},
		{1, 0},
		{2, 1},
		{3, 1},
		{1024, 10},
		{1025, 10},
	}

	for _, tt := range tests {
		if got := Log2(tt.n); got != tt.expected {
			t.Errorf("Log2(%d) = %d, expected %d", tt.n, got, tt.expected)
		}
	}
}

func TestPowerOfTwoRatio(t *testing.T) {
	tests := []struct {
		a, b   int
		k      int
		wantOK bool
	}{
		{2048, 512, 2, true},
		{512, 512, 0, true},
		{2048, 1024, 1, true},
		{1536, 512, 0, false},
		{256, 512, 0, false},
		{0, 512, 0, false},
		{512, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.a, tt.b), func(t *testing.T) {
			k, ok := PowerOfTwoRatio(tt.a, tt.b)
			if k != tt.k || ok != tt.wantOK {
				t.Errorf("PowerOfTwoRatio(%d, %d) = %d, %v; expected %d, %v", tt.a, tt.b, k, ok, tt.k, tt.wantOK)
			}
		})
	}
}

func BenchmarkNextPowerOfTwo(b *testing.B) {
	var i int
	b.ReportAllocs()
	for b.Loop() {
		NextPowerOfTwo(i % 10000)
		i++
	}
}

func BenchmarkPowerOfTwoRatio(b *testing.B) {
	var i int
	b.ReportAllocs()
	for b.Loop() {
		PowerOfTwoRatio(4096, 1<<(i%13))
		i++
	}
}
