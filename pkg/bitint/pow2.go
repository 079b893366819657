/*
Package bitint provides the power-of-two arithmetic used when sizing
transforms and matching spectrogram configurations against each other.

Design Principles:
- Zero Allocations: All operations use stack memory only
- Predictable Performance: O(1) constant time operations

Usage:

	// Round a requested transform size up to something the FFT likes
	size := bitint.NextPowerOfTwo(1000) // Returns 1024

	// Is a 2048-point transform a power-of-two superset of a 512-point one?
	k, ok := bitint.PowerOfTwoRatio(2048, 512) // Returns 2, true

----------------------------------------------------------------------

What this code does:

	NextPowerOfTwo returns the next power of 2 greater than or
	equal to size. The subtraction (size-1) keeps exact powers of 2
	unchanged: for 8, bits.Len(7) = 3 and 1<<3 = 8, whereas
	bits.Len(8) = 4 would double it.

	PowerOfTwoRatio answers "is a == b * 2^k for some k >= 0", which
	is the shape test behind reusing a finer spectrogram for a coarser
	request.
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the next power of 2 >= size.
//
// Examples:
//
//	Input  Output  Explanation
//	4      4      Already power of 2 (preserved)
//	5      8      Next power after 5
//	0      1      Handle zero case
//	-1     1      Handle negative case
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo checks if n is a power of 2 using bit manipulation.
// The expression (n & (n-1)) == 0 works because powers of 2 have
// exactly one bit set.
//
//	Input  Output  Binary
//	8      true    1000 & 0111 = 0000
//	7      false   0111 & 0110 = 0110
//	0      false   Not positive
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Log2 returns floor(log2(n)) for n > 0 and -1 otherwise.
func Log2(n int) int {
	if n <= 0 {
		return -1
	}
	return bits.Len(uint(n)) - 1
}

// PowerOfTwoRatio reports whether a == b << k for some k >= 0 and returns k.
//
//	a     b     k   ok
//	2048  512   2   true
//	512   512   0   true
//	1536  512   0   false  (ratio 3)
//	256   512   0   false  (a smaller than b)
func PowerOfTwoRatio(a, b int) (int, bool) {
	if a <= 0 || b <= 0 || a < b || a%b != 0 {
		return 0, false
	}
	r := a / b
	if !IsPowerOfTwo(r) {
		return 0, false
	}
	return Log2(r), true
}
