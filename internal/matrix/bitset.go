// SPDX-License-Identifier: MIT
package matrix

import "math/bits"

// bitset records which columns of a store have been written.
type bitset struct {
	words []uint64
	n     int
}

func newBitset(n int) *bitset {
	b := &bitset{}
	b.resize(n)
	return b
}

// resize changes the length to n and clears every bit.
func (b *bitset) resize(n int) {
	if n < 0 {
		n = 0
	}
	words := (n + 63) / 64
	if cap(b.words) >= words {
		b.words = b.words[:words]
		clear(b.words)
	} else {
		b.words = make([]uint64, words)
	}
	b.n = n
}

func (b *bitset) reset() {
	clear(b.words)
}

func (b *bitset) len() int { return b.n }

func (b *bitset) set(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.words[i>>6] |= 1 << (uint(i) & 63)
}

func (b *bitset) test(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.words[i>>6]&(1<<(uint(i)&63)) != 0
}

// count returns the number of set bits.
func (b *bitset) count() int {
	c := 0
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// run returns the length of the run of set bits starting at start, capped
// at limit.
func (b *bitset) run(start, limit int) int {
	if start < 0 || start >= b.n {
		return 0
	}
	end := min(start+limit, b.n)
	i := start
	for i < end {
		word := b.words[i>>6] >> (uint(i) & 63)
		avail := 64 - int(uint(i)&63)
		ones := bits.TrailingZeros64(^word)
		if ones < avail {
			return min(i+ones, end) - start
		}
		i += avail
	}
	return end - start
}
