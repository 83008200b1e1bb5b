package bloom

import (
	"github.com/cespare/xxhash/v2"
)

// Filter is a probabilistic set of keys. It is not safe for concurrent
// writers; the engine guards it with its own lock.
type Filter struct {
	bits []uint64
	m    uint64
	k    int
}

// New creates a filter of size bits set by k hashes per key.
func New(size int, k int) *Filter {
	if k <= 0 {
		k = 1
	}
	if size < 64 {
		size = 64
	}
	words := (size + 63) / 64
	return &Filter{
		bits: make([]uint64, words),
		m:    uint64(words * 64),
		k:    k,
	}
}

func (b *Filter) Add(key string) {
	h1, h2 := hashes(key)
	for i := 0; i < b.k; i++ {
		idx := (h1 + uint64(i)*h2) % b.m
		b.bits[idx/64] |= 1 << (idx % 64)
	}
}

// MayContain reports false only for keys that were never added.
func (b *Filter) MayContain(key string) bool {
	h1, h2 := hashes(key)
	for i := 0; i < b.k; i++ {
		idx := (h1 + uint64(i)*h2) % b.m
		if b.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears every bit.
func (b *Filter) Reset() {
	clear(b.bits)
}

// hashes derives the two halves used for Kirsch-Mitzenmacher double hashing.
func hashes(key string) (uint64, uint64) {
	h := xxhash.Sum64String(key)
	h2 := (h >> 32) | (h << 32)
	h2 |= 1
	return h, h2
}
