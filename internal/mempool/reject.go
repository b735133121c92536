package mempool

import (
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// rejectFilter is a rolling Bloom filter over recently rejected transaction
// hashes, letting the pool answer "have I already rejected this?" in O(1)
// without keeping every rejected hash forever. Built on crypto.Hash with
// double hashing (no bloom-filter library appears anywhere in the example
// pack, so bit positions are derived the same way the rest of the codebase
// derives independent values from one hash — see crypto.HashConcat).
type rejectFilter struct {
	mu      sync.Mutex
	bits    []byte
	k       int // number of hash functions
	entries int
	maxEntries int
}

// newRejectFilter sizes the filter for roughly maxEntries items at a ~1%
// false-positive rate (m ≈ 10n, k = 7), matching common bloom-filter sizing
// rules of thumb.
func newRejectFilter(maxEntries int) *rejectFilter {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	bits := (maxEntries * 10) / 8
	if bits < 64 {
		bits = 64
	}
	return &rejectFilter{bits: make([]byte, bits), k: 7, maxEntries: maxEntries}
}

// Add marks txHash as rejected.
func (f *rejectFilter) Add(txHash types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries >= f.maxEntries {
		f.resetLocked()
	}
	for _, pos := range f.positions(txHash) {
		f.bits[pos/8] |= 1 << (pos % 8)
	}
	f.entries++
}

// Contains reports whether txHash was (probably) rejected before. False
// positives are possible; false negatives are not.
func (f *rejectFilter) Contains(txHash types.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pos := range f.positions(txHash) {
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears the filter, used after a reorg invalidates prior rejections
// (a transaction rejected on the old branch may be valid on the new one).
func (f *rejectFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *rejectFilter) resetLocked() {
	for i := range f.bits {
		f.bits[i] = 0
	}
	f.entries = 0
}

// positions derives k bit positions from two independent hashes of
// txHash via double hashing: pos_i = h1 + i*h2 (mod m).
func (f *rejectFilter) positions(txHash types.Hash) []uint64 {
	h1 := crypto.Hash(txHash[:])
	h2 := crypto.HashConcat(txHash, h1)
	v1 := beUint64(h1[:8])
	v2 := beUint64(h2[:8])
	m := uint64(len(f.bits)) * 8

	out := make([]uint64, f.k)
	for i := 0; i < f.k; i++ {
		out[i] = (v1 + uint64(i)*v2) % m
	}
	return out
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
