// Package bloom provides probabilistic match-key filters for segment files.
// The upsert engine uses them to skip segments that cannot contain any of the
// keys being merged. Filters guarantee no false negatives: if a key was
// added, MightContain always returns true.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

// KeyFilter is a bloom filter over 64-bit key hashes. A filter is built while
// a segment is written and immutable afterwards, so no locking is needed.
type KeyFilter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a KeyFilter with the specified number of bits and hash functions.
func New(numBits, numHashes int) *KeyFilter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	// Round up to whole 64-bit words.
	numWords := (numBits + 63) / 64
	return &KeyFilter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates creates a KeyFilter sized for the expected number of keys
// and target false positive rate.
func NewWithEstimates(expectedKeys int, targetFPR float64) *KeyFilter {
	numBits, numHashes := OptimalParameters(expectedKeys, targetFPR)
	return New(numBits, numHashes)
}

// OptimalParameters calculates filter parameters for a given expected key
// count and target false positive rate:
//
//	m = -n * ln(p) / (ln(2)^2)
//	k = (m/n) * ln(2)
func OptimalParameters(expectedKeys int, targetFPR float64) (numBits, numHashes int) {
	if expectedKeys <= 0 {
		expectedKeys = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedKeys)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := (m / n) * math.Ln2

	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil(k))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add inserts a key hash into the filter.
func (f *KeyFilter) Add(keyHash uint64) {
	h1, h2 := f.hash128(keyHash)
	for i := uint64(0); i < f.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MightContain tests whether a key hash may be in the filter.
func (f *KeyFilter) MightContain(keyHash uint64) bool {
	h1, h2 := f.hash128(keyHash)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// hash128 spreads the 64-bit key hash into two independent hash values.
func (f *KeyFilter) hash128(keyHash uint64) (uint64, uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], keyHash)
	h := murmur3.New128()
	h.Write(buf[:])
	return h.Sum128()
}

// Count returns the number of keys added to the filter.
func (f *KeyFilter) Count() uint64 {
	return f.count
}

// FalsePositiveRate estimates the current false positive rate from the fill:
// (1 - e^(-k*n/m))^k.
func (f *KeyFilter) FalsePositiveRate() float64 {
	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
