package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// maxFilterBits bounds deserialized filter sizes. 1<<32 bits is a 512 MiB
// filter, far beyond anything a per-file key filter legitimately reaches.
const maxFilterBits = 1 << 32

// Serialize converts the filter to bytes for storage in the catalog.
// Format:
//   - 8 bytes: numBits (uint64, little-endian)
//   - 8 bytes: numHashes (uint64, little-endian)
//   - 8 bytes: count (uint64, little-endian)
//   - remaining: bit array ([]uint64, little-endian)
func (f *KeyFilter) Serialize() []byte {
	headerSize := 3 * 8
	buf := make([]byte, headerSize+len(f.bits)*8)

	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)

	for i, word := range f.bits {
		offset := headerSize + i*8
		binary.LittleEndian.PutUint64(buf[offset:offset+8], word)
	}
	return buf
}

// Deserialize reconstructs a KeyFilter from serialized bytes.
func Deserialize(data []byte) (*KeyFilter, error) {
	if len(data) < 24 {
		return nil, errors.New("bloom: serialized data too short")
	}

	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])

	if numBits == 0 {
		return nil, errors.New("bloom: numBits cannot be zero")
	}
	if numHashes == 0 {
		return nil, errors.New("bloom: numHashes cannot be zero")
	}

	// Size the word array from the header only after bounding numBits, so a
	// corrupt header can neither overflow the size arithmetic nor trigger a
	// huge allocation before the length check.
	if numBits > maxFilterBits {
		return nil, fmt.Errorf("bloom: numBits %d exceeds maximum %d", numBits, maxFilterBits)
	}
	numWords := (numBits + 63) / 64
	if uint64(len(data)-24)/8 < numWords {
		return nil, fmt.Errorf("bloom: expected %d bytes, got %d", 24+numWords*8, len(data))
	}

	bits := make([]uint64, numWords)
	for i := range bits {
		offset := 24 + i*8
		bits[i] = binary.LittleEndian.Uint64(data[offset : offset+8])
	}

	return &KeyFilter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}, nil
}
