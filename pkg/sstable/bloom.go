package sstable

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
)

const ln2 = 0.6931471805599453

// BloomFilter answers "definitely absent" for keys of one table.
type BloomFilter struct {
	bits   []uint64
	size   uint32
	hashes uint32
}

// NewBloomFilter sizes a filter for expectedItems at falsePositiveRate.
func NewBloomFilter(expectedItems uint32, falsePositiveRate float64) *BloomFilter {
	size := optimalSize(expectedItems, falsePositiveRate)
	return &BloomFilter{
		bits:   make([]uint64, (size+63)/64),
		size:   size,
		hashes: optimalHashCount(expectedItems, size),
	}
}

func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < bf.hashes; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(bf.size)
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
}

func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < bf.hashes; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(bf.size)
		if bf.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// MarshalBinary encodes the filter as size | hashes | bit words.
func (bf *BloomFilter) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 8+8*len(bf.bits))
	buf = binary.LittleEndian.AppendUint32(buf, bf.size)
	buf = binary.LittleEndian.AppendUint32(buf, bf.hashes)
	for _, w := range bf.bits {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return buf, nil
}

func (bf *BloomFilter) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return errors.New("bloom filter: short buffer")
	}
	size := binary.LittleEndian.Uint32(data[0:4])
	hashes := binary.LittleEndian.Uint32(data[4:8])
	words := (uint64(size) + 63) / 64
	if size == 0 || uint64(len(data)-8) != words*8 {
		return errors.New("bloom filter: size mismatch")
	}

	bf.size = size
	bf.hashes = hashes
	bf.bits = make([]uint64, words)
	for i := range bf.bits {
		bf.bits[i] = binary.LittleEndian.Uint64(data[8+i*8:])
	}
	return nil
}

// hashPair derives two hashes for double hashing from one FNV-1a pass.
func hashPair(key []byte) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(key)
	sum := h.Sum64()
	return sum, (sum >> 33) | 1
}

// optimalSize is m = -(n * ln(p)) / ln(2)^2.
func optimalSize(expectedItems uint32, falsePositiveRate float64) uint32 {
	if expectedItems == 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := -(float64(expectedItems) * math.Log(falsePositiveRate)) / (ln2 * ln2)
	if m < 64 {
		m = 64
	}
	return uint32(math.Ceil(m))
}

// optimalHashCount is k = (m/n) * ln(2), clamped to [1, 16].
func optimalHashCount(expectedItems uint32, size uint32) uint32 {
	if expectedItems == 0 {
		expectedItems = 1
	}
	k := uint32(math.Round(float64(size) / float64(expectedItems) * ln2))
	return max(1, min(k, 16))
}
