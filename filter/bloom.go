package filter

import (
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

const (
	minHashFuncs = 1
	maxHashFuncs = 30
)

// BloomFilter is a read-only bloom filter decoded from its byte form.
// The encoded layout is the bitmap followed by one byte holding k, the number
// of hash functions.
type BloomFilter struct {
	data []byte
	bits uint32
	k    uint8
}

var _ Filter = (*BloomFilter)(nil)

// BloomBuilder accumulates key hashes and produces a BloomFilter sized for them.
type BloomBuilder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBloomBuilder sizes the filter for the given false positive rate.
// Rates outside (0, 1) fall back to 1%.
func NewBloomBuilder(expectedKeys int, falsePositiveRate float64) *BloomBuilder {
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	// m/n = -ln(p) / ln(2)^2
	bitsPerKey := int(math.Ceil(-math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	if expectedKeys < 0 {
		expectedKeys = 0
	}
	return &BloomBuilder{
		bitsPerKey: bitsPerKey,
		hashes:     make([]uint64, 0, expectedKeys),
	}
}

// keyHash uses the 128-bit murmur3 path. Sum32 walks the key with uintptr
// arithmetic, which aborts binaries built with -race (checkptr).
func keyHash(key []byte) uint64 {
	return murmur3.Sum64(key)
}

// bitIndex returns the i-th bit position for a key hash.
func bitIndex(h uint64, i, bits uint32) uint32 {
	h1 := uint32(h)
	h2 := uint32(h>>32) | 1
	return (h1 + i*h2) % bits
}

// Add records a key.
func (b *BloomBuilder) Add(key []byte) {
	b.hashes = append(b.hashes, keyHash(key))
}

// Len returns the number of keys added so far.
func (b *BloomBuilder) Len() int {
	return len(b.hashes)
}

// Build encodes the filter. An empty builder yields a filter that matches nothing.
func (b *BloomBuilder) Build() []byte {
	n := len(b.hashes)
	m := n * b.bitsPerKey
	if m < 64 {
		m = 64
	}
	byteLen := (m + 7) / 8
	bits := uint32(byteLen * 8)

	k := uint8(minHashFuncs)
	if n > 0 {
		// k = ln2 * m / n
		best := 69 * int(bits) / 100 / n
		switch {
		case best < minHashFuncs:
			k = minHashFuncs
		case best > maxHashFuncs:
			k = maxHashFuncs
		default:
			k = uint8(best)
		}
	}

	out := make([]byte, byteLen+1)
	out[byteLen] = k
	for _, h := range b.hashes {
		for i := uint32(0); i < uint32(k); i++ {
			bit := bitIndex(h, i, bits)
			out[bit>>3] |= 1 << (bit & 7)
		}
	}
	return out
}

// Decode wraps an encoded filter without copying it.
func Decode(data []byte) (*BloomFilter, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("bloom filter too short: %d bytes", len(data))
	}
	k := data[len(data)-1]
	if k < minHashFuncs || k > maxHashFuncs {
		return nil, fmt.Errorf("bloom filter has invalid hash count %d", k)
	}
	return &BloomFilter{
		data: data,
		bits: uint32(len(data)-1) * 8,
		k:    k,
	}, nil
}

// Contains reports whether key may have been added.
func (f *BloomFilter) Contains(key []byte) bool {
	h := keyHash(key)
	for i := uint32(0); i < uint32(f.k); i++ {
		bit := bitIndex(h, i, f.bits)
		if f.data[bit>>3]&(1<<(bit&7)) == 0 {
			return false
		}
	}
	return true
}

func (f *BloomFilter) Bytes() []byte {
	return f.data
}
