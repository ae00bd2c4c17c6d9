package match

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/blake2b"
)

// DefaultFalsePositiveRate is used when a Bloom is built with a rate outside (0, 1).
const DefaultFalsePositiveRate = 0.001

// Bloom is a negative-membership prefilter. MightContain never returns false
// for an added item. Items cannot be removed.
//
// Add is not safe to call concurrently with MightContain; build the filter
// first and share it read-only afterwards.
type Bloom struct {
	bits  *bitset.BitSet
	m     uint
	k     uint
	count int
}

// NewBloom sizes a filter for expectedItems at the given false positive rate.
func NewBloom(expectedItems int, falsePositiveRate float64) *Bloom {
	n := float64(expectedItems)
	if n < 1 {
		n = 1
	}
	p := falsePositiveRate
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}

	m := uint(math.Ceil(-n * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := uint(math.Ceil(float64(m) / n * math.Ln2))
	if k == 0 {
		k = 1
	}

	return &Bloom{
		bits: bitset.New(m),
		m:    m,
		k:    k,
	}
}

// Add records item (case-insensitively).
func (b *Bloom) Add(item string) {
	item = strings.ToLower(item)
	for i := uint(0); i < b.k; i++ {
		b.bits.Set(b.position(item, i))
	}
	b.count++
}

// MightContain returns false if item was definitely never added.
func (b *Bloom) MightContain(item string) bool {
	item = strings.ToLower(item)
	for i := uint(0); i < b.k; i++ {
		if !b.bits.Test(b.position(item, i)) {
			return false
		}
	}
	return true
}

// EstimatedFalsePositiveRate derives the current rate from the fill ratio.
// It is a diagnostic figure only.
func (b *Bloom) EstimatedFalsePositiveRate() float64 {
	fill := float64(b.bits.Count()) / float64(b.m)
	return math.Pow(fill, float64(b.k))
}

// Count returns how many items were added.
func (b *Bloom) Count() int { return b.count }

// Size returns the bit array length m.
func (b *Bloom) Size() uint { return b.m }

// HashCount returns k.
func (b *Bloom) HashCount() uint { return b.k }

// position hashes item||seed with BLAKE2b and reduces the first 32 bits mod m.
func (b *Bloom) position(item string, seed uint) uint {
	buf := make([]byte, 0, len(item)+4)
	buf = append(buf, item...)
	buf = strconv.AppendUint(buf, uint64(seed), 10)
	sum := blake2b.Sum256(buf)
	return uint(binary.BigEndian.Uint32(sum[:4])) % b.m
}
