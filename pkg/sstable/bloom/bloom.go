// Package bloom implements the table-wide bloom filter stored in the filter
// block. Probes use double hashing over a single xxhash64 of the key.
package bloom

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidFilter is returned when filter bytes cannot be decoded
var ErrInvalidFilter = errors.New("invalid bloom filter")

const (
	minProbes = 1
	maxProbes = 30
)

// Hash returns the filter hash of a key
func Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Builder accumulates key hashes for a filter
type Builder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBuilder returns a builder using bitsPerKey bits per key. A value of zero
// or less builds an empty filter that never excludes a key.
func NewBuilder(bitsPerKey int) *Builder {
	return &Builder{bitsPerKey: bitsPerKey}
}

// AddKey records a key
func (b *Builder) AddKey(key []byte) {
	if b.bitsPerKey > 0 {
		b.hashes = append(b.hashes, Hash(key))
	}
}

// Len returns the number of keys added
func (b *Builder) Len() int {
	return len(b.hashes)
}

// Reset clears the builder for reuse
func (b *Builder) Reset() {
	b.hashes = b.hashes[:0]
}

// probes returns k = bitsPerKey * ln(2), clamped
func probes(bitsPerKey int) int {
	k := bitsPerKey * 69 / 100
	if k < minProbes {
		k = minProbes
	}
	if k > maxProbes {
		k = maxProbes
	}
	return k
}

// AppendFilter appends the encoded filter to dst: the bit array followed by
// one byte holding the probe count. No keys, or a disabled builder, encode
// as nothing.
func (b *Builder) AppendFilter(dst []byte) []byte {
	if b.bitsPerKey <= 0 || len(b.hashes) == 0 {
		return dst
	}

	nBits := len(b.hashes) * b.bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8
	k := probes(b.bitsPerKey)

	start := len(dst)
	dst = append(dst, make([]byte, nBytes+1)...)
	bits := dst[start : start+nBytes]
	for _, h := range b.hashes {
		delta := h>>33 | h<<31
		for i := 0; i < k; i++ {
			pos := h % uint64(nBits)
			bits[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}
	dst[start+nBytes] = byte(k)
	return dst
}

// Filter answers membership queries against an encoded filter
type Filter struct {
	bits  []byte
	nBits uint64
	k     int
}

// Decode wraps encoded filter bytes. Empty data yields a filter that admits
// every key.
func Decode(data []byte) (*Filter, error) {
	if len(data) == 0 {
		return &Filter{}, nil
	}
	if len(data) < 2 {
		return nil, ErrInvalidFilter
	}
	k := int(data[len(data)-1])
	if k < minProbes || k > maxProbes {
		return nil, ErrInvalidFilter
	}
	bits := data[:len(data)-1]
	return &Filter{bits: bits, nBits: uint64(len(bits)) * 8, k: k}, nil
}

// MayContain reports whether key may be in the set. False is definitive.
func (f *Filter) MayContain(key []byte) bool {
	return f.MayContainHash(Hash(key))
}

// MayContainHash is MayContain for a precomputed hash
func (f *Filter) MayContainHash(h uint64) bool {
	if f.nBits == 0 {
		return true
	}
	delta := h>>33 | h<<31
	for i := 0; i < f.k; i++ {
		pos := h % f.nBits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// Size returns the encoded size in bytes
func (f *Filter) Size() int {
	if f.nBits == 0 {
		return 0
	}
	return len(f.bits) + 1
}
