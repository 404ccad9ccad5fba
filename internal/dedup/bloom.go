// Package dedup provides a bloom-filter membership test used to skip work
// that has already been processed.
package dedup

import (
	"context"
	"crypto/md5" //nolint:gosec // used for bucket spreading, not security
	"encoding/binary"
	"fmt"
	"math"
)

// Filter answers whether an identifier has been seen. Exists is evaluated
// before Add; the pair is not atomic, so two callers may both observe false
// for the same id and both proceed.
type Filter interface {
	Exists(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string) error
}

// Params are the derived dimensions of a bloom filter.
type Params struct {
	Bits   uint64
	Hashes int
}

// Size derives the bit array size and hash count for capacity expected
// insertions at the given false-positive rate.
func Size(capacity int, errorRate float64) (Params, error) {
	if capacity <= 0 {
		return Params{}, fmt.Errorf("capacity must be > 0")
	}
	if errorRate <= 0 || errorRate >= 1 {
		return Params{}, fmt.Errorf("error rate must be in (0, 1)")
	}
	n := float64(capacity)
	bits := math.Ceil(n * math.Abs(math.Log(errorRate)) / (math.Ln2 * math.Ln2))
	hashes := math.Ceil(bits * math.Ln2 / n)
	return Params{Bits: uint64(bits), Hashes: int(hashes)}, nil
}

// indexes derives p.Hashes bucket positions from one MD5 digest of id. The
// digest is split into two 64-bit words; position i is h1 + i*h2 mod Bits.
func (p Params) indexes(id string) []uint64 {
	sum := md5.Sum([]byte(id)) //nolint:gosec // see import
	h1 := binary.BigEndian.Uint64(sum[:8])
	h2 := binary.BigEndian.Uint64(sum[8:]) | 1
	out := make([]uint64, p.Hashes)
	for i := range out {
		out[i] = (h1 + uint64(i)*h2) % p.Bits
	}
	return out
}
