// Package gossip implements Gossip Sync (spec.md 4.9): a bounded seen-set
// of recently observed public packets, periodic Golomb-coded set (GCS)
// filter exchange with direct neighbors, and rate-limited REQUEST_SYNC
// handling.
package gossip

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

// DefaultFilterParam is the Golomb-Rice parameter used when building
// filters: the false-positive rate is approximately 2^-P.
const DefaultFilterParam = 7

// DefaultFilterBudget bounds the encoded filter size sent over the wire
// (spec.md 4.9: "truncate to a configured byte budget, default 400 B").
const DefaultFilterBudget = 400

// Filter is a Golomb-coded set summarizing a collection of packet hashes,
// used to ask a peer "send me whatever I'm missing" without listing every
// hash we already have.
type Filter struct {
	N    uint32
	P    uint8
	bits *bitset.BitSet
	len  uint
}

// hashToRange maps a 64-bit hash into [0, f) using the multiply-shift
// trick (the high 64 bits of a 128-bit product), spreading hashes evenly
// regardless of f.
func hashToRange(h, f uint64) uint64 {
	hi, _ := bits.Mul64(h, f)
	return hi
}

// BuildFilter constructs a GCS over hashes with Golomb-Rice parameter p.
// An empty hash set produces an empty, always-non-matching filter.
func BuildFilter(hashes []uint64, p uint8) *Filter {
	f := &Filter{N: uint32(len(hashes)), P: p, bits: bitset.New(0)}
	if len(hashes) == 0 {
		return f
	}

	modulus := uint64(len(hashes)) << p
	mapped := make([]uint64, len(hashes))
	for i, h := range hashes {
		mapped[i] = hashToRange(h, modulus)
	}
	sort.Slice(mapped, func(i, j int) bool { return mapped[i] < mapped[j] })

	var prev uint64
	for _, v := range mapped {
		f.writeGolomb(v - prev)
		prev = v
	}
	return f
}

// BuildFilterBudgeted builds a filter over the most recent hashes (the
// tail of the slice) that fits within maxBytes at parameter p, dropping
// the oldest entries first when the full set would overflow the budget
// (spec.md 4.9).
func BuildFilterBudgeted(hashes []uint64, p uint8, maxBytes int) *Filter {
	lo, hi := 0, len(hashes)
	best := BuildFilter(hashes[lo:hi], p)
	for best.byteLen() > maxBytes && lo < hi {
		lo += (hi - lo + 1) / 2
		best = BuildFilter(hashes[lo:hi], p)
	}
	return best
}

func (f *Filter) byteLen() int {
	return int((f.len + 7) / 8)
}

// writeGolomb appends the Golomb-Rice code for v: a unary-coded quotient
// (v>>P ones terminated by a zero) followed by the P-bit remainder.
func (f *Filter) writeGolomb(v uint64) {
	q := v >> f.P
	for i := uint64(0); i < q; i++ {
		f.bits.Set(f.len)
		f.len++
	}
	f.len++ // terminating zero bit; bitset defaults new positions to 0
	for i := int(f.P) - 1; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			f.bits.Set(f.len)
		}
		f.len++
	}
}

type bitReader struct {
	bits *bitset.BitSet
	pos  uint
	end  uint
}

func (f *Filter) reader() *bitReader {
	return &bitReader{bits: f.bits, pos: 0, end: f.len}
}

func (r *bitReader) readGolomb(p uint8) (uint64, bool) {
	if r.pos >= r.end {
		return 0, false
	}
	var q uint64
	for r.pos < r.end && r.bits.Test(r.pos) {
		q++
		r.pos++
	}
	if r.pos >= r.end {
		return 0, false
	}
	r.pos++ // consume terminating zero
	var rem uint64
	for i := 0; i < int(p); i++ {
		rem <<= 1
		if r.pos < r.end && r.bits.Test(r.pos) {
			rem |= 1
		}
		r.pos++
	}
	return q<<p | rem, true
}

// Match reports whether hash is probably a member of the set f was built
// from, at approximately the 2^-P false-positive rate. A true N of zero
// never matches.
func (f *Filter) Match(hash uint64) bool {
	if f.N == 0 {
		return false
	}
	modulus := uint64(f.N) << f.P
	target := hashToRange(hash, modulus)

	r := f.reader()
	var cur uint64
	for {
		delta, ok := r.readGolomb(f.P)
		if !ok {
			return false
		}
		cur += delta
		if cur == target {
			return true
		}
		if cur > target {
			return false
		}
	}
}

// MarshalBinary encodes f as N (4 bytes), P (1 byte), bit-length (4
// bytes), then the bitset's own MarshalBinary encoding (an 8-byte length
// followed by its words), for transport inside a REQUEST_SYNC packet's
// payload.
func (f *Filter) MarshalBinary() ([]byte, error) {
	raw, err := f.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("gossip: marshal filter bits: %w", err)
	}
	buf := make([]byte, 9+len(raw))
	binary.BigEndian.PutUint32(buf[0:4], f.N)
	buf[4] = f.P
	binary.BigEndian.PutUint32(buf[5:9], uint32(f.len))
	copy(buf[9:], raw)
	return buf, nil
}

// UnmarshalFilter decodes a filter previously produced by MarshalBinary.
func UnmarshalFilter(data []byte) (*Filter, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("gossip: filter payload too short: %d bytes", len(data))
	}
	f := &Filter{
		N:    binary.BigEndian.Uint32(data[0:4]),
		P:    data[4],
		len:  uint(binary.BigEndian.Uint32(data[5:9])),
		bits: bitset.New(0),
	}
	if err := f.bits.UnmarshalBinary(data[9:]); err != nil {
		return nil, fmt.Errorf("gossip: unmarshal filter bits: %w", err)
	}
	return f, nil
}
