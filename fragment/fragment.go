// Package fragment splits packets larger than the link MTU into ordered
// FRAGMENT-type packets and reassembles them (spec.md 4.2). Reassembly
// buffers are held in a bounded, TTL-evicting table, generalizing the
// teacher's per-queue ref-counted lifecycle (internal/transport/
// channels.go) from "outbound/inbound message queues" to "per-transfer
// reassembly buffers."
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/noisemesh/meshchat/packet"
)

// Errors from spec.md 4.2 and 7.
var (
	ErrReassemblyTimeout = errors.New("fragment: reassembly timeout")
	ErrFragmentOverlap   = errors.New("fragment: duplicate fragment index")
	ErrSizeMismatch      = errors.New("fragment: size mismatch")
)

// TransferID identifies one fragmented transfer.
type TransferID [16]byte

// DefaultReassemblyTimeout is the deadline after which an incomplete
// transfer is evicted (spec.md 5).
const DefaultReassemblyTimeout = 60 * time.Second

// TLV tags for the FRAGMENT packet payload (spec.md 3, 6).
const (
	tagTransferID uint8 = iota + 1
	tagIndex
	tagTotal
	tagBytes
)

// Split breaks serialized into fragments of at most maxFragmentPayload
// bytes, returning one FRAGMENT-type Packet per fragment, all sharing a
// freshly generated transfer ID. header carries the fields (sender,
// recipient, ttl, version) common to every fragment.
func Split(serialized []byte, maxFragmentPayload int, header packet.Packet) ([]*packet.Packet, error) {
	if maxFragmentPayload <= 0 {
		return nil, fmt.Errorf("fragment: maxFragmentPayload must be positive, got %d", maxFragmentPayload)
	}

	var transferID TransferID
	if _, err := rand.Read(transferID[:]); err != nil {
		return nil, fmt.Errorf("fragment: generate transfer id: %w", err)
	}

	total := (len(serialized) + maxFragmentPayload - 1) / maxFragmentPayload
	if total == 0 {
		total = 1
	}

	fragments := make([]*packet.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxFragmentPayload
		end := start + maxFragmentPayload
		if end > len(serialized) {
			end = len(serialized)
		}

		var idxBuf, totalBuf [4]byte
		binary.BigEndian.PutUint32(idxBuf[:], uint32(i))
		binary.BigEndian.PutUint32(totalBuf[:], uint32(total))

		payload := packet.EncodeTLVs([]packet.TLV{
			{Tag: tagTransferID, Value: transferID[:]},
			{Tag: tagIndex, Value: idxBuf[:]},
			{Tag: tagTotal, Value: totalBuf[:]},
			{Tag: tagBytes, Value: serialized[start:end]},
		})

		frag := header
		frag.Type = packet.TypeFragment
		frag.Payload = payload
		fragments = append(fragments, &frag)
	}

	return fragments, nil
}

type reassemblyBuffer struct {
	mu     sync.Mutex
	total  int
	have   map[int][]byte
	sealed bool
}

// Reassembler tracks in-flight reassembly buffers, one per transfer ID,
// evicting incomplete transfers after timeout.
type Reassembler struct {
	cache *lru.LRU[TransferID, *reassemblyBuffer]
}

// NewReassembler constructs a Reassembler that evicts incomplete transfers
// after timeout and never holds more than maxInFlight transfers at once.
func NewReassembler(maxInFlight int, timeout time.Duration) *Reassembler {
	return &Reassembler{
		cache: lru.NewLRU[TransferID, *reassemblyBuffer](maxInFlight, nil, timeout),
	}
}

// fragmentFields pulls the transfer id/index/total/bytes out of a decoded
// FRAGMENT packet's TLV payload.
func fragmentFields(p *packet.Packet) (TransferID, int, int, []byte, error) {
	var transferID TransferID

	tlvs, err := packet.DecodeTLVs(p.Payload)
	if err != nil {
		return transferID, 0, 0, nil, err
	}

	idBytes, ok := packet.Find(tlvs, tagTransferID)
	if !ok || len(idBytes) != len(transferID) {
		return transferID, 0, 0, nil, fmt.Errorf("fragment: missing or malformed transfer id")
	}
	copy(transferID[:], idBytes)

	idxBytes, ok := packet.Find(tlvs, tagIndex)
	if !ok || len(idxBytes) != 4 {
		return transferID, 0, 0, nil, fmt.Errorf("fragment: missing or malformed index")
	}
	index := int(binary.BigEndian.Uint32(idxBytes))

	totalBytes, ok := packet.Find(tlvs, tagTotal)
	if !ok || len(totalBytes) != 4 {
		return transferID, 0, 0, nil, fmt.Errorf("fragment: missing or malformed total")
	}
	total := int(binary.BigEndian.Uint32(totalBytes))

	data, ok := packet.Find(tlvs, tagBytes)
	if !ok {
		return transferID, 0, 0, nil, fmt.Errorf("fragment: missing bytes")
	}

	return transferID, index, total, data, nil
}

// Add feeds one received FRAGMENT packet into reassembly. It returns the
// reconstituted bytes and true once every fragment for that transfer has
// arrived; out-of-order arrival is fine and duplicate indices are ignored
// (spec.md 4.2).
func (r *Reassembler) Add(p *packet.Packet) ([]byte, bool, error) {
	transferID, index, total, data, err := fragmentFields(p)
	if err != nil {
		return nil, false, err
	}
	if total <= 0 || index < 0 || index >= total {
		return nil, false, fmt.Errorf("%w: index %d of total %d", ErrSizeMismatch, index, total)
	}

	buf, ok := r.cache.Get(transferID)
	if !ok {
		buf = &reassemblyBuffer{total: total, have: make(map[int][]byte, total)}
		r.cache.Add(transferID, buf)
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.total != total {
		return nil, false, fmt.Errorf("%w: transfer declared total %d, fragment says %d", ErrSizeMismatch, buf.total, total)
	}
	if buf.sealed {
		return nil, false, nil
	}
	if _, dup := buf.have[index]; dup {
		return nil, false, nil // duplicate index, ignored
	}
	buf.have[index] = data

	if len(buf.have) < buf.total {
		return nil, false, nil
	}

	out := make([]byte, 0)
	for i := 0; i < buf.total; i++ {
		out = append(out, buf.have[i]...)
	}
	buf.sealed = true
	r.cache.Remove(transferID)
	return out, true, nil
}

// Cancel removes any in-flight reassembly state for transferID (spec.md
// 5: fragmented transfers carry a transfer_id; a cancel intent removes
// pending fragments on both ends).
func (r *Reassembler) Cancel(transferID TransferID) {
	r.cache.Remove(transferID)
}

// InFlight reports whether a transfer has pending (incomplete) fragments.
func (r *Reassembler) InFlight(transferID TransferID) bool {
	_, ok := r.cache.Peek(transferID)
	return ok
}
