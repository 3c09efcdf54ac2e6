package security

import (
	"crypto/sha256"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/packet"
)

// payloadHeadLen bounds how much of the payload feeds the dedup hash. The
// source hashes only the first 64 bytes of the payload rather than the
// whole thing, for wire compatibility; this means two distinct packets
// whose first 64 bytes collide and whose timestamp/sender also match are
// indistinguishable to the deduplicator. See the Open Questions' decision
// to preserve that narrower hash rather than widen it.
const payloadHeadLen = 64

type dedupKey struct {
	timestamp   uint64
	sender      identity.PeerID
	payloadHash [8]byte
}

// DefaultDedupCapacity and DefaultDedupTTL match spec.md's suggested
// bound: a 10k-entry, 5-minute window.
const (
	DefaultDedupCapacity = 10_000
	DefaultDedupTTL      = 5 * time.Minute
)

// Dedup tracks recently seen non-ANNOUNCE packets so a relayed or
// retransmitted copy isn't processed twice.
type Dedup struct {
	seen *lru.LRU[dedupKey, struct{}]
}

// NewDedup constructs a Dedup bounded to capacity entries, each expiring
// after ttl.
func NewDedup(capacity int, ttl time.Duration) *Dedup {
	return &Dedup{seen: lru.NewLRU[dedupKey, struct{}](capacity, nil, ttl)}
}

func keyFor(p *packet.Packet) dedupKey {
	head := p.Payload
	if len(head) > payloadHeadLen {
		head = head[:payloadHeadLen]
	}
	sum := sha256.Sum256(head)
	var k dedupKey
	k.timestamp = p.TimestampMS
	k.sender = p.SenderID
	copy(k.payloadHash[:], sum[:8])
	return k
}

// Seen reports whether p has already been processed and, if not, marks it
// as seen. ANNOUNCE packets are never deduplicated here — they must be
// able to bind a first-announce on every new device connection — so
// callers should not invoke Seen for packet.TypeAnnounce.
func (d *Dedup) Seen(p *packet.Packet) bool {
	k := keyFor(p)
	if _, ok := d.seen.Get(k); ok {
		return true
	}
	d.seen.Add(k, struct{}{})
	return false
}
