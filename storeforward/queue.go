// Package storeforward implements Store-and-Forward (spec.md 4.8): a
// per-recipient FIFO of packets queued while a favorite peer is offline,
// capped by both entry count and total bytes, flushed in order once a
// Noise session with that peer is established. Unlike the teacher's
// channel-backed outboundQueue (internal/transport/channels.go), a plain
// FIFO needs random eviction of its oldest entry under either cap and
// needs to inspect total queued bytes, neither of which a Go channel
// supports — so the queue here is a mutex-guarded slice instead, keeping
// the teacher's "single owner, explicit drain" lifecycle shape.
package storeforward

import (
	"sync"
	"time"

	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/packet"
)

// Defaults from spec.md 4.8.
const (
	DefaultMaxEntries = 100
	DefaultMaxBytes   = 1 << 20 // 1 MiB
	EntryTTL          = 72 * time.Hour
)

type entry struct {
	pkt      *packet.Packet
	deadline time.Time
	size     int
}

// Queue holds, per recipient peer_id, a FIFO of packets awaiting delivery.
type Queue struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int

	byRecipient map[identity.PeerID][]entry
	bytesUsed   map[identity.PeerID]int
}

// NewQueue constructs a Queue capped at maxEntries entries and maxBytes
// total bytes per recipient, whichever limit is hit first.
func NewQueue(maxEntries, maxBytes int) *Queue {
	return &Queue{
		maxEntries:  maxEntries,
		maxBytes:    maxBytes,
		byRecipient: make(map[identity.PeerID][]entry),
		bytesUsed:   make(map[identity.PeerID]int),
	}
}

// Enqueue appends pkt to recipient's FIFO, evicting the oldest entries if
// necessary to respect the count/byte caps. Callers are expected to only
// enqueue for a peer that is a current favorite and currently offline
// (spec.md 4.8).
func (q *Queue) Enqueue(recipient identity.PeerID, pkt *packet.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := len(pkt.Payload)
	e := entry{pkt: pkt, deadline: time.Now().Add(EntryTTL), size: size}

	q.byRecipient[recipient] = append(q.byRecipient[recipient], e)
	q.bytesUsed[recipient] += size

	q.evictLocked(recipient)
}

func (q *Queue) evictLocked(recipient identity.PeerID) {
	fifo := q.byRecipient[recipient]
	for len(fifo) > q.maxEntries || q.bytesUsed[recipient] > q.maxBytes {
		if len(fifo) == 0 {
			break
		}
		q.bytesUsed[recipient] -= fifo[0].size
		fifo = fifo[1:]
	}
	if len(fifo) == 0 {
		delete(q.byRecipient, recipient)
		delete(q.bytesUsed, recipient)
		return
	}
	q.byRecipient[recipient] = fifo
}

// dropExpiredLocked removes entries older than EntryTTL from recipient's
// FIFO (spec.md 4.8: "entries older than 72 h are dropped").
func (q *Queue) dropExpiredLocked(recipient identity.PeerID) {
	fifo := q.byRecipient[recipient]
	now := time.Now()
	kept := fifo[:0]
	for _, e := range fifo {
		if now.After(e.deadline) {
			q.bytesUsed[recipient] -= e.size
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(q.byRecipient, recipient)
		delete(q.bytesUsed, recipient)
		return
	}
	q.byRecipient[recipient] = kept
}

// FlushFor drains recipient's FIFO in order, handing each packet to send,
// and clears the queue on success (spec.md 4.8: triggered by Security
// Core's ON_KEY_EXCHANGE_COMPLETED). Expired entries are dropped first and
// never passed to send. If send returns an error partway through, FlushFor
// stops and leaves the remaining entries queued for a future attempt.
func (q *Queue) FlushFor(recipient identity.PeerID, send func(*packet.Packet) error) error {
	q.mu.Lock()
	q.dropExpiredLocked(recipient)
	fifo := append([]entry(nil), q.byRecipient[recipient]...)
	q.mu.Unlock()

	sent := 0
	for _, e := range fifo {
		if err := send(e.pkt); err != nil {
			q.mu.Lock()
			remaining := q.byRecipient[recipient]
			if sent <= len(remaining) {
				q.byRecipient[recipient] = remaining[sent:]
			}
			q.mu.Unlock()
			return err
		}
		sent++
	}

	q.mu.Lock()
	delete(q.byRecipient, recipient)
	delete(q.bytesUsed, recipient)
	q.mu.Unlock()
	return nil
}

// Len reports how many entries are currently queued for recipient.
func (q *Queue) Len(recipient identity.PeerID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byRecipient[recipient])
}
