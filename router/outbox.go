package router

import (
	"sync"
	"time"

	"github.com/noisemesh/meshchat/identity"
)

// OutboxEntry is one message queued for a peer whose Noise session has not
// yet reached ESTABLISHED (spec.md 4.11).
type OutboxEntry struct {
	MessageID string
	Content   []byte
	QueuedAt  time.Time
}

// Outbox holds, per noise_static_pub_hex, a FIFO of messages awaiting an
// ESTABLISHED session, with a secondary peer_id index so a flush can be
// triggered by whichever identifier the caller has at hand. It mirrors
// favorites.Index's own pub-hex/peer_id dual-index shape, generalized
// here so a queued send survives the peer rotating to a brand new peer_id
// before the session is established (spec.md 4.11, scenario 3).
type Outbox struct {
	mu           sync.Mutex
	byPubHex     map[string][]OutboxEntry
	pubHexByPeer map[identity.PeerID]string
}

// NewOutbox constructs an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		byPubHex:     make(map[string][]OutboxEntry),
		pubHexByPeer: make(map[identity.PeerID]string),
	}
}

// Enqueue appends an entry under noiseStaticPubHex, binding peerID to that
// key so Flush or Len can be called with either identifier.
func (o *Outbox) Enqueue(peerID identity.PeerID, noiseStaticPubHex, messageID string, content []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pubHexByPeer[peerID] = noiseStaticPubHex
	o.byPubHex[noiseStaticPubHex] = append(o.byPubHex[noiseStaticPubHex], OutboxEntry{
		MessageID: messageID,
		Content:   content,
		QueuedAt:  time.Now(),
	})
}

// Rebind moves the peer_id index entry for a noise_static_pub from
// oldPeerID to newPeerID, following a peer-ID rotation (spec.md 4.4).
func (o *Outbox) Rebind(oldPeerID, newPeerID identity.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pubHex, ok := o.pubHexByPeer[oldPeerID]
	if !ok {
		return
	}
	delete(o.pubHexByPeer, oldPeerID)
	o.pubHexByPeer[newPeerID] = pubHex
}

// Flush drains every entry queued for peerID, in FIFO order, passing each
// to send. It stops at the first error, leaving the failed entry and
// everything after it queued so a later Flush can retry (spec.md 5's
// outbox-flush invariant: every entry is sent exactly once, in order).
func (o *Outbox) Flush(peerID identity.PeerID, send func(OutboxEntry) error) error {
	o.mu.Lock()
	pubHex, ok := o.pubHexByPeer[peerID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	entries := append([]OutboxEntry(nil), o.byPubHex[pubHex]...)
	o.mu.Unlock()

	for i, e := range entries {
		if err := send(e); err != nil {
			o.mu.Lock()
			o.byPubHex[pubHex] = entries[i:]
			o.mu.Unlock()
			return err
		}
	}

	o.mu.Lock()
	delete(o.byPubHex, pubHex)
	o.mu.Unlock()
	return nil
}

// Len reports how many entries are queued for peerID.
func (o *Outbox) Len(peerID identity.PeerID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	pubHex, ok := o.pubHexByPeer[peerID]
	if !ok {
		return 0
	}
	return len(o.byPubHex[pubHex])
}
