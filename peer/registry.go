// Package peer implements the Peer Registry (spec.md 4.4): the active
// peer table keyed by peer_id, with a secondary fingerprint index to
// support peer-ID rotation. It generalizes the teacher's peerDirectory
// (directory.go) — which indexes WireGuard peers by name, by public key,
// and by allowed address — into a registry indexed by peer_id and by
// identity fingerprint instead of network addresses.
package peer

import (
	"sync"
	"time"

	"github.com/noisemesh/meshchat/identity"
)

// Peer is the active-peer record held by the registry (spec.md 3).
type Peer struct {
	PeerID         identity.PeerID
	Nickname       string
	NoiseStaticPub []byte
	SigningPub     []byte
	Fingerprint    identity.Fingerprint
	LastSeen       time.Time
	RSSI           int
	IsDirect       bool
	Verified       bool
	AnnouncedTo    map[identity.PeerID]struct{}
}

func clonePeer(p *Peer) *Peer {
	cp := *p
	cp.NoiseStaticPub = append([]byte(nil), p.NoiseStaticPub...)
	cp.SigningPub = append([]byte(nil), p.SigningPub...)
	cp.AnnouncedTo = make(map[identity.PeerID]struct{}, len(p.AnnouncedTo))
	for k := range p.AnnouncedTo {
		cp.AnnouncedTo[k] = struct{}{}
	}
	return &cp
}

// Registry holds the live peer table, indexed by peer_id with a secondary
// index from fingerprint to peer_id for rotation lookups.
type Registry struct {
	mu             sync.RWMutex
	byPeerID       map[identity.PeerID]*Peer
	peerIDByFinger map[identity.Fingerprint]identity.PeerID
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byPeerID:       make(map[identity.PeerID]*Peer),
		peerIDByFinger: make(map[identity.Fingerprint]identity.PeerID),
	}
}

// AddOrUpdate registers peerID with nickname if unseen, or updates its
// nickname and last-seen time if already known. It returns true when a new
// record was created (spec.md 4.4: add_or_update(peer_id, nickname) →
// bool(new)).
func (r *Registry) AddOrUpdate(peerID identity.PeerID, nickname string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byPeerID[peerID]
	if !ok {
		r.byPeerID[peerID] = &Peer{
			PeerID:      peerID,
			Nickname:    nickname,
			LastSeen:    time.Now(),
			AnnouncedTo: make(map[identity.PeerID]struct{}),
		}
		return true
	}
	p.Nickname = nickname
	p.LastSeen = time.Now()
	return false
}

// UpdateInfo sets the noise/signing public keys and verification status
// for peerID, returning true if any field actually changed (spec.md 4.4:
// update_info(...) → bool(updated)).
func (r *Registry) UpdateInfo(peerID identity.PeerID, nickname string, noisePub, signingPub []byte, verified bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byPeerID[peerID]
	if !ok {
		p = &Peer{PeerID: peerID, AnnouncedTo: make(map[identity.PeerID]struct{})}
		r.byPeerID[peerID] = p
	}

	changed := p.Nickname != nickname ||
		string(p.NoiseStaticPub) != string(noisePub) ||
		string(p.SigningPub) != string(signingPub) ||
		p.Verified != verified

	p.Nickname = nickname
	p.NoiseStaticPub = append([]byte(nil), noisePub...)
	p.SigningPub = append([]byte(nil), signingPub...)
	p.Verified = verified
	p.LastSeen = time.Now()
	return changed
}

// SetDirect marks peerID as having (or no longer having) a live BLE
// connection on which we saw its first announce.
func (r *Registry) SetDirect(peerID identity.PeerID, direct bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byPeerID[peerID]; ok {
		p.IsDirect = direct
	}
}

// MarkAnnounced records that we have sent our own announcement back to
// peerID, so the Message Handler only greets a new peer once (spec.md
// 4.7: "if not already announced_to").
func (r *Registry) MarkAnnounced(peerID identity.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byPeerID[peerID]; ok {
		p.AnnouncedTo[peerID] = struct{}{}
	}
}

// HasAnnounced reports whether we have already sent our own announcement
// back to peerID.
func (r *Registry) HasAnnounced(peerID identity.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byPeerID[peerID]
	if !ok {
		return false
	}
	_, announced := p.AnnouncedTo[peerID]
	return announced
}

// UpdateRSSI records the latest observed signal strength for peerID.
func (r *Registry) UpdateRSSI(peerID identity.PeerID, rssi int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byPeerID[peerID]; ok {
		p.RSSI = rssi
	}
}

// Remove drops peerID and its fingerprint index entry.
func (r *Registry) Remove(peerID identity.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byPeerID[peerID]; ok {
		delete(r.peerIDByFinger, p.Fingerprint)
		delete(r.byPeerID, peerID)
	}
}

// Get returns a copy of the peer record for peerID.
func (r *Registry) Get(peerID identity.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byPeerID[peerID]
	if !ok {
		return nil, false
	}
	return clonePeer(p), true
}

// AllActive returns a snapshot of every peer currently in the registry.
func (r *Registry) AllActive() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.byPeerID))
	for _, p := range r.byPeerID {
		out = append(out, clonePeer(p))
	}
	return out
}

// StoreFingerprint computes and records the fingerprint for peerID's noise
// static public key, returning the fingerprint's hex string (spec.md 4.4:
// store_fingerprint(peer_id, pubkey) → fingerprint_hex).
func (r *Registry) StoreFingerprint(peerID identity.PeerID, noiseStaticPub []byte) string {
	fp := identity.FingerprintOf(noiseStaticPub)

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byPeerID[peerID]; ok {
		delete(r.peerIDByFinger, p.Fingerprint)
		p.Fingerprint = fp
	}
	r.peerIDByFinger[fp] = peerID
	return fp.String()
}

// Rotate migrates a peer's record to a newPeerID when an announce arrives
// with a noise_static_pub matching a known fingerprint but under a new
// peer_id (spec.md 4.4). Nickname and fingerprint carry forward; the old
// record is removed. It reports false if fingerprint wasn't already known.
func (r *Registry) Rotate(fingerprint identity.Fingerprint, newPeerID identity.PeerID) (migrated *Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldPeerID, known := r.peerIDByFinger[fingerprint]
	if !known || oldPeerID == newPeerID {
		return nil, false
	}
	old, ok := r.byPeerID[oldPeerID]
	if !ok {
		return nil, false
	}

	rotated := clonePeer(old)
	rotated.PeerID = newPeerID
	rotated.LastSeen = time.Now()

	delete(r.byPeerID, oldPeerID)
	r.byPeerID[newPeerID] = rotated
	r.peerIDByFinger[fingerprint] = newPeerID

	return clonePeer(rotated), true
}

// PeerIDForFingerprint looks up the current peer_id owning fingerprint, if
// any, supporting external indices (Favorites, Nostr mapping) that rebind
// on rotation.
func (r *Registry) PeerIDForFingerprint(fingerprint identity.Fingerprint) (identity.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.peerIDByFinger[fingerprint]
	return id, ok
}
