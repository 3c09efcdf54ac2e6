// Package security implements the Security Core (spec.md 4.3): packet
// signing/verification, non-ANNOUNCE duplicate detection, and per-peer
// Noise XX session ownership with encrypt/decrypt dispatch. It generalizes
// the teacher's Transport type — which owns a staticIdentity and a
// per-peer handshake/keypair set for a single WireGuard-style interface —
// to own a noise.Session keyed by peer ID instead of one fixed peer set.
package security

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	flynnnoise "github.com/flynn/noise"

	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/noise"
	"github.com/noisemesh/meshchat/packet"
)

// Errors from spec.md 4.3 and 7.
var (
	ErrNoSession     = errors.New("security: no established session with peer")
	ErrDecryptFail   = errors.New("security: decrypt failed")
	ErrHandshakeFail = errors.New("security: handshake failed")
)

// Core owns this device's signing/Noise identity, one Noise session per
// remote peer, and the duplicate-detection cache.
type Core struct {
	id        identity.Provider
	localPeer identity.PeerID
	noiseStat flynnnoise.DHKey

	mu       sync.Mutex
	sessions map[identity.PeerID]*noise.Session

	dedup *Dedup
}

// NewCore constructs a Core for id, with a duplicate-detection cache of
// the given capacity and TTL (spec.md defaults: DefaultDedupCapacity,
// DefaultDedupTTL).
func NewCore(id identity.Provider, dedupCapacity int, dedupTTL time.Duration) *Core {
	return &Core{
		id:        id,
		localPeer: id.PeerID(),
		noiseStat: flynnnoise.DHKey{
			Private: id.NoiseStaticPrivateKeyBytes(),
			Public:  id.NoiseStaticPublicKey(),
		},
		sessions: make(map[identity.PeerID]*noise.Session),
		dedup:    NewDedup(dedupCapacity, dedupTTL),
	}
}

// Sign returns an Ed25519 signature over data using this device's signing
// key (egress signing uses the canonical packet bytes; spec.md 4.3).
func (c *Core) Sign(data []byte) []byte {
	return c.id.Sign(data)
}

// Verify checks a signature against the given sender signing key. A
// missing key is the caller's concern — spec.md 4.3 says a missing key is
// logged but not fatal until a later release enforces it, so Verify only
// ever reports true/false for a key it was actually given.
func Verify(signingPub ed25519.PublicKey, data, sig []byte) bool {
	return identity.Verify(signingPub, data, sig)
}

// IsDuplicate reports whether p has already been seen and marks it seen if
// not. ANNOUNCE packets are never deduplicated (spec.md 4.3): they must be
// able to bind a first-announce on every new device connection.
func (c *Core) IsDuplicate(p *packet.Packet) bool {
	if p.Type == packet.TypeAnnounce {
		return false
	}
	return c.dedup.Seen(p)
}

// shouldInitiate applies the tie-break rule from spec.md 4.3: the peer
// with the numerically smaller peer_id initiates the handshake.
func (c *Core) shouldInitiate(remote identity.PeerID) bool {
	return c.localPeer.Less(remote)
}

// EnsureSession returns the existing session for remote, if any, together
// with whether it was freshly created. A freshly created session is
// UNINITIALIZED → HANDSHAKING per the tie-break rule: if we should
// initiate, the caller is expected to immediately call BeginHandshake.
func (c *Core) EnsureSession(remote identity.PeerID) (session *noise.Session, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[remote]; ok {
		return s, false, nil
	}

	s, err := noise.NewSession(c.noiseStat, c.shouldInitiate(remote))
	if err != nil {
		return nil, false, fmt.Errorf("security: create session for %s: %w", remote, err)
	}
	c.sessions[remote] = s
	return s, true, nil
}

// BeginHandshake produces this side's first outgoing handshake message for
// remote, creating a session if necessary. It is only meaningful when this
// side is the initiator per the peer-ID tie-break.
func (c *Core) BeginHandshake(remote identity.PeerID) ([]byte, error) {
	session, _, err := c.EnsureSession(remote)
	if err != nil {
		return nil, err
	}
	if !session.IsInitiator() {
		return nil, fmt.Errorf("security: %s is not the initiator for peer %s", c.localPeer, remote)
	}
	msg, _, err := session.WriteHandshakeMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFail, err)
	}
	return msg, nil
}

// AdvanceHandshake consumes an inbound NOISE_HANDSHAKE message from remote
// and returns this side's next outgoing message, if any, along with
// whether the session is now ESTABLISHED.
//
// Per spec.md 4.3, an inbound HANDSHAKE while ESTABLISHED drops the
// existing session and rehandshakes cleanly (supports re-keying and
// identity rotation).
func (c *Core) AdvanceHandshake(remote identity.PeerID, incoming []byte) (outgoing []byte, established bool, err error) {
	c.mu.Lock()
	session, ok := c.sessions[remote]
	if ok && session.Status() == noise.StateEstablished {
		delete(c.sessions, remote)
		ok = false
	}
	if !ok {
		session, err = noise.NewSession(c.noiseStat, c.shouldInitiate(remote))
		if err != nil {
			c.mu.Unlock()
			return nil, false, fmt.Errorf("security: create session for %s: %w", remote, err)
		}
		c.sessions[remote] = session
	}
	c.mu.Unlock()

	kp, err := session.ReadHandshakeMessage(incoming)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrHandshakeFail, err)
	}
	if kp != nil {
		return nil, true, nil
	}

	msg, kp, err := session.WriteHandshakeMessage()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrHandshakeFail, err)
	}
	return msg, kp != nil, nil
}

// DropSession clears any session state for remote, e.g. on a protocol
// error (Any → FAILED in spec.md 4.3) or an explicit peer removal.
func (c *Core) DropSession(remote identity.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, remote)
}

// SessionStatus reports the handshake/session state for remote, or
// noise.StateUninitialized if no session exists yet.
func (c *Core) SessionStatus(remote identity.PeerID) noise.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[remote]
	if !ok {
		return noise.StateUninitialized
	}
	return s.Status()
}

// Encrypt wraps plaintext for remote under its ESTABLISHED session. The
// caller is responsible for carrying the result as a NOISE_ENCRYPTED
// packet whose inner plaintext is a NoisePayload TLV (spec.md 4.3).
func (c *Core) Encrypt(remote identity.PeerID, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	session, ok := c.sessions[remote]
	c.mu.Unlock()
	if !ok || session.Status() != noise.StateEstablished {
		return nil, ErrNoSession
	}
	ct, err := session.Encrypt(nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFail, err)
	}
	return ct, nil
}

// Decrypt is the symmetric counterpart of Encrypt.
func (c *Core) Decrypt(remote identity.PeerID, ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	session, ok := c.sessions[remote]
	c.mu.Unlock()
	if !ok || session.Status() != noise.StateEstablished {
		return nil, ErrNoSession
	}
	pt, err := session.Decrypt(nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFail, err)
	}
	return pt, nil
}
