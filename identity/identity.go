// Package identity derives and holds the long-lived cryptographic identity
// of a mesh node: an Ed25519 signing keypair, an X25519 static keypair used
// as the Noise static key, and the fingerprint/peer ID derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// FingerprintSize is the length in bytes of a peer fingerprint (sha256
	// of the Noise static public key).
	FingerprintSize = sha256.Size
	// PeerIDSize is the length in bytes of a peer ID (first 8 bytes of the
	// fingerprint, rendered as 16 hex chars on the wire).
	PeerIDSize = 8
)

// PeerID is the 8-byte hex-rendered prefix of a peer's fingerprint.
type PeerID [PeerIDSize]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// ParsePeerID decodes a 16-char hex peer ID.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("identity: invalid peer id %q: %w", s, err)
	}
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("identity: peer id %q must decode to %d bytes, got %d", s, PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Less reports whether id is numerically smaller than other, used for the
// Noise XX initiator tie-break (spec.md 4.3): the peer with the smaller
// peer ID initiates the handshake.
func (id PeerID) Less(other PeerID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Fingerprint uniquely identifies a peer's Noise static key: sha256 of the
// X25519 static public key.
type Fingerprint [FingerprintSize]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// PeerID returns the first 8 bytes of the fingerprint.
func (f Fingerprint) PeerID() PeerID {
	var id PeerID
	copy(id[:], f[:PeerIDSize])
	return id
}

// FingerprintOf computes the fingerprint of a Noise static public key.
func FingerprintOf(noiseStaticPub []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(noiseStaticPub))
}

// Provider is the identity port the core consumes: a cryptographic identity
// provider backed by a secure keystore (spec.md 1: "out of scope" external
// collaborator). Identity keys must never leak across the module boundary;
// Provider exposes public material and signing, plus the Noise static
// private key bytes (for building noise sessions) and the master secret
// (for deriving Nostr identities).
type Provider interface {
	SigningPublicKey() ed25519.PublicKey
	NoiseStaticPublicKey() []byte
	NoiseStaticPrivateKeyBytes() []byte // for constructing a noise.Session; never logged
	Fingerprint() Fingerprint
	PeerID() PeerID
	Sign(data []byte) []byte
	MasterSecret() []byte
}

// Local is an in-memory Provider implementation. Production deployments
// back this with a platform keystore; Local is the reference used by tests
// and the cmd/meshchatd composition root.
type Local struct {
	mu sync.RWMutex

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey

	noisePub  [32]byte
	noisePriv [32]byte

	master [32]byte

	fingerprint Fingerprint
	peerID      PeerID
}

var _ Provider = (*Local)(nil)

// New generates a fresh random identity.
func New() (*Local, error) {
	var master [32]byte
	if _, err := rand.Read(master[:]); err != nil {
		return nil, fmt.Errorf("identity: read master secret: %w", err)
	}
	return FromMasterSecret(master)
}

// FromMasterSecret deterministically derives the signing and Noise static
// keypairs from a 32-byte device master secret, so identity can be
// regenerated (panic_clear_all, spec.md 8 scenario 6) or restored.
func FromMasterSecret(master [32]byte) (*Local, error) {
	signSeed := make([]byte, ed25519.SeedSize)
	if err := hkdfExpand(master[:], []byte("meshchat signing key v1"), signSeed); err != nil {
		return nil, err
	}
	signPriv := ed25519.NewKeyFromSeed(signSeed)

	var noisePriv [32]byte
	if err := hkdfExpand(master[:], []byte("meshchat noise static key v1"), noisePriv[:]); err != nil {
		return nil, err
	}
	// clamp per X25519 convention
	noisePriv[0] &= 248
	noisePriv[31] &= 127
	noisePriv[31] |= 64

	var noisePub [32]byte
	pub, err := curve25519.X25519(noisePriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive noise static public key: %w", err)
	}
	copy(noisePub[:], pub)

	fp := FingerprintOf(noisePub[:])

	l := &Local{
		signPub:     signPriv.Public().(ed25519.PublicKey),
		signPriv:    signPriv,
		noisePub:    noisePub,
		noisePriv:   noisePriv,
		master:      master,
		fingerprint: fp,
		peerID:      fp.PeerID(),
	}
	return l, nil
}

func hkdfExpand(secret, info []byte, out []byte) error {
	r := hkdf.New(sha256.New, secret, nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("identity: hkdf expand: %w", err)
	}
	return nil
}

func (l *Local) SigningPublicKey() ed25519.PublicKey {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(ed25519.PublicKey, len(l.signPub))
	copy(out, l.signPub)
	return out
}

func (l *Local) NoiseStaticPublicKey() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]byte, len(l.noisePub))
	copy(out, l.noisePub[:])
	return out
}

func (l *Local) NoiseStaticPrivateKeyBytes() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]byte, len(l.noisePriv))
	copy(out, l.noisePriv[:])
	return out
}

func (l *Local) Fingerprint() Fingerprint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fingerprint
}

func (l *Local) PeerID() PeerID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peerID
}

func (l *Local) Sign(data []byte) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ed25519.Sign(l.signPriv, data)
}

func (l *Local) MasterSecret() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]byte, len(l.master))
	copy(out, l.master[:])
	return out
}

// Verify checks a signature against a signing public key. Exposed as a
// free function since verification doesn't require holding any secret
// material (spec.md 4.3: "verify with the sender's signing public key").
func Verify(signingPub ed25519.PublicKey, data, sig []byte) bool {
	if len(signingPub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(signingPub, data, sig)
}
