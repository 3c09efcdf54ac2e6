// Package noise drives the Noise_XX_25519_ChaChaPoly_SHA256 handshake
// (spec.md 4.3) between two mesh peers with unknown static keys, producing
// a pair of rotating transport keypairs. The handshake math is delegated to
// github.com/flynn/noise (XX is a different message pattern from the
// teacher's hardcoded WireGuard Noise_IKpsk2, so the cryptographic core
// cannot be reused as-is); the surrounding state machine — mutex-guarded
// state enum, current/previous keypair rotation, replays rejected by each
// CipherState's nonce counter rather than a separate filter — follows
// the teacher's Handshake/Keypair/BeginSymmetricSession shape in
// internal/transport/noise-protocol.go.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	flynnnoise "github.com/flynn/noise"
)

// State mirrors the teacher's handshakeState enum, generalized to XX's
// three-message pattern and to a post-handshake transport state.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrWrongState          = errors.New("noise: handshake message out of order for current state")
	ErrHandshakeIncomplete = errors.New("noise: handshake not yet established")
	ErrNoRemoteStatic      = errors.New("noise: remote static key not yet learned")
)

func cipherSuite() flynnnoise.CipherSuite {
	return flynnnoise.NewCipherSuite(flynnnoise.DH25519, flynnnoise.CipherChaChaPoly, flynnnoise.HashSHA256)
}

// GenerateStaticKeypair produces a fresh X25519 static keypair suitable for
// use as a Session's long-term identity key in the handshake.
func GenerateStaticKeypair() (flynnnoise.DHKey, error) {
	return cipherSuite().GenerateKeypair(rand.Reader)
}

// Keypair is one generation of transport send/receive ciphers, mirroring
// the teacher's rotating current/previous/next Keypair trio
// (BeginSymmetricSession). Sequencing is strictly monotone: each
// CipherState's internal nonce counter advances by exactly one per
// Encrypt/Decrypt call and rejects anything out of order, so a session
// never needs a separate replay bitmap (spec.md: "encrypt/decrypt strictly
// preserves monotone sequencing and rejects replays; any out-of-order
// ciphertext fails").
type Keypair struct {
	send    *flynnnoise.CipherState
	receive *flynnnoise.CipherState
	created time.Time
}

// Session drives one peer-to-peer Noise XX handshake and holds the
// resulting rotating keypairs. A zero-value Session is not usable; build
// one with NewSession.
type Session struct {
	mu sync.RWMutex

	state     State
	hs        *flynnnoise.HandshakeState
	initiator bool

	current  *Keypair
	previous *Keypair

	remoteStatic []byte
}

// NewSession constructs a Session ready to run the XX handshake as either
// initiator or responder, using localStatic as this side's long-term key.
func NewSession(localStatic flynnnoise.DHKey, initiator bool) (*Session, error) {
	hs, err := flynnnoise.NewHandshakeState(flynnnoise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       flynnnoise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: localStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: init handshake state: %w", err)
	}

	return &Session{
		state:     StateHandshaking,
		hs:        hs,
		initiator: initiator,
	}, nil
}

// Status returns the current handshake/session state.
func (s *Session) Status() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsInitiator reports whether this session began the handshake (used for
// the peer-ID tie-break rule in spec.md 4.3: the numerically smaller
// peer ID initiates).
func (s *Session) IsInitiator() bool {
	return s.initiator
}

// RemoteStaticKey returns the remote party's long-term static key, once
// learned partway through the handshake (message 2 for the initiator,
// message 1 carries none for XX since the responder's static arrives in
// message 2 and the initiator's in message 3).
func (s *Session) RemoteStaticKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remoteStatic == nil {
		return nil, ErrNoRemoteStatic
	}
	return s.remoteStatic, nil
}

// WriteHandshakeMessage produces the next outgoing handshake message. It
// returns the established keypair once the final XX message completes the
// exchange; keypair is nil while the handshake is still in progress.
func (s *Session) WriteHandshakeMessage() (msg []byte, established *Keypair, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateHandshaking {
		return nil, nil, ErrWrongState
	}

	out, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		s.state = StateFailed
		return nil, nil, fmt.Errorf("noise: write handshake message: %w", err)
	}

	if remote := s.hs.PeerStatic(); remote != nil {
		s.remoteStatic = append([]byte(nil), remote...)
	}

	if cs1 != nil && cs2 != nil {
		s.finishHandshake(cs1, cs2)
		return out, s.current, nil
	}
	return out, nil, nil
}

// ReadHandshakeMessage consumes an incoming handshake message. It returns
// the established keypair once the final XX message completes the
// exchange.
func (s *Session) ReadHandshakeMessage(msg []byte) (established *Keypair, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateHandshaking {
		return nil, ErrWrongState
	}

	_, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("noise: read handshake message: %w", err)
	}

	if remote := s.hs.PeerStatic(); remote != nil {
		s.remoteStatic = append([]byte(nil), remote...)
	}

	if cs1 != nil && cs2 != nil {
		s.finishHandshake(cs1, cs2)
		return s.current, nil
	}
	return nil, nil
}

// finishHandshake assigns the two CipherStates flynn/noise hands back on
// the final message to send/receive roles depending on initiator-ness,
// mirroring the teacher's BeginSymmetricSession direction split.
func (s *Session) finishHandshake(cs1, cs2 *flynnnoise.CipherState) {
	kp := &Keypair{created: time.Now()}
	if s.initiator {
		kp.send, kp.receive = cs1, cs2
	} else {
		kp.send, kp.receive = cs2, cs1
	}

	s.previous = s.current
	s.current = kp
	s.state = StateEstablished
}

// Encrypt seals plaintext under the current transport keypair.
func (s *Session) Encrypt(ad, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished || s.current == nil {
		return nil, ErrHandshakeIncomplete
	}
	return s.current.send.Encrypt(nil, ad, plaintext), nil
}

// Decrypt opens ciphertext, trying the current keypair and then the
// previous one (covering messages still in flight during a rekey). Each
// keypair's CipherState enforces strictly monotone sequencing on its own,
// so a replayed or reordered ciphertext simply fails to decrypt.
func (s *Session) Decrypt(ad, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrHandshakeIncomplete
	}

	for _, kp := range []*Keypair{s.current, s.previous} {
		if kp == nil {
			continue
		}
		plaintext, err := kp.receive.Decrypt(nil, ad, ciphertext)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, fmt.Errorf("noise: decryption failed under current and previous keypair")
}

// Rekey explicitly drops the previous keypair, e.g. once a session has been
// stable long enough that in-flight messages under the old key are no
// longer expected.
func (s *Session) Rekey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = nil
}
