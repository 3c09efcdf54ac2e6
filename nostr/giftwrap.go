package nostr

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// bitchatPrefix tags a gift-wrapped seal's content as carrying a raw mesh
// packet rather than free-form text (spec.md 4.10).
const bitchatPrefix = "bitchat1:"

// MaxDirectMessageAge bounds how old a sealed direct message may be
// before it is dropped (spec.md 4.10: "messages older than 48h + 15min
// buffer are dropped").
const MaxDirectMessageAge = 48*time.Hour + 15*time.Minute

// timestampJitterWindow bounds how far into the past a gift wrap's
// created_at is randomized, to resist timing correlation across a
// relay's event stream.
const timestampJitterWindow = 48 * time.Hour

// WrapDirectMessage seals packetBytes as a bitchat payload inside a
// NIP-17-style seal, then wraps the seal in a gift-wrap event signed by a
// fresh ephemeral identity and addressed (via ECDH with recipientDHPub)
// to the recipient (spec.md 4.10).
func WrapDirectMessage(sender *Identity, recipientDHPub [32]byte, packetBytes []byte) (*Event, error) {
	content := bitchatPrefix + base64.RawURLEncoding.EncodeToString(packetBytes)

	seal := &Event{CreatedAt: randomizedTimestamp(), Kind: KindSeal, Content: content}
	if err := seal.Sign(sender); err != nil {
		return nil, fmt.Errorf("nostr: sign seal: %w", err)
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, fmt.Errorf("nostr: marshal seal: %w", err)
	}

	ephemeral, err := randomIdentity()
	if err != nil {
		return nil, err
	}
	sealedContent, err := sealWithDH(ephemeral.dhPriv, recipientDHPub, sealJSON)
	if err != nil {
		return nil, err
	}

	wrap := &Event{
		CreatedAt: randomizedTimestamp(),
		Kind:      KindGiftWrap,
		Tags:      [][]string{{"dh", hex.EncodeToString(ephemeral.DHPub[:])}},
		Content:   sealedContent,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nil, fmt.Errorf("nostr: sign gift wrap: %w", err)
	}
	return wrap, nil
}

// UnwrapDirectMessage reverses WrapDirectMessage: opens the gift wrap
// addressed to recipient, verifies the inner seal, and returns the bitchat
// packet bytes. Seals older than MaxDirectMessageAge are rejected.
func UnwrapDirectMessage(recipient *Identity, wrap *Event) ([]byte, error) {
	if wrap.Kind != KindGiftWrap {
		return nil, fmt.Errorf("nostr: expected kind %d gift wrap, got %d", KindGiftWrap, wrap.Kind)
	}
	if !wrap.Verify() {
		return nil, fmt.Errorf("nostr: gift wrap signature invalid")
	}

	dhHex, ok := FirstTagValue(wrap.Tags, "dh")
	if !ok {
		return nil, fmt.Errorf("nostr: gift wrap missing dh tag")
	}
	dhBytes, err := hex.DecodeString(dhHex)
	if err != nil || len(dhBytes) != 32 {
		return nil, fmt.Errorf("nostr: gift wrap dh tag malformed")
	}
	var remoteDHPub [32]byte
	copy(remoteDHPub[:], dhBytes)

	sealJSON, err := openWithDH(recipient.dhPriv, remoteDHPub, wrap.Content)
	if err != nil {
		return nil, fmt.Errorf("nostr: open gift wrap: %w", err)
	}

	var seal Event
	if err := json.Unmarshal(sealJSON, &seal); err != nil {
		return nil, fmt.Errorf("nostr: unmarshal seal: %w", err)
	}
	if seal.Kind != KindSeal {
		return nil, fmt.Errorf("nostr: expected kind %d seal, got %d", KindSeal, seal.Kind)
	}
	if !seal.Verify() {
		return nil, fmt.Errorf("nostr: seal signature invalid")
	}
	if time.Since(time.Unix(seal.CreatedAt, 0)) > MaxDirectMessageAge {
		return nil, fmt.Errorf("nostr: seal older than %s, dropping", MaxDirectMessageAge)
	}
	if len(seal.Content) < len(bitchatPrefix) || seal.Content[:len(bitchatPrefix)] != bitchatPrefix {
		return nil, fmt.Errorf("nostr: seal content missing bitchat prefix")
	}
	packetBytes, err := base64.RawURLEncoding.DecodeString(seal.Content[len(bitchatPrefix):])
	if err != nil {
		return nil, fmt.Errorf("nostr: decode bitchat payload: %w", err)
	}
	return packetBytes, nil
}

func randomizedTimestamp() int64 {
	now := time.Now()
	maxJitter := big.NewInt(int64(timestampJitterWindow / time.Second))
	jitter, err := rand.Int(rand.Reader, maxJitter)
	if err != nil {
		return now.Unix()
	}
	return now.Add(-time.Duration(jitter.Int64()) * time.Second).Unix()
}

// sealWithDH encrypts plaintext under a key derived from ECDH(localPriv,
// remotePub), prefixing the ciphertext with its nonce and base64-encoding
// the result for embedding in an event's Content string field.
func sealWithDH(localPriv, remotePub [32]byte, plaintext []byte) (string, error) {
	key, err := deriveSharedKey(localPriv, remotePub)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("nostr: chacha20poly1305: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nostr: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openWithDH(localPriv, remotePub [32]byte, encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("nostr: decode sealed content: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("nostr: sealed content shorter than nonce prefix")
	}
	key, err := deriveSharedKey(localPriv, remotePub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("nostr: chacha20poly1305: %w", err)
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("nostr: decrypt: %w", err)
	}
	return plaintext, nil
}

func deriveSharedKey(localPriv, remotePub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(localPriv[:], remotePub[:])
	if err != nil {
		return nil, fmt.Errorf("nostr: x25519: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, nil, []byte("meshchat nostr dm v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("nostr: hkdf expand dm key: %w", err)
	}
	return key, nil
}
