package nostr

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Event kinds used by this system (spec.md 4.10).
const (
	KindSeal           = 13
	KindGiftWrap       = 1059
	KindGeohashMessage = 20000
)

// Event is a NIP-01 event record.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// canonicalBytes produces NIP-01's canonical serialization for id
// hashing: a fixed-order JSON array of a leading literal 0, pubkey,
// created_at, kind, tags, and content (the id and sig fields are omitted).
func (e *Event) canonicalBytes() ([]byte, error) {
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	b, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("nostr: canonical serialize: %w", err)
	}
	return b, nil
}

func (e *Event) computeID() (string, error) {
	b, err := e.canonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills PubKey, ID, and Sig from id (spec.md 4.10).
func (e *Event) Sign(id *Identity) error {
	e.PubKey = id.PubKeyHex()
	computed, err := e.computeID()
	if err != nil {
		return err
	}
	e.ID = computed
	idBytes, err := hex.DecodeString(computed)
	if err != nil {
		return fmt.Errorf("nostr: decode computed id: %w", err)
	}
	e.Sig = hex.EncodeToString(id.Sign(idBytes))
	return nil
}

// Verify reports whether e.ID matches its canonical content and e.Sig is
// a valid signature over it under e.PubKey.
func (e *Event) Verify() bool {
	computed, err := e.computeID()
	if err != nil || computed != e.ID {
		return false
	}
	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), idBytes, sigBytes)
}

// LeadingZeroBits returns e.ID's proof-of-work difficulty: the count of
// leading zero bits in the hex-decoded id (spec.md 4.10).
func (e *Event) LeadingZeroBits() int {
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return 0
	}
	return leadingZeroBits(idBytes)
}

func leadingZeroBits(b []byte) int {
	count := 0
	for _, by := range b {
		if by == 0 {
			count += 8
			continue
		}
		for i := 7; i >= 0; i-- {
			if by&(1<<uint(i)) == 0 {
				count++
			} else {
				return count
			}
		}
	}
	return count
}

// FirstTagValue returns the first value of tag key, if present.
func FirstTagValue(tags [][]string, key string) (string, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t[1], true
		}
	}
	return "", false
}

// NewGeohashMessage builds an unsigned kind-20000 ephemeral event carrying
// a geohash channel message (spec.md 4.10).
func NewGeohashMessage(geohash, nickname, content string, teleport bool) *Event {
	tags := [][]string{{"g", geohash}}
	if nickname != "" {
		tags = append(tags, []string{"n", nickname})
	}
	if teleport {
		tags = append(tags, []string{"t", "teleport"})
	}
	return &Event{Kind: KindGeohashMessage, Tags: tags, Content: content}
}
