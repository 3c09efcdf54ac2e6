package message

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Channel key derivation parameters (spec.md 4.7). The iteration count is
// low by modern standards but kept for wire compatibility with existing
// channel-key material; see the Open Questions' decision to leave it as
// is rather than break the format.
const (
	pbkdf2Iterations = 100_000
	channelKeySize   = 32 // 256-bit output
	gcmNonceSize     = 12 // 96-bit IV prefix
)

// ErrCiphertextTooShort is returned when a channel ciphertext is too short
// to contain the required nonce prefix.
var ErrCiphertextTooShort = errors.New("message: ciphertext shorter than nonce prefix")

// DeriveChannelKey derives a 256-bit AES-GCM key for a password-protected
// channel: PBKDF2-HMAC-SHA256 over the UTF-8 password, salted with the
// UTF-8 channel tag (spec.md 4.7).
func DeriveChannelKey(password, channelTag string) []byte {
	return pbkdf2.Key([]byte(password), []byte(channelTag), pbkdf2Iterations, channelKeySize, sha256.New)
}

// EncryptChannelMessage seals plaintext under the channel key, prefixing
// the ciphertext with a freshly generated 96-bit nonce.
func EncryptChannelMessage(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("message: channel cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("message: channel gcm: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("message: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// DecryptChannelMessage opens a ciphertext produced by
// EncryptChannelMessage.
func DecryptChannelMessage(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("message: channel cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("message: channel gcm: %w", err)
	}
	if len(ciphertext) < gcmNonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("message: channel decrypt: %w", err)
	}
	return plaintext, nil
}
