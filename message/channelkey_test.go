package message

import (
	"bytes"
	"testing"
)

func TestDeriveChannelKeyIsDeterministicPerPasswordAndTag(t *testing.T) {
	k1 := DeriveChannelKey("hunter2", "#general")
	k2 := DeriveChannelKey("hunter2", "#general")
	if !bytes.Equal(k1, k2) {
		t.Fatal("expected identical password/tag to derive identical key")
	}
	if len(k1) != channelKeySize {
		t.Fatalf("expected %d-byte key, got %d", channelKeySize, len(k1))
	}

	k3 := DeriveChannelKey("hunter2", "#other")
	if bytes.Equal(k1, k3) {
		t.Fatal("expected different channel tag to derive a different key")
	}

	k4 := DeriveChannelKey("different-password", "#general")
	if bytes.Equal(k1, k4) {
		t.Fatal("expected different password to derive a different key")
	}
}

func TestEncryptDecryptChannelMessageRoundTrip(t *testing.T) {
	key := DeriveChannelKey("correct horse battery staple", "#random")
	plaintext := []byte("meet at the usual spot")

	ct, err := EncryptChannelMessage(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptChannelMessage: %v", err)
	}
	if len(ct) < gcmNonceSize {
		t.Fatal("ciphertext shorter than nonce prefix")
	}

	got, err := DecryptChannelMessage(key, ct)
	if err != nil {
		t.Fatalf("DecryptChannelMessage: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptChannelMessageWrongKeyFails(t *testing.T) {
	key := DeriveChannelKey("pw1", "#a")
	wrongKey := DeriveChannelKey("pw2", "#a")

	ct, err := EncryptChannelMessage(key, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptChannelMessage: %v", err)
	}
	if _, err := DecryptChannelMessage(wrongKey, ct); err == nil {
		t.Fatal("expected decryption with the wrong key to fail")
	}
}

func TestDecryptChannelMessageRejectsShortCiphertext(t *testing.T) {
	key := DeriveChannelKey("pw", "#a")
	if _, err := DecryptChannelMessage(key, []byte{1, 2, 3}); err != ErrCiphertextTooShort {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}
