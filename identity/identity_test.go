package identity

import (
	"bytes"
	"testing"
)

func TestFromMasterSecretIsDeterministic(t *testing.T) {
	var master [32]byte
	for i := range master {
		master[i] = byte(i)
	}

	a, err := FromMasterSecret(master)
	if err != nil {
		t.Fatalf("first derivation: %v", err)
	}
	b, err := FromMasterSecret(master)
	if err != nil {
		t.Fatalf("second derivation: %v", err)
	}

	if !bytes.Equal(a.SigningPublicKey(), b.SigningPublicKey()) {
		t.Fatal("signing public keys differ across derivations from the same master secret")
	}
	if !bytes.Equal(a.NoiseStaticPublicKey(), b.NoiseStaticPublicKey()) {
		t.Fatal("noise static public keys differ across derivations from the same master secret")
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprints differ across derivations from the same master secret")
	}
}

func TestFingerprintPeerIDIsPrefix(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fp := l.Fingerprint()
	id := l.PeerID()
	if !bytes.Equal(id[:], fp[:PeerIDSize]) {
		t.Fatalf("peer id %x is not the fingerprint prefix %x", id, fp[:PeerIDSize])
	}
	if l.PeerID() != fp.PeerID() {
		t.Fatal("PeerID() and Fingerprint().PeerID() disagree")
	}
}

func TestPeerIDLessTieBreak(t *testing.T) {
	a, err := ParsePeerID("aabbccdd00112233")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParsePeerID("0011223344556677")
	if err != nil {
		t.Fatal(err)
	}
	if a.Less(b) {
		t.Fatal("aabbccdd00112233 should not be less than 0011223344556677")
	}
	if !b.Less(a) {
		t.Fatal("0011223344556677 should be less than aabbccdd00112233")
	}
}

func TestSignVerify(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("canonical packet bytes")
	sig := l.Sign(data)
	if !Verify(l.SigningPublicKey(), data, sig) {
		t.Fatal("signature failed to verify")
	}

	mutated := append([]byte(nil), data...)
	mutated[0] ^= 0xFF
	if Verify(l.SigningPublicKey(), mutated, sig) {
		t.Fatal("signature verified against mutated data")
	}
}

func TestParsePeerIDRejectsBadLength(t *testing.T) {
	if _, err := ParsePeerID("aabb"); err == nil {
		t.Fatal("expected error for short peer id")
	}
	if _, err := ParsePeerID("zz11223344556677"); err == nil {
		t.Fatal("expected error for non-hex peer id")
	}
}
