package nostr

import "testing"

func TestDeriveMainIdentityIsDeterministic(t *testing.T) {
	secret := []byte("device master secret for testing")

	a, err := DeriveMainIdentity(secret)
	if err != nil {
		t.Fatalf("DeriveMainIdentity: %v", err)
	}
	b, err := DeriveMainIdentity(secret)
	if err != nil {
		t.Fatalf("DeriveMainIdentity: %v", err)
	}

	if a.PubKeyHex() != b.PubKeyHex() {
		t.Fatal("expected main identity to be deterministic across calls")
	}
	if a.DHPub != b.DHPub {
		t.Fatal("expected dh public key to be deterministic across calls")
	}
}

func TestDeriveGeohashIdentityDiffersFromMainAndOtherGeohashes(t *testing.T) {
	secret := []byte("device master secret for testing")

	main, err := DeriveMainIdentity(secret)
	if err != nil {
		t.Fatalf("DeriveMainIdentity: %v", err)
	}
	gh1, err := DeriveGeohashIdentity(secret, "u4pruydq")
	if err != nil {
		t.Fatalf("DeriveGeohashIdentity: %v", err)
	}
	gh2, err := DeriveGeohashIdentity(secret, "9q8yyk8y")
	if err != nil {
		t.Fatalf("DeriveGeohashIdentity: %v", err)
	}
	gh1Again, err := DeriveGeohashIdentity(secret, "u4pruydq")
	if err != nil {
		t.Fatalf("DeriveGeohashIdentity: %v", err)
	}

	if gh1.PubKeyHex() == main.PubKeyHex() {
		t.Fatal("expected geohash identity to differ from main identity")
	}
	if gh1.PubKeyHex() == gh2.PubKeyHex() {
		t.Fatal("expected different geohashes to derive different identities")
	}
	if gh1.PubKeyHex() != gh1Again.PubKeyHex() {
		t.Fatal("expected same geohash to re-derive the same identity")
	}
}

func TestRandomIdentityVariesEachCall(t *testing.T) {
	a, err := randomIdentity()
	if err != nil {
		t.Fatalf("randomIdentity: %v", err)
	}
	b, err := randomIdentity()
	if err != nil {
		t.Fatalf("randomIdentity: %v", err)
	}
	if a.PubKeyHex() == b.PubKeyHex() {
		t.Fatal("expected ephemeral identities to differ across calls")
	}
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	id, err := DeriveMainIdentity([]byte("another secret"))
	if err != nil {
		t.Fatalf("DeriveMainIdentity: %v", err)
	}
	data := []byte("hello nostr")
	sig := id.Sign(data)
	if len(sig) == 0 {
		t.Fatal("expected non-empty signature")
	}
}
