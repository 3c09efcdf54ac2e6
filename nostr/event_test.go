package nostr

import (
	"encoding/hex"
	"testing"
)

func TestEventSignAndVerifyRoundTrip(t *testing.T) {
	id, err := DeriveMainIdentity([]byte("event test secret"))
	if err != nil {
		t.Fatalf("DeriveMainIdentity: %v", err)
	}
	ev := &Event{CreatedAt: 1700000000, Kind: KindGeohashMessage, Tags: [][]string{{"g", "u4pruydq"}}, Content: "hello"}
	if err := ev.Sign(id); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if ev.ID == "" || ev.Sig == "" || ev.PubKey == "" {
		t.Fatal("expected Sign to fill id/sig/pubkey")
	}
	if !ev.Verify() {
		t.Fatal("expected freshly signed event to verify")
	}
}

func TestEventVerifyRejectsTamperedContent(t *testing.T) {
	id, err := DeriveMainIdentity([]byte("event test secret"))
	if err != nil {
		t.Fatalf("DeriveMainIdentity: %v", err)
	}
	ev := &Event{CreatedAt: 1700000000, Kind: KindGeohashMessage, Content: "hello"}
	if err := ev.Sign(id); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ev.Content = "tampered"
	if ev.Verify() {
		t.Fatal("expected verify to fail after content is altered post-signing")
	}
}

func TestEventVerifyRejectsTamperedSignature(t *testing.T) {
	id, err := DeriveMainIdentity([]byte("event test secret"))
	if err != nil {
		t.Fatalf("DeriveMainIdentity: %v", err)
	}
	ev := &Event{CreatedAt: 1700000000, Kind: KindGeohashMessage, Content: "hello"}
	if err := ev.Sign(id); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	other, err := DeriveMainIdentity([]byte("a different secret"))
	if err != nil {
		t.Fatalf("DeriveMainIdentity: %v", err)
	}
	ev.Sig = hex.EncodeToString(other.Sign([]byte("wrong data")))
	if ev.Verify() {
		t.Fatal("expected verify to fail with a foreign signature")
	}
}

func TestCanonicalBytesAreOrderStable(t *testing.T) {
	ev1 := &Event{PubKey: "abc", CreatedAt: 5, Kind: 1, Tags: [][]string{{"g", "u"}}, Content: "x"}
	ev2 := &Event{PubKey: "abc", CreatedAt: 5, Kind: 1, Tags: [][]string{{"g", "u"}}, Content: "x"}

	b1, err := ev1.canonicalBytes()
	if err != nil {
		t.Fatalf("canonicalBytes: %v", err)
	}
	b2, err := ev2.canonicalBytes()
	if err != nil {
		t.Fatalf("canonicalBytes: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatal("expected identical events to serialize identically")
	}
}

func TestNewGeohashMessageTags(t *testing.T) {
	ev := NewGeohashMessage("u4pruydq", "alice", "hi there", true)
	if ev.Kind != KindGeohashMessage {
		t.Fatalf("expected kind %d, got %d", KindGeohashMessage, ev.Kind)
	}
	g, ok := FirstTagValue(ev.Tags, "g")
	if !ok || g != "u4pruydq" {
		t.Fatalf("expected g tag u4pruydq, got %q (present=%v)", g, ok)
	}
	n, ok := FirstTagValue(ev.Tags, "n")
	if !ok || n != "alice" {
		t.Fatalf("expected n tag alice, got %q (present=%v)", n, ok)
	}
	teleport, ok := FirstTagValue(ev.Tags, "t")
	if !ok || teleport != "teleport" {
		t.Fatalf("expected t tag teleport, got %q (present=%v)", teleport, ok)
	}
}

func TestFirstTagValueMissing(t *testing.T) {
	if _, ok := FirstTagValue([][]string{{"g", "u"}}, "n"); ok {
		t.Fatal("expected missing tag to report absent")
	}
}
