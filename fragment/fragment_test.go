package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/packet"
)

func sampleHeader(t *testing.T) packet.Packet {
	t.Helper()
	var sender identity.PeerID
	copy(sender[:], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0x00, 0x11, 0x22, 0x33})
	return packet.Packet{
		Version:     packet.Version2,
		TTL:         packet.MaxTTL,
		TimestampMS: 1700000000000,
		SenderID:    sender,
	}
}

func TestSplitAndReassembleRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("mesh-payload-"), 500)
	header := sampleHeader(t)

	frags, err := Split(original, 256, header)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(frags) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(frags))
	}
	for _, f := range frags {
		if f.Type != packet.TypeFragment {
			t.Fatalf("fragment has wrong type: %v", f.Type)
		}
	}

	r := NewReassembler(16, DefaultReassemblyTimeout)
	var result []byte
	var done bool
	for _, f := range frags {
		result, done, err = r.Add(f)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !done {
		t.Fatal("reassembly did not complete after all fragments added")
	}
	if !bytes.Equal(result, original) {
		t.Fatal("reassembled bytes do not match original")
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	original := bytes.Repeat([]byte("x"), 1000)
	header := sampleHeader(t)

	frags, err := Split(original, 100, header)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	// Reverse arrival order.
	reversed := make([]*packet.Packet, len(frags))
	for i, f := range frags {
		reversed[len(frags)-1-i] = f
	}

	r := NewReassembler(16, DefaultReassemblyTimeout)
	var result []byte
	var done bool
	for _, f := range reversed {
		result, done, err = r.Add(f)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !done {
		t.Fatal("reassembly did not complete for out-of-order fragments")
	}
	if !bytes.Equal(result, original) {
		t.Fatal("out-of-order reassembly produced wrong bytes")
	}
}

func TestDuplicateFragmentIgnored(t *testing.T) {
	original := bytes.Repeat([]byte("y"), 300)
	header := sampleHeader(t)

	frags, err := Split(original, 100, header)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	r := NewReassembler(16, DefaultReassemblyTimeout)
	if _, _, err := r.Add(frags[0]); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Re-adding the same fragment must not error or double-count.
	if _, done, err := r.Add(frags[0]); err != nil || done {
		t.Fatalf("duplicate add: done=%v err=%v", done, err)
	}

	var result []byte
	var done bool
	for _, f := range frags[1:] {
		result, done, err = r.Add(f)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !done || !bytes.Equal(result, original) {
		t.Fatal("reassembly after duplicate did not complete correctly")
	}
}

func TestCancelRemovesInFlightTransfer(t *testing.T) {
	header := sampleHeader(t)
	frags, err := Split(bytes.Repeat([]byte("z"), 500), 100, header)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	r := NewReassembler(16, DefaultReassemblyTimeout)
	if _, _, err := r.Add(frags[0]); err != nil {
		t.Fatalf("Add: %v", err)
	}

	transferID, _, _, _, err := fragmentFields(frags[0])
	if err != nil {
		t.Fatalf("fragmentFields: %v", err)
	}
	if !r.InFlight(transferID) {
		t.Fatal("expected transfer to be in flight before cancel")
	}
	r.Cancel(transferID)
	if r.InFlight(transferID) {
		t.Fatal("expected transfer to be gone after cancel")
	}
}

func TestReassemblyEvictsAfterTimeout(t *testing.T) {
	header := sampleHeader(t)
	frags, err := Split(bytes.Repeat([]byte("w"), 500), 100, header)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	r := NewReassembler(16, 20*time.Millisecond)
	if _, _, err := r.Add(frags[0]); err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	transferID, _, _, _, err := fragmentFields(frags[0])
	if err != nil {
		t.Fatalf("fragmentFields: %v", err)
	}
	if r.InFlight(transferID) {
		t.Fatal("expected transfer to be evicted after timeout")
	}
}

func TestSplitSinglePacketFitsInOneFragment(t *testing.T) {
	header := sampleHeader(t)
	frags, err := Split([]byte("small"), 1024, header)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("expected exactly 1 fragment, got %d", len(frags))
	}
}
