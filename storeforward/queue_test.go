package storeforward

import (
	"errors"
	"testing"

	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/packet"
)

func mkPeerID(b byte) identity.PeerID {
	var id identity.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func mkPacket(payload string) *packet.Packet {
	return &packet.Packet{Type: packet.TypeMessage, Payload: []byte(payload)}
}

func TestEnqueueAndFlushInFIFOOrder(t *testing.T) {
	q := NewQueue(DefaultMaxEntries, DefaultMaxBytes)
	recipient := mkPeerID(0x01)

	q.Enqueue(recipient, mkPacket("first"))
	q.Enqueue(recipient, mkPacket("second"))
	q.Enqueue(recipient, mkPacket("third"))

	var order []string
	err := q.FlushFor(recipient, func(p *packet.Packet) error {
		order = append(order, string(p.Payload))
		return nil
	})
	if err != nil {
		t.Fatalf("FlushFor: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
	if q.Len(recipient) != 0 {
		t.Fatalf("expected queue cleared after successful flush, got %d remaining", q.Len(recipient))
	}
}

func TestEvictsOldestWhenEntryCapExceeded(t *testing.T) {
	q := NewQueue(2, DefaultMaxBytes)
	recipient := mkPeerID(0x02)

	q.Enqueue(recipient, mkPacket("one"))
	q.Enqueue(recipient, mkPacket("two"))
	q.Enqueue(recipient, mkPacket("three"))

	if q.Len(recipient) != 2 {
		t.Fatalf("expected cap of 2 entries, got %d", q.Len(recipient))
	}

	var order []string
	q.FlushFor(recipient, func(p *packet.Packet) error {
		order = append(order, string(p.Payload))
		return nil
	})
	if len(order) != 2 || order[0] != "two" || order[1] != "three" {
		t.Fatalf("expected oldest entry evicted, got %v", order)
	}
}

func TestEvictsOldestWhenByteCapExceeded(t *testing.T) {
	q := NewQueue(DefaultMaxEntries, 10)
	recipient := mkPeerID(0x03)

	q.Enqueue(recipient, mkPacket("0123456789")) // exactly 10 bytes
	q.Enqueue(recipient, mkPacket("x"))          // pushes total to 11, evicts first

	if q.Len(recipient) != 1 {
		t.Fatalf("expected only 1 entry after byte-cap eviction, got %d", q.Len(recipient))
	}
}

func TestFlushStopsOnErrorAndKeepsRemainder(t *testing.T) {
	q := NewQueue(DefaultMaxEntries, DefaultMaxBytes)
	recipient := mkPeerID(0x04)

	q.Enqueue(recipient, mkPacket("a"))
	q.Enqueue(recipient, mkPacket("b"))
	q.Enqueue(recipient, mkPacket("c"))

	sendErr := errors.New("boom")
	count := 0
	err := q.FlushFor(recipient, func(p *packet.Packet) error {
		count++
		if count == 2 {
			return sendErr
		}
		return nil
	})
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected sendErr, got %v", err)
	}
	if q.Len(recipient) != 2 {
		t.Fatalf("expected 2 entries left queued (failed + unsent), got %d", q.Len(recipient))
	}
}
