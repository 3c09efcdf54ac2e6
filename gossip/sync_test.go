package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/packet"
)

type fakePeerSender struct {
	mu  sync.Mutex
	out map[identity.PeerID][][]byte
}

func newFakePeerSender() *fakePeerSender {
	return &fakePeerSender{out: make(map[identity.PeerID][][]byte)}
}

func (f *fakePeerSender) SendToPeer(peerID identity.PeerID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[peerID] = append(f.out[peerID], append([]byte(nil), data...))
	return nil
}

var _ PeerSender = (*fakePeerSender)(nil)

type fakeDirectPeers struct {
	peers []identity.PeerID
}

func (f *fakeDirectPeers) DirectPeers() []identity.PeerID { return f.peers }

var _ DirectPeerLister = (*fakeDirectPeers)(nil)

func mkPeerID(b byte) identity.PeerID {
	var id identity.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestSyncerRespondsToRequestSyncWithMissingPackets(t *testing.T) {
	self := mkPeerID(0x01)
	peer := mkPeerID(0x02)
	sender := newFakePeerSender()
	syncer := NewSyncer(self, &fakeDirectPeers{}, sender)

	have := &packet.Packet{Version: packet.Version1, Type: packet.TypeMessage, SenderID: self, TimestampMS: 1, Payload: []byte("hello")}
	syncer.ObservePublic(have)

	emptyFilter := BuildFilter(nil, DefaultFilterParam)
	payload, err := emptyFilter.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	if err := syncer.HandleRequestSync(peer, payload); err != nil {
		t.Fatalf("HandleRequestSync: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	sent := sender.out[peer]
	if len(sent) != 1 {
		t.Fatalf("expected exactly one missing packet sent back, got %d", len(sent))
	}
	decoded, err := packet.Decode(sent[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded.Payload) != "hello" {
		t.Fatalf("got payload %q, want %q", decoded.Payload, "hello")
	}
}

func TestSyncerOmitsPacketsAlreadyInRequesterFilter(t *testing.T) {
	self := mkPeerID(0x03)
	peer := mkPeerID(0x04)
	sender := newFakePeerSender()
	syncer := NewSyncer(self, &fakeDirectPeers{}, sender)

	have := &packet.Packet{Version: packet.Version1, Type: packet.TypeMessage, SenderID: self, TimestampMS: 1, Payload: []byte("hello")}
	syncer.ObservePublic(have)

	full := BuildFilter([]uint64{PacketHash(have)}, DefaultFilterParam)
	payload, err := full.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	if err := syncer.HandleRequestSync(peer, payload); err != nil {
		t.Fatalf("HandleRequestSync: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.out[peer]) != 0 {
		t.Fatalf("expected no packets sent when requester's filter already covers it, got %d", len(sender.out[peer]))
	}
}

func TestSyncerRateLimitsRequestSyncPerPeerDirection(t *testing.T) {
	self := mkPeerID(0x05)
	peer := mkPeerID(0x06)
	sender := newFakePeerSender()
	syncer := NewSyncer(self, &fakeDirectPeers{peers: []identity.PeerID{peer}}, sender)

	if err := syncer.syncWith(peer); err != nil {
		t.Fatalf("first syncWith: %v", err)
	}
	if err := syncer.syncWith(peer); err != nil {
		t.Fatalf("second syncWith: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.out[peer]) != 1 {
		t.Fatalf("expected rate limiting to suppress the immediate second sync, got %d sends", len(sender.out[peer]))
	}
}

func TestOnFirstAnnounceSchedulesInitialSync(t *testing.T) {
	self := mkPeerID(0x07)
	peer := mkPeerID(0x08)
	sender := newFakePeerSender()
	syncer := NewSyncer(self, &fakeDirectPeers{}, sender)

	syncer.OnFirstAnnounce(peer)

	deadline := time.Now().Add(InitialSyncDelay + 500*time.Millisecond)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		n := len(sender.out[peer])
		sender.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected an initial sync to be sent after InitialSyncDelay")
}

func TestSetTuningOverridesFilterParamAndBudget(t *testing.T) {
	self := mkPeerID(0x09)
	syncer := NewSyncer(self, &fakeDirectPeers{}, newFakePeerSender())

	syncer.SetTuning(50, 3, 100)

	if syncer.filterParam != 3 {
		t.Fatalf("expected filterParam 3, got %d", syncer.filterParam)
	}
	if syncer.filterBudget != 100 {
		t.Fatalf("expected filterBudget 100, got %d", syncer.filterBudget)
	}
	if syncer.replyBudget != 400 {
		t.Fatalf("expected replyBudget to scale with filterBudget, got %d", syncer.replyBudget)
	}

	// Zero values leave the existing tuning untouched.
	syncer.SetTuning(0, 0, 0)
	if syncer.filterParam != 3 || syncer.filterBudget != 100 {
		t.Fatal("expected zero overrides to be no-ops")
	}
}
