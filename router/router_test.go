package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/noisemesh/meshchat/favorites"
	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/peer"
	"github.com/noisemesh/meshchat/security"
	"github.com/noisemesh/meshchat/store"
)

// memKV is a minimal in-memory store.KV, mirroring favorites_test.go's own
// helper so router's tests don't need a real bbolt file.
type memKV struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]map[string][]byte)}
}

func (m *memKV) Get(namespace, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, store.ErrNotFound
	}
	v, ok := ns[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memKV) Put(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *memKV) IteratePrefix(namespace, prefix string, fn func(key string, value []byte) bool) error {
	return nil
}

func (m *memKV) ClearNamespace(namespace string) error { return nil }
func (m *memKV) Close() error                          { return nil }

// fakeMeshSender is an in-memory message.Sender recording every send.
type fakeMeshSender struct {
	mu   sync.Mutex
	sent map[identity.PeerID][][]byte
}

func newFakeMeshSender() *fakeMeshSender {
	return &fakeMeshSender{sent: make(map[identity.PeerID][][]byte)}
}

func (f *fakeMeshSender) SendToPeer(peerID identity.PeerID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerID] = append(f.sent[peerID], append([]byte(nil), data...))
	return nil
}

func (f *fakeMeshSender) Broadcast(data []byte) error { return nil }

func (f *fakeMeshSender) count(peerID identity.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[peerID])
}

// fakeNostrSender is an in-memory NostrSender recording every gift-wrapped
// send without touching the real nostr package.
type fakeNostrSender struct {
	mu   sync.Mutex
	sent []struct {
		npubHex string
		data    []byte
	}
}

func (f *fakeNostrSender) SendDirectMessage(ctx context.Context, npubHex string, packetBytes []byte, targetBits int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct {
		npubHex string
		data    []byte
	}{npubHex, append([]byte(nil), packetBytes...)})
	return nil
}

func newTestIdentity(t *testing.T) identity.Provider {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return id
}

func newTestFavorites(t *testing.T) *favorites.Index {
	t.Helper()
	idx, err := favorites.NewIndex(newMemKV(), nil)
	if err != nil {
		t.Fatalf("favorites.NewIndex: %v", err)
	}
	return idx
}

func TestSendDeliversImmediatelyOverEstablishedMeshSession(t *testing.T) {
	self := newTestIdentity(t)
	remote := newTestIdentity(t)
	core := security.NewCore(self, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	remoteCore := security.NewCore(remote, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	establishSessions(t, self.PeerID(), core, remote.PeerID(), remoteCore)

	registry := peer.NewRegistry()
	registry.AddOrUpdate(remote.PeerID(), "bob")

	sender := newFakeMeshSender()
	r := New(self, registry, core, newTestFavorites(t), sender, &fakeNostrSender{}, 0)

	if err := r.Send(context.Background(), remote.PeerID(), hexOf(remote.NoiseStaticPublicKey()), "m1", []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sender.count(remote.PeerID()) != 1 {
		t.Fatalf("expected one mesh send, got %d", sender.count(remote.PeerID()))
	}
	if r.PendingFor(remote.PeerID()) != 0 {
		t.Fatal("expected nothing queued in the outbox")
	}
}

func TestSendQueuesInOutboxWhileHandshakingThenFlushesOnSessionEstablished(t *testing.T) {
	self := newTestIdentity(t)
	remote := newTestIdentity(t)
	core := security.NewCore(self, security.DefaultDedupCapacity, security.DefaultDedupTTL)

	registry := peer.NewRegistry()
	registry.AddOrUpdate(remote.PeerID(), "bob")

	sender := newFakeMeshSender()
	r := New(self, registry, core, newTestFavorites(t), sender, &fakeNostrSender{}, 0)

	if err := r.Send(context.Background(), remote.PeerID(), hexOf(remote.NoiseStaticPublicKey()), "m1", []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if r.PendingFor(remote.PeerID()) != 1 {
		t.Fatalf("expected one queued outbox entry, got %d", r.PendingFor(remote.PeerID()))
	}
	// A handshake message only goes out over the mesh if self happens to
	// win the peer_id tie-break and initiates; either way the message
	// itself must land in the outbox.

	// Manually drive the established session state the way a real
	// handshake exchange with remote would, then flush. Any handshake Send
	// already began is dropped first, since establishSessions starts a
	// fresh exchange and BeginHandshake cannot write message 1 twice.
	core.DropSession(remote.PeerID())
	remoteCore := security.NewCore(remote, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	establishSessions(t, self.PeerID(), core, remote.PeerID(), remoteCore)

	if err := r.OnSessionEstablished(remote.PeerID()); err != nil {
		t.Fatalf("OnSessionEstablished: %v", err)
	}
	if r.PendingFor(remote.PeerID()) != 0 {
		t.Fatal("expected the outbox to drain after flush")
	}
}

func TestSendFallsBackToNostrForMutualFavoriteWhenMeshPeerUnknown(t *testing.T) {
	self := newTestIdentity(t)
	remote := newTestIdentity(t)
	core := security.NewCore(self, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	remoteCore := security.NewCore(remote, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	establishSessions(t, self.PeerID(), core, remote.PeerID(), remoteCore)

	fav := newTestFavorites(t)
	noiseHex := hexOf(remote.NoiseStaticPublicKey())
	if _, err := fav.SetFavorite(remote.PeerID(), noiseHex, "bob", true); err != nil {
		t.Fatalf("SetFavorite: %v", err)
	}
	if _, err := fav.ApplyRemoteFavorite(remote.PeerID(), noiseHex, "npub1bob", true); err != nil {
		t.Fatalf("ApplyRemoteFavorite: %v", err)
	}

	registry := peer.NewRegistry() // remote is NOT known to mesh right now
	registry.StoreFingerprint(remote.PeerID(), remote.NoiseStaticPublicKey())

	nostrTx := &fakeNostrSender{}
	r := New(self, registry, core, fav, newFakeMeshSender(), nostrTx, 0)

	if err := r.Send(context.Background(), remote.PeerID(), noiseHex, "m1", []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(nostrTx.sent) != 1 {
		t.Fatalf("expected one nostr send, got %d", len(nostrTx.sent))
	}
	if nostrTx.sent[0].npubHex != "npub1bob" {
		t.Fatalf("expected send addressed to npub1bob, got %s", nostrTx.sent[0].npubHex)
	}
}

func TestSendToGeohashAliasUsesNostrPlaintextPath(t *testing.T) {
	self := newTestIdentity(t)
	core := security.NewCore(self, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	nostrTx := &fakeNostrSender{}
	r := New(self, peer.NewRegistry(), core, newTestFavorites(t), newFakeMeshSender(), nostrTx, 0)

	alias := "nostr_" + "deadbeef"
	if err := r.SendToGeohashAlias(context.Background(), alias, "m1", []byte("hi")); err != nil {
		t.Fatalf("SendToGeohashAlias: %v", err)
	}
	if len(nostrTx.sent) != 1 || nostrTx.sent[0].npubHex != "deadbeef" {
		t.Fatalf("expected one send to deadbeef, got %v", nostrTx.sent)
	}
}

func TestSendFailsUnreachableWhenNeitherPathAvailable(t *testing.T) {
	self := newTestIdentity(t)
	remote := newTestIdentity(t)
	core := security.NewCore(self, security.DefaultDedupCapacity, security.DefaultDedupTTL)

	r := New(self, peer.NewRegistry(), core, newTestFavorites(t), newFakeMeshSender(), &fakeNostrSender{}, 0)
	r.unreachableTimeout = 30 * time.Millisecond

	err := r.Send(context.Background(), remote.PeerID(), hexOf(remote.NoiseStaticPublicKey()), "m1", []byte("hi"))
	if err == nil {
		t.Fatal("expected an unreachable error")
	}
}

// establishSessions drives a full Noise XX handshake between two
// security.Core instances so both land in the ESTABLISHED state,
// mirroring security/core_test.go's own handshake test.
func establishSessions(t *testing.T, aPeer identity.PeerID, a *security.Core, bPeer identity.PeerID, b *security.Core) {
	t.Helper()
	var initiator, responder *security.Core
	var initiatorPeer, responderPeer identity.PeerID
	if aPeer.Less(bPeer) {
		initiator, responder = a, b
		initiatorPeer, responderPeer = aPeer, bPeer
	} else {
		initiator, responder = b, a
		initiatorPeer, responderPeer = bPeer, aPeer
	}

	msg1, err := initiator.BeginHandshake(responderPeer)
	if err != nil {
		t.Fatalf("BeginHandshake: %v", err)
	}
	msg2, _, err := responder.AdvanceHandshake(initiatorPeer, msg1)
	if err != nil {
		t.Fatalf("responder AdvanceHandshake(msg1): %v", err)
	}
	msg3, established, err := initiator.AdvanceHandshake(responderPeer, msg2)
	if err != nil {
		t.Fatalf("initiator AdvanceHandshake(msg2): %v", err)
	}
	if !established {
		t.Fatal("initiator should be established after message 2")
	}
	if _, established, err = responder.AdvanceHandshake(initiatorPeer, msg3); err != nil {
		t.Fatalf("responder AdvanceHandshake(msg3): %v", err)
	} else if !established {
		t.Fatal("responder should be established after message 3")
	}
}

func hexOf(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
