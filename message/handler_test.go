package message

import (
	"sync"
	"testing"

	"github.com/noisemesh/meshchat/events"
	"github.com/noisemesh/meshchat/favorites"
	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/packet"
	"github.com/noisemesh/meshchat/peer"
	"github.com/noisemesh/meshchat/security"
	"github.com/noisemesh/meshchat/storeforward"
	"github.com/noisemesh/meshchat/store"
)

// memKV is a minimal in-memory store.KV for constructing a favorites.Index
// in tests without a real bbolt file.
type memKV struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string]map[string][]byte)} }

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
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.data[namespace] {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (m *memKV) ClearNamespace(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespace)
	return nil
}

func (m *memKV) Close() error { return nil }

var _ store.KV = (*memKV)(nil)

// fakeSender records every packet handed to it for delivery.
type fakeSender struct {
	mu        sync.Mutex
	targeted  []*packet.Packet
	broadcast []*packet.Packet
}

func (f *fakeSender) SendToPeer(peerID identity.PeerID, data []byte) error {
	p, err := packet.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.targeted = append(f.targeted, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Broadcast(data []byte) error {
	p, err := packet.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.broadcast = append(f.broadcast, p)
	f.mu.Unlock()
	return nil
}

var _ Sender = (*fakeSender)(nil)

func newTestHandler(t *testing.T) (*Handler, identity.Provider, *fakeSender, *peer.Registry, *events.Bus) {
	t.Helper()
	self, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	core := security.NewCore(self, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	registry := peer.NewRegistry()
	fav, err := favorites.NewIndex(newMemKV(), nil)
	if err != nil {
		t.Fatalf("favorites.NewIndex: %v", err)
	}
	outbox := storeforward.NewQueue(storeforward.DefaultMaxEntries, storeforward.DefaultMaxBytes)
	bus := events.NewBus()
	sender := &fakeSender{}
	h := NewHandler(self, "tester", registry, core, fav, outbox, bus, sender)
	return h, self, sender, registry, bus
}

func mkPeerID(b byte) identity.PeerID {
	var id identity.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestHandleAnnounceGreetsBackExactlyOnce(t *testing.T) {
	h, _, sender, registry, _ := newTestHandler(t)
	remotePeer := mkPeerID(0x01)

	remote, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	ann := IdentityAnnouncement{Nickname: "alice", NoiseStaticPub: remote.NoiseStaticPublicKey(), SigningPub: remote.SigningPublicKey()}
	p := &packet.Packet{Type: packet.TypeAnnounce, SenderID: remotePeer, TimestampMS: 1, Payload: ann.Encode()}

	if err := h.HandleAnnounce(p); err != nil {
		t.Fatalf("HandleAnnounce: %v", err)
	}
	if err := h.HandleAnnounce(p); err != nil {
		t.Fatalf("second HandleAnnounce: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.targeted) != 1 {
		t.Fatalf("expected exactly one greet-back announcement, got %d", len(sender.targeted))
	}
	if sender.targeted[0].Type != packet.TypeAnnounce {
		t.Fatalf("expected an ANNOUNCE reply, got %s", sender.targeted[0].Type)
	}

	rec, ok := registry.Get(remotePeer)
	if !ok || rec.Nickname != "alice" {
		t.Fatalf("expected registry to record the announced nickname, got %+v", rec)
	}
}

func TestHandleMessageDecryptsChannelBody(t *testing.T) {
	h, _, _, _, bus := newTestHandler(t)
	ch, _ := bus.Subscribe()

	key := DeriveChannelKey("hunter2", "#general")
	h.SetChannelKey("#general", key)

	ct, err := EncryptChannelMessage(key, []byte("hello channel"))
	if err != nil {
		t.Fatalf("EncryptChannelMessage: %v", err)
	}
	body := MessageBody{Channel: "#general", Body: ct}
	p := &packet.Packet{Type: packet.TypeMessage, SenderID: mkPeerID(0x02), TimestampMS: 1, Payload: body.Encode(), Signature: make([]byte, packet.SignatureSize)}

	if err := h.HandleMessage(p); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	ev := <-ch
	rm, ok := ev.Data.(*ReceivedMessage)
	if !ok {
		t.Fatalf("expected *ReceivedMessage event, got %T", ev.Data)
	}
	if string(rm.Content) != "hello channel" {
		t.Fatalf("got content %q, want %q", rm.Content, "hello channel")
	}
}

func TestHandleNoiseEncryptedPrivateMessageEmitsAndAcks(t *testing.T) {
	hA, selfA, senderA, _, _ := newTestHandler(t)
	hB, selfB, senderB, _, busB := newTestHandler(t)

	coreA := security.NewCore(selfA, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	coreB := security.NewCore(selfB, security.DefaultDedupCapacity, security.DefaultDedupTTL)
	hA.core = coreA
	hB.core = coreB
	hA.sender = senderA

	peerA, peerB := selfA.PeerID(), selfB.PeerID()
	var initiator, responder *security.Core
	var initPeer, respPeer identity.PeerID
	if peerA.Less(peerB) {
		initiator, responder, initPeer, respPeer = coreA, coreB, peerA, peerB
	} else {
		initiator, responder, initPeer, respPeer = coreB, coreA, peerB, peerA
	}

	msg1, err := initiator.BeginHandshake(respPeer)
	if err != nil {
		t.Fatalf("BeginHandshake: %v", err)
	}
	msg2, _, err := responder.AdvanceHandshake(initPeer, msg1)
	if err != nil {
		t.Fatalf("responder AdvanceHandshake: %v", err)
	}
	msg3, established, err := initiator.AdvanceHandshake(respPeer, msg2)
	if err != nil || !established {
		t.Fatalf("initiator AdvanceHandshake: established=%v err=%v", established, err)
	}
	if _, established, err = responder.AdvanceHandshake(initPeer, msg3); err != nil || !established {
		t.Fatalf("responder final AdvanceHandshake: established=%v err=%v", established, err)
	}

	inner := NoisePayload{Type: InnerPrivateMessage, Data: PrivateMessagePacket{MessageID: "m1", Content: []byte("hi B")}.Encode()}
	ct, err := coreA.Encrypt(peerB, inner.Encode())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	sub, _ := busB.Subscribe()
	p := &packet.Packet{Type: packet.TypeNoiseEncrypted, SenderID: peerA, TimestampMS: 1, Payload: ct}
	if err := hB.HandleNoiseEncrypted(p); err != nil {
		t.Fatalf("HandleNoiseEncrypted: %v", err)
	}

	ev := <-sub
	rm, ok := ev.Data.(*ReceivedMessage)
	if !ok || !rm.Private || string(rm.Content) != "hi B" {
		t.Fatalf("unexpected event %+v", ev)
	}

	senderB.mu.Lock()
	defer senderB.mu.Unlock()
	if len(senderB.targeted) != 1 || senderB.targeted[0].Type != packet.TypeNoiseEncrypted || senderB.targeted[0].RecipientID != peerA {
		t.Fatalf("expected one NOISE_ENCRYPTED delivery ack sent back to A, got %+v", senderB.targeted)
	}
}

func TestHandleDeliveryAckAndReadReceiptPublishEvents(t *testing.T) {
	h, _, _, _, bus := newTestHandler(t)
	sub, _ := bus.Subscribe()

	p := &packet.Packet{Type: packet.TypeDeliveryAck, SenderID: mkPeerID(0x03), Payload: []byte("m1")}
	if err := h.HandleDeliveryAck(p); err != nil {
		t.Fatalf("HandleDeliveryAck: %v", err)
	}
	ev := <-sub
	if ev.Kind != events.MessageDelivered {
		t.Fatalf("expected MessageDelivered, got %s", ev.Kind)
	}

	p2 := &packet.Packet{Type: packet.TypeReadReceipt, SenderID: mkPeerID(0x03), Payload: []byte("m1")}
	if err := h.HandleReadReceipt(p2); err != nil {
		t.Fatalf("HandleReadReceipt: %v", err)
	}
	ev2 := <-sub
	if ev2.Kind != events.MessageRead {
		t.Fatalf("expected MessageRead, got %s", ev2.Kind)
	}
}

func TestHandleLeaveRemovesPeerAndPublishesChannelLeft(t *testing.T) {
	h, _, _, registry, bus := newTestHandler(t)
	sub, _ := bus.Subscribe()
	peerID := mkPeerID(0x04)
	registry.AddOrUpdate(peerID, "bob")

	p := &packet.Packet{Type: packet.TypeLeave, SenderID: peerID, Payload: []byte("#general")}
	if err := h.HandleLeave(p); err != nil {
		t.Fatalf("HandleLeave: %v", err)
	}
	if _, ok := registry.Get(peerID); ok {
		t.Fatal("expected peer removed from registry")
	}
	ev := <-sub
	if ev.Kind != events.ChannelLeft || ev.Data.(string) != "#general" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
