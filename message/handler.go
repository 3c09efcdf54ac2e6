// Package message implements the Message Handler (spec.md 4.7): per-type
// semantic processing of validated packets, plus the channel-key
// derivation and TLV payload types the other packet types carry. It
// generalizes the teacher's CreateMessageInitiation/ConsumeMessage*
// style — one function per wire message operating on shared Handshake
// state — from two handshake messages to ten packet types operating on
// shared Peer Registry / Security Core / Favorites state.
package message

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noisemesh/meshchat/events"
	"github.com/noisemesh/meshchat/favorites"
	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/packet"
	"github.com/noisemesh/meshchat/peer"
	"github.com/noisemesh/meshchat/security"
	"github.com/noisemesh/meshchat/storeforward"
)

// Sender is the narrow delivery port the Message Handler needs from the
// BLE Connection Manager: targeted reply to one peer, or broadcast to
// every direct peer. Kept as an interface so this package doesn't import
// ble directly.
type Sender interface {
	SendToPeer(peerID identity.PeerID, data []byte) error
	Broadcast(data []byte) error
}

// SyncRequestHandler receives REQUEST_SYNC packets (spec.md 4.7, 4.9).
// Gossip Sync implements this; it's optional so message doesn't have to
// import gossip.
type SyncRequestHandler interface {
	HandleRequestSync(from identity.PeerID, payload []byte) error
}

// ReceivedMessage is published on events.MessageReceived for both
// channel/broadcast MESSAGE packets and decrypted private messages.
type ReceivedMessage struct {
	From      identity.PeerID
	Channel   string
	MessageID string
	Content   []byte
	Private   bool
}

// ReceivedFile is published on events.MessageReceived for file transfers,
// whether carried as a top-level FILE_TRANSFER packet or wrapped inside a
// NOISE_ENCRYPTED payload.
type ReceivedFile struct {
	From identity.PeerID
	File BitchatFilePacket
}

// DeliveryNotice is published on events.MessageDelivered / events.MessageRead.
type DeliveryNotice struct {
	Peer      identity.PeerID
	MessageID string
}

// Handler dispatches each validated packet type to its semantic handling
// (spec.md 4.7).
type Handler struct {
	self      identity.Provider
	nickname  string
	registry  *peer.Registry
	core      *security.Core
	favorites *favorites.Index
	outbox    *storeforward.Queue
	bus       *events.Bus
	sender    Sender

	mu          sync.RWMutex
	channelKeys map[string][]byte
	syncHandler SyncRequestHandler
}

// NewHandler constructs a Handler. nickname is this device's own
// announced display name.
func NewHandler(self identity.Provider, nickname string, registry *peer.Registry, core *security.Core, fav *favorites.Index, outbox *storeforward.Queue, bus *events.Bus, sender Sender) *Handler {
	return &Handler{
		self:        self,
		nickname:    nickname,
		registry:    registry,
		core:        core,
		favorites:   fav,
		outbox:      outbox,
		bus:         bus,
		sender:      sender,
		channelKeys: make(map[string][]byte),
	}
}

// SetChannelKey installs the derived key for a password-protected
// channel (see DeriveChannelKey), so incoming MESSAGE packets tagged for
// it can be decrypted.
func (h *Handler) SetChannelKey(channelTag string, key []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelKeys[channelTag] = key
}

func (h *Handler) channelKey(channelTag string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	k, ok := h.channelKeys[channelTag]
	return k, ok
}

// SetSyncHandler wires Gossip Sync's REQUEST_SYNC handling in.
func (h *Handler) SetSyncHandler(sh SyncRequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncHandler = sh
}

func nowMS() uint64 { return uint64(time.Now().UnixMilli()) }

func (h *Handler) localAnnouncement() IdentityAnnouncement {
	return IdentityAnnouncement{
		Nickname:       h.nickname,
		NoiseStaticPub: h.self.NoiseStaticPublicKey(),
		SigningPub:     h.self.SigningPublicKey(),
	}
}

func (h *Handler) sendTargeted(p *packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("message: encode packet: %w", err)
	}
	return h.sender.SendToPeer(p.RecipientID, data)
}

func (h *Handler) sendBroadcast(p *packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("message: encode packet: %w", err)
	}
	return h.sender.Broadcast(data)
}

// Dispatch routes a validated packet to its per-type handling (spec.md
// 4.7). FRAGMENT packets never reach here — the Packet Processor
// reassembles them and re-enters its own pipeline first.
func (h *Handler) Dispatch(p *packet.Packet) error {
	switch p.Type {
	case packet.TypeAnnounce:
		return h.HandleAnnounce(p)
	case packet.TypeLeave:
		return h.HandleLeave(p)
	case packet.TypeMessage:
		return h.HandleMessage(p)
	case packet.TypeNoiseHandshake:
		return h.HandleNoiseHandshake(p)
	case packet.TypeNoiseEncrypted:
		return h.HandleNoiseEncrypted(p)
	case packet.TypeDeliveryAck:
		return h.HandleDeliveryAck(p)
	case packet.TypeReadReceipt:
		return h.HandleReadReceipt(p)
	case packet.TypeRequestSync:
		return h.HandleRequestSync(p)
	case packet.TypeFileTransfer:
		return h.HandleFileTransfer(p)
	default:
		return fmt.Errorf("message: no handler for packet type %s", p.Type)
	}
}

// HandleAnnounce decodes an IdentityAnnouncement, updates the Peer
// Registry, migrates a rotated peer ID if the noise key is already
// known under a different one, greets the peer back if we haven't yet,
// and refreshes the Favorites secondary index (spec.md 4.7).
func (h *Handler) HandleAnnounce(p *packet.Packet) error {
	ann, err := DecodeIdentityAnnouncement(p.Payload)
	if err != nil {
		return fmt.Errorf("message: announce from %s: %w", p.SenderID, err)
	}

	fp := identity.FingerprintOf(ann.NoiseStaticPub)
	if oldPeerID, known := h.registry.PeerIDForFingerprint(fp); known && oldPeerID != p.SenderID {
		if _, ok := h.registry.Rotate(fp, p.SenderID); ok {
			h.favorites.Rebind(oldPeerID, p.SenderID)
		}
	}

	h.registry.UpdateInfo(p.SenderID, ann.Nickname, ann.NoiseStaticPub, ann.SigningPub, true)
	h.registry.StoreFingerprint(p.SenderID, ann.NoiseStaticPub)

	pubHex := hex.EncodeToString(ann.NoiseStaticPub)
	if rel, found := h.favorites.Get(pubHex); found {
		rel.Nickname = ann.Nickname
		if err := h.favorites.Put(p.SenderID, rel); err != nil {
			return fmt.Errorf("message: refresh favorites index for %s: %w", p.SenderID, err)
		}
	}

	peerRec, _ := h.registry.Get(p.SenderID)
	h.bus.Publish(events.Event{Kind: events.PeerDiscovered, Data: peerRec})

	if !h.registry.HasAnnounced(p.SenderID) {
		reply := &packet.Packet{
			Version:      packet.Version1,
			Type:         packet.TypeAnnounce,
			TTL:          packet.MaxTTL,
			TimestampMS:  nowMS(),
			SenderID:     h.self.PeerID(),
			HasRecipient: true,
			RecipientID:  p.SenderID,
			Payload:      h.localAnnouncement().Encode(),
		}
		if err := h.sendTargeted(reply); err != nil {
			return fmt.Errorf("message: send targeted announcement to %s: %w", p.SenderID, err)
		}
		h.registry.MarkAnnounced(p.SenderID)
	}
	return nil
}

// HandleLeave removes the peer and surfaces a channel-leave event if the
// payload carried a channel tag (spec.md 4.7).
func (h *Handler) HandleLeave(p *packet.Packet) error {
	channelTag := string(p.Payload)
	h.registry.Remove(p.SenderID)
	h.core.DropSession(p.SenderID)
	if channelTag != "" {
		h.bus.Publish(events.Event{Kind: events.ChannelLeft, Data: channelTag})
	}
	return nil
}

// HandleMessage verifies the sender's signature, decrypts the payload if
// it is tagged for a channel we hold the key for, and emits it to the UI
// (spec.md 4.7).
func (h *Handler) HandleMessage(p *packet.Packet) error {
	if p.Signature == nil {
		return fmt.Errorf("message: unsigned MESSAGE from %s", p.SenderID)
	}
	if peerRec, ok := h.registry.Get(p.SenderID); ok && len(peerRec.SigningPub) > 0 {
		signed, err := packet.ToBytesForSigning(p)
		if err != nil {
			return err
		}
		if !security.Verify(peerRec.SigningPub, signed, p.Signature) {
			return fmt.Errorf("message: signature verification failed for %s", p.SenderID)
		}
	}

	body, err := DecodeMessageBody(p.Payload)
	if err != nil {
		return fmt.Errorf("message: decode body from %s: %w", p.SenderID, err)
	}

	plaintext := body.Body
	if body.Channel != "" {
		if key, ok := h.channelKey(body.Channel); ok {
			pt, err := DecryptChannelMessage(key, body.Body)
			if err != nil {
				return fmt.Errorf("message: decrypt channel %q from %s: %w", body.Channel, p.SenderID, err)
			}
			plaintext = pt
		}
	}

	h.bus.Publish(events.Event{Kind: events.MessageReceived, Data: &ReceivedMessage{
		From:    p.SenderID,
		Channel: body.Channel,
		Content: plaintext,
	}})
	return nil
}

// HandleNoiseHandshake forwards an inbound handshake message to the
// Security Core, flushes any store-and-forward backlog once the session
// establishes, and broadcasts this side's next handshake message if one
// is produced (spec.md 4.7).
func (h *Handler) HandleNoiseHandshake(p *packet.Packet) error {
	outgoing, established, err := h.core.AdvanceHandshake(p.SenderID, p.Payload)
	if err != nil {
		h.bus.Publish(events.Event{Kind: events.SessionFailed, Data: p.SenderID})
		return fmt.Errorf("message: handshake with %s: %w", p.SenderID, err)
	}

	if established {
		h.bus.Publish(events.Event{Kind: events.SessionEstablished, Data: p.SenderID})
		if err := h.outbox.FlushFor(p.SenderID, h.sendEncryptedBytes(p.SenderID)); err != nil {
			return fmt.Errorf("message: flush store-and-forward for %s: %w", p.SenderID, err)
		}
	}

	if outgoing == nil {
		return nil
	}
	reply := &packet.Packet{
		Version:      packet.Version1,
		Type:         packet.TypeNoiseHandshake,
		TTL:          packet.MaxTTL,
		TimestampMS:  nowMS(),
		SenderID:     h.self.PeerID(),
		HasRecipient: true,
		RecipientID:  p.SenderID,
		Payload:      outgoing,
	}
	return h.sendBroadcast(reply)
}

// sendEncryptedBytes adapts storeforward.Queue.FlushFor's send callback
// to re-encode and deliver an already-built packet to peer.
func (h *Handler) sendEncryptedBytes(peerID identity.PeerID) func(*packet.Packet) error {
	return func(pkt *packet.Packet) error {
		data, err := packet.Encode(pkt)
		if err != nil {
			return fmt.Errorf("message: encode queued packet for %s: %w", peerID, err)
		}
		return h.sender.SendToPeer(peerID, data)
	}
}

// HandleNoiseEncrypted decrypts the payload under the established
// session with the sender, parses the inner NoisePayload, and dispatches
// by its inner type (spec.md 4.7).
func (h *Handler) HandleNoiseEncrypted(p *packet.Packet) error {
	plaintext, err := h.core.Decrypt(p.SenderID, p.Payload)
	if errors.Is(err, security.ErrNoSession) {
		// No mesh session ever existed with this sender: this is a
		// geohash-alias conversation delivered purely over Nostr, whose
		// confidentiality was already provided end-to-end by the gift
		// wrap's own sealing (spec.md 4.10, 4.11) before it reached here,
		// so the packet's payload carries the NoisePayload TLV directly
		// rather than a second Noise ciphertext layer.
		plaintext = p.Payload
	} else if err != nil {
		return fmt.Errorf("message: decrypt from %s: %w", p.SenderID, err)
	}
	inner, err := DecodeNoisePayload(plaintext)
	if err != nil {
		return fmt.Errorf("message: decode noise payload from %s: %w", p.SenderID, err)
	}

	switch inner.Type {
	case InnerPrivateMessage:
		pm, err := DecodePrivateMessagePacket(inner.Data)
		if err != nil {
			return err
		}
		h.bus.Publish(events.Event{Kind: events.MessageReceived, Data: &ReceivedMessage{
			From:      p.SenderID,
			MessageID: pm.MessageID,
			Content:   pm.Content,
			Private:   true,
		}})
		return h.sendDeliveredAck(p.SenderID, pm.MessageID)
	case InnerDelivered:
		h.bus.Publish(events.Event{Kind: events.MessageDelivered, Data: &DeliveryNotice{Peer: p.SenderID, MessageID: string(inner.Data)}})
		return nil
	case InnerReadReceipt:
		h.bus.Publish(events.Event{Kind: events.MessageRead, Data: &DeliveryNotice{Peer: p.SenderID, MessageID: string(inner.Data)}})
		return nil
	case InnerFileTransfer:
		f, err := DecodeBitchatFilePacket(inner.Data)
		if err != nil {
			return err
		}
		h.bus.Publish(events.Event{Kind: events.MessageReceived, Data: &ReceivedFile{From: p.SenderID, File: f}})
		return nil
	default:
		return fmt.Errorf("message: unknown noise payload type %d from %s", inner.Type, p.SenderID)
	}
}

// sendDeliveredAck wraps a DELIVERED acknowledgement in a NOISE_ENCRYPTED
// reply. A missing session (the handshake hasn't completed our side yet)
// is not fatal to having received the message, so the ack is skipped
// rather than failing the whole receive.
func (h *Handler) sendDeliveredAck(to identity.PeerID, messageID string) error {
	ct, err := h.core.Encrypt(to, NoisePayload{Type: InnerDelivered, Data: []byte(messageID)}.Encode())
	if err != nil {
		return nil
	}
	pkt := &packet.Packet{
		Version:      packet.Version1,
		Type:         packet.TypeNoiseEncrypted,
		TTL:          packet.MaxTTL,
		TimestampMS:  nowMS(),
		SenderID:     h.self.PeerID(),
		HasRecipient: true,
		RecipientID:  to,
		Payload:      ct,
	}
	return h.sendTargeted(pkt)
}

// HandleDeliveryAck surfaces a top-level DELIVERY_ACK packet to the UI
// (spec.md 4.7).
func (h *Handler) HandleDeliveryAck(p *packet.Packet) error {
	h.bus.Publish(events.Event{Kind: events.MessageDelivered, Data: &DeliveryNotice{Peer: p.SenderID, MessageID: string(p.Payload)}})
	return nil
}

// HandleReadReceipt surfaces a top-level READ_RECEIPT packet to the UI.
func (h *Handler) HandleReadReceipt(p *packet.Packet) error {
	h.bus.Publish(events.Event{Kind: events.MessageRead, Data: &DeliveryNotice{Peer: p.SenderID, MessageID: string(p.Payload)}})
	return nil
}

// HandleRequestSync passes a REQUEST_SYNC packet to Gossip Sync, if wired.
func (h *Handler) HandleRequestSync(p *packet.Packet) error {
	h.mu.RLock()
	sh := h.syncHandler
	h.mu.RUnlock()
	if sh == nil {
		return nil
	}
	return sh.HandleRequestSync(p.SenderID, p.Payload)
}

// HandleFileTransfer decodes a top-level FILE_TRANSFER packet and
// delivers it to the UI.
func (h *Handler) HandleFileTransfer(p *packet.Packet) error {
	f, err := DecodeBitchatFilePacket(p.Payload)
	if err != nil {
		return fmt.Errorf("message: decode file transfer from %s: %w", p.SenderID, err)
	}
	h.bus.Publish(events.Event{Kind: events.MessageReceived, Data: &ReceivedFile{From: p.SenderID, File: f}})
	return nil
}
