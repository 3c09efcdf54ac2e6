// Package router implements the Message Router (spec.md 4.11): the
// mesh-vs-Nostr destination choice for outgoing private messages, backed
// by a per-peer Outbox for sessions still handshaking. spec.md 9 calls
// out the source's cyclic Router/Nostr-Transport/Mesh-Handler dependency
// and asks for a ports-and-adapters split instead; Router consumes a
// message.Sender (mesh) and a NostrSender port rather than importing ble or nostr
// directly, following the teacher's constructor-injection style (no
// package-level service locator).
package router

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noisemesh/meshchat/favorites"
	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/message"
	"github.com/noisemesh/meshchat/noise"
	"github.com/noisemesh/meshchat/packet"
	"github.com/noisemesh/meshchat/peer"
	"github.com/noisemesh/meshchat/security"
)

// NostrAliasPrefix marks a conversation key as a geohash-channel Nostr
// alias rather than a mesh peer_id (spec.md 4.11).
const NostrAliasPrefix = "nostr_"

// UnreachablePollInterval and UnreachableTimeout bound how long Send
// waits for either a mesh peer to appear or a mutual-favorite Nostr route
// to become available before giving up (spec.md 4.11: "fail with
// UNREACHABLE after a timeout").
const (
	UnreachablePollInterval = 250 * time.Millisecond
	UnreachableTimeout      = 10 * time.Second
)

// ErrUnreachable is returned when neither a mesh nor a Nostr path to a
// destination exists within UnreachableTimeout.
var ErrUnreachable = errors.New("router: destination unreachable")

// NostrSender is the narrow Nostr delivery port Router needs;
// *nostr.Transport satisfies it.
type NostrSender interface {
	SendDirectMessage(ctx context.Context, npubHex string, packetBytes []byte, targetBits int) error
}

// ParseNostrAlias reports whether conversationKey is a geohash-channel
// alias ("nostr_<hex>") and, if so, returns the bare npub hex it carries.
func ParseNostrAlias(conversationKey string) (npubHex string, ok bool) {
	hexPart, found := strings.CutPrefix(conversationKey, NostrAliasPrefix)
	if !found {
		return "", false
	}
	return hexPart, true
}

// Router chooses between the mesh and Nostr delivery paths for a private
// message, queuing in an Outbox when a mesh session is handshaking and
// falling back to Nostr for mutual favorites the mesh can't currently
// reach.
type Router struct {
	self      identity.Provider
	registry  *peer.Registry
	core      *security.Core
	favorites *favorites.Index
	mesh      message.Sender
	nostrTx   NostrSender
	outbox    *Outbox

	nostrTargetBits    int
	unreachableTimeout time.Duration
}

// New constructs a Router. nostrTargetBits is the proof-of-work
// difficulty mined into Nostr-fallback direct messages.
func New(self identity.Provider, registry *peer.Registry, core *security.Core, fav *favorites.Index, mesh message.Sender, nostrTx NostrSender, nostrTargetBits int) *Router {
	return &Router{
		self:            self,
		registry:        registry,
		core:            core,
		favorites:       fav,
		mesh:            mesh,
		nostrTx:         nostrTx,
		outbox:             NewOutbox(),
		nostrTargetBits:    nostrTargetBits,
		unreachableTimeout: UnreachableTimeout,
	}
}

func (r *Router) shouldInitiate(remote identity.PeerID) bool {
	return r.self.PeerID().Less(remote)
}

func (r *Router) encodeNoisePacket(to identity.PeerID, ciphertext []byte) ([]byte, error) {
	pkt := &packet.Packet{
		Version:      packet.Version1,
		Type:         packet.TypeNoiseEncrypted,
		TTL:          packet.MaxTTL,
		TimestampMS:  uint64(time.Now().UnixMilli()),
		SenderID:     r.self.PeerID(),
		HasRecipient: true,
		RecipientID:  to,
		Payload:      ciphertext,
	}
	return packet.Encode(pkt)
}

func innerPrivateMessagePayload(messageID string, content []byte) []byte {
	pm := message.PrivateMessagePacket{MessageID: messageID, Content: content}
	return message.NoisePayload{Type: message.InnerPrivateMessage, Data: pm.Encode()}.Encode()
}

// sendMeshNow encrypts content under peerID's ESTABLISHED session and
// hands the wire packet to the mesh sender directly.
func (r *Router) sendMeshNow(peerID identity.PeerID, messageID string, content []byte) error {
	ct, err := r.core.Encrypt(peerID, innerPrivateMessagePayload(messageID, content))
	if err != nil {
		return fmt.Errorf("router: encrypt for %s: %w", peerID, err)
	}
	data, err := r.encodeNoisePacket(peerID, ct)
	if err != nil {
		return fmt.Errorf("router: encode packet for %s: %w", peerID, err)
	}
	return r.mesh.SendToPeer(peerID, data)
}

// ensureHandshaking makes sure a session exists for peerID, sending our
// first handshake message over the mesh if the tie-break rule says we're
// the initiator (spec.md 4.3).
func (r *Router) ensureHandshaking(peerID identity.PeerID) error {
	_, created, err := r.core.EnsureSession(peerID)
	if err != nil {
		return fmt.Errorf("router: ensure session with %s: %w", peerID, err)
	}
	if !created || !r.shouldInitiate(peerID) {
		return nil
	}
	msg, err := r.core.BeginHandshake(peerID)
	if err != nil {
		return fmt.Errorf("router: begin handshake with %s: %w", peerID, err)
	}
	pkt := &packet.Packet{
		Version:      packet.Version1,
		Type:         packet.TypeNoiseHandshake,
		TTL:          packet.MaxTTL,
		TimestampMS:  uint64(time.Now().UnixMilli()),
		SenderID:     r.self.PeerID(),
		HasRecipient: true,
		RecipientID:  peerID,
		Payload:      msg,
	}
	data, err := packet.Encode(pkt)
	if err != nil {
		return fmt.Errorf("router: encode handshake for %s: %w", peerID, err)
	}
	return r.mesh.SendToPeer(peerID, data)
}

// mutualFavoriteRoute resolves noiseStaticPubHex to a Nostr npub it can be
// DMed at, returning false unless the relationship is a mutual favorite
// with a known npub (spec.md 4.11, 4.12).
func (r *Router) mutualFavoriteRoute(noiseStaticPubHex string) (npubHex string, ok bool) {
	if noiseStaticPubHex == "" {
		return "", false
	}
	rel, found := r.favorites.Get(noiseStaticPubHex)
	if !found || !rel.IsMutual || rel.NostrNpub == "" {
		return "", false
	}
	return rel.NostrNpub, true
}

// recipientPeerID derives the mesh-style peer ID a Nostr-delivered packet
// should carry as its RecipientID, from hexSeed (the same fingerprint
// truncation every mesh peer ID uses, spec.md 3), so the packet decodes
// identically whether it arrived over BLE or was unwrapped from a
// gift-wrapped Nostr event. For a favorite with a known mesh identity,
// hexSeed is their noise_static_pub_hex; for a bare geohash alias with no
// mesh identity at all, it's the npub hex itself, giving the conversation
// a stable synthetic peer ID.
func recipientPeerID(hexSeed string) (identity.PeerID, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("router: decode %s: %w", hexSeed, err)
	}
	return identity.FingerprintOf(seed).PeerID(), nil
}

// sendNostrToFavorite delivers to a mutual favorite the Router has
// previously Noise-paired with over mesh. It reuses that cached session
// to encrypt (Noise sessions aren't torn down on disconnect, only on an
// explicit LEAVE — security.Core.DropSession), since a fresh XX handshake
// can't be carried over store-and-forward gift wraps; Nostr here is a
// transport fallback for an existing pairing, not a way to form a new one.
func (r *Router) sendNostrToFavorite(ctx context.Context, npubHex, noiseStaticPubHex, messageID string, content []byte) error {
	seed, err := hex.DecodeString(noiseStaticPubHex)
	if err != nil {
		return fmt.Errorf("router: decode noise static pub %s: %w", noiseStaticPubHex, err)
	}
	peerID, ok := r.registry.PeerIDForFingerprint(identity.FingerprintOf(seed))
	if !ok {
		peerID = identity.FingerprintOf(seed).PeerID()
	}

	ct, err := r.core.Encrypt(peerID, innerPrivateMessagePayload(messageID, content))
	if err != nil {
		return fmt.Errorf("router: nostr: encrypt for %s: %w", peerID, err)
	}
	data, err := r.encodeNoisePacket(peerID, ct)
	if err != nil {
		return fmt.Errorf("router: nostr: encode packet: %w", err)
	}
	return r.nostrTx.SendDirectMessage(ctx, npubHex, data, r.nostrTargetBits)
}

// sendNostrPlaintext delivers to a geohash-alias conversation that never
// had a mesh Noise session to begin with. Confidentiality and
// authenticity come entirely from the gift wrap's own X25519 sealing
// (nostr.WrapDirectMessage), so the packet payload carries the
// NoisePayload TLV directly; message.Handler.HandleNoiseEncrypted falls
// back to this plaintext path whenever it finds no established session
// for the sender.
func (r *Router) sendNostrPlaintext(ctx context.Context, npubHex, messageID string, content []byte) error {
	recipient, err := recipientPeerID(npubHex)
	if err != nil {
		return err
	}
	data, err := r.encodeNoisePacket(recipient, innerPrivateMessagePayload(messageID, content))
	if err != nil {
		return fmt.Errorf("router: nostr: encode packet: %w", err)
	}
	return r.nostrTx.SendDirectMessage(ctx, npubHex, data, r.nostrTargetBits)
}

// Send routes a private message (spec.md 4.11): a known ESTABLISHED mesh
// session sends immediately; a known peer still handshaking is queued in
// the Outbox and flushed once ON_SESSION_ESTABLISHED fires; a peer not
// currently reachable over mesh falls back to Nostr if noiseStaticPubHex
// names a mutual favorite; otherwise Send waits up to UnreachableTimeout
// for either path to open before failing with ErrUnreachable.
func (r *Router) Send(ctx context.Context, peerID identity.PeerID, noiseStaticPubHex, messageID string, content []byte) error {
	deadline := time.Now().Add(r.unreachableTimeout)
	ticker := time.NewTicker(UnreachablePollInterval)
	defer ticker.Stop()

	for {
		if _, known := r.registry.Get(peerID); known {
			if r.core.SessionStatus(peerID) == noise.StateEstablished {
				return r.sendMeshNow(peerID, messageID, content)
			}
			if err := r.ensureHandshaking(peerID); err != nil {
				return err
			}
			r.outbox.Enqueue(peerID, noiseStaticPubHex, messageID, content)
			return nil
		}

		if npubHex, ok := r.mutualFavoriteRoute(noiseStaticPubHex); ok {
			return r.sendNostrToFavorite(ctx, npubHex, noiseStaticPubHex, messageID, content)
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("router: %s: %w", peerID, ErrUnreachable)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendToGeohashAlias routes a private message addressed to a geohash
// conversation key ("nostr_<hex>"), always over Nostr regardless of
// mesh reachability (spec.md 4.11).
func (r *Router) SendToGeohashAlias(ctx context.Context, conversationKey, messageID string, content []byte) error {
	npubHex, ok := ParseNostrAlias(conversationKey)
	if !ok {
		return fmt.Errorf("router: %q is not a nostr alias", conversationKey)
	}
	return r.sendNostrPlaintext(ctx, npubHex, messageID, content)
}

// OnSessionEstablished flushes any outbox entries queued for peerID once
// its Noise session reaches ESTABLISHED (spec.md 4.11, 5's outbox-flush
// invariant).
func (r *Router) OnSessionEstablished(peerID identity.PeerID) error {
	return r.outbox.Flush(peerID, func(e OutboxEntry) error {
		return r.sendMeshNow(peerID, e.MessageID, e.Content)
	})
}

// RebindOutbox follows a peer_id rotation so outbox entries queued under
// the old identity stay reachable under the new one (spec.md 4.4, 4.11).
func (r *Router) RebindOutbox(oldPeerID, newPeerID identity.PeerID) {
	r.outbox.Rebind(oldPeerID, newPeerID)
}

// PendingFor reports how many messages are queued in the outbox for
// peerID.
func (r *Router) PendingFor(peerID identity.PeerID) int {
	return r.outbox.Len(peerID)
}
