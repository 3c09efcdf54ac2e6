// Package processor implements the Packet Processor (spec.md 4.6): the
// single ingress dispatch point for every packet arriving over BLE. It
// generalizes the teacher's ConsumeMessageInitiation/ConsumeMessageResponse
// single-entry dispatch-by-type pattern (internal/transport/noise-protocol.go)
// from two handshake message types to ten mesh packet types.
package processor

import (
	"context"
	"fmt"

	"github.com/noisemesh/meshchat/ble"
	"github.com/noisemesh/meshchat/fragment"
	"github.com/noisemesh/meshchat/identity"
	"github.com/noisemesh/meshchat/message"
	"github.com/noisemesh/meshchat/packet"
	"github.com/noisemesh/meshchat/security"
)

// Relayer is the narrow BLE delivery port the processor needs: relaying a
// validated packet to every other direct peer, and binding a device
// address to a peer_id the first time its announcement is seen.
type Relayer interface {
	RelayExcept(ctx context.Context, excludePeer identity.PeerID, data []byte) error
	BindFirstAnnounce(addr ble.Address, peerID identity.PeerID)
}

// FirstAnnounceObserver is notified for every ANNOUNCE packet Ingress
// accepts (ANNOUNCE packets are never deduplicated), not only the first
// one from a peer, so Gossip Sync can schedule its initial sync
// (spec.md 4.6, 4.9). Optional.
type FirstAnnounceObserver interface {
	OnFirstAnnounce(peerID identity.PeerID)
}

// PacketObserver is notified of every validated, publicly-broadcast
// packet (one with no specific recipient), so Gossip Sync can track its
// bounded seen set (spec.md 4.9). Optional.
type PacketObserver interface {
	ObservePublic(p *packet.Packet)
}

// Processor is the single ingress dispatch point (spec.md 4.6).
type Processor struct {
	self        identity.PeerID
	core        *security.Core
	relay       Relayer
	handler     *message.Handler
	reassembler *fragment.Reassembler
	firstSeen   FirstAnnounceObserver
	pktObserver PacketObserver
}

// NewProcessor constructs a Processor for a device identified by self.
func NewProcessor(self identity.PeerID, core *security.Core, relay Relayer, handler *message.Handler, reassembler *fragment.Reassembler) *Processor {
	return &Processor{self: self, core: core, relay: relay, handler: handler, reassembler: reassembler}
}

// SetFirstAnnounceObserver wires Gossip Sync's initial-sync scheduling in.
func (pr *Processor) SetFirstAnnounceObserver(o FirstAnnounceObserver) {
	pr.firstSeen = o
}

// SetPacketObserver wires Gossip Sync's seen-set tracking in.
func (pr *Processor) SetPacketObserver(o PacketObserver) {
	pr.pktObserver = o
}

// Ingress processes one packet received over the BLE connection at
// fromAddr (spec.md 4.6, step by step):
//  1. short-circuit if the sender is ourselves (a relayed broadcast
//     looping back);
//  2. drop duplicates via the Security Core;
//  3. decrement TTL and relay to every other direct peer unless the
//     packet is uniquely addressed to us or TTL has been exhausted;
//  4. bind first-announce for ANNOUNCE packets;
//  5. feed FRAGMENT packets to the Fragmenter, re-entering here on
//     completion;
//  6. dispatch everything else — addressed to us or a broadcast — to the
//     Message Handler.
func (pr *Processor) Ingress(ctx context.Context, p *packet.Packet, fromAddr ble.Address) error {
	if p.SenderID == pr.self {
		return nil
	}
	if pr.core.IsDuplicate(p) {
		return nil
	}

	if pr.pktObserver != nil && !p.HasRecipient {
		pr.pktObserver.ObservePublic(p)
	}

	if err := pr.relayIfNeeded(ctx, p); err != nil {
		return fmt.Errorf("processor: relay: %w", err)
	}

	if p.Type == packet.TypeAnnounce {
		pr.relay.BindFirstAnnounce(fromAddr, p.SenderID)
		if pr.firstSeen != nil {
			pr.firstSeen.OnFirstAnnounce(p.SenderID)
		}
	}

	if p.Type == packet.TypeFragment {
		return pr.ingressFragment(ctx, p, fromAddr)
	}

	if p.HasRecipient && p.RecipientID != pr.self {
		return nil // addressed to someone else; already relayed above
	}
	return pr.handler.Dispatch(p)
}

func (pr *Processor) relayIfNeeded(ctx context.Context, p *packet.Packet) error {
	if p.TTL == 0 {
		return nil
	}
	p.TTL--
	if p.TTL == 0 {
		return nil
	}
	if p.HasRecipient && p.RecipientID == pr.self {
		return nil
	}
	data, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("encode for relay: %w", err)
	}
	return pr.relay.RelayExcept(ctx, p.SenderID, data)
}

func (pr *Processor) ingressFragment(ctx context.Context, p *packet.Packet, fromAddr ble.Address) error {
	reassembled, done, err := pr.reassembler.Add(p)
	if err != nil {
		return fmt.Errorf("processor: reassemble: %w", err)
	}
	if !done {
		return nil
	}
	whole, err := packet.Decode(reassembled)
	if err != nil {
		return fmt.Errorf("processor: decode reassembled packet: %w", err)
	}
	return pr.Ingress(ctx, whole, fromAddr)
}
