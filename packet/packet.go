// Package packet implements the mesh wire protocol: fixed-header,
// length-prefixed, optionally-signed packets (spec.md 3, 6). The codec is
// stateless; it only knows how to turn a Packet to and from bytes, and how
// to produce the canonical byte string used for signing.
package packet

import "github.com/noisemesh/meshchat/identity"

// Version selects the payload length field width: v1 packets (control
// traffic) carry a 16-bit length, v2 packets (large payloads, e.g. file
// transfers) carry a 32-bit length.
type Version uint8

const (
	Version1 Version = 1
	Version2 Version = 2
)

// Type enumerates the packet types carried over the mesh (spec.md 3).
type Type uint8

const (
	TypeAnnounce Type = iota + 1
	TypeLeave
	TypeMessage
	TypeNoiseHandshake
	TypeNoiseEncrypted
	TypeFragment
	TypeDeliveryAck
	TypeReadReceipt
	TypeRequestSync
	TypeFileTransfer
)

func (t Type) String() string {
	switch t {
	case TypeAnnounce:
		return "ANNOUNCE"
	case TypeLeave:
		return "LEAVE"
	case TypeMessage:
		return "MESSAGE"
	case TypeNoiseHandshake:
		return "NOISE_HANDSHAKE"
	case TypeNoiseEncrypted:
		return "NOISE_ENCRYPTED"
	case TypeFragment:
		return "FRAGMENT"
	case TypeDeliveryAck:
		return "DELIVERY_ACK"
	case TypeReadReceipt:
		return "READ_RECEIPT"
	case TypeRequestSync:
		return "REQUEST_SYNC"
	case TypeFileTransfer:
		return "FILE_TRANSFER"
	default:
		return "UNKNOWN"
	}
}

// MaxTTL bounds the relay hop count.
const MaxTTL = 7

// Flag bits for the packet header's flags byte.
const (
	FlagHasRecipient uint8 = 1 << iota
	FlagSigned
)

// BroadcastRecipient is the sentinel recipient ID meaning "no specific
// recipient" when a recipient field is present on the wire (spec.md 6).
var BroadcastRecipient = identity.PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Packet is the canonical in-memory record of a mesh packet.
type Packet struct {
	Version     Version
	Type        Type
	TTL         uint8
	TimestampMS uint64
	SenderID    identity.PeerID
	// HasRecipient mirrors FlagHasRecipient; when false, RecipientID is
	// ignored and the packet is a broadcast.
	HasRecipient bool
	RecipientID  identity.PeerID
	Payload      []byte
	// Signature is nil when the packet is unsigned.
	Signature []byte
}

// MaxPayloadSize bounds payload length per version, enforced by the codec
// on decode (spec.md 4.1: "rejection of packets whose declared payload
// length exceeds ... the configured per-type maximum").
const (
	MaxPayloadSizeV1 = 65535
	MaxPayloadSizeV2 = 1 << 22 // 4 MiB, generous headroom over a 40 KiB file transfer example
)

func (p *Packet) maxPayloadSize() int {
	if p.Version == Version2 {
		return MaxPayloadSizeV2
	}
	return MaxPayloadSizeV1
}
