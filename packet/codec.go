package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/noisemesh/meshchat/identity"
)

// SignatureSize is the length in bytes of an Ed25519 signature.
const SignatureSize = 64

// Encode serializes p to its wire representation, including the
// signature if present.
func Encode(p *Packet) ([]byte, error) {
	body, err := encodeUnsigned(p, true)
	if err != nil {
		return nil, err
	}
	if p.Signature != nil {
		if len(p.Signature) != SignatureSize {
			return nil, fmt.Errorf("packet: signature must be %d bytes, got %d", SignatureSize, len(p.Signature))
		}
		body = append(body, p.Signature...)
	}
	return body, nil
}

// ToBytesForSigning produces the canonical byte string used for both
// signing and verification: every field in header order except the
// signature and its flag bit (spec.md 3, 6).
func ToBytesForSigning(p *Packet) ([]byte, error) {
	return encodeUnsigned(p, false)
}

// encodeUnsigned writes every field except the trailing signature bytes.
// When includeSignedFlag is true, the FlagSigned bit reflects p.Signature
// being non-nil (used for the real wire encoding); when false, the flag
// bit is always cleared, matching the canonical signing form.
func encodeUnsigned(p *Packet, includeSignedFlag bool) ([]byte, error) {
	if p.Version != Version1 && p.Version != Version2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	if p.Type < TypeAnnounce || p.Type > TypeFileTransfer {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, p.Type)
	}
	maxPayload := p.maxPayloadSize()
	if len(p.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes exceeds max %d for version %d", ErrPayloadTooLarge, len(p.Payload), maxPayload, p.Version)
	}

	flags := uint8(0)
	if p.HasRecipient {
		flags |= FlagHasRecipient
	}
	if includeSignedFlag && p.Signature != nil {
		flags |= FlagSigned
	}

	buf := make([]byte, 0, headerFixedSize(p)+len(p.Payload))
	buf = append(buf, uint8(p.Version), uint8(p.Type), p.TTL)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.TimestampMS)
	buf = append(buf, ts[:]...)

	buf = append(buf, p.SenderID[:]...)
	buf = append(buf, flags)

	if p.HasRecipient {
		buf = append(buf, p.RecipientID[:]...)
	}

	if p.Version == Version1 {
		if len(p.Payload) > MaxPayloadSizeV1 {
			return nil, fmt.Errorf("%w: %d bytes exceeds v1 max %d", ErrPayloadTooLarge, len(p.Payload), MaxPayloadSizeV1)
		}
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(p.Payload)))
		buf = append(buf, l[:]...)
	} else {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(p.Payload)))
		buf = append(buf, l[:]...)
	}

	buf = append(buf, p.Payload...)
	return buf, nil
}

func headerFixedSize(p *Packet) int {
	size := 1 + 1 + 1 + 8 + identity.PeerIDSize + 1 // version,type,ttl,timestamp,sender,flags
	if p.HasRecipient {
		size += identity.PeerIDSize
	}
	if p.Version == Version1 {
		size += 2
	} else {
		size += 4
	}
	return size
}

// Decode parses a wire-format packet from buf. The signature, if present
// per the flags byte, is sliced off and attached unverified; callers
// verify it separately via identity.Verify over ToBytesForSigning.
func Decode(buf []byte) (*Packet, error) {
	const minHeader = 1 + 1 + 1 + 8 + identity.PeerIDSize + 1
	if len(buf) < minHeader {
		return nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTruncated, minHeader, len(buf))
	}

	p := &Packet{
		Version: Version(buf[0]),
		Type:    Type(buf[1]),
		TTL:     buf[2],
	}
	if p.Version != Version1 && p.Version != Version2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	if p.Type < TypeAnnounce || p.Type > TypeFileTransfer {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, p.Type)
	}

	off := 3
	p.TimestampMS = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8

	copy(p.SenderID[:], buf[off:off+identity.PeerIDSize])
	off += identity.PeerIDSize

	flags := buf[off]
	off++
	p.HasRecipient = flags&FlagHasRecipient != 0
	signed := flags&FlagSigned != 0

	if p.HasRecipient {
		if len(buf) < off+identity.PeerIDSize {
			return nil, fmt.Errorf("%w: missing recipient id", ErrTruncated)
		}
		copy(p.RecipientID[:], buf[off:off+identity.PeerIDSize])
		off += identity.PeerIDSize
	}

	var payloadLen int
	if p.Version == Version1 {
		if len(buf) < off+2 {
			return nil, fmt.Errorf("%w: missing payload length", ErrTruncated)
		}
		payloadLen = int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
	} else {
		if len(buf) < off+4 {
			return nil, fmt.Errorf("%w: missing payload length", ErrTruncated)
		}
		payloadLen = int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
	}

	maxPayload := p.maxPayloadSize()
	if payloadLen > maxPayload {
		return nil, fmt.Errorf("%w: declared length %d exceeds max %d", ErrPayloadTooLarge, payloadLen, maxPayload)
	}
	if len(buf) < off+payloadLen {
		return nil, fmt.Errorf("%w: declared payload length %d exceeds buffer", ErrTruncated, payloadLen)
	}
	p.Payload = append([]byte(nil), buf[off:off+payloadLen]...)
	off += payloadLen

	if signed {
		if len(buf) < off+SignatureSize {
			return nil, fmt.Errorf("%w: missing signature", ErrTruncated)
		}
		p.Signature = append([]byte(nil), buf[off:off+SignatureSize]...)
		off += SignatureSize
	}

	return p, nil
}
