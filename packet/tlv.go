package packet

import (
	"encoding/binary"
	"fmt"
)

// TLV is one {tag, length, value} triple. Every structured payload in this
// system (IdentityAnnouncement, PrivateMessagePacket, BitchatFilePacket,
// RequestSyncPacket, fragment bodies) is a sequence of TLVs (spec.md 6).
// Unknown tags are ignored on read and preserved on forward where
// applicable.
type TLV struct {
	Tag   uint8
	Value []byte
}

// EncodeTLVs serializes a sequence of TLVs as tag:u8 | len:u16 | value.
func EncodeTLVs(tlvs []TLV) []byte {
	buf := make([]byte, 0, 64)
	for _, t := range tlvs {
		buf = append(buf, t.Tag)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(t.Value)))
		buf = append(buf, l[:]...)
		buf = append(buf, t.Value...)
	}
	return buf
}

// DecodeTLVs parses a TLV sequence. Malformed trailing bytes (a partial
// tag/length/value) are reported as an error; unknown tags are returned
// like any other and it is the caller's responsibility to ignore them.
func DecodeTLVs(buf []byte) ([]TLV, error) {
	var out []TLV
	off := 0
	for off < len(buf) {
		if off+3 > len(buf) {
			return nil, fmt.Errorf("%w: incomplete tlv header at offset %d", ErrTruncated, off)
		}
		tag := buf[off]
		length := int(binary.BigEndian.Uint16(buf[off+1 : off+3]))
		off += 3
		if off+length > len(buf) {
			return nil, fmt.Errorf("%w: tlv value of length %d at offset %d exceeds buffer", ErrTruncated, length, off)
		}
		value := append([]byte(nil), buf[off:off+length]...)
		out = append(out, TLV{Tag: tag, Value: value})
		off += length
	}
	return out, nil
}

// Find returns the value of the first TLV with the given tag.
func Find(tlvs []TLV, tag uint8) ([]byte, bool) {
	for _, t := range tlvs {
		if t.Tag == tag {
			return t.Value, true
		}
	}
	return nil, false
}
