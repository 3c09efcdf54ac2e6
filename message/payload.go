package message

import (
	"encoding/binary"
	"fmt"

	"github.com/noisemesh/meshchat/packet"
)

// IdentityAnnouncement TLV tags (spec.md 3).
const (
	tagAnnounceNickname uint8 = iota + 1
	tagAnnounceNoisePub
	tagAnnounceSigningPub
)

// IdentityAnnouncement is the ANNOUNCE packet's payload: a peer's
// nickname plus its two long-lived public keys.
type IdentityAnnouncement struct {
	Nickname       string
	NoiseStaticPub []byte
	SigningPub     []byte
}

func (a IdentityAnnouncement) Encode() []byte {
	return packet.EncodeTLVs([]packet.TLV{
		{Tag: tagAnnounceNickname, Value: []byte(a.Nickname)},
		{Tag: tagAnnounceNoisePub, Value: a.NoiseStaticPub},
		{Tag: tagAnnounceSigningPub, Value: a.SigningPub},
	})
}

func DecodeIdentityAnnouncement(payload []byte) (IdentityAnnouncement, error) {
	tlvs, err := packet.DecodeTLVs(payload)
	if err != nil {
		return IdentityAnnouncement{}, fmt.Errorf("message: decode announcement: %w", err)
	}
	var a IdentityAnnouncement
	if v, ok := packet.Find(tlvs, tagAnnounceNickname); ok {
		a.Nickname = string(v)
	}
	if v, ok := packet.Find(tlvs, tagAnnounceNoisePub); ok {
		a.NoiseStaticPub = append([]byte(nil), v...)
	}
	if v, ok := packet.Find(tlvs, tagAnnounceSigningPub); ok {
		a.SigningPub = append([]byte(nil), v...)
	}
	return a, nil
}

// MESSAGE payload TLV tags. Channel is empty for an unscoped broadcast
// message; Body is plaintext unless Channel names a password-protected
// channel with a derived key installed, in which case it is the
// EncryptChannelMessage ciphertext.
const (
	tagMsgChannel uint8 = iota + 1
	tagMsgBody
)

type MessageBody struct {
	Channel string
	Body    []byte
}

func (m MessageBody) Encode() []byte {
	return packet.EncodeTLVs([]packet.TLV{
		{Tag: tagMsgChannel, Value: []byte(m.Channel)},
		{Tag: tagMsgBody, Value: m.Body},
	})
}

func DecodeMessageBody(raw []byte) (MessageBody, error) {
	tlvs, err := packet.DecodeTLVs(raw)
	if err != nil {
		return MessageBody{}, fmt.Errorf("message: decode message body: %w", err)
	}
	var m MessageBody
	if v, ok := packet.Find(tlvs, tagMsgChannel); ok {
		m.Channel = string(v)
	}
	if v, ok := packet.Find(tlvs, tagMsgBody); ok {
		m.Body = append([]byte(nil), v...)
	}
	return m, nil
}

// NoiseInnerType enumerates the payload carried inside a decrypted
// NOISE_ENCRYPTED packet (spec.md 3).
type NoiseInnerType uint8

const (
	InnerPrivateMessage NoiseInnerType = iota + 1
	InnerDelivered
	InnerReadReceipt
	InnerFileTransfer
)

const (
	tagNoiseInnerType uint8 = iota + 1
	tagNoiseInnerData
)

// NoisePayload is the plaintext recovered from a NOISE_ENCRYPTED packet.
type NoisePayload struct {
	Type NoiseInnerType
	Data []byte
}

func (p NoisePayload) Encode() []byte {
	return packet.EncodeTLVs([]packet.TLV{
		{Tag: tagNoiseInnerType, Value: []byte{uint8(p.Type)}},
		{Tag: tagNoiseInnerData, Value: p.Data},
	})
}

func DecodeNoisePayload(raw []byte) (NoisePayload, error) {
	tlvs, err := packet.DecodeTLVs(raw)
	if err != nil {
		return NoisePayload{}, fmt.Errorf("message: decode noise payload: %w", err)
	}
	var p NoisePayload
	if v, ok := packet.Find(tlvs, tagNoiseInnerType); ok && len(v) == 1 {
		p.Type = NoiseInnerType(v[0])
	}
	if v, ok := packet.Find(tlvs, tagNoiseInnerData); ok {
		p.Data = append([]byte(nil), v...)
	}
	return p, nil
}

const (
	tagPMMessageID uint8 = iota + 1
	tagPMContent
)

// PrivateMessagePacket is the inner payload for InnerPrivateMessage.
type PrivateMessagePacket struct {
	MessageID string
	Content   []byte
}

func (m PrivateMessagePacket) Encode() []byte {
	return packet.EncodeTLVs([]packet.TLV{
		{Tag: tagPMMessageID, Value: []byte(m.MessageID)},
		{Tag: tagPMContent, Value: m.Content},
	})
}

func DecodePrivateMessagePacket(raw []byte) (PrivateMessagePacket, error) {
	tlvs, err := packet.DecodeTLVs(raw)
	if err != nil {
		return PrivateMessagePacket{}, fmt.Errorf("message: decode private message: %w", err)
	}
	var m PrivateMessagePacket
	if v, ok := packet.Find(tlvs, tagPMMessageID); ok {
		m.MessageID = string(v)
	}
	if v, ok := packet.Find(tlvs, tagPMContent); ok {
		m.Content = append([]byte(nil), v...)
	}
	return m, nil
}

const (
	tagFileName uint8 = iota + 1
	tagFileMime
	tagFileSize
	tagFileContent
)

// BitchatFilePacket is the inner payload for InnerFileTransfer, also used
// directly as a top-level FILE_TRANSFER packet's payload.
type BitchatFilePacket struct {
	FileName string
	MimeType string
	FileSize uint64
	Content  []byte
}

func (f BitchatFilePacket) Encode() []byte {
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], f.FileSize)
	return packet.EncodeTLVs([]packet.TLV{
		{Tag: tagFileName, Value: []byte(f.FileName)},
		{Tag: tagFileMime, Value: []byte(f.MimeType)},
		{Tag: tagFileSize, Value: sizeBuf[:]},
		{Tag: tagFileContent, Value: f.Content},
	})
}

func DecodeBitchatFilePacket(raw []byte) (BitchatFilePacket, error) {
	tlvs, err := packet.DecodeTLVs(raw)
	if err != nil {
		return BitchatFilePacket{}, fmt.Errorf("message: decode file packet: %w", err)
	}
	var f BitchatFilePacket
	if v, ok := packet.Find(tlvs, tagFileName); ok {
		f.FileName = string(v)
	}
	if v, ok := packet.Find(tlvs, tagFileMime); ok {
		f.MimeType = string(v)
	}
	if v, ok := packet.Find(tlvs, tagFileSize); ok && len(v) == 8 {
		f.FileSize = binary.BigEndian.Uint64(v)
	}
	if v, ok := packet.Find(tlvs, tagFileContent); ok {
		f.Content = append([]byte(nil), v...)
	}
	return f, nil
}
