package packet

import (
	"bytes"
	"testing"

	"github.com/noisemesh/meshchat/identity"
)

func samplePacket(t *testing.T) *Packet {
	t.Helper()
	var sender identity.PeerID
	copy(sender[:], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0x00, 0x11, 0x22, 0x33})
	var recipient identity.PeerID
	copy(recipient[:], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77})

	return &Packet{
		Version:      Version1,
		Type:         TypeMessage,
		TTL:          MaxTTL,
		TimestampMS:  1700000000000,
		SenderID:     sender,
		HasRecipient: true,
		RecipientID:  recipient,
		Payload:      []byte("hello mesh"),
	}
}

func TestCodecRoundTripUnsigned(t *testing.T) {
	p := samplePacket(t)
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Version != p.Version || got.Type != p.Type || got.TTL != p.TTL ||
		got.TimestampMS != p.TimestampMS || got.SenderID != p.SenderID ||
		got.HasRecipient != p.HasRecipient || got.RecipientID != p.RecipientID ||
		!bytes.Equal(got.Payload, p.Payload) || got.Signature != nil {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestCodecRoundTripSigned(t *testing.T) {
	p := samplePacket(t)
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}

	canonical, err := ToBytesForSigning(p)
	if err != nil {
		t.Fatalf("ToBytesForSigning: %v", err)
	}
	p.Signature = id.Sign(canonical)

	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Signature, p.Signature) {
		t.Fatal("signature not preserved across round trip")
	}

	gotCanonical, err := ToBytesForSigning(got)
	if err != nil {
		t.Fatalf("ToBytesForSigning on decoded packet: %v", err)
	}
	if !identity.Verify(id.SigningPublicKey(), gotCanonical, got.Signature) {
		t.Fatal("signature failed to verify on decoded packet")
	}
}

func TestVersion2LargerPayload(t *testing.T) {
	p := samplePacket(t)
	p.Version = Version2
	p.Payload = make([]byte, 70000)
	for i := range p.Payload {
		p.Payload[i] = byte(i)
	}

	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatal("large v2 payload not preserved")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	p := samplePacket(t)
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(buf[:len(buf)-5]); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	p := samplePacket(t)
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[0] = 9
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected unsupported version error")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	p := samplePacket(t)
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[1] = 200
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected unknown type error")
	}
}

func TestDecodeRejectsOversizedDeclaredLength(t *testing.T) {
	p := samplePacket(t)
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Corrupt the declared v1 payload length (2 bytes right after the
	// recipient ID, at a fixed offset for this fixture) to claim far more
	// bytes than the buffer actually holds.
	lenOff := 1 + 1 + 1 + 8 + 8 + 1 + 8 // version,type,ttl,ts,sender,flags,recipient
	buf[lenOff] = 0xFF
	buf[lenOff+1] = 0xFF
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for declared length exceeding buffer")
	}
}

func TestSignatureMutationInvalidatesVerification(t *testing.T) {
	p := samplePacket(t)
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	canonical, err := ToBytesForSigning(p)
	if err != nil {
		t.Fatalf("ToBytesForSigning: %v", err)
	}
	sig := id.Sign(canonical)

	mutated := append([]byte(nil), canonical...)
	mutated[len(mutated)-1] ^= 0x01
	if identity.Verify(id.SigningPublicKey(), mutated, sig) {
		t.Fatal("verification succeeded after single-bit canonical mutation")
	}
}
