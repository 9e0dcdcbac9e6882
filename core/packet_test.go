package core

import (
	"bytes"
	"testing"
)

func TestPacketPackUnpackRoundTrip(t *testing.T) {
	transport := AddressHashFrom([]byte("transport-id"))
	pkt := &Packet{
		Flags: Flags{
			Header:      HeaderType2,
			Propagation: PropagationTransport,
			Destination: DestinationSingle,
			Type:        PacketData,
			Context:     true,
		},
		Hops:        3,
		Transport:   &transport,
		Destination: AddressHashFrom([]byte("dest")),
		Context:     ContextResourceAdvertisement,
		Data:        []byte("payload bytes"),
	}

	buf, err := pkt.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := UnpackPacket(buf)
	if err != nil {
		t.Fatalf("UnpackPacket: %v", err)
	}
	if got.Flags != pkt.Flags {
		t.Fatalf("flags mismatch: got %+v want %+v", got.Flags, pkt.Flags)
	}
	if got.Hops != pkt.Hops {
		t.Fatalf("hops mismatch: got %d want %d", got.Hops, pkt.Hops)
	}
	if got.Transport == nil || *got.Transport != *pkt.Transport {
		t.Fatalf("transport id mismatch")
	}
	if got.Destination != pkt.Destination {
		t.Fatalf("destination mismatch")
	}
	if got.Context != pkt.Context {
		t.Fatalf("context mismatch: got %v want %v", got.Context, pkt.Context)
	}
	if !bytes.Equal(got.Data, pkt.Data) {
		t.Fatalf("data mismatch: got %q want %q", got.Data, pkt.Data)
	}
}

func TestPacketPackUnpackRoundTripType1NoContext(t *testing.T) {
	pkt := &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Destination: DestinationPlain,
			Type:        PacketAnnounce,
		},
		Destination: AddressHashFrom([]byte("announce-dest")),
		Data:        []byte{1, 2, 3, 4},
	}
	buf, err := pkt.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(buf) != 2+16+1+len(pkt.Data) {
		t.Fatalf("unexpected packed length %d", len(buf))
	}
	got, err := UnpackPacket(buf)
	if err != nil {
		t.Fatalf("UnpackPacket: %v", err)
	}
	if got.Transport != nil {
		t.Fatalf("expected no transport id on a type1 header")
	}
	if !bytes.Equal(got.Data, pkt.Data) {
		t.Fatalf("data mismatch")
	}
}

func TestPacketPackRejectsOversizeBody(t *testing.T) {
	pkt := &Packet{
		Flags:       Flags{Header: HeaderType1, Destination: DestinationSingle, Type: PacketData},
		Destination: AddressHashFrom([]byte("dest")),
		Data:        make([]byte, PacketMDU+1),
	}
	if _, err := pkt.Pack(); err == nil {
		t.Fatalf("expected Pack to reject an oversize body")
	}
}

func TestUnpackPacketRejectsTruncatedHeader(t *testing.T) {
	if _, err := UnpackPacket([]byte{0x00}); err == nil {
		t.Fatalf("expected UnpackPacket to reject a too-short buffer")
	}
}

func TestPacketHashStableAndSensitiveToContent(t *testing.T) {
	base := &Packet{
		Flags:       Flags{Header: HeaderType1, Destination: DestinationSingle, Type: PacketData},
		Destination: AddressHashFrom([]byte("dest")),
		Data:        []byte("hello"),
	}
	h1 := base.Hash()
	h2 := base.Hash()
	if h1 != h2 {
		t.Fatalf("expected Hash to be deterministic for identical packets")
	}

	mutated := *base
	mutated.Data = []byte("hellp")
	if mutated.Hash() == h1 {
		t.Fatalf("expected Hash to change when packet contents change")
	}
}

func TestPacketDataBufferBounds(t *testing.T) {
	var buf PacketDataBuffer
	if _, err := buf.Write(make([]byte, PacketMDU)); err != nil {
		t.Fatalf("expected a full-MDU write to succeed: %v", err)
	}
	if _, err := buf.Write([]byte{0}); err == nil {
		t.Fatalf("expected a write past MDU capacity to fail")
	}
	if len(buf.Bytes()) != PacketMDU {
		t.Fatalf("expected Bytes() to return everything written")
	}
	buf.Reset()
	if len(buf.Bytes()) != 0 {
		t.Fatalf("expected Reset to empty the buffer")
	}
}
