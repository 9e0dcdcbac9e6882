package lxmf

import (
	"bytes"
	"crypto/rand"
	"testing"

	"reticulumd/core"
)

func newTestIdentity(t *testing.T) *core.PrivateIdentity {
	t.Helper()
	id, err := core.NewFromRand(rand.Reader)
	if err != nil {
		t.Fatalf("NewFromRand: %v", err)
	}
	return id
}

func TestEncodeDecodeWireRoundTrip(t *testing.T) {
	source := newTestIdentity(t)
	dest := newTestIdentity(t)
	payload := &Payload{Timestamp: 1700000000, Content: []byte("hello lxmf"), Title: []byte("subject")}

	b, err := EncodeWire(dest.AddressHash(), source.AddressHash(), payload, source)
	if err != nil {
		t.Fatalf("EncodeWire: %v", err)
	}
	got, err := DecodeWire(b, &source.Identity)
	if err != nil {
		t.Fatalf("DecodeWire: %v", err)
	}
	if got.Destination != dest.AddressHash() || got.Source != source.AddressHash() {
		t.Fatalf("address mismatch on wire round trip")
	}
	if !bytes.Equal(got.Payload.Content, payload.Content) {
		t.Fatalf("content mismatch: got %q want %q", got.Payload.Content, payload.Content)
	}
	if !bytes.Equal(got.Payload.Title, payload.Title) {
		t.Fatalf("title mismatch")
	}
}

func TestDecodeWireRejectsTamperedSignature(t *testing.T) {
	source := newTestIdentity(t)
	dest := newTestIdentity(t)
	payload := &Payload{Content: []byte("tamper test")}

	b, err := EncodeWire(dest.AddressHash(), source.AddressHash(), payload, source)
	if err != nil {
		t.Fatalf("EncodeWire: %v", err)
	}
	tampered := append([]byte(nil), b...)
	tampered[32] ^= 0xFF // flip a byte inside the signature

	if _, err := DecodeWire(tampered, &source.Identity); err == nil {
		t.Fatalf("expected DecodeWire to reject a tampered signature")
	}
}

func TestDecodeWireRejectsTamperedPayload(t *testing.T) {
	source := newTestIdentity(t)
	dest := newTestIdentity(t)
	payload := &Payload{Content: []byte("tamper the body")}

	b, err := EncodeWire(dest.AddressHash(), source.AddressHash(), payload, source)
	if err != nil {
		t.Fatalf("EncodeWire: %v", err)
	}
	tampered := append([]byte(nil), b...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := DecodeWire(tampered, &source.Identity); err == nil {
		t.Fatalf("expected DecodeWire to reject a tampered payload body")
	}
}

func TestPaperMessageRoundTrip(t *testing.T) {
	source := newTestIdentity(t)
	dest := newTestIdentity(t)
	payload := &Payload{Content: []byte("offline message")}

	paper, err := EncodePaper(dest.AddressHash(), dest.Identity, source.AddressHash(), payload, source, rand.Reader)
	if err != nil {
		t.Fatalf("EncodePaper: %v", err)
	}
	pm, err := DecodePaper(paper)
	if err != nil {
		t.Fatalf("DecodePaper: %v", err)
	}
	if pm.Destination != dest.AddressHash() {
		t.Fatalf("destination mismatch on paper decode")
	}
	wire, err := DecryptPaper(pm, dest, &source.Identity)
	if err != nil {
		t.Fatalf("DecryptPaper: %v", err)
	}
	if !bytes.Equal(wire.Payload.Content, payload.Content) {
		t.Fatalf("paper content mismatch: got %q want %q", wire.Payload.Content, payload.Content)
	}
}

func TestLXMURIEncodeDecodeRoundTrip(t *testing.T) {
	source := newTestIdentity(t)
	dest := newTestIdentity(t)
	paper, err := EncodePaper(dest.AddressHash(), dest.Identity, source.AddressHash(), &Payload{Content: []byte("uri test")}, source, rand.Reader)
	if err != nil {
		t.Fatalf("EncodePaper: %v", err)
	}
	uri, err := EncodeLXMURI(paper)
	if err != nil {
		t.Fatalf("EncodeLXMURI: %v", err)
	}
	got, err := DecodeLXMURI(uri)
	if err != nil {
		t.Fatalf("DecodeLXMURI: %v", err)
	}
	if !bytes.Equal(got, paper) {
		t.Fatalf("lxm uri round trip mismatch")
	}
}

func TestDecodeLXMURIRejectsWrongScheme(t *testing.T) {
	if _, err := DecodeLXMURI("http://not-an-lxm-uri"); err == nil {
		t.Fatalf("expected DecodeLXMURI to reject a non-lxm:// scheme")
	}
}

func TestPropagationRoundTrip(t *testing.T) {
	signer := newTestIdentity(t)
	paper := []byte("paper payload bytes for propagation")

	b, err := EncodePropagation(paper, signer)
	if err != nil {
		t.Fatalf("EncodePropagation: %v", err)
	}
	pm, err := DecodePropagation(b, &signer.Identity)
	if err != nil {
		t.Fatalf("DecodePropagation: %v", err)
	}
	if !bytes.Equal(pm.Paper, paper) {
		t.Fatalf("propagation paper mismatch")
	}
	if pm.Signer != signer.AddressHash() {
		t.Fatalf("propagation signer mismatch")
	}
}

func TestDecodePropagationRejectsTamperedSignature(t *testing.T) {
	signer := newTestIdentity(t)
	b, err := EncodePropagation([]byte("paper"), signer)
	if err != nil {
		t.Fatalf("EncodePropagation: %v", err)
	}
	tampered := append([]byte(nil), b...)
	tampered[16] ^= 0xFF

	if _, err := DecodePropagation(tampered, &signer.Identity); err == nil {
		t.Fatalf("expected DecodePropagation to reject a tampered signature")
	}
}
