package core

import (
	"crypto/rand"
	"testing"
	"time"
)

func TestLinkHandshakeAndDataRoundTrip(t *testing.T) {
	now := time.Now()
	dest := AddressHashFrom([]byte("link-dest"))
	initiatorIface := AddressHashFrom([]byte("iface-initiator"))
	acceptorIface := AddressHashFrom([]byte("iface-acceptor"))

	initiator, reqPkt, err := NewInitiatorLink(dest, initiatorIface, 15*time.Second, now, rand.Reader)
	if err != nil {
		t.Fatalf("NewInitiatorLink: %v", err)
	}
	if initiator.State() != LinkHandshakeSent {
		t.Fatalf("expected initiator to start HandshakeSent, got %v", initiator.State())
	}

	acceptor, proofPkt, err := AcceptLinkRequest(reqPkt, acceptorIface, now, rand.Reader)
	if err != nil {
		t.Fatalf("AcceptLinkRequest: %v", err)
	}
	if acceptor.State() != LinkActive {
		t.Fatalf("expected acceptor to be immediately Active, got %v", acceptor.State())
	}
	if acceptor.ID() != initiator.id {
		t.Fatalf("acceptor and initiator must agree on link id")
	}

	ev, err := initiator.ActivateFromProof(proofPkt, now.Add(time.Second))
	if err != nil {
		t.Fatalf("ActivateFromProof: %v", err)
	}
	if ev.Kind != LinkEventActivated {
		t.Fatalf("expected LinkEventActivated, got %v", ev.Kind)
	}
	if initiator.State() != LinkActive {
		t.Fatalf("expected initiator Active after proof, got %v", initiator.State())
	}

	payload := []byte("hello over the link")
	dataPkt, err := initiator.DataPacket(payload)
	if err != nil {
		t.Fatalf("DataPacket: %v", err)
	}
	got, err := acceptor.DecryptDataPacket(dataPkt)
	if err != nil {
		t.Fatalf("DecryptDataPacket: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}

	reply, err := acceptor.DataPacket([]byte("reply"))
	if err != nil {
		t.Fatalf("acceptor DataPacket: %v", err)
	}
	back, err := initiator.DecryptDataPacket(reply)
	if err != nil {
		t.Fatalf("initiator DecryptDataPacket: %v", err)
	}
	if string(back) != "reply" {
		t.Fatalf("reply round trip mismatch: got %q", back)
	}
}

func TestLinkProofTimeout(t *testing.T) {
	now := time.Now()
	dest := AddressHashFrom([]byte("link-dest-2"))
	l, _, err := NewInitiatorLink(dest, AddressHash{}, 10*time.Second, now, rand.Reader)
	if err != nil {
		t.Fatalf("NewInitiatorLink: %v", err)
	}

	if _, closed := l.CheckProofTimeout(now.Add(5 * time.Second)); closed {
		t.Fatalf("expected no timeout before the deadline")
	}
	ev, closed := l.CheckProofTimeout(now.Add(11 * time.Second))
	if !closed {
		t.Fatalf("expected timeout past the deadline")
	}
	if ev.Kind != LinkEventClosed {
		t.Fatalf("expected LinkEventClosed, got %v", ev.Kind)
	}
	if l.State() != LinkClosed {
		t.Fatalf("expected link state Closed, got %v", l.State())
	}
}

func TestLinkIdleTimeoutAndTouch(t *testing.T) {
	now := time.Now()
	dest := AddressHashFrom([]byte("link-dest-3"))
	iface := AddressHashFrom([]byte("iface"))
	_, reqPub, err := GenerateEphemeralX25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEphemeralX25519: %v", err)
	}
	reqPkt := &Packet{
		Flags:       Flags{Header: HeaderType1, Destination: DestinationLink, Type: PacketLinkRequest},
		Destination: dest,
		Data:        reqPub[:],
	}
	acceptor, _, err := AcceptLinkRequest(reqPkt, iface, now, rand.Reader)
	if err != nil {
		t.Fatalf("AcceptLinkRequest: %v", err)
	}

	idle := 30 * time.Second
	if _, closed := acceptor.CheckIdleTimeout(idle, now.Add(10*time.Second)); closed {
		t.Fatalf("expected no idle timeout before the window elapses")
	}
	acceptor.Touch(now.Add(20 * time.Second))
	if _, closed := acceptor.CheckIdleTimeout(idle, now.Add(40*time.Second)); closed {
		t.Fatalf("expected Touch to reset the idle window")
	}
	ev, closed := acceptor.CheckIdleTimeout(idle, now.Add(51*time.Second))
	if !closed {
		t.Fatalf("expected idle timeout once the window elapses past the touch")
	}
	if ev.Kind != LinkEventClosed {
		t.Fatalf("expected LinkEventClosed, got %v", ev.Kind)
	}
}

func TestLinkTableIsNotYetActive(t *testing.T) {
	tbl := NewLinkTable()
	now := time.Now()
	dest := AddressHashFrom([]byte("link-dest-4"))

	pending, _, err := NewInitiatorLink(dest, AddressHash{}, 15*time.Second, now, rand.Reader)
	if err != nil {
		t.Fatalf("NewInitiatorLink: %v", err)
	}
	tbl.Add(pending)

	id := linkID16(pending.ID())
	if !tbl.IsNotYetActive(id) {
		t.Fatalf("expected a HandshakeSent link to be not-yet-active")
	}

	got, ok := tbl.Get(id)
	if !ok {
		t.Fatalf("expected to find the registered link")
	}
	got.state = LinkActive
	if tbl.IsNotYetActive(id) {
		t.Fatalf("expected an Active link to no longer be not-yet-active")
	}

	tbl.Remove(id)
	if _, ok := tbl.Get(id); ok {
		t.Fatalf("expected link to be removed")
	}
	if tbl.IsNotYetActive(id) {
		t.Fatalf("expected an unknown link id to report not-yet-active=false")
	}
}

func TestKeepAlivePacket(t *testing.T) {
	now := time.Now()
	iface := AddressHashFrom([]byte("iface"))
	_, reqPub, err := GenerateEphemeralX25519(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEphemeralX25519: %v", err)
	}
	reqPkt := &Packet{
		Flags:       Flags{Header: HeaderType1, Destination: DestinationLink, Type: PacketLinkRequest},
		Destination: AddressHashFrom([]byte("link-dest-5")),
		Data:        reqPub[:],
	}
	link, _, err := AcceptLinkRequest(reqPkt, iface, now, rand.Reader)
	if err != nil {
		t.Fatalf("AcceptLinkRequest: %v", err)
	}

	req := link.KeepAlivePacket(false)
	if req.Context != ContextKeepAliveRequest {
		t.Fatalf("expected ContextKeepAliveRequest, got %v", req.Context)
	}
	resp := link.KeepAlivePacket(true)
	if resp.Context != ContextKeepAliveResponse {
		t.Fatalf("expected ContextKeepAliveResponse, got %v", resp.Context)
	}
	if req.Destination != linkID16(link.ID()) || resp.Destination != linkID16(link.ID()) {
		t.Fatalf("expected keep-alive packets addressed to the link id")
	}
}
