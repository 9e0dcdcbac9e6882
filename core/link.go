package core

import (
	"crypto/ecdh"
	"fmt"
	"io"
	"sync"
	"time"
)

// LinkState is one of the four link lifecycle states (§4.6).
type LinkState uint8

const (
	LinkPending LinkState = iota
	LinkHandshakeSent
	LinkActive
	LinkClosed
)

func (s LinkState) notYetActive() bool { return s == LinkPending || s == LinkHandshakeSent }

// LinkEventKind enumerates the link lifecycle events broadcast on
// out_link_events()/in_link_events().
type LinkEventKind uint8

const (
	LinkEventActivated LinkEventKind = iota
	LinkEventClosed
)

// LinkEvent is published whenever a link transitions to Active or Closed.
type LinkEvent struct {
	LinkID [32]byte
	Kind   LinkEventKind
}

// Link represents one end of an authenticated point-to-point channel
// established over the mesh (§4.6).
type Link struct {
	mu sync.Mutex

	id          [32]byte
	destination AddressHash
	iface       AddressHash // the interface a LinkRequest/Proof must travel back over
	state       LinkState

	localEphemeral  *ecdh.PrivateKey
	remoteEphemeral *[32]byte
	key             []byte // 64B Fernet key once Active

	createdAt      time.Time
	lastActivityAt time.Time
	proofDeadline  time.Time
}

// NewInitiatorLink builds the initiator side of a link request. The link id
// is the hash of the LinkRequest packet it produces.
func NewInitiatorLink(dest, iface AddressHash, proofTimeout time.Duration, now time.Time, rng io.Reader) (*Link, *Packet, error) {
	priv, pub, err := GenerateEphemeralX25519(rng)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: link ephemeral key: %v", ErrCrypto, err)
	}
	pkt := &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Destination: DestinationLink,
			Type:        PacketLinkRequest,
		},
		Destination: dest,
		Data:        pub[:],
	}
	h := pkt.Hash()
	l := &Link{
		id:             h,
		destination:    dest,
		iface:          iface,
		state:          LinkHandshakeSent,
		localEphemeral: priv,
		createdAt:      now,
		lastActivityAt: now,
		proofDeadline:  now.Add(proofTimeout),
	}
	return l, pkt, nil
}

// AcceptLinkRequest builds the acceptor side of a link plus its Proof
// packet, to be sent back over the interface the request arrived on.
func AcceptLinkRequest(req *Packet, receivingIface AddressHash, now time.Time, rng io.Reader) (*Link, *Packet, error) {
	if len(req.Data) != 32 {
		return nil, nil, fmt.Errorf("%w: link request ephemeral key must be 32 bytes", ErrInvalidArgument)
	}
	var remotePub [32]byte
	copy(remotePub[:], req.Data)

	priv, pub, err := GenerateEphemeralX25519(rng)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: link ephemeral key: %v", ErrCrypto, err)
	}
	shared, err := X25519Shared(priv, remotePub)
	if err != nil {
		return nil, nil, err
	}
	key, err := DerivedKeyNew(shared, req.Destination[:], ratchetKeySize)
	if err != nil {
		return nil, nil, err
	}

	linkID := req.Hash()
	l := &Link{
		id:              linkID,
		destination:     req.Destination,
		iface:           receivingIface,
		state:           LinkActive,
		localEphemeral:  priv,
		remoteEphemeral: &remotePub,
		key:             key,
		createdAt:       now,
		lastActivityAt:  now,
	}
	proof := &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Destination: DestinationLink,
			Type:        PacketProof,
			Context:     true,
		},
		Destination: linkID16(linkID),
		Context:     ContextLinkRequestProof,
		Data:        pub[:],
	}
	return l, proof, nil
}

// linkID16 truncates a 32-byte link id to the 16-byte AddressHash-shaped
// destination field Proof packets address.
func linkID16(id [32]byte) AddressHash {
	var a AddressHash
	copy(a[:], id[:16])
	return a
}

// ActivateFromProof completes the initiator side once the acceptor's proof
// arrives, deriving the shared link key and transitioning to Active.
func (l *Link) ActivateFromProof(proof *Packet, now time.Time) (*LinkEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkHandshakeSent {
		return nil, fmt.Errorf("%w: link not awaiting proof", ErrInvalidArgument)
	}
	if len(proof.Data) != 32 {
		return nil, fmt.Errorf("%w: link proof ephemeral key must be 32 bytes", ErrInvalidArgument)
	}
	var remotePub [32]byte
	copy(remotePub[:], proof.Data)
	shared, err := X25519Shared(l.localEphemeral, remotePub)
	if err != nil {
		return nil, err
	}
	key, err := DerivedKeyNew(shared, l.destination[:], ratchetKeySize)
	if err != nil {
		return nil, err
	}
	l.remoteEphemeral = &remotePub
	l.key = key
	l.state = LinkActive
	l.lastActivityAt = now
	return &LinkEvent{LinkID: l.id, Kind: LinkEventActivated}, nil
}

// CheckProofTimeout closes a not-yet-active link whose proof deadline has
// passed, per §4.6's cancellation rule.
func (l *Link) CheckProofTimeout(now time.Time) (*LinkEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.notYetActive() {
		return nil, false
	}
	if now.Before(l.proofDeadline) {
		return nil, false
	}
	l.state = LinkClosed
	return &LinkEvent{LinkID: l.id, Kind: LinkEventClosed}, true
}

// CheckIdleTimeout closes an Active link that has not seen traffic within
// idleTimeout.
func (l *Link) CheckIdleTimeout(idleTimeout time.Duration, now time.Time) (*LinkEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkActive {
		return nil, false
	}
	if now.Sub(l.lastActivityAt) < idleTimeout {
		return nil, false
	}
	l.state = LinkClosed
	return &LinkEvent{LinkID: l.id, Kind: LinkEventClosed}, true
}

// Touch records activity, resetting the idle timer (used for keep-alives
// and any data packet).
func (l *Link) Touch(now time.Time) {
	l.mu.Lock()
	l.lastActivityAt = now
	l.mu.Unlock()
}

// DataPacket encrypts payload under the link key, producing a Type1
// Broadcast DestinationType::Link packet. If the encrypted token exceeds
// PacketMDU it returns ErrOutOfMemory; such payloads must be routed through
// the resource manager instead.
func (l *Link) DataPacket(payload []byte) (*Packet, error) {
	l.mu.Lock()
	key := l.key
	state := l.state
	l.mu.Unlock()
	if state != LinkActive {
		return nil, fmt.Errorf("%w: link not active", ErrInvalidArgument)
	}
	token, err := FernetEncrypt(key, payload)
	if err != nil {
		return nil, err
	}
	if len(token) > PacketMDU {
		return nil, fmt.Errorf("%w: encrypted link payload exceeds MDU, use resource transfer", ErrOutOfMemory)
	}
	return &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Propagation: PropagationBroadcast,
			Destination: DestinationLink,
			Type:        PacketData,
		},
		Destination: linkID16(l.id),
		Data:        token,
	}, nil
}

// DecryptDataPacket reverses DataPacket.
func (l *Link) DecryptDataPacket(pkt *Packet) ([]byte, error) {
	l.mu.Lock()
	key := l.key
	state := l.state
	l.mu.Unlock()
	if state != LinkActive {
		return nil, fmt.Errorf("%w: link not active", ErrInvalidArgument)
	}
	verified, err := FernetVerify(key, Token(pkt.Data))
	if err != nil {
		return nil, err
	}
	return FernetDecrypt(verified)
}

// KeepAlivePacket builds the single-byte keep-alive request/response data
// packet exchanged at idle.
func (l *Link) KeepAlivePacket(response bool) *Packet {
	ctx := ContextKeepAliveRequest
	if response {
		ctx = ContextKeepAliveResponse
	}
	return &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Destination: DestinationLink,
			Type:        PacketData,
			Context:     true,
		},
		Destination: linkID16(l.id),
		Context:     ctx,
		Data:        []byte{0},
	}
}

// State returns the link's current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ID returns the link's 32-byte identifier.
func (l *Link) ID() [32]byte { return l.id }

// Close forcibly transitions the link to Closed, returning the event to
// publish (nil if already closed).
func (l *Link) Close() *LinkEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return nil
	}
	l.state = LinkClosed
	return &LinkEvent{LinkID: l.id, Kind: LinkEventClosed}
}

// LinkTable tracks every link known to this node, keyed by its 16-byte
// destination-shaped id, and implements LinkLookup for the duplicate
// filter.
type LinkTable struct {
	mu    sync.RWMutex
	links map[AddressHash]*Link
}

// NewLinkTable constructs an empty table.
func NewLinkTable() *LinkTable {
	return &LinkTable{links: make(map[AddressHash]*Link)}
}

// Add registers a link.
func (t *LinkTable) Add(l *Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[linkID16(l.id)] = l
}

// Get looks up a link by its 16-byte destination-shaped id.
func (t *LinkTable) Get(id AddressHash) (*Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.links[id]
	return l, ok
}

// Remove drops a link from the table.
func (t *LinkTable) Remove(id AddressHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, id)
}

// IsNotYetActive implements LinkLookup: true if id names a link currently
// in Pending or HandshakeSent.
func (t *LinkTable) IsNotYetActive(linkID AddressHash) bool {
	l, ok := t.Get(linkID)
	if !ok {
		return false
	}
	return l.State().notYetActive()
}

// All returns every tracked link, for timeout sweeps.
func (t *LinkTable) All() []*Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	return out
}
