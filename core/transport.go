package core

import (
	"crypto/ecdh"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SendPacketOutcome enumerates the result of Transport.SendPacket (§4.9).
type SendPacketOutcome uint8

const (
	SentDirect SendPacketOutcome = iota
	SentBroadcast
	DroppedMissingDestinationIdentity
	DroppedCiphertextTooLarge
	DroppedEncryptFailed
	DroppedNoRoute
)

// ReceiptHandler is the callback type for delivery receipts. The transport
// stores it but does not decode receipts from inbound frames, so nothing in
// this package calls it.
type ReceiptHandler func(destination AddressHash, receipt []byte)

// TransportConfig mirrors the recognized "Transport" configuration section
// (§6).
type TransportConfig struct {
	Name                      string
	Broadcast                 bool
	Retransmit                bool
	AnnounceCacheCapacity     int
	AnnounceRetryLimit        int
	AnnounceQueueLen          int
	AnnounceCap               int
	PathRequestTimeout        time.Duration
	LinkProofTimeout          time.Duration
	LinkIdleTimeout           time.Duration
	ResourceRetryInterval     time.Duration
	ResourceRetryLimit        int
	RatchetStorePath          string
}

// DefaultTransportConfig returns the documented default configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Broadcast:             true,
		Retransmit:            true,
		AnnounceCacheCapacity: announceCacheSize,
		AnnounceRetryLimit:    3,
		AnnounceQueueLen:      256,
		AnnounceCap:           64,
		PathRequestTimeout:    30 * time.Second,
		LinkProofTimeout:      15 * time.Second,
		LinkIdleTimeout:       5 * time.Minute,
		ResourceRetryInterval: 10 * time.Second,
		ResourceRetryLimit:    5,
	}
}

// destinationRegistration is a locally-registered destination this node can
// receive announces/data for.
type destinationRegistration struct {
	identity *PrivateIdentity
	name     DestinationName
}

// Transport is the integration point for the announce table, path table,
// duplicate filter, link table, resource manager and interface manager
// (§4.9).
type Transport struct {
	cfg TransportConfig
	log *logrus.Logger

	ifaces    *InterfaceManager
	announces *AnnounceTable
	paths     *PathTable
	dups      *DuplicateFilter
	links     *LinkTable
	resources *ResourceTable
	discovery *DiscoveryRateLimiter
	ratchets  *RatchetStore

	mu            sync.RWMutex
	destinations  map[AddressHash]*destinationRegistration
	receiptHandler ReceiptHandler

	announceOut  chan *Announce
	inLinkEvents  chan LinkEvent
	outLinkEvents chan LinkEvent
	receivedData  chan ReceivedData
	resourceOut   chan ResourceEvent
}

// ReceivedData is forwarded on the received-data channel for every inbound
// payload, tagged with its delivery mode.
type ReceivedData struct {
	Destination AddressHash
	Payload     []byte
	Mode        PayloadMode
}

// PayloadMode distinguishes how a ReceivedData entry was delivered.
type PayloadMode uint8

const (
	PayloadModeFullWire PayloadMode = iota
	PayloadModeLink
)

// NewTransport wires together a fresh transport core. ifaces, a ratchet
// store, and a logger are supplied by the caller (the daemon bootstrap);
// everything else is constructed from cfg.
func NewTransport(cfg TransportConfig, ifaces *InterfaceManager, ratchets *RatchetStore, log *logrus.Logger) (*Transport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	announces, err := NewAnnounceTable()
	if err != nil {
		return nil, err
	}
	links := NewLinkTable()
	t := &Transport{
		cfg:           cfg,
		log:           log,
		ifaces:        ifaces,
		announces:     announces,
		paths:         NewPathTable(),
		links:         links,
		resources:     NewResourceTable(),
		discovery:     NewDiscoveryRateLimiter(cfg.PathRequestTimeout, cfg.AnnounceQueueLen, cfg.AnnounceCap),
		ratchets:      ratchets,
		destinations:  make(map[AddressHash]*destinationRegistration),
		announceOut:   make(chan *Announce, 256),
		inLinkEvents:  make(chan LinkEvent, 256),
		outLinkEvents: make(chan LinkEvent, 256),
		receivedData:  make(chan ReceivedData, 256),
		resourceOut:   make(chan ResourceEvent, 256),
	}
	t.dups = NewDuplicateFilter(5*time.Minute, links)
	return t, nil
}

// AddDestination registers a local SingleInputDestination under identity and
// name.
func (t *Transport) AddDestination(identity *PrivateIdentity, name DestinationName) AddressHash {
	hash := identity.AddressHash()
	t.mu.Lock()
	t.destinations[hash] = &destinationRegistration{identity: identity, name: name}
	t.mu.Unlock()
	return hash
}

// SetReceiptHandler stores the delivery-receipt callback. Inbound frames are
// not decoded for receipts, so the stored handler is never invoked.
func (t *Transport) SetReceiptHandler(h ReceiptHandler) {
	t.mu.Lock()
	t.receiptHandler = h
	t.mu.Unlock()
}

func (t *Transport) RecvAnnounces() <-chan *Announce      { return t.announceOut }
func (t *Transport) InLinkEvents() <-chan LinkEvent       { return t.inLinkEvents }
func (t *Transport) OutLinkEvents() <-chan LinkEvent      { return t.outLinkEvents }
func (t *Transport) ReceivedDataEvents() <-chan ReceivedData { return t.receivedData }
func (t *Transport) ResourceEvents() <-chan ResourceEvent { return t.resourceOut }

// Announces exposes the transport's announce table for RPC-layer listing
// methods (e.g. list_announces).
func (t *Transport) Announces() *AnnounceTable { return t.announces }

// Outbound consults the path table: Direct if a route is known, else
// Broadcast iff config.Broadcast is set, else the packet is dropped.
func (t *Transport) Outbound(pkt *Packet, now time.Time) error {
	entry, ok := t.paths.Lookup(pkt.Destination, now)
	body, err := pkt.Pack()
	if err != nil {
		return err
	}
	if ok {
		iface := entry.ReceivingIface
		if entry.NextHop != nil {
			pkt.Flags.Header = HeaderType2
			pkt.Transport = entry.NextHop
			if body, err = pkt.Pack(); err != nil {
				return err
			}
		}
		return t.ifaces.Send(Direct(iface, body))
	}
	if t.cfg.Broadcast {
		return t.ifaces.Send(Broadcast(nil, body))
	}
	t.log.WithField("destination", pkt.Destination.String()).Trace("outbound: no route, broadcast disabled, dropping")
	return fmt.Errorf("%w: destination %s", ErrNoRoute, pkt.Destination)
}

// SendPacket behaves like Outbound but additionally encrypts Data-to-Single
// packets under the destination's identity, using a known ratchet if
// present, or the identity's long-term public key otherwise.
func (t *Transport) SendPacket(pkt *Packet, destIdentity *Identity, now time.Time, rng io.Reader) SendPacketOutcome {
	if pkt.Flags.Type == PacketData && pkt.Flags.Destination == DestinationSingle {
		if destIdentity == nil {
			return DroppedMissingDestinationIdentity
		}
		var ciphertext []byte
		var err error
		if t.ratchets != nil {
			if ratchetPriv, ok := t.ratchets.Get(pkt.Destination, now); ok {
				pub := ratchetPriv.PublicKey().Bytes()
				var pubArr [32]byte
				copy(pubArr[:], pub)
				ciphertext, err = EncryptForPublicKey(pubArr, pkt.Destination[:], pkt.Data, rng)
			}
		}
		if ciphertext == nil && err == nil {
			ciphertext, err = EncryptForPublicKey(destIdentity.EncryptionPub, pkt.Destination[:], pkt.Data, rng)
		}
		if err != nil {
			return DroppedEncryptFailed
		}
		if len(ciphertext) > PacketMDU {
			return DroppedCiphertextTooLarge
		}
		pkt.Data = ciphertext
	}

	if _, ok := t.paths.Lookup(pkt.Destination, now); ok {
		if err := t.Outbound(pkt, now); err != nil {
			return DroppedNoRoute
		}
		return SentDirect
	}
	if t.cfg.Broadcast {
		if err := t.Outbound(pkt, now); err != nil {
			return DroppedNoRoute
		}
		return SentBroadcast
	}
	return DroppedNoRoute
}

// SendAnnounce builds and sends an Announce packet for a locally-registered
// destination.
func (t *Transport) SendAnnounce(dest AddressHash, appData []byte, ratchetPub *[32]byte, now time.Time, rng io.Reader) (*Announce, error) {
	t.mu.RLock()
	reg, ok := t.destinations[dest]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: destination %s not registered locally", ErrInvalidArgument, dest)
	}

	randomBlob, err := randomBlobForAnnounce(now, rng)
	if err != nil {
		return nil, err
	}
	a := &Announce{
		Destination: dest,
		Identity:    reg.identity.Identity,
		NameHash:    reg.name.NameHash(),
		AppData:     appData,
		Ratchet:     ratchetPub,
		ReceivedAt:  now,
	}
	copy(a.RandomHash[:], randomBlob)
	a.Signature = reg.identity.Sign(a.signedBlob())

	if _, err := t.announces.Offer(a); err != nil {
		return nil, err
	}
	pkt := &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Destination: DestinationSingle,
			Type:        PacketAnnounce,
			Context:     a.Ratchet != nil,
		},
		Destination: dest,
		Data:        a.encodeBody(),
	}
	if err := t.Outbound(pkt, now); err != nil {
		return nil, err
	}
	return a, nil
}

// randomBlobForAnnounce implements "5 random bytes || big-endian low 5
// bytes of Unix seconds" (§6).
func randomBlobForAnnounce(now time.Time, rng io.Reader) ([]byte, error) {
	out := make([]byte, 10)
	if _, err := io.ReadFull(rng, out[:5]); err != nil {
		return nil, fmt.Errorf("%w: announce random blob: %v", ErrCrypto, err)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.Unix()))
	copy(out[5:], ts[3:8])
	return out, nil
}

// encodeBody implements the announce wire format of §6:
// identity_pub(32) || signing_pub(32) || name_hash(10) || random_blob(10) ||
// [ratchet(32)] || signature(64) || app_data.
func (a *Announce) encodeBody() []byte {
	out := make([]byte, 0, 32+32+10+10+32+64+len(a.AppData))
	out = append(out, a.Identity.EncryptionPub[:]...)
	out = append(out, a.Identity.SigningPub[:]...)
	out = append(out, a.NameHash[:]...)
	out = append(out, a.RandomHash[:]...)
	if a.Ratchet != nil {
		out = append(out, a.Ratchet[:]...)
	}
	out = append(out, a.Signature...)
	out = append(out, a.AppData...)
	return out
}

// DecodeAnnounceBody parses the wire form produced by encodeBody,
// implementing §4.9's "Announce validation": the leading 32 bytes of the
// app_data suffix are only consumed as a ratchet public key when
// ratchetFlag is set AND the suffix is at least 32 bytes long; otherwise the
// entire suffix is opaque app_data.
func DecodeAnnounceBody(dest AddressHash, body []byte, ratchetFlag bool) (*Announce, error) {
	if len(body) < 32+32+10+10+64 {
		return nil, fmt.Errorf("%w: announce body shorter than fixed fields", ErrPacket)
	}
	a := &Announce{Destination: dest}
	off := 0
	copy(a.Identity.EncryptionPub[:], body[off:off+32])
	off += 32
	copy(a.Identity.SigningPub[:], body[off:off+32])
	off += 32
	copy(a.NameHash[:], body[off:off+10])
	off += 10
	copy(a.RandomHash[:], body[off:off+10])
	off += 10

	if ratchetFlag {
		if len(body)-off-64 >= 32 {
			var r [32]byte
			copy(r[:], body[off:off+32])
			a.Ratchet = &r
			off += 32
		}
	}

	if len(body) < off+64 {
		return nil, fmt.Errorf("%w: truncated announce signature", ErrPacket)
	}
	a.Signature = append([]byte(nil), body[off:off+64]...)
	off += 64
	a.AppData = append([]byte(nil), body[off:]...)
	return a, nil
}

// HandleInboundAnnounce validates and records an inbound announce, updating
// the path table keyed by destination hash (not identity hash) and
// publishing it on RecvAnnounces() if it warrants rebroadcast.
func (t *Transport) HandleInboundAnnounce(a *Announce, receivingIface AddressHash, now time.Time) error {
	a.ReceivingIface = receivingIface
	a.ReceivedAt = now
	rebroadcast, err := t.announces.Offer(a)
	if err != nil {
		return err
	}
	t.paths.Update(a.Destination, receivingIface, nil, a.ReceivedHops, now)
	if a.Ratchet != nil {
		// Validate the ratchet public key is well-formed; the key itself is
		// tracked by the lxmf layer against the destination, not stored here.
		if _, err := ecdh.X25519().NewPublicKey(a.Ratchet[:]); err != nil {
			return fmt.Errorf("%w: announce ratchet public key: %v", ErrInvalidArgument, err)
		}
	}
	if rebroadcast {
		select {
		case t.announceOut <- a:
		default:
		}
	}
	return nil
}

// HandleInboundPacket processes a packet forwarded by an intermediate node
// for another destination: hop count is always promoted by 1 and the next
// outbound interface is returned.
func (t *Transport) HandleInboundPacket(pkt *Packet, receivingIface AddressHash, now time.Time) (AddressHash, error) {
	if !t.dups.Allow(pkt, now) {
		return AddressHash{}, fmt.Errorf("%w: duplicate packet", ErrPacket)
	}
	pkt.Hops++
	entry, ok := t.paths.Lookup(pkt.Destination, now)
	if !ok {
		if !t.cfg.Broadcast {
			return AddressHash{}, fmt.Errorf("%w: destination %s", ErrNoRoute, pkt.Destination)
		}
		return AddressHash{}, nil
	}
	return entry.ReceivingIface, nil
}

// RequestPath emits a path-request packet for destination, subject to the
// discovery rate limiter.
func (t *Transport) RequestPath(dest AddressHash, onIface *AddressHash, tag []byte, now time.Time) error {
	if !t.discovery.Admit(dest, now) {
		return fmt.Errorf("%w: path discovery for %s not admitted", ErrConnection, dest)
	}
	req := &PathRequest{Destination: dest, Tag: tag}
	body, err := req.Encode()
	if err != nil {
		t.discovery.Complete(dest)
		return err
	}
	pkt := &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Destination: DestinationPlain,
			Type:        PacketData,
		},
		Destination: dest,
		Data:        body,
	}
	if onIface != nil {
		if err := t.ifaces.Send(Direct(*onIface, body)); err != nil {
			t.discovery.Complete(dest)
			return err
		}
		return nil
	}
	if err := t.Outbound(pkt, now); err != nil {
		t.discovery.Complete(dest)
		return err
	}
	return nil
}
