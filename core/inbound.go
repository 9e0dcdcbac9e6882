package core

import (
	"fmt"
	"io"
	"time"
)

// OpenLink initiates a link to dest, sending the LinkRequest packet over the
// interface the path table currently resolves for dest, or broadcasting it
// when no route is known yet (§4.6).
func (t *Transport) OpenLink(dest AddressHash, now time.Time, rng io.Reader) (*Link, error) {
	var iface AddressHash
	if entry, ok := t.paths.Lookup(dest, now); ok {
		iface = entry.ReceivingIface
	}
	link, pkt, err := NewInitiatorLink(dest, iface, t.cfg.LinkProofTimeout, now, rng)
	if err != nil {
		return nil, err
	}
	t.links.Add(link)
	if err := t.Outbound(pkt, now); err != nil {
		t.links.Remove(linkID16(link.ID()))
		return nil, err
	}
	return link, nil
}

// HandleInboundLinkRequest accepts an inbound LinkRequest, registers the
// resulting link and returns the Proof packet the caller must send back over
// receivingIface.
func (t *Transport) HandleInboundLinkRequest(pkt *Packet, receivingIface AddressHash, now time.Time, rng io.Reader) (*Packet, error) {
	link, proof, err := AcceptLinkRequest(pkt, receivingIface, now, rng)
	if err != nil {
		return nil, err
	}
	t.links.Add(link)
	select {
	case t.inLinkEvents <- LinkEvent{LinkID: link.ID(), Kind: LinkEventActivated}:
	default:
	}
	return proof, nil
}

// HandleInboundProof completes the initiator side of a link once the
// acceptor's proof arrives.
func (t *Transport) HandleInboundProof(pkt *Packet, now time.Time) error {
	link, ok := t.links.Get(pkt.Destination)
	if !ok {
		return fmt.Errorf("%w: proof for unknown link %s", ErrInvalidArgument, pkt.Destination)
	}
	ev, err := link.ActivateFromProof(pkt, now)
	if err != nil {
		return err
	}
	select {
	case t.outLinkEvents <- *ev:
	default:
	}
	return nil
}

// HandleInboundLinkData processes a Data packet addressed to a link: keep
// alives touch the idle timer (responding if it was a request), resource
// contexts dispatch to the resource manager, and anything else is decrypted
// and published on ReceivedDataEvents.
func (t *Transport) HandleInboundLinkData(pkt *Packet, now time.Time) error {
	link, ok := t.links.Get(pkt.Destination)
	if !ok {
		return fmt.Errorf("%w: data for unknown link %s", ErrInvalidArgument, pkt.Destination)
	}
	link.Touch(now)
	switch pkt.Context {
	case ContextKeepAliveRequest:
		return t.Outbound(link.KeepAlivePacket(true), now)
	case ContextKeepAliveResponse:
		return nil
	case ContextResourceAdvertisement, ContextResource, ContextResourceRequest, ContextResourceHashUpdate, ContextResourceProof, ContextResourceInitiatorCancel, ContextResourceReceiverCancel:
		return t.handleResourcePacket(link, pkt, now)
	default:
		payload, err := link.DecryptDataPacket(pkt)
		if err != nil {
			return err
		}
		select {
		case t.receivedData <- ReceivedData{Destination: pkt.Destination, Payload: payload, Mode: PayloadModeLink}:
		default:
		}
		return nil
	}
}

// StartResourceSend begins sending data (with optional metadata) over link,
// registering the sender side of the transfer and returning the
// advertisement packet the caller must put Outbound.
func (t *Transport) StartResourceSend(link *Link, data, metadata []byte, now time.Time, rng io.Reader) (*Packet, error) {
	sender, adv, err := StartSend(link.key, data, metadata, rng)
	if err != nil {
		return nil, err
	}
	t.resources.AddSender(adv.ResourceHash, linkID16(link.ID()), sender)
	body, err := adv.Encode()
	if err != nil {
		return nil, err
	}
	return &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Destination: DestinationLink,
			Type:        PacketData,
			Context:     true,
		},
		Destination: linkID16(link.ID()),
		Context:     ContextResourceAdvertisement,
		Data:        body,
	}, nil
}

func (t *Transport) resourceDataPacket(link *Link, ctx PacketContext, body []byte) *Packet {
	return &Packet{
		Flags: Flags{
			Header:      HeaderType1,
			Destination: DestinationLink,
			Type:        PacketData,
			Context:     true,
		},
		Destination: linkID16(link.ID()),
		Context:     ctx,
		Data:        body,
	}
}

// handleResourcePacket dispatches a resource-context Data packet against the
// transfer in flight on link, driving sender or receiver state as
// appropriate (§4.8).
func (t *Transport) handleResourcePacket(link *Link, pkt *Packet, now time.Time) error {
	linkID := linkID16(link.ID())
	switch pkt.Context {
	case ContextResourceAdvertisement:
		adv, err := DecodeResourceAdvertisement(pkt.Data)
		if err != nil {
			return err
		}
		receiver, req := OnAdvertisement(link.key, adv, false, now)
		t.resources.AddReceiver(adv.ResourceHash, linkID, receiver)
		reqBody, err := req.Encode()
		if err != nil {
			return err
		}
		return t.Outbound(t.resourceDataPacket(link, ContextResourceRequest, reqBody), now)

	case ContextResourceRequest:
		req, err := DecodeResourceRequest(pkt.Data)
		if err != nil {
			return err
		}
		sender, senderLink, ok := t.resources.Sender(req.ResourceHash)
		if !ok || senderLink != linkID {
			return fmt.Errorf("%w: resource request for unknown transfer", ErrInvalidArgument)
		}
		parts, update := sender.HandleRequest(req)
		for _, part := range parts {
			if err := t.Outbound(t.resourceDataPacket(link, ContextResource, part), now); err != nil {
				return err
			}
		}
		if update != nil {
			body, err := update.Encode()
			if err != nil {
				return err
			}
			if err := t.Outbound(t.resourceDataPacket(link, ContextResourceHashUpdate, body), now); err != nil {
				return err
			}
		}
		return nil

	case ContextResource:
		hash, ok := t.resources.receiverOnLink(linkID)
		if !ok {
			return fmt.Errorf("%w: resource part for unknown transfer", ErrInvalidArgument)
		}
		receiver, _, ok := t.resources.Receiver(hash)
		if !ok {
			return fmt.Errorf("%w: resource part for unknown transfer", ErrInvalidArgument)
		}
		receiver.HandlePart(pkt.Data, now)
		if !receiver.Complete() {
			return nil
		}
		proof, event, err := receiver.Finalize()
		t.resources.Remove(hash)
		if err != nil {
			select {
			case t.resourceOut <- *event:
			default:
			}
			return err
		}
		if err := t.Outbound(t.resourceDataPacket(link, ContextResourceProof, proof.Encode()), now); err != nil {
			return err
		}
		select {
		case t.resourceOut <- *event:
		default:
		}
		return nil

	case ContextResourceHashUpdate:
		hash, ok := t.resources.receiverOnLink(linkID)
		if !ok {
			return fmt.Errorf("%w: resource hash update for unknown transfer", ErrInvalidArgument)
		}
		receiver, _, ok := t.resources.Receiver(hash)
		if !ok {
			return fmt.Errorf("%w: resource hash update for unknown transfer", ErrInvalidArgument)
		}
		update, err := DecodeResourceHashUpdate(pkt.Data)
		if err != nil {
			return err
		}
		req := receiver.ApplyHashUpdate(update, now)
		body, err := req.Encode()
		if err != nil {
			return err
		}
		return t.Outbound(t.resourceDataPacket(link, ContextResourceRequest, body), now)

	case ContextResourceProof:
		proof, err := DecodeResourceProof(pkt.Data)
		if err != nil {
			return err
		}
		if _, _, ok := t.resources.Sender(proof.ResourceHash); ok {
			t.resources.Remove(proof.ResourceHash)
		}
		return nil

	case ContextResourceInitiatorCancel, ContextResourceReceiverCancel:
		if hash, ok := t.resources.receiverOnLink(linkID); ok {
			t.resources.Remove(hash)
		}
		return nil

	default:
		return fmt.Errorf("%w: unhandled resource context %d", ErrInvalidArgument, pkt.Context)
	}
}

// SweepLinkTimeouts closes links whose proof or idle deadline has passed,
// publishing a LinkEventClosed for each (§4.6).
func (t *Transport) SweepLinkTimeouts(now time.Time) {
	for _, l := range t.links.All() {
		if ev, closed := l.CheckProofTimeout(now); closed {
			t.links.Remove(linkID16(l.ID()))
			t.publishLinkClose(*ev)
			continue
		}
		if ev, closed := l.CheckIdleTimeout(t.cfg.LinkIdleTimeout, now); closed {
			t.links.Remove(linkID16(l.ID()))
			t.publishLinkClose(*ev)
		}
	}
}

func (t *Transport) publishLinkClose(ev LinkEvent) {
	select {
	case t.outLinkEvents <- ev:
	default:
	}
	select {
	case t.inLinkEvents <- ev:
	default:
	}
}

// SweepResourceRetries re-requests or drops stale in-flight resource
// receivers, using the configured ResourceRetryInterval/ResourceRetryLimit
// (§4.8).
func (t *Transport) SweepResourceRetries(now time.Time) {
	for hash, linkID := range t.resources.Receivers() {
		receiver, _, ok := t.resources.Receiver(hash)
		if !ok {
			continue
		}
		req, dropped := receiver.RetryIfStale(t.cfg.ResourceRetryInterval, t.cfg.ResourceRetryLimit, now)
		if dropped {
			t.resources.Remove(hash)
			select {
			case t.resourceOut <- ResourceEvent{ResourceHash: hash, Kind: ResourceEventFailed}:
			default:
			}
			continue
		}
		if req == nil {
			continue
		}
		link, ok := t.links.Get(linkID)
		if !ok {
			continue
		}
		body, err := req.Encode()
		if err != nil {
			continue
		}
		_ = t.Outbound(t.resourceDataPacket(link, ContextResourceRequest, body), now)
	}
}

// isLocalDestination reports whether hash names one of this node's
// registered destinations.
func (t *Transport) isLocalDestination(hash AddressHash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.destinations[hash]
	return ok
}

// identityFor returns the private identity registered for hash, if any.
func (t *Transport) identityFor(hash AddressHash) (*PrivateIdentity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.destinations[hash]
	if !ok {
		return nil, false
	}
	return reg.identity, true
}

// HandleInboundFrame is the single entry point for a decoded packet arriving
// off an interface (§2, §4.9): it dispatches announces, link-scoped traffic,
// locally-addressed data, and otherwise falls back to multihop forwarding.
func (t *Transport) HandleInboundFrame(pkt *Packet, receivingIface AddressHash, now time.Time, rng io.Reader) error {
	switch {
	case pkt.Flags.Type == PacketAnnounce:
		a, err := DecodeAnnounceBody(pkt.Destination, pkt.Data, pkt.Flags.Context)
		if err != nil {
			return err
		}
		a.ReceivedHops = pkt.Hops
		return t.HandleInboundAnnounce(a, receivingIface, now)

	case pkt.Flags.Type == PacketLinkRequest:
		if !t.dups.Allow(pkt, now) {
			return fmt.Errorf("%w: duplicate link request", ErrPacket)
		}
		proof, err := t.HandleInboundLinkRequest(pkt, receivingIface, now, rng)
		if err != nil {
			return err
		}
		return t.Outbound(proof, now)

	case pkt.Flags.Type == PacketProof && pkt.Context == ContextLinkRequestProof:
		if !t.dups.Allow(pkt, now) {
			return fmt.Errorf("%w: duplicate link proof", ErrPacket)
		}
		return t.HandleInboundProof(pkt, now)

	case pkt.Flags.Destination == DestinationLink:
		if !t.dups.Allow(pkt, now) {
			return fmt.Errorf("%w: duplicate link data", ErrPacket)
		}
		return t.HandleInboundLinkData(pkt, now)

	case pkt.Flags.Type == PacketData && pkt.Flags.Destination == DestinationSingle && t.isLocalDestination(pkt.Destination):
		if !t.dups.Allow(pkt, now) {
			return fmt.Errorf("%w: duplicate data packet", ErrPacket)
		}
		id, _ := t.identityFor(pkt.Destination)
		payload, err := DecryptWithIdentity(id, pkt.Destination[:], pkt.Data)
		if err != nil {
			return err
		}
		select {
		case t.receivedData <- ReceivedData{Destination: pkt.Destination, Payload: payload, Mode: PayloadModeFullWire}:
		default:
		}
		return nil

	default:
		outIface, err := t.HandleInboundPacket(pkt, receivingIface, now)
		if err != nil {
			return err
		}
		if outIface == (AddressHash{}) {
			return nil
		}
		body, err := pkt.Pack()
		if err != nil {
			return err
		}
		return t.ifaces.Send(Direct(outIface, body))
	}
}
