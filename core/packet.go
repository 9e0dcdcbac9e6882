package core

import (
	"fmt"
)

// PacketMDU bounds the serialized body of a packet; larger payloads must be
// offered to the resource manager instead (§4.2, §4.6, §8).
const PacketMDU = 465

// HashmapMaxLen bounds the number of hashmap entries carried in a single
// resource advertisement or hash-update segment.
const HashmapMaxLen = 48

// ResourceWindow is the number of missing parts requested per resource
// request round (§4.8).
const ResourceWindow = 4

type HeaderType uint8

const (
	HeaderType1 HeaderType = iota // single-hop: no transport id
	HeaderType2                   // multi-hop: carries a 16B transport id
)

type PropagationType uint8

const (
	PropagationBroadcast PropagationType = iota
	PropagationTransport
)

type DestinationType uint8

const (
	DestinationSingle DestinationType = iota
	DestinationGroup
	DestinationPlain
	DestinationLink
)

type PacketType uint8

const (
	PacketData PacketType = iota
	PacketAnnounce
	PacketLinkRequest
	PacketProof
)

// PacketContext enumerates the 1-byte context values used to disambiguate
// Data packets (keep-alive, resource protocol phases, cancellation, proofs).
type PacketContext uint8

const (
	ContextNone PacketContext = iota
	ContextResourceAdvertisement
	ContextResource
	ContextResourceHashUpdate
	ContextResourceProof
	ContextResourceInitiatorCancel
	ContextResourceReceiverCancel
	ContextResourceRequest
	ContextKeepAliveRequest
	ContextKeepAliveResponse
	ContextLinkRequestProof
	ContextPathResponse
)

// Flags is the 1-byte meta field packing the six flag groups described in
// §3's Packet type.
type Flags struct {
	Ifac        bool
	Header      HeaderType
	Context     bool
	Propagation PropagationType
	Destination DestinationType
	Type        PacketType
}

// encode packs the six flag groups into a single meta byte:
// bit7 Ifac | bit6 HeaderType | bit5 ContextFlag | bit4 PropagationType |
// bits3-2 DestinationType | bits1-0 PacketType.
func (f Flags) encode() byte {
	var b byte
	if f.Ifac {
		b |= 1 << 7
	}
	if f.Header == HeaderType2 {
		b |= 1 << 6
	}
	if f.Context {
		b |= 1 << 5
	}
	if f.Propagation == PropagationTransport {
		b |= 1 << 4
	}
	b |= byte(f.Destination&0x3) << 2
	b |= byte(f.Type & 0x3)
	return b
}

func decodeFlags(b byte) Flags {
	f := Flags{
		Ifac:    b&(1<<7) != 0,
		Context: b&(1<<5) != 0,
	}
	if b&(1<<6) != 0 {
		f.Header = HeaderType2
	} else {
		f.Header = HeaderType1
	}
	if b&(1<<4) != 0 {
		f.Propagation = PropagationTransport
	} else {
		f.Propagation = PropagationBroadcast
	}
	f.Destination = DestinationType((b >> 2) & 0x3)
	f.Type = PacketType(b & 0x3)
	return f
}

// Packet is the fixed-layout wire packet described in §3 and §6.
type Packet struct {
	Flags       Flags
	Hops        uint8
	Transport   *AddressHash // present iff Flags.Header == HeaderType2
	Destination AddressHash
	Context     PacketContext
	Data        []byte
}

// Pack serializes p: meta(1) | hops(1) | [transport(16)] | destination(16) |
// context(1) | body.
func (p *Packet) Pack() ([]byte, error) {
	if len(p.Data) > PacketMDU {
		return nil, fmt.Errorf("%w: packet body %d exceeds MDU %d", ErrOutOfMemory, len(p.Data), PacketMDU)
	}
	size := 2 + 16 + 1 + len(p.Data)
	if p.Flags.Header == HeaderType2 {
		size += 16
	}
	out := make([]byte, 0, size)
	out = append(out, p.Flags.encode(), p.Hops)
	if p.Flags.Header == HeaderType2 {
		if p.Transport == nil {
			return nil, fmt.Errorf("%w: type2 header requires a transport id", ErrInvalidArgument)
		}
		out = append(out, p.Transport[:]...)
	}
	out = append(out, p.Destination[:]...)
	out = append(out, byte(p.Context))
	out = append(out, p.Data...)
	return out, nil
}

// UnpackPacket parses the wire form produced by Pack.
func UnpackPacket(buf []byte) (*Packet, error) {
	if len(buf) < 2+16+1 {
		return nil, fmt.Errorf("%w: packet shorter than minimum header", ErrPacket)
	}
	flags := decodeFlags(buf[0])
	hops := buf[1]
	off := 2
	var transport *AddressHash
	if flags.Header == HeaderType2 {
		if len(buf) < off+16 {
			return nil, fmt.Errorf("%w: truncated transport id", ErrPacket)
		}
		var t AddressHash
		copy(t[:], buf[off:off+16])
		transport = &t
		off += 16
	}
	if len(buf) < off+16+1 {
		return nil, fmt.Errorf("%w: truncated destination/context", ErrPacket)
	}
	var dest AddressHash
	copy(dest[:], buf[off:off+16])
	off += 16
	ctx := PacketContext(buf[off])
	off++
	body := buf[off:]
	if len(body) > PacketMDU {
		return nil, fmt.Errorf("%w: packet body %d exceeds MDU %d", ErrOutOfMemory, len(body), PacketMDU)
	}
	data := make([]byte, len(body))
	copy(data, body)
	return &Packet{
		Flags:       flags,
		Hops:        hops,
		Transport:   transport,
		Destination: dest,
		Context:     ctx,
		Data:        data,
	}, nil
}

// Hash returns a content-address for the packet, used for duplicate
// filtering and as the link-id seed for LinkRequest packets.
func (p *Packet) Hash() [32]byte {
	buf, err := p.Pack()
	if err != nil {
		// Packets that fail to pack (oversize) still need a stable hash for
		// dedup bookkeeping; fall back to hashing the unpacked fields.
		buf = append([]byte{p.Flags.encode(), p.Hops}, p.Destination[:]...)
		buf = append(buf, byte(p.Context))
		buf = append(buf, p.Data...)
	}
	var out [32]byte
	copy(out[:], sha256Truncated(32, buf))
	return out
}

// PacketDataBuffer is a fixed-capacity accumulator for packet bodies; writes
// that would exceed PacketMDU report ErrOutOfMemory so callers fall back to
// resource transfer instead of silently truncating.
type PacketDataBuffer struct {
	buf [PacketMDU]byte
	n   int
}

// Write appends p to the buffer, failing with ErrOutOfMemory if it would
// exceed PacketMDU.
func (b *PacketDataBuffer) Write(p []byte) (int, error) {
	if b.n+len(p) > PacketMDU {
		return 0, fmt.Errorf("%w: write would exceed %d byte packet buffer", ErrOutOfMemory, PacketMDU)
	}
	n := copy(b.buf[b.n:], p)
	b.n += n
	return n, nil
}

// Bytes returns the buffer's current contents.
func (b *PacketDataBuffer) Bytes() []byte { return b.buf[:b.n] }

// Reset empties the buffer for reuse.
func (b *PacketDataBuffer) Reset() { b.n = 0 }
