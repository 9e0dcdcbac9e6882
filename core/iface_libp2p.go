package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// meshTopic is the single gossipsub topic every libp2p-backed interface
// joins; mesh packets are opaque frames, so one topic is enough (there is
// no chain/namespace concept at this layer).
const meshTopic = "reticulum-mesh"

// Libp2pDriver is an interface driver backed by a libp2p host: gossipsub
// carries frames, mDNS plus an optional static seed list bootstraps peers.
// No ledger/orphan-block replication here — the mesh transport has no
// chain state to replicate.
type Libp2pDriver struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	nat    *NATManager

	discoveryTag string
	seeds        []string

	log *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	peerMu sync.RWMutex
	peers  map[peer.ID]struct{}
}

// NewLibp2pDriver creates the libp2p host and gossipsub instance; Spawn
// starts mDNS discovery and dials the seed list.
func NewLibp2pDriver(listenAddr, discoveryTag string, seeds []string, log *logrus.Logger) (*Libp2pDriver, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: libp2p host: %v", ErrConnection, err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("%w: gossipsub: %v", ErrConnection, err)
	}
	topic, err := ps.Join(meshTopic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("%w: join topic %s: %v", ErrConnection, meshTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("%w: subscribe topic %s: %v", ErrConnection, meshTopic, err)
	}

	return &Libp2pDriver{
		host: h, pubsub: ps, topic: topic, sub: sub,
		discoveryTag: discoveryTag, seeds: seeds, log: log,
		ctx: ctx, cancel: cancel,
		peers: make(map[peer.ID]struct{}),
	}, nil
}

func (d *Libp2pDriver) MTU() int { return PacketMDU }

func (d *Libp2pDriver) Medium() Medium { return MediumLibp2p }

func (d *Libp2pDriver) Capability() Capability {
	return Capability{MTU: PacketMDU, SupportsFragmentation: false, SupportsOrderedDelivery: false, SupportsAck: false}
}

// Spawn starts mDNS peer discovery and dials any configured seeds. ctx is
// not otherwise used: the driver manages its own lifetime internally so
// in-flight gossipsub reads survive a caller context cancellation until
// Close is called.
func (d *Libp2pDriver) Spawn(ctx context.Context) error {
	if natMgr, err := NewNATManager(); err == nil {
		d.nat = natMgr
	} else {
		d.log.Warnf("iface_libp2p: NAT discovery failed: %v", err)
	}

	mdns.NewMdnsService(d.host, d.discoveryTag, d)

	for _, seed := range d.seeds {
		pi, err := peer.AddrInfoFromString(seed)
		if err != nil {
			d.log.Warnf("iface_libp2p: invalid seed %s: %v", seed, err)
			continue
		}
		if err := d.host.Connect(d.ctx, *pi); err != nil {
			d.log.Warnf("iface_libp2p: dial seed %s: %v", seed, err)
			continue
		}
		d.addPeer(pi.ID)
	}
	return nil
}

// HandlePeerFound implements mdns.Notifee.
func (d *Libp2pDriver) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.host.ID() {
		return
	}
	if d.knowsPeer(info.ID) {
		return
	}
	if err := d.host.Connect(d.ctx, info); err != nil {
		d.log.Warnf("iface_libp2p: connect to discovered peer %s: %v", info.ID, err)
		return
	}
	d.addPeer(info.ID)
	d.log.Infof("iface_libp2p: connected to %s via mDNS", info.ID)
}

func (d *Libp2pDriver) knowsPeer(id peer.ID) bool {
	d.peerMu.RLock()
	defer d.peerMu.RUnlock()
	_, ok := d.peers[id]
	return ok
}

func (d *Libp2pDriver) addPeer(id peer.ID) {
	d.peerMu.Lock()
	d.peers[id] = struct{}{}
	d.peerMu.Unlock()
}

func (d *Libp2pDriver) SendFrame(data []byte) error {
	if len(data) > PacketMDU {
		return fmt.Errorf("%w: libp2p frame %d exceeds MDU %d", ErrOutOfMemory, len(data), PacketMDU)
	}
	if err := d.topic.Publish(d.ctx, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrConnection, meshTopic, err)
	}
	return nil
}

func (d *Libp2pDriver) PollFrame(ctx context.Context) ([]byte, error) {
	msg, err := d.sub.Next(d.ctx)
	if err != nil {
		return nil, err
	}
	if msg.ReceivedFrom == d.host.ID() {
		return d.PollFrame(ctx)
	}
	return msg.Data, nil
}

func (d *Libp2pDriver) Close() error {
	d.cancel()
	if d.nat != nil {
		_ = d.nat.Unmap()
	}
	return d.host.Close()
}
