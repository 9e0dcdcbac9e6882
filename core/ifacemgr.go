package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Medium enumerates the embedded link drivers supported directly by the
// interface manager, per §4.3.
type Medium uint8

const (
	MediumSerial Medium = iota
	MediumBLEGatt
	MediumLoRa
	MediumCustom
	MediumTCP
	MediumUDP
	MediumLibp2p
)

// Capability describes what a given interface driver can do, following the
// teacher's small capability-struct convention (core/peer_management.go's
// PeerInfo, core/network.go's Dialer) rather than a monolithic interface.
type Capability struct {
	MTU                     int
	SupportsFragmentation   bool
	SupportsOrderedDelivery bool
	SupportsAck             bool
}

// Frame is a single inbound or outbound payload on an interface.
type Frame struct {
	IfaceID AddressHash
	Data    []byte
}

// Driver is the narrow capability a concrete interface implementation
// exposes to the manager: mtu, lifecycle, and frame send/poll.
type Driver interface {
	MTU() int
	Medium() Medium
	Capability() Capability
	Spawn(ctx context.Context) error
	SendFrame(data []byte) error
	PollFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// txKind describes where an outbound TxMessage should go.
type txKind uint8

const (
	txDirect txKind = iota
	txBroadcast
)

// TxMessage is an outbound frame plus its dispatch intent.
type TxMessage struct {
	kind       txKind
	iface      AddressHash
	exceptIfac *AddressHash
	data       []byte
}

// Direct targets a single interface by id.
func Direct(iface AddressHash, data []byte) TxMessage {
	return TxMessage{kind: txDirect, iface: iface, data: data}
}

// Broadcast fans out to every registered interface except the optional
// excluded one (used to avoid echoing a frame back onto the interface it
// arrived from).
func Broadcast(except *AddressHash, data []byte) TxMessage {
	return TxMessage{kind: txBroadcast, exceptIfac: except, data: data}
}

const ifaceQueueDepth = 256

type registeredIface struct {
	id       AddressHash
	driver   Driver
	outbound chan []byte
	cancel   context.CancelFunc
}

// InterfaceManager multiplexes outbound TxMessages into per-iface queues and
// funnels every inbound frame into a single channel tagged with the
// originating interface id (§4.3).
type InterfaceManager struct {
	mu     sync.RWMutex
	ifaces map[AddressHash]*registeredIface
	inbound chan Frame
	log    *logrus.Logger
}

// NewInterfaceManager creates an empty manager. Drivers are registered and
// started with AddInterface.
func NewInterfaceManager(log *logrus.Logger) *InterfaceManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &InterfaceManager{
		ifaces:  make(map[AddressHash]*registeredIface),
		inbound: make(chan Frame, ifaceQueueDepth),
		log:     log,
	}
}

// Inbound returns the single channel carrying frames from every registered
// interface, tagged with the originating iface id.
func (m *InterfaceManager) Inbound() <-chan Frame { return m.inbound }

// AddInterface registers a driver under a locally-unique id and starts its
// spawn/poll/send pumps. The id is typically AddressHashFrom(name).
func (m *InterfaceManager) AddInterface(ctx context.Context, id AddressHash, driver Driver) error {
	m.mu.Lock()
	if _, exists := m.ifaces[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: interface %s already registered", ErrInvalidArgument, id)
	}
	ifaceCtx, cancel := context.WithCancel(ctx)
	ri := &registeredIface{id: id, driver: driver, outbound: make(chan []byte, ifaceQueueDepth), cancel: cancel}
	m.ifaces[id] = ri
	m.mu.Unlock()

	if err := driver.Spawn(ifaceCtx); err != nil {
		cancel()
		m.mu.Lock()
		delete(m.ifaces, id)
		m.mu.Unlock()
		return fmt.Errorf("%w: spawn interface %s: %v", ErrConnection, id, err)
	}

	go m.pumpOutbound(ifaceCtx, ri)
	go m.pumpInbound(ifaceCtx, ri)
	return nil
}

// RemoveInterface stops and deregisters an interface.
func (m *InterfaceManager) RemoveInterface(id AddressHash) {
	m.mu.Lock()
	ri, ok := m.ifaces[id]
	if ok {
		delete(m.ifaces, id)
	}
	m.mu.Unlock()
	if ok {
		ri.cancel()
		_ = ri.driver.Close()
	}
}

func (m *InterfaceManager) pumpOutbound(ctx context.Context, ri *registeredIface) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ri.outbound:
			if err := ri.driver.SendFrame(data); err != nil {
				m.log.Warnf("ifacemgr: send on %s failed: %v", ri.id, err)
			}
		}
	}
}

func (m *InterfaceManager) pumpInbound(ctx context.Context, ri *registeredIface) {
	for {
		data, err := ri.driver.PollFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warnf("ifacemgr: poll on %s failed: %v", ri.id, err)
			continue
		}
		select {
		case m.inbound <- Frame{IfaceID: ri.id, Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// Send dispatches a TxMessage, enforcing each driver's MTU before enqueuing
// (oversize frames from embedded links are rejected with FrameTooLarge,
// §4.3/§4.6 — callers must fall back to the resource manager).
func (m *InterfaceManager) Send(tx TxMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch tx.kind {
	case txDirect:
		ri, ok := m.ifaces[tx.iface]
		if !ok {
			return fmt.Errorf("%w: unknown interface %s", ErrConnection, tx.iface)
		}
		return m.enqueue(ri, tx.data)
	case txBroadcast:
		var firstErr error
		for id, ri := range m.ifaces {
			if tx.exceptIfac != nil && id == *tx.exceptIfac {
				continue
			}
			if err := m.enqueue(ri, tx.data); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	default:
		return fmt.Errorf("%w: unknown tx kind", ErrInvalidArgument)
	}
}

func (m *InterfaceManager) enqueue(ri *registeredIface, data []byte) error {
	if len(data) > ri.driver.MTU() {
		return fmt.Errorf("%w: frame %dB exceeds %s mtu %dB", ErrFrameTooLarge, len(data), ri.id, ri.driver.MTU())
	}
	select {
	case ri.outbound <- data:
		return nil
	default:
		return fmt.Errorf("%w: outbound queue full on %s", ErrConnection, ri.id)
	}
}

// Interfaces returns the currently-registered interface ids.
func (m *InterfaceManager) Interfaces() []AddressHash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AddressHash, 0, len(m.ifaces))
	for id := range m.ifaces {
		out = append(out, id)
	}
	return out
}
