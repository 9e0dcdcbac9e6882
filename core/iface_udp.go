package core

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UDPDriver is a connectionless, one-datagram-per-frame interface driver,
// broadcasting each outbound frame to every peer in its static peer list
// (§1 names UDP as a supported medium alongside TCP).
type UDPDriver struct {
	listenAddr string
	log        *logrus.Logger

	conn *net.UDPConn

	mu    sync.RWMutex
	peers []*net.UDPAddr
}

// NewUDPDriver constructs a driver bound to listenAddr once Spawn runs,
// broadcasting to the given static peer addresses.
func NewUDPDriver(listenAddr string, peerAddrs []string, log *logrus.Logger) (*UDPDriver, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &UDPDriver{listenAddr: listenAddr, log: log}
	for _, a := range peerAddrs {
		addr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve udp peer %s: %v", ErrInvalidArgument, a, err)
		}
		d.peers = append(d.peers, addr)
	}
	return d, nil
}

func (d *UDPDriver) MTU() int { return PacketMDU }

func (d *UDPDriver) Medium() Medium { return MediumUDP }

func (d *UDPDriver) Capability() Capability {
	return Capability{MTU: PacketMDU, SupportsFragmentation: false, SupportsOrderedDelivery: false, SupportsAck: false}
}

func (d *UDPDriver) Spawn(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", d.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: resolve udp listen addr %s: %v", ErrInvalidArgument, d.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: udp listen %s: %v", ErrConnection, d.listenAddr, err)
	}
	d.conn = conn
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	return nil
}

// AddPeer registers an additional broadcast peer discovered at runtime
// (e.g. from a path request response arriving over another interface).
func (d *UDPDriver) AddPeer(addr string) error {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.peers = append(d.peers, resolved)
	d.mu.Unlock()
	return nil
}

func (d *UDPDriver) SendFrame(data []byte) error {
	if len(data) > PacketMDU {
		return fmt.Errorf("%w: udp frame %d exceeds MDU %d", ErrOutOfMemory, len(data), PacketMDU)
	}
	d.mu.RLock()
	peers := append([]*net.UDPAddr(nil), d.peers...)
	d.mu.RUnlock()
	for _, p := range peers {
		if _, err := d.conn.WriteToUDP(data, p); err != nil {
			d.log.Warnf("iface_udp: write to %s: %v", p, err)
		}
	}
	return nil
}

func (d *UDPDriver) PollFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, PacketMDU)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, _, err := d.conn.ReadFromUDP(buf)
		done <- result{n, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return buf[:r.n], nil
	case <-ctx.Done():
		_ = d.conn.SetReadDeadline(time.Now().Add(-time.Second))
		return nil, ctx.Err()
	}
}

func (d *UDPDriver) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
