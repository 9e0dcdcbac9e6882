package core

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TCPDriver is a length-prefixed, fully-connected TCP interface driver: it
// dials every configured seed (via a ConnPool) and accepts inbound
// connections on ListenAddr, fanning every frame read off either side into
// a single inbound queue for the interface manager (§1's "link-agnostic
// packet transport" named TCP as a supported medium).
type TCPDriver struct {
	listenAddr string
	seeds      []string
	pool       *ConnPool
	log        *logrus.Logger

	mu      sync.Mutex
	peers   map[string]net.Conn
	ln      net.Listener
	inbound chan []byte
	nat     *NATManager
}

// NewTCPDriver constructs a driver that will listen on listenAddr and
// actively dial seeds once Spawn is called.
func NewTCPDriver(listenAddr string, seeds []string, log *logrus.Logger) *TCPDriver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TCPDriver{
		listenAddr: listenAddr,
		seeds:      seeds,
		pool:       NewConnPool(NewDialer(5*time.Second, 30*time.Second), 8, 2*time.Minute),
		log:        log,
		peers:      make(map[string]net.Conn),
		inbound:    make(chan []byte, 256),
	}
}

func (d *TCPDriver) MTU() int { return PacketMDU }

func (d *TCPDriver) Medium() Medium { return MediumTCP }

func (d *TCPDriver) Capability() Capability {
	return Capability{MTU: PacketMDU, SupportsFragmentation: false, SupportsOrderedDelivery: true, SupportsAck: true}
}

// Spawn opens the listener, accepts inbound peers in the background, and
// dials every configured seed; NAT mapping is attempted best-effort so a
// node behind a home router can still be dialed inbound.
func (d *TCPDriver) Spawn(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: tcp listen %s: %v", ErrConnection, d.listenAddr, err)
	}
	d.ln = ln

	if nat, err := NewNATManager(); err == nil {
		if port, err := strconv.Atoi(portOf(d.listenAddr)); err == nil {
			if err := nat.Map(port); err != nil {
				d.log.Warnf("iface_tcp: NAT map failed: %v", err)
			}
		}
		d.nat = nat
	}

	go d.acceptLoop(ctx)
	for _, seed := range d.seeds {
		go d.dial(ctx, seed)
	}
	return nil
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "0"
	}
	return port
}

func (d *TCPDriver) acceptLoop(ctx context.Context) {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.Warnf("iface_tcp: accept: %v", err)
				return
			}
		}
		d.registerPeer(conn)
		go d.readLoop(ctx, conn)
	}
}

func (d *TCPDriver) dial(ctx context.Context, addr string) {
	conn, err := d.pool.Acquire(ctx, addr)
	if err != nil {
		d.log.Warnf("iface_tcp: dial %s: %v", addr, err)
		return
	}
	d.registerPeer(conn)
	go d.readLoop(ctx, conn)
}

func (d *TCPDriver) registerPeer(conn net.Conn) {
	d.mu.Lock()
	d.peers[conn.RemoteAddr().String()] = conn
	d.mu.Unlock()
}

func (d *TCPDriver) unregisterPeer(conn net.Conn) {
	d.mu.Lock()
	delete(d.peers, conn.RemoteAddr().String())
	d.mu.Unlock()
}

func (d *TCPDriver) readLoop(ctx context.Context, conn net.Conn) {
	defer d.unregisterPeer(conn)
	r := bufio.NewReader(conn)
	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			if err != io.EOF {
				d.log.Debugf("iface_tcp: read length from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if length == 0 || int(length) > PacketMDU {
			d.log.Warnf("iface_tcp: peer %s sent invalid frame length %d", conn.RemoteAddr(), length)
			return
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			d.log.Debugf("iface_tcp: read body from %s: %v", conn.RemoteAddr(), err)
			return
		}
		select {
		case d.inbound <- buf:
		case <-ctx.Done():
			return
		}
	}
}

// SendFrame broadcasts data to every connected peer; per-peer write
// failures are logged and the peer dropped, not returned as a hard error.
func (d *TCPDriver) SendFrame(data []byte) error {
	if len(data) > PacketMDU {
		return fmt.Errorf("%w: tcp frame %d exceeds MDU %d", ErrOutOfMemory, len(data), PacketMDU)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	d.mu.Lock()
	conns := make([]net.Conn, 0, len(d.peers))
	for _, c := range d.peers {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		if _, err := c.Write(header); err != nil {
			d.unregisterPeer(c)
			continue
		}
		if _, err := c.Write(data); err != nil {
			d.unregisterPeer(c)
		}
	}
	return nil
}

func (d *TCPDriver) PollFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-d.inbound:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *TCPDriver) Close() error {
	if d.nat != nil {
		_ = d.nat.Unmap()
	}
	d.pool.Close()
	d.mu.Lock()
	for _, c := range d.peers {
		_ = c.Close()
	}
	d.peers = make(map[string]net.Conn)
	d.mu.Unlock()
	if d.ln != nil {
		return d.ln.Close()
	}
	return nil
}
