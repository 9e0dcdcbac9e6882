// Command reticulumd runs the mesh transport, the LXMF messaging router and
// the local daemon RPC plane as a single long-lived process (§4.9, §4.11,
// §4.13).
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"reticulumd/core"
	"reticulumd/lxmf"
	"reticulumd/pkg/config"
	"reticulumd/rpc"
)

func main() {
	root := &cobra.Command{Use: "reticulumd", Short: "mesh transport + LXMF + RPC daemon"}
	root.AddCommand(startCmd())
	root.AddCommand(identityCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var env string
	var dataDir string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			return run(cfg, dataDir)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to merge over default.yaml")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for identity, ratchets and the domain snapshot")
	return cmd
}

func identityCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "identity generate",
		Short: "generate a fresh node identity and save it under data-dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := core.NewFromRand(rand.Reader)
			if err != nil {
				return err
			}
			path := filepath.Join(dataDir, "identity.key")
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(path, id.Bytes(), 0o600); err != nil {
				return err
			}
			fmt.Printf("generated identity %s at %s\n", id.AddressHash(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory to write identity.key into")
	return cmd
}

func run(cfg *config.Config, dataDir string) error {
	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
	}

	id, err := loadOrCreateIdentity(dataDir, cfg.Transport.IdentityPath)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	ratchets := core.NewRatchetStore(dataDir, id)
	ifaces := core.NewInterfaceManager(log)

	tcfg := transportConfigFrom(cfg)
	transport, err := core.NewTransport(tcfg, ifaces, ratchets, log)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	transport.AddDestination(id, core.DestinationName{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := spawnInterfaces(ctx, cfg, ifaces, log); err != nil {
		return fmt.Errorf("spawn interfaces: %w", err)
	}

	router := lxmf.NewRouter(&packetAdapter{transport: transport})
	peers := lxmf.NewPeerTable()

	snapshotPath := filepath.Join(dataDir, "sdk_snapshot.json")
	daemon := rpc.NewDaemon(id.AddressHash().String(), id.AddressHash().String(), rpc.Deps{
		Transport:    transport,
		Router:       router,
		Peers:        peers,
		SnapshotPath: snapshotPath,
		Sinks:        sinksFrom(cfg),
		Log:          log,
	})

	httpServer := rpc.NewServer(daemon, rpc.ServerConfig{
		Addr:         cfg.RPC.ListenAddr,
		TLSCertFile:  cfg.RPC.TLSCert,
		TLSKeyFile:   cfg.RPC.TLSKey,
		ClientCAFile: mtlsCAFile(cfg),
		Log:          log,
	})

	go pumpOutboundLoop(ctx, router, log)
	go pumpInboundLoop(ctx, transport, ifaces, log)
	go pumpTimeoutSweepLoop(ctx, transport)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("reticulumd listening on %s (node %s)", cfg.RPC.ListenAddr, id.AddressHash())
		errCh <- httpServer.ListenAndServe(rpc.ServerConfig{
			TLSCertFile:  cfg.RPC.TLSCert,
			TLSKeyFile:   cfg.RPC.TLSKey,
			ClientCAFile: mtlsCAFile(cfg),
		})
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return httpServer.Shutdown()
	case err := <-errCh:
		return err
	}
}

func mtlsCAFile(cfg *config.Config) string {
	if !cfg.RPC.RequireMTLS {
		return ""
	}
	return cfg.RPC.MTLSCA
}

func sinksFrom(cfg *config.Config) []rpc.EventSinkBridge {
	if !cfg.EventSink.Enabled {
		return nil
	}
	var bridges []rpc.EventSinkBridge
	for _, kind := range cfg.EventSink.AllowKinds {
		if kind == "webhook" {
			bridges = append(bridges, rpc.NewWebhookSink("webhook-0", os.Getenv("RETICULUMD_WEBHOOK_URL")))
		}
	}
	return bridges
}

func transportConfigFrom(cfg *config.Config) core.TransportConfig {
	t := core.DefaultTransportConfig()
	t.Name = cfg.Transport.Name
	if t.Name == "" {
		t.Name = "reticulumd"
	}
	t.Broadcast = cfg.Transport.Broadcast
	t.Retransmit = cfg.Transport.Retransmit
	if cfg.Transport.AnnounceCacheCapacity > 0 {
		t.AnnounceCacheCapacity = cfg.Transport.AnnounceCacheCapacity
	}
	if cfg.Transport.AnnounceRetryLimit > 0 {
		t.AnnounceRetryLimit = cfg.Transport.AnnounceRetryLimit
	}
	if cfg.Transport.AnnounceQueueLen > 0 {
		t.AnnounceQueueLen = cfg.Transport.AnnounceQueueLen
	}
	if cfg.Transport.AnnounceCap > 0 {
		t.AnnounceCap = cfg.Transport.AnnounceCap
	}
	if cfg.Transport.PathRequestTimeoutSecs > 0 {
		t.PathRequestTimeout = time.Duration(cfg.Transport.PathRequestTimeoutSecs) * time.Second
	}
	if cfg.Transport.LinkProofTimeoutSecs > 0 {
		t.LinkProofTimeout = time.Duration(cfg.Transport.LinkProofTimeoutSecs) * time.Second
	}
	if cfg.Transport.LinkIdleTimeoutSecs > 0 {
		t.LinkIdleTimeout = time.Duration(cfg.Transport.LinkIdleTimeoutSecs) * time.Second
	}
	if cfg.Transport.ResourceRetryIntervalSecs > 0 {
		t.ResourceRetryInterval = time.Duration(cfg.Transport.ResourceRetryIntervalSecs) * time.Second
	}
	if cfg.Transport.ResourceRetryLimit > 0 {
		t.ResourceRetryLimit = cfg.Transport.ResourceRetryLimit
	}
	t.RatchetStorePath = cfg.Transport.RatchetStorePath
	return t
}

// spawnInterfaces registers every enabled link driver from the
// interfaces config section with the manager (§4.3).
func spawnInterfaces(ctx context.Context, cfg *config.Config, ifaces *core.InterfaceManager, log *logrus.Logger) error {
	if cfg.Interfaces.TCP.Enabled {
		id := core.AddressHashFrom([]byte("iface-tcp"), []byte(cfg.Interfaces.TCP.ListenAddr))
		drv := core.NewTCPDriver(cfg.Interfaces.TCP.ListenAddr, cfg.Interfaces.TCP.Seeds, log)
		if err := ifaces.AddInterface(ctx, id, drv); err != nil {
			return fmt.Errorf("tcp interface: %w", err)
		}
	}
	if cfg.Interfaces.UDP.Enabled {
		id := core.AddressHashFrom([]byte("iface-udp"), []byte(cfg.Interfaces.UDP.ListenAddr))
		drv, err := core.NewUDPDriver(cfg.Interfaces.UDP.ListenAddr, cfg.Interfaces.UDP.Peers, log)
		if err != nil {
			return fmt.Errorf("udp interface: %w", err)
		}
		if err := ifaces.AddInterface(ctx, id, drv); err != nil {
			return fmt.Errorf("udp interface: %w", err)
		}
	}
	if cfg.Interfaces.Libp2p.Enabled {
		id := core.AddressHashFrom([]byte("iface-libp2p"), []byte(cfg.Interfaces.Libp2p.ListenAddr))
		drv, err := core.NewLibp2pDriver(cfg.Interfaces.Libp2p.ListenAddr, cfg.Interfaces.Libp2p.DiscoveryTag, cfg.Interfaces.Libp2p.Seeds, log)
		if err != nil {
			return fmt.Errorf("libp2p interface: %w", err)
		}
		if err := ifaces.AddInterface(ctx, id, drv); err != nil {
			return fmt.Errorf("libp2p interface: %w", err)
		}
	}
	return nil
}

func loadOrCreateIdentity(dataDir, configuredPath string) (*core.PrivateIdentity, error) {
	path := configuredPath
	if path == "" {
		path = filepath.Join(dataDir, "identity.key")
	}
	if b, err := os.ReadFile(path); err == nil {
		return core.FromPrivateKeyBytes(b)
	}
	id, err := core.NewFromRand(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, id.Bytes(), 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

// pumpOutboundLoop periodically drains the router's outbound queue so
// messages enqueued between RPC calls still make progress (§4.11).
func pumpOutboundLoop(ctx context.Context, router *lxmf.Router, log *logrus.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, status := range router.HandleOutbound(16) {
				log.WithField("status", status).Debug("reticulumd: outbound pass")
			}
		}
	}
}

// pumpInboundLoop drains every interface's inbound frame channel, unpacks
// each into a core.Packet and hands it to Transport.HandleInboundFrame, the
// single point where announces, link requests/proofs, resource traffic and
// forwarded packets are all processed (§2, §4.9).
func pumpInboundLoop(ctx context.Context, transport *core.Transport, ifaces *core.InterfaceManager, log *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ifaces.Inbound():
			pkt, err := core.UnpackPacket(frame.Data)
			if err != nil {
				log.WithField("iface", frame.IfaceID.String()).Debugf("reticulumd: drop malformed frame: %v", err)
				continue
			}
			if err := transport.HandleInboundFrame(pkt, frame.IfaceID, time.Now(), rand.Reader); err != nil {
				log.WithField("iface", frame.IfaceID.String()).Tracef("reticulumd: inbound packet not processed: %v", err)
			}
		}
	}
}

// pumpTimeoutSweepLoop periodically closes stale links and retries/drops
// stalled resource transfers (§4.6, §4.8).
func pumpTimeoutSweepLoop(ctx context.Context, transport *core.Transport) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			transport.SweepLinkTimeouts(now)
			transport.SweepResourceRetries(now)
		}
	}
}

// packetAdapter bridges lxmf.Router's narrow send capability onto
// core.Transport.SendPacket, resolving the destination identity from the
// transport's announce table.
type packetAdapter struct {
	transport *core.Transport
}

func (a *packetAdapter) Send(dest core.AddressHash, wire []byte) error {
	announce, ok := a.transport.Announces().Lookup(dest)
	if !ok {
		return fmt.Errorf("reticulumd: no known route to %s", dest)
	}
	pkt := &core.Packet{
		Flags: core.Flags{
			Header:      core.HeaderType1,
			Destination: core.DestinationSingle,
			Type:        core.PacketData,
		},
		Destination: dest,
		Context:     core.ContextNone,
		Data:        wire,
	}
	outcome := a.transport.SendPacket(pkt, &announce.Identity, time.Now(), rand.Reader)
	switch outcome {
	case core.SentDirect, core.SentBroadcast:
		return nil
	default:
		return fmt.Errorf("reticulumd: send outcome %d", outcome)
	}
}
