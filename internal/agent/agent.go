// Package agent wires the tunnel core to its collaborators: the TUN
// device, the UDP transport, endpoint discovery, the persistent peer
// store and the control API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/unicornultrafoundation/veilgo/internal/api"
	"github.com/unicornultrafoundation/veilgo/internal/config"
	"github.com/unicornultrafoundation/veilgo/internal/identity"
	"github.com/unicornultrafoundation/veilgo/internal/nat"
	"github.com/unicornultrafoundation/veilgo/internal/store"
	"github.com/unicornultrafoundation/veilgo/internal/tun"
	"github.com/unicornultrafoundation/veilgo/internal/tunnel"
)

// maintenanceInterval paces the rekey/keepalive housekeeping loop.
const maintenanceInterval = time.Second

// Agent is the daemon orchestrating the tunnel endpoint.
type Agent struct {
	config    *config.AgentConfig
	identity  *identity.Identity
	transport *tunnel.Transport
	device    *tunnel.Device
	tunDev    tun.Device
	discovery *nat.Discovery
	store     *store.Store
	apiSrv    *api.Server
	events    *api.EventHub
	log       *slog.Logger

	keepaliveAt sync.Map // peer public key (hex) → time.Time of next keepalive

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Agent from configuration.
func New(cfg *config.AgentConfig, log *slog.Logger) (*Agent, error) {
	id, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log.Info("identity loaded", "pubkey", id.PublicKeyHex()[:16]+"...")

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:    cfg,
		identity:  id,
		discovery: nat.NewDiscovery(cfg.STUNServers, nil, log),
		events:    api.NewEventHub(log),
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start initialises all subsystems and begins processing.
func (a *Agent) Start() error {
	transport, err := tunnel.NewTransport(a.config.ListenPort, a.log)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	a.transport = transport

	a.device = tunnel.NewDevice(transport, a.log)
	if err := a.device.SetPrivateKey(tunnel.NoisePrivateKey(a.identity.PrivateKey)); err != nil {
		a.transport.Close()
		return fmt.Errorf("set device identity: %w", err)
	}

	tunDev, err := tun.NewLinuxTUN(a.config.TunName)
	if err != nil {
		a.transport.Close()
		return fmt.Errorf("create TUN device: %w", err)
	}
	a.tunDev = tunDev
	a.log.Info("TUN device created", "name", tunDev.Name())

	if err := tunDev.SetMTU(a.config.MTU); err != nil {
		a.log.Warn("set TUN MTU failed", "err", err)
	}
	if a.config.TunAddress != "" {
		if err := tunDev.AddIPAddress(a.config.TunAddress); err != nil {
			a.log.Warn("assign TUN address failed", "err", err)
		}
	}
	if err := tunDev.SetUp(); err != nil {
		a.log.Warn("bring TUN up failed", "err", err)
	}

	a.device.SetPacketHandler(func(packet []byte) {
		if _, err := a.tunDev.Write(packet); err != nil {
			a.log.Debug("TUN write failed", "err", err)
		}
	})

	if a.config.Database != "" {
		st, err := store.Open(a.config.Database)
		if err != nil {
			return fmt.Errorf("open peer store: %w", err)
		}
		a.store = st
	}

	if err := a.loadPeers(); err != nil {
		return err
	}
	if err := a.device.Up(); err != nil {
		return err
	}

	if a.config.API.Enabled {
		apiSrv, err := api.New(api.Config{
			Listen:    a.config.API.Listen,
			JWTSecret: a.config.API.JWTSecret,
			Username:  a.config.API.Username,
			Password:  a.config.API.Password,
		}, a.device, a, a.events, a.log)
		if err != nil {
			return fmt.Errorf("create api server: %w", err)
		}
		if err := apiSrv.Start(); err != nil {
			return fmt.Errorf("start api server: %w", err)
		}
		a.apiSrv = apiSrv
	}

	if len(a.config.STUNServers) > 0 {
		if addr, err := a.discovery.PublicAddr(a.transport.Port()); err == nil {
			a.log.Info("public endpoint", "addr", addr)
		}
	}

	a.wg.Add(3)
	go a.udpReadLoop()
	go a.tunReadLoop()
	go a.maintenanceLoop()

	a.log.Info("agent started",
		"pubkey", a.identity.PublicKeyHex()[:16]+"...",
		"port", a.transport.Port(),
		"peers", len(a.config.Peers),
	)
	return nil
}

// Stop shuts everything down in dependency order.
func (a *Agent) Stop() {
	a.cancel()
	if a.transport != nil {
		a.transport.Close()
	}
	if a.tunDev != nil {
		a.tunDev.Close()
	}
	a.wg.Wait()
	if a.apiSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.apiSrv.Shutdown(ctx)
		cancel()
	}
	if a.device != nil {
		a.device.Close()
	}
	a.log.Info("agent stopped")
}

// loadPeers applies peers from the YAML config, then overlays any peers
// persisted in the store.
func (a *Agent) loadPeers() error {
	for _, pc := range a.config.Peers {
		peer := store.Peer{
			PublicKey:           pc.PublicKey,
			PresharedKey:        pc.PresharedKey,
			Endpoint:            pc.Endpoint,
			PersistentKeepalive: pc.PersistentKeepalive,
		}
		for _, cidr := range pc.AllowedIPs {
			peer.AllowedIPs = append(peer.AllowedIPs, store.AllowedIP{CIDR: cidr})
		}
		if err := a.applyPeerToDevice(peer); err != nil {
			return fmt.Errorf("configure peer %s: %w", pc.PublicKey, err)
		}
	}
	if a.store == nil {
		return nil
	}
	stored, err := a.store.ListPeers()
	if err != nil {
		return err
	}
	for _, peer := range stored {
		if err := a.applyPeerToDevice(peer); err != nil {
			a.log.Warn("stored peer rejected", "pubkey", peer.PublicKey, "err", err)
		}
	}
	return nil
}

func (a *Agent) applyPeerToDevice(pc store.Peer) error {
	pk, err := tunnel.ParsePublicKeyHex(pc.PublicKey)
	if err != nil {
		return err
	}
	var psk tunnel.NoisePresharedKey
	if pc.PresharedKey != "" {
		psk, err = tunnel.ParsePresharedKeyHex(pc.PresharedKey)
		if err != nil {
			return err
		}
	}

	peer := a.device.LookupPeer(pk)
	if peer == nil {
		peer, err = a.device.NewPeer(pk, psk)
		if err != nil {
			return err
		}
	} else {
		a.device.Whitelist().RemoveByPeer(peer)
	}

	for _, allowed := range pc.AllowedIPs {
		prefix, err := netip.ParsePrefix(allowed.CIDR)
		if err != nil {
			return fmt.Errorf("allowed ip %q: %w", allowed.CIDR, err)
		}
		if err := a.device.Whitelist().Insert(prefix, peer); err != nil {
			return err
		}
	}

	if pc.Endpoint != "" {
		addr, err := net.ResolveUDPAddr("udp", pc.Endpoint)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", pc.Endpoint, err)
		}
		peer.SetEndpoint(addr, false)
	}
	peer.SetPersistentKeepalive(uint32(pc.PersistentKeepalive))
	peer.Start()
	return nil
}

// ApplyPeer implements api.PeerManager: configure the device, then
// persist.
func (a *Agent) ApplyPeer(peer store.Peer) error {
	if err := a.applyPeerToDevice(peer); err != nil {
		return err
	}
	if a.store != nil {
		return a.store.SavePeer(&peer)
	}
	return nil
}

// RemovePeer implements api.PeerManager.
func (a *Agent) RemovePeer(publicKey string) error {
	pk, err := tunnel.ParsePublicKeyHex(publicKey)
	if err != nil {
		return err
	}
	a.device.RemovePeer(pk)
	if a.store != nil {
		return a.store.DeletePeer(publicKey)
	}
	return nil
}

func (a *Agent) udpReadLoop() {
	defer a.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, src, err := a.transport.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
				a.log.Debug("UDP read failed", "err", err)
				continue
			}
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		a.device.ReceiveDatagram(packet, src)
	}
}

func (a *Agent) tunReadLoop() {
	defer a.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, err := a.tunDev.Read(buf)
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
				a.log.Debug("TUN read failed", "err", err)
				continue
			}
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		if err := a.device.SendPacket(packet); err != nil {
			if errors.Is(err, tunnel.ErrNoCurrentKeypair) {
				a.triggerHandshakeFor(packet)
			}
		}
	}
}

// triggerHandshakeFor starts a handshake toward the peer owning the
// packet's destination.
func (a *Agent) triggerHandshakeFor(packet []byte) {
	peer := a.device.Whitelist().LookupDst(packet)
	if peer == nil {
		return
	}
	if err := peer.SendHandshakeInitiation(false); err != nil {
		a.log.Debug("handshake initiation failed", "err", err)
	}
	peer.Put()
}

// maintenanceLoop drives the timer-like events the core only defines
// predicates for: rekey when sessions age out and persistent keepalives.
func (a *Agent) maintenanceLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		a.device.ForEachPeer(func(peer *tunnel.Peer) {
			if kp := peer.CurrentKeypair(); kp != nil && kp.ShouldRekey() {
				if err := peer.SendHandshakeInitiation(false); err != nil {
					a.log.Debug("rekey initiation failed", "err", err)
				}
			}

			interval := peer.PersistentKeepaliveInterval()
			if interval == 0 {
				return
			}
			key := peer.PublicKey().String()
			now := time.Now()
			if next, ok := a.keepaliveAt.Load(key); !ok || now.After(next.(time.Time)) {
				if err := peer.SendKeepalive(); err == nil {
					a.keepaliveAt.Store(key, now.Add(time.Duration(interval)*time.Second))
				}
			}
		})
	}
}
