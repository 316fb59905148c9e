package tunnel

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Device is one tunnel endpoint: the local static identity, the peer set
// with its two indices (by public key and by session index), the
// cryptokey-routing whitelist and the cookie checker.
type Device struct {
	staticIdentity struct {
		sync.RWMutex
		privateKey  NoisePrivateKey
		publicKey   NoisePublicKey
		hasIdentity bool
	}

	peers struct {
		sync.RWMutex
		keyMap map[NoisePublicKey]*Peer
	}

	whitelist     Whitelist
	indexTable    IndexTable
	cookieChecker CookieChecker
	load          loadMonitor

	transport *Transport

	// handlePacket delivers a decrypted, source-validated inbound packet
	// to the tunnel interface.
	handlePacket atomic.Pointer[func(packet []byte)]

	nextPeerID    atomic.Uint64
	nextKeypairID atomic.Uint64

	closed atomic.Bool
	log    *slog.Logger
}

// NewDevice creates a device bound to the given transport.
func NewDevice(transport *Transport, log *slog.Logger) *Device {
	device := new(Device)
	device.peers.keyMap = make(map[NoisePublicKey]*Peer)
	device.indexTable.Init()
	device.transport = transport
	device.log = log.With("component", "device")
	return device
}

func (device *Device) isClosed() bool {
	return device.closed.Load()
}

// SetPacketHandler installs the inbound plaintext sink (the tunnel
// interface writer).
func (device *Device) SetPacketHandler(fn func(packet []byte)) {
	device.handlePacket.Store(&fn)
}

// Whitelist exposes the routing table for configuration.
func (device *Device) Whitelist() *Whitelist {
	return &device.whitelist
}

// PublicKey returns the device's public key; the zero key when no
// identity is set.
func (device *Device) PublicKey() NoisePublicKey {
	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()
	return device.staticIdentity.publicKey
}

// SetPrivateKey installs or replaces the static identity. Every peer's
// static-static DH is recomputed and all current keypairs are expired so
// traffic forces fresh handshakes under the new identity.
func (device *Device) SetPrivateKey(sk NoisePrivateKey) error {
	device.staticIdentity.Lock()
	defer device.staticIdentity.Unlock()

	if sk.Equals(device.staticIdentity.privateKey) && device.staticIdentity.hasIdentity {
		return nil
	}

	device.peers.Lock()
	defer device.peers.Unlock()

	publicKey := sk.publicKey()

	// a peer carrying our own new public key would handshake with itself
	for key, peer := range device.peers.keyMap {
		if peer.handshake.remoteStatic.Equals(publicKey) {
			removePeerLocked(device, peer, key)
		}
	}

	device.staticIdentity.privateKey = sk
	device.staticIdentity.publicKey = publicKey
	device.staticIdentity.hasIdentity = true
	device.cookieChecker.Init(publicKey)

	expiredPeers := make([]*Peer, 0, len(device.peers.keyMap))
	for _, peer := range device.peers.keyMap {
		handshake := &peer.handshake
		handshake.mutex.Lock()
		handshake.precomputedStaticStatic, _ = sk.sharedSecret(handshake.remoteStatic)
		handshake.mutex.Unlock()
		expiredPeers = append(expiredPeers, peer)
	}
	for _, peer := range expiredPeers {
		peer.ExpireCurrentKeypairs()
	}

	device.log.Info("static identity updated", "pubkey", publicKey.String())
	return nil
}

// LookupPeer resolves a peer by its public key.
func (device *Device) LookupPeer(pk NoisePublicKey) *Peer {
	device.peers.RLock()
	defer device.peers.RUnlock()
	return device.peers.keyMap[pk]
}

func removePeerLocked(device *Device, peer *Peer, key NoisePublicKey) {
	peer.Stop()
	delete(device.peers.keyMap, key)
	peer.put()
}

// RemovePeer stops and unregisters the peer with the given key.
func (device *Device) RemovePeer(pk NoisePublicKey) {
	device.peers.Lock()
	defer device.peers.Unlock()
	if peer, ok := device.peers.keyMap[pk]; ok {
		removePeerLocked(device, peer, pk)
		device.log.Info("peer removed", "pubkey", pk.String())
	}
}

// RemoveAllPeers drains the whole peer set.
func (device *Device) RemoveAllPeers() {
	device.peers.Lock()
	defer device.peers.Unlock()
	for key, peer := range device.peers.keyMap {
		removePeerLocked(device, peer, key)
	}
	device.peers.keyMap = make(map[NoisePublicKey]*Peer)
}

// ForEachPeer calls fn for every registered peer.
func (device *Device) ForEachPeer(fn func(*Peer)) {
	device.peers.RLock()
	defer device.peers.RUnlock()
	for _, peer := range device.peers.keyMap {
		fn(peer)
	}
}

// Up starts all peers.
func (device *Device) Up() error {
	if device.isClosed() {
		return errors.New("device closed")
	}
	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.Start()
	}
	device.peers.RUnlock()
	return nil
}

// Down stops traffic without discarding configuration.
func (device *Device) Down() {
	device.peers.RLock()
	for _, peer := range device.peers.keyMap {
		peer.isRunning.Store(false)
	}
	device.peers.RUnlock()
}

// Close permanently shuts the device down, zeroing all secrets.
func (device *Device) Close() {
	if !device.closed.CompareAndSwap(false, true) {
		return
	}
	device.RemoveAllPeers()
	device.whitelist.Clear()

	device.staticIdentity.Lock()
	setZero(device.staticIdentity.privateKey[:])
	device.staticIdentity.hasIdentity = false
	device.staticIdentity.Unlock()

	device.log.Info("device closed")
}
