package tunnel

import (
	"container/list"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Peer represents a remote tunnel endpoint identified by its long-term
// public key. It owns the handshake, the session keypair slots, the
// cookie generator and its membership links in the whitelist trie.
type Peer struct {
	isRunning atomic.Bool
	isDead    atomic.Bool
	refcount  atomic.Int64

	keypairs  Keypairs
	handshake Handshake
	device    *Device

	endpoint struct {
		sync.Mutex
		addr           *net.UDPAddr
		disableRoaming bool
	}

	txBytes           atomic.Uint64
	rxBytes           atomic.Uint64
	lastHandshakeNano atomic.Int64

	cookieGenerator             CookieGenerator
	trieEntries                 list.List
	persistentKeepaliveInterval atomic.Uint32
	internalID                  uint64

	log *slog.Logger
}

// NewPeer creates and registers a peer for the given public key.
func (device *Device) NewPeer(pk NoisePublicKey, psk NoisePresharedKey) (*Peer, error) {
	if device.isClosed() {
		return nil, errors.New("device closed")
	}

	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()

	device.peers.Lock()
	defer device.peers.Unlock()

	if len(device.peers.keyMap) >= MaxPeers {
		return nil, errors.New("too many peers")
	}
	if _, ok := device.peers.keyMap[pk]; ok {
		return nil, errors.New("adding existing peer")
	}

	peer := new(Peer)
	peer.device = device
	peer.internalID = device.nextPeerID.Add(1)
	peer.refcount.Store(1)
	peer.cookieGenerator.Init(pk)
	peer.log = device.log.With("peer", pk.String(), "id", peer.internalID)

	if err := peer.handshake.handshakeInit(device.staticIdentity.privateKey, pk, psk); err != nil {
		return nil, err
	}

	device.peers.keyMap[pk] = peer
	peer.log.Info("peer added")
	return peer, nil
}

// String identifies the peer in logs without exposing the full key.
func (peer *Peer) String() string {
	return peer.handshake.remoteStatic.String()
}

// getMaybeZero takes a reference only if the peer is still live, so
// lookups can race removal without resurrecting a dying peer.
func (peer *Peer) getMaybeZero() *Peer {
	if peer == nil {
		return nil
	}
	for {
		old := peer.refcount.Load()
		if old == 0 {
			return nil
		}
		if peer.refcount.CompareAndSwap(old, old+1) {
			return peer
		}
	}
}

// get unconditionally takes a reference on an already-live peer.
func (peer *Peer) get() *Peer {
	peer.refcount.Add(1)
	return peer
}

// put drops a reference. The final drop only happens after Stop has
// drained and zeroed the peer.
func (peer *Peer) put() {
	if peer == nil {
		return
	}
	peer.refcount.Add(-1)
}

// Put releases a reference handed out by a whitelist lookup.
func (peer *Peer) Put() {
	peer.put()
}

// CurrentKeypair returns a snapshot of the current session, or nil.
func (peer *Peer) CurrentKeypair() *Keypair {
	return peer.keypairs.Current()
}

// PersistentKeepaliveInterval returns the keepalive interval in seconds.
func (peer *Peer) PersistentKeepaliveInterval() uint32 {
	return peer.persistentKeepaliveInterval.Load()
}

// Start makes the peer eligible for handshakes and traffic.
func (peer *Peer) Start() {
	if peer.isDead.Load() {
		return
	}
	peer.isRunning.Store(true)
}

// Stop marks the peer dead and drains it: whitelist entries are removed,
// session-index entries released, and all key material zeroed. Handshake
// responses in flight for this peer will no longer resolve.
func (peer *Peer) Stop() {
	peer.isDead.Store(true)
	peer.isRunning.Store(false)
	peer.device.whitelist.RemoveByPeer(peer)
	peer.ZeroAndFlushAll()
}

// UpdateEndpoint records the authenticated source address of the most
// recent valid message, unless roaming is disabled.
func (peer *Peer) UpdateEndpoint(addr *net.UDPAddr) {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	if peer.endpoint.disableRoaming {
		return
	}
	peer.endpoint.addr = addr
}

// SetEndpoint pins the peer's endpoint from configuration.
func (peer *Peer) SetEndpoint(addr *net.UDPAddr, disableRoaming bool) {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	peer.endpoint.addr = addr
	peer.endpoint.disableRoaming = disableRoaming
}

// Endpoint returns the current remote address, or nil if unknown.
func (peer *Peer) Endpoint() *net.UDPAddr {
	peer.endpoint.Lock()
	defer peer.endpoint.Unlock()
	return peer.endpoint.addr
}

// PublicKey returns the peer's long-term public key.
func (peer *Peer) PublicKey() NoisePublicKey {
	return peer.handshake.remoteStatic
}

// TrafficStats returns the tx/rx byte counters.
func (peer *Peer) TrafficStats() (tx, rx uint64) {
	return peer.txBytes.Load(), peer.rxBytes.Load()
}

// LastHandshakeNano returns the Unix-nano stamp of the last completed
// handshake, or zero.
func (peer *Peer) LastHandshakeNano() int64 {
	return peer.lastHandshakeNano.Load()
}

// SetPersistentKeepalive configures the keepalive interval in seconds;
// zero disables it.
func (peer *Peer) SetPersistentKeepalive(seconds uint32) {
	peer.persistentKeepaliveInterval.Store(seconds)
}
