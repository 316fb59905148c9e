package tunnel

import (
	"crypto/cipher"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unicornultrafoundation/veilgo/internal/replay"
)

/* Go cannot promise that key material handed to /x/crypto is erased from
 * every internal buffer; the explicit wipes below cover the copies this
 * package owns.
 */

// symmetricKey is one half of a session: the raw key (kept only so it can
// be wiped), its AEAD instance, the creation instant and a validity flag.
type symmetricKey struct {
	key       [NoisePresharedKeySize]byte
	aead      cipher.AEAD
	birthdate time.Time
	isValid   atomic.Bool
}

func (sk *symmetricKey) zero() {
	setZero(sk.key[:])
	sk.aead = nil
	sk.isValid.Store(false)
}

// Keypair is the pair of symmetric keys produced by one completed
// handshake, plus the index metadata needed to route wire messages.
type Keypair struct {
	sendNonce    atomic.Uint64
	sending      symmetricKey
	receiving    symmetricKey
	receivingMu  sync.Mutex
	replayFilter replay.Filter
	isInitiator  bool
	localIndex   uint32
	remoteIndex  uint32
	internalID   uint64
	refcount     atomic.Int64
}

// get takes an additional reference. The caller must already hold one,
// or otherwise know the keypair is live.
func (kp *Keypair) get() *Keypair {
	kp.refcount.Add(1)
	return kp
}

// put drops a reference, wiping all key material when the last one goes.
func (kp *Keypair) put() {
	if kp == nil {
		return
	}
	if kp.refcount.Add(-1) == 0 {
		kp.sending.zero()
		kp.receiving.zero()
	}
}

// ValidateCounter runs the received nonce counter through the replay
// window. Safe for concurrent callers.
func (kp *Keypair) ValidateCounter(counter uint64) bool {
	kp.receivingMu.Lock()
	defer kp.receivingMu.Unlock()
	return kp.replayFilter.ValidateCounter(counter, RejectAfterMessages)
}

// nextSendNonce reserves the next sending counter, refusing once the key
// is exhausted or too old.
func (kp *Keypair) nextSendNonce() (uint64, bool) {
	if !kp.sending.isValid.Load() {
		return 0, false
	}
	if time.Since(kp.sending.birthdate) >= RejectAfterTime {
		return 0, false
	}
	nonce := kp.sendNonce.Add(1) - 1
	if nonce >= RejectAfterMessages {
		kp.sending.isValid.Store(false)
		return 0, false
	}
	return nonce, true
}

// ShouldRekey reports whether the keypair has aged or been used enough
// that the owner ought to initiate a fresh handshake.
func (kp *Keypair) ShouldRekey() bool {
	if kp.sendNonce.Load() >= RekeyAfterMessages {
		return true
	}
	return kp.isInitiator && time.Since(kp.sending.birthdate) >= RekeyAfterTime
}

// Keypairs holds the previous/current/next session slots of one peer.
// Slot contents change only under the embedded write lock; readers
// snapshot current through Current, which takes the read lock, and next
// through next.Load, which takes no lock.
type Keypairs struct {
	sync.RWMutex
	current  *Keypair
	previous *Keypair
	next     atomic.Pointer[Keypair]
}

// Current returns a snapshot of the current slot.
func (kps *Keypairs) Current() *Keypair {
	kps.RLock()
	defer kps.RUnlock()
	return kps.current
}

// DeleteKeypair releases a keypair's session index and drops the slot
// reference that kept it alive.
func (device *Device) DeleteKeypair(kp *Keypair) {
	if kp == nil {
		return
	}
	device.indexTable.Delete(kp.localIndex)
	kp.put()
}

// ReceivedWithKeypair promotes next to current upon the first packet
// authenticated under it, confirming the remote side holds the new key.
// Returns true exactly when a promotion happened; the caller treats that
// as the cue to schedule its own traffic onto the new key.
func (peer *Peer) ReceivedWithKeypair(receivedKeypair *Keypair) bool {
	keypairs := &peer.keypairs
	if keypairs.next.Load() != receivedKeypair {
		return false
	}
	keypairs.Lock()
	defer keypairs.Unlock()
	if keypairs.next.Load() != receivedKeypair {
		return false
	}
	old := keypairs.previous
	keypairs.previous = keypairs.current
	peer.device.DeleteKeypair(old)
	keypairs.current = keypairs.next.Load()
	keypairs.next.Store(nil)
	return true
}

// ExpireCurrentKeypairs invalidates the sending half of every slot so new
// outbound traffic forces a rekey. In-flight decrypts still complete.
func (peer *Peer) ExpireCurrentKeypairs() {
	handshake := &peer.handshake
	handshake.mutex.Lock()
	peer.device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
	handshake.mutex.Unlock()

	keypairs := &peer.keypairs
	keypairs.Lock()
	defer keypairs.Unlock()
	if keypairs.current != nil {
		keypairs.current.sending.isValid.Store(false)
	}
	if keypairs.previous != nil {
		keypairs.previous.sending.isValid.Store(false)
	}
	if next := keypairs.next.Load(); next != nil {
		next.sending.isValid.Store(false)
	}
}

// ZeroAndFlushAll atomically empties all three slots, releasing their
// references and zeroing the structure.
func (peer *Peer) ZeroAndFlushAll() {
	device := peer.device

	keypairs := &peer.keypairs
	keypairs.Lock()
	previous := keypairs.previous
	current := keypairs.current
	next := keypairs.next.Load()
	keypairs.previous = nil
	keypairs.current = nil
	keypairs.next.Store(nil)
	device.DeleteKeypair(previous)
	device.DeleteKeypair(current)
	device.DeleteKeypair(next)
	keypairs.Unlock()

	handshake := &peer.handshake
	handshake.mutex.Lock()
	device.indexTable.Delete(handshake.localIndex)
	handshake.Clear()
	handshake.mutex.Unlock()
}
