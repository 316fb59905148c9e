package tunnel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/unicornultrafoundation/veilgo/internal/tai64n"
)

// Noise IK handshake over Curve25519, BLAKE2s, ChaCha20-Poly1305 and a
// TAI64N timestamp. The responder's static key is known to the initiator
// in advance; mutual authentication completes in one round trip.

type handshakeState int

const (
	handshakeZeroed = handshakeState(iota)
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

func (hs handshakeState) String() string {
	switch hs {
	case handshakeZeroed:
		return "zeroed"
	case handshakeInitiationCreated:
		return "initiation-created"
	case handshakeInitiationConsumed:
		return "initiation-consumed"
	case handshakeResponseCreated:
		return "response-created"
	case handshakeResponseConsumed:
		return "response-consumed"
	default:
		return fmt.Sprintf("unknown(%d)", int(hs))
	}
}

var (
	errInvalidPublicKey  = errors.New("invalid public key")
	errNoIdentity        = errors.New("device has no private key")
	errWrongHandshakeState = errors.New("handshake in wrong state")
)

// Handshake carries the in-flight Noise state for one peer. remoteStatic
// is immutable after handshakeInit; precomputedStaticStatic changes only
// when SetPrivateKey replaces the device identity, under the mutex;
// everything else is guarded by the mutex.
type Handshake struct {
	state                     handshakeState
	mutex                     sync.RWMutex
	hash                      [blake2s.Size]byte
	chainKey                  [blake2s.Size]byte
	presharedKey              NoisePresharedKey
	localEphemeral            NoisePrivateKey
	localIndex                uint32
	remoteIndex               uint32
	remoteStatic              NoisePublicKey
	remoteEphemeral           NoisePublicKey
	precomputedStaticStatic   [NoisePublicKeySize]byte
	lastTimestamp             tai64n.Timestamp
	lastInitiationConsumption time.Time
	lastSentHandshake         time.Time
}

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(NoiseConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(WGIdentifier))
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	kdf1(dst, c[:], data)
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hash := newBlake2s()
	hash.Write(h[:])
	hash.Write(data)
	hash.Sum(dst[:0])
}

func (h *Handshake) mixHash(data []byte) {
	mixHash(&h.hash, &h.hash, data)
}

func (h *Handshake) mixKey(data []byte) {
	mixKey(&h.chainKey, &h.chainKey, data)
}

// Clear wipes all mutable secret state and resets to zeroed. Caller holds
// the handshake write lock.
func (h *Handshake) Clear() {
	setZero(h.localEphemeral[:])
	setZero(h.remoteEphemeral[:])
	setZero(h.chainKey[:])
	setZero(h.hash[:])
	h.localIndex = 0
	h.state = handshakeZeroed
}

// handshakeInit precomputes the static-static DH for a peer and validates
// the remote public key. Called once at peer creation; when the device
// identity changes, SetPrivateKey recomputes the static-static DH itself.
func (h *Handshake) handshakeInit(sk NoisePrivateKey, remote NoisePublicKey, psk NoisePresharedKey) error {
	if remote.IsZero() {
		return errInvalidPublicKey
	}
	ss, err := sk.sharedSecret(remote)
	if err != nil || isZero(ss[:]) {
		return errInvalidPublicKey
	}
	h.remoteStatic = remote
	h.precomputedStaticStatic = ss
	h.presharedKey = psk
	h.Clear()
	return nil
}

// CreateMessageInitiation builds the first handshake message for a peer,
// allocating a fresh local session index. MAC fields are stamped by the
// cookie layer afterwards.
func (device *Device) CreateMessageInitiation(peer *Peer) (*MessageInitiation, error) {
	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()

	if !device.staticIdentity.hasIdentity {
		return nil, errNoIdentity
	}

	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	var err error
	handshake.hash = initialHash
	handshake.chainKey = initialChainKey
	handshake.localEphemeral, err = newPrivateKey()
	if err != nil {
		return nil, err
	}

	handshake.mixHash(handshake.remoteStatic[:])

	msg := MessageInitiation{
		Type:      MessageInitiationType,
		Ephemeral: handshake.localEphemeral.publicKey(),
	}

	handshake.mixKey(msg.Ephemeral[:])
	handshake.mixHash(msg.Ephemeral[:])

	// encrypt static key
	ss, err := handshake.localEphemeral.sharedSecret(handshake.remoteStatic)
	if err != nil {
		return nil, err
	}
	var key [chacha20poly1305.KeySize]byte
	kdf2(&handshake.chainKey, &key, handshake.chainKey[:], ss[:])
	setZero(ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], zeroNonce[:], device.staticIdentity.publicKey[:], handshake.hash[:])
	handshake.mixHash(msg.Static[:])

	// encrypt timestamp
	if isZero(handshake.precomputedStaticStatic[:]) {
		return nil, errInvalidPublicKey
	}
	kdf2(&handshake.chainKey, &key, handshake.chainKey[:], handshake.precomputedStaticStatic[:])
	timestamp := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], zeroNonce[:], timestamp[:], handshake.hash[:])
	setZero(key[:])

	// assign index
	device.indexTable.Delete(handshake.localIndex)
	msg.Sender, err = device.indexTable.NewIndexForHandshake(peer, handshake)
	if err != nil {
		return nil, err
	}
	handshake.localIndex = msg.Sender

	handshake.mixHash(msg.Timestamp[:])
	handshake.state = handshakeInitiationCreated
	handshake.lastSentHandshake = time.Now()
	return &msg, nil
}

// ConsumeMessageInitiation authenticates an initiation, resolves the peer
// by the decrypted static key and applies the timestamp and flood gates.
// Every failure is a silent nil.
func (device *Device) ConsumeMessageInitiation(msg *MessageInitiation) *Peer {
	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	if msg.Type != MessageInitiationType {
		return nil
	}

	device.staticIdentity.RLock()
	defer device.staticIdentity.RUnlock()

	if !device.staticIdentity.hasIdentity {
		return nil
	}

	mixHash(&hash, &initialHash, device.staticIdentity.publicKey[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &initialChainKey, msg.Ephemeral[:])

	// decrypt static key
	var peerPK NoisePublicKey
	var key [chacha20poly1305.KeySize]byte
	ss, err := device.staticIdentity.privateKey.sharedSecret(msg.Ephemeral)
	if err != nil {
		return nil
	}
	kdf2(&chainKey, &key, chainKey[:], ss[:])
	setZero(ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	_, err = aead.Open(peerPK[:0], zeroNonce[:], msg.Static[:], hash[:])
	if err != nil {
		return nil
	}
	mixHash(&hash, &hash, msg.Static[:])

	// lookup peer
	peer := device.LookupPeer(peerPK)
	if peer == nil || !peer.isRunning.Load() {
		return nil
	}

	handshake := &peer.handshake

	// verify identity
	var timestamp tai64n.Timestamp

	handshake.mutex.RLock()
	if isZero(handshake.precomputedStaticStatic[:]) {
		handshake.mutex.RUnlock()
		return nil
	}
	kdf2(&chainKey, &key, chainKey[:], handshake.precomputedStaticStatic[:])
	aead, _ = chacha20poly1305.New(key[:])
	_, err = aead.Open(timestamp[:0], zeroNonce[:], msg.Timestamp[:], hash[:])
	if err != nil {
		handshake.mutex.RUnlock()
		return nil
	}
	mixHash(&hash, &hash, msg.Timestamp[:])

	// protect against replay and flood
	replay := !timestamp.After(handshake.lastTimestamp)
	flood := time.Since(handshake.lastInitiationConsumption) <= HandshakeInitationRate
	handshake.mutex.RUnlock()
	if replay {
		device.log.Debug("handshake initiation replay", "peer", peer.String(), "timestamp", timestamp)
		return nil
	}
	if flood {
		device.log.Debug("handshake initiation flood", "peer", peer.String())
		return nil
	}

	// update handshake state; the gates are re-checked because another
	// consumption may have won the race since the read lock was dropped
	handshake.mutex.Lock()
	if !timestamp.After(handshake.lastTimestamp) ||
		time.Since(handshake.lastInitiationConsumption) <= HandshakeInitationRate {
		handshake.mutex.Unlock()
		setZero(hash[:])
		setZero(chainKey[:])
		setZero(key[:])
		return nil
	}
	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.remoteEphemeral = msg.Ephemeral
	handshake.lastTimestamp = timestamp
	now := time.Now()
	if now.After(handshake.lastInitiationConsumption) {
		handshake.lastInitiationConsumption = now
	}
	handshake.state = handshakeInitiationConsumed
	handshake.mutex.Unlock()

	setZero(hash[:])
	setZero(chainKey[:])
	setZero(key[:])

	return peer
}

// CreateMessageResponse builds the second handshake message. Requires a
// freshly consumed initiation.
func (device *Device) CreateMessageResponse(peer *Peer) (*MessageResponse, error) {
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	if handshake.state != handshakeInitiationConsumed {
		return nil, errWrongHandshakeState
	}

	// assign index
	var err error
	device.indexTable.Delete(handshake.localIndex)
	handshake.localIndex, err = device.indexTable.NewIndexForHandshake(peer, handshake)
	if err != nil {
		return nil, err
	}

	var msg MessageResponse
	msg.Type = MessageResponseType
	msg.Sender = handshake.localIndex
	msg.Receiver = handshake.remoteIndex

	// create ephemeral key
	handshake.localEphemeral, err = newPrivateKey()
	if err != nil {
		return nil, err
	}
	msg.Ephemeral = handshake.localEphemeral.publicKey()
	handshake.mixHash(msg.Ephemeral[:])
	handshake.mixKey(msg.Ephemeral[:])

	ss, err := handshake.localEphemeral.sharedSecret(handshake.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	handshake.mixKey(ss[:])
	ss, err = handshake.localEphemeral.sharedSecret(handshake.remoteStatic)
	if err != nil {
		return nil, err
	}
	handshake.mixKey(ss[:])
	setZero(ss[:])

	// mix pre-shared key
	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	kdf3(&handshake.chainKey, &tau, &key, handshake.chainKey[:], handshake.presharedKey[:])
	handshake.mixHash(tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, handshake.hash[:])
	handshake.mixHash(msg.Empty[:])
	setZero(tau[:])
	setZero(key[:])

	handshake.state = handshakeResponseCreated
	handshake.lastSentHandshake = time.Now()
	return &msg, nil
}

// ConsumeMessageResponse resolves the target handshake through the session
// index table and authenticates the transcript. Responses hitting a
// handshake in any state but initiation-created are dropped.
func (device *Device) ConsumeMessageResponse(msg *MessageResponse) *Peer {
	if msg.Type != MessageResponseType {
		return nil
	}

	lookup := device.indexTable.Lookup(msg.Receiver)
	handshake := lookup.handshake
	if handshake == nil {
		return nil
	}

	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	ok := func() bool {
		handshake.mutex.RLock()
		defer handshake.mutex.RUnlock()

		if handshake.state != handshakeInitiationCreated {
			return false
		}

		device.staticIdentity.RLock()
		defer device.staticIdentity.RUnlock()

		// finish 3-way DH
		mixHash(&hash, &handshake.hash, msg.Ephemeral[:])
		mixKey(&chainKey, &handshake.chainKey, msg.Ephemeral[:])

		ss, err := handshake.localEphemeral.sharedSecret(msg.Ephemeral)
		if err != nil {
			return false
		}
		mixKey(&chainKey, &chainKey, ss[:])
		setZero(ss[:])

		ss, err = device.staticIdentity.privateKey.sharedSecret(msg.Ephemeral)
		if err != nil {
			return false
		}
		mixKey(&chainKey, &chainKey, ss[:])
		setZero(ss[:])

		// mix pre-shared key
		var tau [blake2s.Size]byte
		var key [chacha20poly1305.KeySize]byte
		kdf3(&chainKey, &tau, &key, chainKey[:], handshake.presharedKey[:])
		mixHash(&hash, &hash, tau[:])

		// authenticate transcript
		aead, _ := chacha20poly1305.New(key[:])
		_, err = aead.Open(nil, zeroNonce[:], msg.Empty[:], hash[:])
		setZero(tau[:])
		setZero(key[:])
		if err != nil {
			return false
		}
		mixHash(&hash, &hash, msg.Empty[:])
		return true
	}()

	if !ok {
		return nil
	}

	handshake.mutex.Lock()
	handshake.hash = hash
	handshake.chainKey = chainKey
	handshake.remoteIndex = msg.Sender
	handshake.state = handshakeResponseConsumed
	handshake.mutex.Unlock()

	setZero(hash[:])
	setZero(chainKey[:])

	return lookup.peer
}

// BeginSymmetricSession derives the transport keypair from the completed
// handshake, installs it into the keypair set and wipes the handshake.
func (peer *Peer) BeginSymmetricSession() error {
	device := peer.device
	handshake := &peer.handshake
	handshake.mutex.Lock()
	defer handshake.mutex.Unlock()

	// derive keys; direction depends on who initiated
	var isInitiator bool
	var sendKey [chacha20poly1305.KeySize]byte
	var recvKey [chacha20poly1305.KeySize]byte

	switch handshake.state {
	case handshakeResponseConsumed:
		kdf2(&sendKey, &recvKey, handshake.chainKey[:], nil)
		isInitiator = true
	case handshakeResponseCreated:
		kdf2(&recvKey, &sendKey, handshake.chainKey[:], nil)
		isInitiator = false
	default:
		return fmt.Errorf("begin session in state %v: %w", handshake.state, errWrongHandshakeState)
	}

	// create AEAD instances
	keypair := new(Keypair)
	keypair.refcount.Store(1)
	copy(keypair.sending.key[:], sendKey[:])
	copy(keypair.receiving.key[:], recvKey[:])
	keypair.sending.aead, _ = chacha20poly1305.New(sendKey[:])
	keypair.receiving.aead, _ = chacha20poly1305.New(recvKey[:])
	setZero(sendKey[:])
	setZero(recvKey[:])

	now := time.Now()
	keypair.sending.birthdate = now
	keypair.receiving.birthdate = now
	keypair.sending.isValid.Store(true)
	keypair.receiving.isValid.Store(true)
	keypair.replayFilter.Reset()
	keypair.isInitiator = isInitiator
	keypair.localIndex = handshake.localIndex
	keypair.remoteIndex = handshake.remoteIndex
	keypair.internalID = device.nextKeypairID.Add(1)

	// zero handshake secrets; keys are derived
	setZero(handshake.chainKey[:])
	setZero(handshake.hash[:])
	setZero(handshake.localEphemeral[:])
	handshake.state = handshakeZeroed

	// remap index from handshake to keypair
	device.indexTable.SwapIndexForKeypair(handshake.localIndex, keypair)
	handshake.localIndex = 0

	// rotate key pairs
	keypairs := &peer.keypairs
	keypairs.Lock()
	defer keypairs.Unlock()

	previous := keypairs.previous
	next := keypairs.next.Load()
	current := keypairs.current

	if isInitiator {
		// the responder already answered, so the new key goes straight
		// to current
		if next != nil {
			keypairs.next.Store(nil)
			keypairs.previous = next
			device.DeleteKeypair(current)
		} else {
			keypairs.previous = current
		}
		device.DeleteKeypair(previous)
		keypairs.current = keypair
	} else {
		// hold the new key in next until the initiator proves it
		// received the response
		keypairs.next.Store(keypair)
		device.DeleteKeypair(next)
		keypairs.previous = nil
		device.DeleteKeypair(previous)
	}

	peer.lastHandshakeNano.Store(now.UnixNano())
	device.log.Debug("new session keys",
		"peer", peer.String(),
		"initiator", isInitiator,
		"keypair", keypair.internalID)

	return nil
}
