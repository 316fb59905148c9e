package tunnel

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/unicornultrafoundation/veilgo/internal/tai64n"
)

// handshakePair wires two devices A and B with each other's public keys
// and runs nothing else; tests drive the message flow by hand.
type handshakePair struct {
	devA, devB   *Device
	peerB, peerA *Peer // peerB lives on A, peerA lives on B
}

func newHandshakePair(t *testing.T) *handshakePair {
	t.Helper()
	devA := newTestDevice(t)
	devB := newTestDevice(t)

	peerB, err := devA.NewPeer(devB.PublicKey(), NoisePresharedKey{})
	if err != nil {
		t.Fatalf("A.NewPeer: %v", err)
	}
	peerA, err := devB.NewPeer(devA.PublicKey(), NoisePresharedKey{})
	if err != nil {
		t.Fatalf("B.NewPeer: %v", err)
	}
	peerB.Start()
	peerA.Start()
	return &handshakePair{devA: devA, devB: devB, peerB: peerB, peerA: peerA}
}

// runHandshake drives a complete initiator handshake from A to B and
// derives sessions on both sides.
func (hp *handshakePair) runHandshake(t *testing.T) {
	t.Helper()

	// tests drive handshakes back to back, far faster than the TAI64N
	// whitening granularity and the flood gate allow; open both
	hp.peerA.handshake.mutex.Lock()
	hp.peerA.handshake.lastInitiationConsumption = time.Time{}
	hp.peerA.handshake.lastTimestamp = tai64n.Timestamp{}
	hp.peerA.handshake.mutex.Unlock()

	msgInit, err := hp.devA.CreateMessageInitiation(hp.peerB)
	if err != nil {
		t.Fatalf("create initiation: %v", err)
	}
	if msgInit.Type != MessageInitiationType {
		t.Fatalf("initiation type = %d", msgInit.Type)
	}

	if peer := hp.devB.ConsumeMessageInitiation(msgInit); peer != hp.peerA {
		t.Fatalf("consume initiation: got %v", peer)
	}

	msgResp, err := hp.devB.CreateMessageResponse(hp.peerA)
	if err != nil {
		t.Fatalf("create response: %v", err)
	}
	if err := hp.peerA.BeginSymmetricSession(); err != nil {
		t.Fatalf("responder begin session: %v", err)
	}

	if peer := hp.devA.ConsumeMessageResponse(msgResp); peer != hp.peerB {
		t.Fatalf("consume response: got %v", peer)
	}
	if err := hp.peerB.BeginSymmetricSession(); err != nil {
		t.Fatalf("initiator begin session: %v", err)
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	hp := newHandshakePair(t)
	hp.runHandshake(t)

	kpA := hp.peerB.keypairs.Current()
	kpB := hp.peerA.keypairs.next.Load()
	if kpA == nil {
		t.Fatal("initiator has no current keypair")
	}
	if kpB == nil {
		t.Fatal("responder has no next keypair")
	}
	if !kpA.isInitiator || kpB.isInitiator {
		t.Error("initiator flags wrong way around")
	}

	if !bytes.Equal(kpA.sending.key[:], kpB.receiving.key[:]) {
		t.Error("A sending key != B receiving key")
	}
	if !bytes.Equal(kpA.receiving.key[:], kpB.sending.key[:]) {
		t.Error("A receiving key != B sending key")
	}
	if kpA.localIndex != kpB.remoteIndex || kpA.remoteIndex != kpB.localIndex {
		t.Error("session indices do not cross-match")
	}
	if d := kpA.sending.birthdate.Sub(kpB.sending.birthdate); d < -time.Second || d > time.Second {
		t.Errorf("birthdates differ by %v", d)
	}
}

func TestHandshakeTransportRoundTrip(t *testing.T) {
	hp := newHandshakePair(t)
	hp.runHandshake(t)

	kpA := hp.peerB.keypairs.Current()
	kpB := hp.peerA.keypairs.next.Load()

	// 21-byte packet: padding must bring it to 32
	plaintext := append(make([]byte, ipv4HeaderLen), 0xfe)
	plaintext[0] = 4 << 4
	packet, err := sealTransport(kpA, plaintext, 0)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	wantLen := MessageTransportHeaderSize + 32 + poly1305TagSize
	if len(packet) != wantLen {
		t.Errorf("sealed length = %d, want %d (padded)", len(packet), wantLen)
	}

	var nonce [12]byte
	copy(nonce[4:], packet[MessageTransportOffsetCounter:MessageTransportOffsetContent])
	opened, err := kpB.receiving.aead.Open(nil, nonce[:], packet[MessageTransportOffsetContent:], nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened[:len(plaintext)], plaintext) {
		t.Error("decrypted payload mismatch")
	}
	for _, b := range opened[len(plaintext):] {
		if b != 0 {
			t.Fatal("padding is not zero")
		}
	}
}

func TestInitiationReplayRejected(t *testing.T) {
	hp := newHandshakePair(t)

	msgInit, err := hp.devA.CreateMessageInitiation(hp.peerB)
	if err != nil {
		t.Fatalf("create initiation: %v", err)
	}
	if peer := hp.devB.ConsumeMessageInitiation(msgInit); peer == nil {
		t.Fatal("first consumption failed")
	}
	if peer := hp.devB.ConsumeMessageInitiation(msgInit); peer != nil {
		t.Fatal("verbatim replay of initiation accepted")
	}
}

func TestInitiationFloodSuppressed(t *testing.T) {
	hp := newHandshakePair(t)

	first, err := hp.devA.CreateMessageInitiation(hp.peerB)
	if err != nil {
		t.Fatalf("create initiation: %v", err)
	}
	second, err := hp.devA.CreateMessageInitiation(hp.peerB)
	if err != nil {
		t.Fatalf("create second initiation: %v", err)
	}

	if peer := hp.devB.ConsumeMessageInitiation(first); peer == nil {
		t.Fatal("first consumption failed")
	}
	if peer := hp.devB.ConsumeMessageInitiation(second); peer != nil {
		t.Fatal("second initiation within rate floor accepted")
	}
}

func TestInitiationFloodExactlyOneWins(t *testing.T) {
	hp := newHandshakePair(t)

	msgs := make([]*MessageInitiation, 2)
	for i := range msgs {
		msg, err := hp.devA.CreateMessageInitiation(hp.peerB)
		if err != nil {
			t.Fatalf("create initiation %d: %v", i, err)
		}
		msgs[i] = msg
	}

	var wg sync.WaitGroup
	results := make([]*Peer, len(msgs))
	for i, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = hp.devB.ConsumeMessageInitiation(msg)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, peer := range results {
		if peer != nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d concurrent consumptions succeeded, want exactly 1", succeeded)
	}
}

func TestResponseWrongStateRejected(t *testing.T) {
	hp := newHandshakePair(t)

	msgInit, _ := hp.devA.CreateMessageInitiation(hp.peerB)
	hp.devB.ConsumeMessageInitiation(msgInit)
	msgResp, err := hp.devB.CreateMessageResponse(hp.peerA)
	if err != nil {
		t.Fatalf("create response: %v", err)
	}
	hp.peerA.BeginSymmetricSession()

	if peer := hp.devA.ConsumeMessageResponse(msgResp); peer != hp.peerB {
		t.Fatal("first response consumption failed")
	}
	hp.peerB.BeginSymmetricSession()

	// replaying the response finds no handshake at the index anymore
	if peer := hp.devA.ConsumeMessageResponse(msgResp); peer != nil {
		t.Fatal("replayed response accepted")
	}
}

func TestResponseWithoutInitiationRejected(t *testing.T) {
	hp := newHandshakePair(t)
	if _, err := hp.devB.CreateMessageResponse(hp.peerA); err == nil {
		t.Fatal("response created without consumed initiation")
	}
}

func TestKeypairRotation(t *testing.T) {
	hp := newHandshakePair(t)
	hp.runHandshake(t)

	// responder holds the new key in next until first receive
	kpsB := &hp.peerA.keypairs
	k1 := kpsB.next.Load()
	if k1 == nil || kpsB.Current() != nil {
		t.Fatal("responder should hold K1 in next only")
	}

	if !hp.peerA.ReceivedWithKeypair(k1) {
		t.Fatal("promotion of next did not happen")
	}
	if kpsB.Current() != k1 || kpsB.next.Load() != nil {
		t.Fatal("K1 not promoted to current")
	}
	if hp.peerA.ReceivedWithKeypair(k1) {
		t.Fatal("second promotion of the same keypair")
	}

	// second full handshake: (current=K1) → next=K2, then promote
	hp.runHandshake(t)
	k2 := kpsB.next.Load()
	if k2 == nil || k2 == k1 {
		t.Fatal("second handshake did not stage K2")
	}
	if kpsB.Current() != k1 {
		t.Fatal("current changed before first receive on K2")
	}
	if !hp.peerA.ReceivedWithKeypair(k2) {
		t.Fatal("promotion of K2 did not happen")
	}
	if kpsB.Current() != k2 || kpsB.previous != k1 {
		t.Fatal("rotation after K2 promotion wrong")
	}

	// third handshake; after promotion, previous must equal the current
	// from just before this promotion
	hp.runHandshake(t)
	k3 := kpsB.next.Load()
	if !hp.peerA.ReceivedWithKeypair(k3) {
		t.Fatal("promotion of K3 did not happen")
	}
	if kpsB.previous != k2 {
		t.Fatal("previous is not the pre-promotion current")
	}
}

func TestExpireCurrentKeypairs(t *testing.T) {
	hp := newHandshakePair(t)
	hp.runHandshake(t)

	kpA := hp.peerB.keypairs.Current()
	if _, ok := kpA.nextSendNonce(); !ok {
		t.Fatal("fresh keypair refuses to send")
	}

	hp.peerB.ExpireCurrentKeypairs()
	if _, ok := kpA.nextSendNonce(); ok {
		t.Fatal("expired keypair still sends")
	}
	// the receiving half stays valid for in-flight decrypts
	if !kpA.receiving.isValid.Load() {
		t.Fatal("receiving key invalidated by expiry")
	}
}

func TestSendCounterExhaustion(t *testing.T) {
	hp := newHandshakePair(t)
	hp.runHandshake(t)

	kpA := hp.peerB.keypairs.Current()
	kpA.sendNonce.Store(RejectAfterMessages)
	if _, ok := kpA.nextSendNonce(); ok {
		t.Fatal("exhausted counter still sends")
	}
	if kpA.sending.isValid.Load() {
		t.Fatal("exhausted key not invalidated")
	}
}

func TestKeypairReplayWindow(t *testing.T) {
	hp := newHandshakePair(t)
	hp.runHandshake(t)

	kpB := hp.peerA.keypairs.next.Load()
	for _, c := range []uint64{0, 1, 2} {
		if !kpB.ValidateCounter(c) {
			t.Fatalf("fresh counter %d rejected", c)
		}
	}
	if kpB.ValidateCounter(1) {
		t.Fatal("replayed counter accepted")
	}
}

func TestPeerStopDropsSessions(t *testing.T) {
	hp := newHandshakePair(t)
	hp.runHandshake(t)

	kpA := hp.peerB.keypairs.Current()
	localIndex := kpA.localIndex

	hp.peerB.Stop()

	if kp, _ := hp.devA.indexTable.LookupKeypair(localIndex); kp != nil {
		kp.put()
		t.Fatal("session index survives peer stop")
	}
	if hp.peerB.keypairs.Current() != nil {
		t.Fatal("current keypair survives peer stop")
	}
	if !isZero(kpA.sending.key[:]) {
		t.Fatal("key material not zeroed on stop")
	}
}

func TestZeroRemotePublicKeyRejected(t *testing.T) {
	device := newTestDevice(t)
	if _, err := device.NewPeer(NoisePublicKey{}, NoisePresharedKey{}); err == nil {
		t.Fatal("peer with all-zero public key accepted")
	}
}

func TestMessageMarshalSizes(t *testing.T) {
	var initiation MessageInitiation
	var response MessageResponse
	var cookie MessageCookieReply

	if err := initiation.marshal(make([]byte, MessageInitiationSize)); err != nil {
		t.Errorf("initiation marshal: %v", err)
	}
	if err := response.marshal(make([]byte, MessageResponseSize)); err != nil {
		t.Errorf("response marshal: %v", err)
	}
	if err := cookie.marshal(make([]byte, MessageCookieReplySize)); err != nil {
		t.Errorf("cookie marshal: %v", err)
	}
	if err := initiation.marshal(make([]byte, MessageInitiationSize-1)); err == nil {
		t.Error("short buffer accepted")
	}
}

func TestCookieMAC1(t *testing.T) {
	hp := newHandshakePair(t)

	msgInit, err := hp.devA.CreateMessageInitiation(hp.peerB)
	if err != nil {
		t.Fatalf("create initiation: %v", err)
	}
	var buf [MessageInitiationSize]byte
	if err := msgInit.marshal(buf[:]); err != nil {
		t.Fatal(err)
	}
	hp.peerB.cookieGenerator.AddMacs(buf[:])

	if !hp.devB.cookieChecker.CheckMAC1(buf[:]) {
		t.Fatal("valid MAC1 rejected")
	}
	buf[20] ^= 0xff
	if hp.devB.cookieChecker.CheckMAC1(buf[:]) {
		t.Fatal("corrupted message passed MAC1")
	}
}
