package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Outbound path: whitelist destination lookup → peer → current keypair →
// counter reservation → pad → seal → datagram.

var (
	ErrNoCurrentKeypair = errors.New("no valid current keypair")
	ErrNoEndpoint       = errors.New("peer has no known endpoint")
	ErrNotPermitted     = errors.New("destination not permitted for any peer")
)

// paddedLen rounds n up to the next multiple of PaddingMultiple, capped
// at mtu when the unpadded packet already fits.
func paddedLen(n, mtu int) int {
	padded := (n + PaddingMultiple - 1) &^ (PaddingMultiple - 1)
	if mtu > 0 && padded > mtu && n <= mtu {
		return mtu
	}
	return padded
}

// sealTransport encrypts plaintext under the keypair into a full
// transport message. The plaintext is zero-padded to a multiple of 16
// before encryption.
func sealTransport(kp *Keypair, plaintext []byte, mtu int) ([]byte, error) {
	nonce, ok := kp.nextSendNonce()
	if !ok {
		return nil, ErrNoCurrentKeypair
	}

	padding := make([]byte, paddedLen(len(plaintext), mtu)-len(plaintext))
	padded := append(append([]byte{}, plaintext...), padding...)

	packet := make([]byte, MessageTransportHeaderSize, MessageTransportHeaderSize+len(padded)+poly1305TagSize)
	binary.LittleEndian.PutUint32(packet[0:], MessageTransportType)
	binary.LittleEndian.PutUint32(packet[MessageTransportOffsetReceiver:], kp.remoteIndex)
	binary.LittleEndian.PutUint64(packet[MessageTransportOffsetCounter:], nonce)

	var nonceBytes [12]byte
	binary.LittleEndian.PutUint64(nonceBytes[4:], nonce)
	packet = kp.sending.aead.Seal(packet, nonceBytes[:], padded, nil)
	return packet, nil
}

// SendPacket routes one plaintext IP packet from the tunnel interface to
// the owning peer and transmits it. ErrNoCurrentKeypair-shaped failures
// are reported so the caller can trigger a handshake.
func (device *Device) SendPacket(packet []byte) error {
	peer := device.whitelist.LookupDst(packet)
	if peer == nil {
		return ErrNotPermitted
	}
	defer peer.put()
	return peer.sendTransport(packet)
}

func (peer *Peer) sendTransport(plaintext []byte) error {
	if !peer.isRunning.Load() {
		return errors.New("peer not running")
	}

	kp := peer.keypairs.Current()
	if kp == nil {
		return ErrNoCurrentKeypair
	}

	data, err := sealTransport(kp, plaintext, 0)
	if err != nil {
		return err
	}

	endpoint := peer.Endpoint()
	if endpoint == nil {
		return ErrNoEndpoint
	}
	if err := peer.device.transport.SendTo(data, endpoint); err != nil {
		return fmt.Errorf("send transport: %w", err)
	}
	peer.txBytes.Add(uint64(len(data)))
	return nil
}

// SendKeepalive emits an empty transport message to hold NAT state open.
func (peer *Peer) SendKeepalive() error {
	return peer.sendTransport(nil)
}

// SendHandshakeInitiation creates, stamps and transmits an initiation.
// Unless forced, it is rate limited to one per RekeyTimeout.
func (peer *Peer) SendHandshakeInitiation(force bool) error {
	device := peer.device

	peer.handshake.mutex.RLock()
	tooSoon := !force && time.Since(peer.handshake.lastSentHandshake) < RekeyTimeout
	peer.handshake.mutex.RUnlock()
	if tooSoon {
		return nil
	}

	msg, err := device.CreateMessageInitiation(peer)
	if err != nil {
		return fmt.Errorf("create initiation: %w", err)
	}

	var buf [MessageInitiationSize]byte
	if err := msg.marshal(buf[:]); err != nil {
		return err
	}
	peer.cookieGenerator.AddMacs(buf[:])

	endpoint := peer.Endpoint()
	if endpoint == nil {
		return ErrNoEndpoint
	}
	peer.log.Debug("sending handshake initiation")
	return device.transport.SendTo(buf[:], endpoint)
}

// SendHandshakeResponse builds the response for a freshly consumed
// initiation, derives the responder-side session, then transmits the
// response.
func (peer *Peer) SendHandshakeResponse() error {
	device := peer.device

	msg, err := device.CreateMessageResponse(peer)
	if err != nil {
		return fmt.Errorf("create response: %w", err)
	}

	var buf [MessageResponseSize]byte
	if err := msg.marshal(buf[:]); err != nil {
		return err
	}
	peer.cookieGenerator.AddMacs(buf[:])

	if err := peer.BeginSymmetricSession(); err != nil {
		return fmt.Errorf("derive responder session: %w", err)
	}

	endpoint := peer.Endpoint()
	if endpoint == nil {
		return ErrNoEndpoint
	}
	peer.log.Debug("sending handshake response")
	return device.transport.SendTo(buf[:], endpoint)
}

// SendCookieReply answers an under-load handshake message with a cookie.
func (device *Device) SendCookieReply(msg []byte, sender uint32, src *net.UDPAddr) error {
	reply, err := device.cookieChecker.CreateReply(msg, sender, src.IP)
	if err != nil {
		return err
	}
	var buf [MessageCookieReplySize]byte
	if err := reply.marshal(buf[:]); err != nil {
		return err
	}
	return device.transport.SendTo(buf[:], src)
}
