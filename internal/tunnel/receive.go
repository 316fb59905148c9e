package tunnel

import (
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"
)

// Inbound path: datagram → session-index table → keypair → decrypt →
// replay check → whitelist source validation → tunnel interface. All
// failures are silent drops; only counters move.

const (
	// underLoadAfterTime is how long the device stays in the under-load
	// regime after the handshake rate spikes.
	underLoadAfterTime = time.Second
	// underLoadHandshakeRate is the per-second handshake message count
	// that trips cookie enforcement.
	underLoadHandshakeRate = 64
)

type loadMonitor struct {
	window    atomic.Int64
	count     atomic.Int64
	loadUntil atomic.Int64
}

func (lm *loadMonitor) underLoad() bool {
	now := time.Now()
	sec := now.Unix()
	if lm.window.Swap(sec) != sec {
		lm.count.Store(0)
	}
	if lm.count.Add(1) >= underLoadHandshakeRate {
		lm.loadUntil.Store(now.Add(underLoadAfterTime).UnixNano())
		return true
	}
	return lm.loadUntil.Load() > now.UnixNano()
}

// ReceiveDatagram dispatches one datagram from the UDP socket.
func (device *Device) ReceiveDatagram(data []byte, src *net.UDPAddr) {
	if len(data) < 4 {
		return
	}
	switch binary.LittleEndian.Uint32(data) {
	case MessageInitiationType:
		device.receiveInitiation(data, src)
	case MessageResponseType:
		device.receiveResponse(data, src)
	case MessageCookieReplyType:
		device.receiveCookieReply(data)
	case MessageTransportType:
		device.receiveTransport(data, src)
	}
}

// checkHandshakeMacs validates the MAC cover before any handshake state
// is touched. Under load a valid MAC2 is demanded; without one, a cookie
// reply is sent and the message is dropped.
func (device *Device) checkHandshakeMacs(data []byte, sender uint32, src *net.UDPAddr) bool {
	if !device.cookieChecker.CheckMAC1(data) {
		return false
	}
	if !device.load.underLoad() {
		return true
	}
	if device.cookieChecker.CheckMAC2(data, src.IP) {
		return true
	}
	if err := device.SendCookieReply(data, sender, src); err != nil {
		device.log.Debug("cookie reply failed", "err", err)
	}
	return false
}

func (device *Device) receiveInitiation(data []byte, src *net.UDPAddr) {
	if len(data) != MessageInitiationSize {
		return
	}
	sender := binary.LittleEndian.Uint32(data[4:])
	if !device.checkHandshakeMacs(data, sender, src) {
		return
	}

	var msg MessageInitiation
	if err := msg.unmarshal(data); err != nil {
		return
	}
	peer := device.ConsumeMessageInitiation(&msg)
	if peer == nil {
		return
	}
	peer.UpdateEndpoint(src)
	peer.rxBytes.Add(uint64(len(data)))

	if err := peer.SendHandshakeResponse(); err != nil {
		peer.log.Debug("handshake response failed", "err", err)
	}
}

func (device *Device) receiveResponse(data []byte, src *net.UDPAddr) {
	if len(data) != MessageResponseSize {
		return
	}
	sender := binary.LittleEndian.Uint32(data[4:])
	if !device.checkHandshakeMacs(data, sender, src) {
		return
	}

	var msg MessageResponse
	if err := msg.unmarshal(data); err != nil {
		return
	}
	peer := device.ConsumeMessageResponse(&msg)
	if peer == nil {
		return
	}
	peer.UpdateEndpoint(src)
	peer.rxBytes.Add(uint64(len(data)))

	if err := peer.BeginSymmetricSession(); err != nil {
		peer.log.Debug("derive initiator session failed", "err", err)
		return
	}
	// first send on the new key confirms it to the responder
	if err := peer.SendKeepalive(); err != nil {
		peer.log.Debug("keepalive after handshake failed", "err", err)
	}
}

func (device *Device) receiveCookieReply(data []byte) {
	if len(data) != MessageCookieReplySize {
		return
	}
	var msg MessageCookieReply
	if err := msg.unmarshal(data); err != nil {
		return
	}
	entry := device.indexTable.Lookup(msg.Receiver)
	if entry.peer == nil {
		return
	}
	if entry.peer.cookieGenerator.ConsumeReply(&msg) {
		entry.peer.log.Debug("cookie received")
	}
}

func (device *Device) receiveTransport(data []byte, src *net.UDPAddr) {
	if len(data) < MessageTransportSize {
		return
	}
	receiver := binary.LittleEndian.Uint32(data[MessageTransportOffsetReceiver:])
	counter := binary.LittleEndian.Uint64(data[MessageTransportOffsetCounter:])

	kp, peer := device.indexTable.LookupKeypair(receiver)
	if kp == nil {
		return
	}
	defer kp.put()

	if !kp.receiving.isValid.Load() ||
		time.Since(kp.receiving.birthdate) >= RejectAfterTime {
		return
	}

	var nonceBytes [12]byte
	binary.LittleEndian.PutUint64(nonceBytes[4:], counter)
	plaintext, err := kp.receiving.aead.Open(nil, nonceBytes[:], data[MessageTransportOffsetContent:], nil)
	if err != nil {
		return
	}
	if !kp.ValidateCounter(counter) {
		return
	}

	peer.UpdateEndpoint(src)
	peer.rxBytes.Add(uint64(len(data)))

	if peer.ReceivedWithKeypair(kp) {
		peer.log.Debug("keypair promoted", "keypair", kp.internalID)
		// confirm the promoted key by using it for sending
		if err := peer.SendKeepalive(); err != nil {
			peer.log.Debug("confirm keepalive failed", "err", err)
		}
	}

	if len(plaintext) == 0 {
		// keepalive
		return
	}

	// cryptokey routing: the inner source address must belong to this
	// peer
	allowedPeer := device.whitelist.LookupSrc(plaintext)
	if allowedPeer == nil {
		return
	}
	ok := allowedPeer == peer
	allowedPeer.put()
	if !ok {
		peer.log.Debug("dropping packet with disallowed source")
		return
	}

	if handler := device.handlePacket.Load(); handler != nil {
		(*handler)(trimToIPLength(plaintext))
	}
}

// trimToIPLength strips the transport padding using the outer IP header's
// length field.
func trimToIPLength(packet []byte) []byte {
	switch ipVersion(packet) {
	case 4:
		if len(packet) >= ipv4HeaderLen {
			if l := int(binary.BigEndian.Uint16(packet[ipv4offsetTotalLength:])); l >= ipv4HeaderLen && l <= len(packet) {
				return packet[:l]
			}
		}
	case 6:
		if len(packet) >= ipv6HeaderLen {
			if l := ipv6HeaderLen + int(binary.BigEndian.Uint16(packet[ipv6offsetPayloadLength:])); l <= len(packet) {
				return packet[:l]
			}
		}
	}
	return packet
}
