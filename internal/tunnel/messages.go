package tunnel

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/unicornultrafoundation/veilgo/internal/tai64n"
)

// Wire messages are little-endian throughout. The type is an 8-bit field
// followed by three zero bytes, so marshalled little-endian it reads as a
// 32-bit unsigned int.

const (
	MessageInitiationType  = 1
	MessageResponseType    = 2
	MessageCookieReplyType = 3
	MessageTransportType   = 4
)

const (
	blake2sSize128 = blake2s.Size128
	poly1305TagSize = 16
)

const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportSize       = MessageTransportHeaderSize + poly1305TagSize
	MessageKeepaliveSize       = MessageTransportSize
)

const (
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

// MessageInitiation is the first handshake message (initiator → responder).
type MessageInitiation struct {
	Type      uint32
	Sender    uint32
	Ephemeral NoisePublicKey
	Static    [NoisePublicKeySize + poly1305TagSize]byte
	Timestamp [tai64n.TimestampSize + poly1305TagSize]byte
	MAC1      [blake2sSize128]byte
	MAC2      [blake2sSize128]byte
}

// MessageResponse is the second handshake message (responder → initiator).
type MessageResponse struct {
	Type      uint32
	Sender    uint32
	Receiver  uint32
	Ephemeral NoisePublicKey
	Empty     [poly1305TagSize]byte
	MAC1      [blake2sSize128]byte
	MAC2      [blake2sSize128]byte
}

// MessageCookieReply carries an encrypted cookie for DoS mitigation.
type MessageCookieReply struct {
	Type     uint32
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2sSize128 + poly1305TagSize]byte
}

// MessageTransport is an encrypted data packet.
type MessageTransport struct {
	Type     uint32
	Receiver uint32
	Counter  uint64
	Content  []byte
}

var errMessageLengthMismatch = errors.New("message length mismatch")

func (msg *MessageInitiation) marshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	copy(b[8:], msg.Ephemeral[:])
	copy(b[40:], msg.Static[:])
	copy(b[88:], msg.Timestamp[:])
	copy(b[116:], msg.MAC1[:])
	copy(b[132:], msg.MAC2[:])
	return nil
}

func (msg *MessageInitiation) unmarshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	copy(msg.Ephemeral[:], b[8:])
	copy(msg.Static[:], b[40:])
	copy(msg.Timestamp[:], b[88:])
	copy(msg.MAC1[:], b[116:])
	copy(msg.MAC2[:], b[132:])
	return nil
}

func (msg *MessageResponse) marshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	binary.LittleEndian.PutUint32(b[8:], msg.Receiver)
	copy(b[12:], msg.Ephemeral[:])
	copy(b[44:], msg.Empty[:])
	copy(b[60:], msg.MAC1[:])
	copy(b[76:], msg.MAC2[:])
	return nil
}

func (msg *MessageResponse) unmarshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	msg.Receiver = binary.LittleEndian.Uint32(b[8:])
	copy(msg.Ephemeral[:], b[12:])
	copy(msg.Empty[:], b[44:])
	copy(msg.MAC1[:], b[60:])
	copy(msg.MAC2[:], b[76:])
	return nil
}

func (msg *MessageCookieReply) marshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLengthMismatch
	}
	binary.LittleEndian.PutUint32(b, msg.Type)
	binary.LittleEndian.PutUint32(b[4:], msg.Receiver)
	copy(b[8:], msg.Nonce[:])
	copy(b[32:], msg.Cookie[:])
	return nil
}

func (msg *MessageCookieReply) unmarshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return errMessageLengthMismatch
	}
	msg.Type = binary.LittleEndian.Uint32(b)
	msg.Receiver = binary.LittleEndian.Uint32(b[4:])
	copy(msg.Nonce[:], b[8:])
	copy(msg.Cookie[:], b[32:])
	return nil
}
