package tunnel

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// NoisePublicKeySize is the Curve25519 public key size.
	NoisePublicKeySize = 32
	// NoisePrivateKeySize is the Curve25519 private key size.
	NoisePrivateKeySize = 32
	// NoisePresharedKeySize is the optional symmetric pre-shared key size.
	NoisePresharedKeySize = 32
)

type (
	// NoisePublicKey is a peer's long-term Curve25519 public key.
	NoisePublicKey [NoisePublicKeySize]byte
	// NoisePrivateKey is a Curve25519 private scalar.
	NoisePrivateKey [NoisePrivateKeySize]byte
	// NoisePresharedKey is an optional post-quantum hedge mixed into the
	// handshake. All zeros means "no pre-shared key".
	NoisePresharedKey [NoisePresharedKeySize]byte
)

func (sk *NoisePrivateKey) clamp() {
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
}

func newPrivateKey() (sk NoisePrivateKey, err error) {
	if _, err = rand.Read(sk[:]); err != nil {
		return sk, fmt.Errorf("generate private key: %w", err)
	}
	sk.clamp()
	return sk, nil
}

func (sk NoisePrivateKey) publicKey() (pk NoisePublicKey) {
	apk := (*[NoisePublicKeySize]byte)(&pk)
	ask := (*[NoisePrivateKeySize]byte)(&sk)
	curve25519.ScalarBaseMult(apk, ask)
	return
}

// sharedSecret computes the X25519 Diffie-Hellman output. An all-zero
// result means the remote key is of low order and must be rejected.
func (sk NoisePrivateKey) sharedSecret(pk NoisePublicKey) (ss [NoisePublicKeySize]byte, err error) {
	out, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return ss, fmt.Errorf("shared secret: %w", err)
	}
	copy(ss[:], out)
	return ss, nil
}

// Equals compares in constant time.
func (sk NoisePrivateKey) Equals(other NoisePrivateKey) bool {
	return subtle.ConstantTimeCompare(sk[:], other[:]) == 1
}

// IsZero reports, in constant time, whether the key is all zeros.
func (sk NoisePrivateKey) IsZero() bool {
	var zero NoisePrivateKey
	return sk.Equals(zero)
}

// Equals compares in constant time.
func (pk NoisePublicKey) Equals(other NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

// IsZero reports, in constant time, whether the key is all zeros.
func (pk NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return pk.Equals(zero)
}

// String returns a short hex form suitable for logging.
func (pk NoisePublicKey) String() string {
	return hex.EncodeToString(pk[:8])
}

// ParsePublicKeyHex parses a hex-encoded 32-byte public key.
func ParsePublicKeyHex(s string) (pk NoisePublicKey, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("invalid hex public key: %w", err)
	}
	if len(b) != NoisePublicKeySize {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", NoisePublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// ParsePresharedKeyHex parses a hex-encoded 32-byte pre-shared key.
func ParsePresharedKeyHex(s string) (psk NoisePresharedKey, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return psk, fmt.Errorf("invalid hex preshared key: %w", err)
	}
	if len(b) != NoisePresharedKeySize {
		return psk, fmt.Errorf("preshared key must be %d bytes, got %d", NoisePresharedKeySize, len(b))
	}
	copy(psk[:], b)
	return psk, nil
}
