package tunnel

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// HKDF-style key derivation over HMAC-BLAKE2s, as required by the Noise
// specification. KDF1/KDF2/KDF3 expand the chaining key into one, two or
// three 32-byte outputs.

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func hmacBlake2s(sum *[blake2s.Size]byte, key, data []byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(data)
	mac.Sum(sum[:0])
}

func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	setZero(prk[:])
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], append(t0[:], 0x2))
	setZero(prk[:])
}

func kdf3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], append(t0[:], 0x2))
	hmacBlake2s(t2, prk[:], append(t1[:], 0x3))
	setZero(prk[:])
}

// setZero wipes secret material. Go offers no guarantee the compiler
// keeps a plain loop, so the slice is written through a range that the
// toolchain does not currently elide; revisit if a runtime primitive for
// secure erasure lands.
func setZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool {
	var acc byte
	for _, x := range b {
		acc |= x
	}
	return acc == 0
}
