package tunnel

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// Cookie-based DoS mitigation. MAC1 proves knowledge of the responder's
// public key and is mandatory on every handshake message; MAC2 proves a
// round trip to the claimed source address and is demanded only under
// load. Validation of both happens before any handshake state is read.

// CookieChecker is the receiver side: it validates MACs on incoming
// handshake messages and mints cookie replies.
type CookieChecker struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// CookieGenerator is the sender side: it stamps MAC1 (and MAC2 when a
// fresh cookie is held) onto outgoing handshake messages.
type CookieGenerator struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2sSize128]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [blake2sSize128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

func cookieKeys(pk NoisePublicKey, mac1Key *[blake2s.Size]byte, encryptionKey *[chacha20poly1305.KeySize]byte) {
	hash := newBlake2s()
	hash.Write([]byte(WGLabelMAC1))
	hash.Write(pk[:])
	hash.Sum(mac1Key[:0])

	hash = newBlake2s()
	hash.Write([]byte(WGLabelCookie))
	hash.Write(pk[:])
	hash.Sum(encryptionKey[:0])
}

func (st *CookieChecker) Init(pk NoisePublicKey) {
	st.Lock()
	defer st.Unlock()
	cookieKeys(pk, &st.mac1.key, &st.mac2.encryptionKey)
	st.mac2.secretSet = time.Time{}
}

// CheckMAC1 verifies the first MAC over the whole message body.
func (st *CookieChecker) CheckMAC1(msg []byte) bool {
	st.RLock()
	defer st.RUnlock()

	size := len(msg)
	smac2 := size - blake2sSize128
	smac1 := smac2 - blake2sSize128

	var mac1 [blake2sSize128]byte
	mac, _ := blake2s.New128(st.mac1.key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])

	return hmac.Equal(mac1[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the cookie MAC against the sender's source address.
func (st *CookieChecker) CheckMAC2(msg, src []byte) bool {
	st.RLock()
	defer st.RUnlock()

	if time.Since(st.mac2.secretSet) > CookieRefreshTime {
		return false
	}

	var cookie [blake2sSize128]byte
	mac, _ := blake2s.New128(st.mac2.secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])

	smac2 := len(msg) - blake2sSize128

	var mac2 [blake2sSize128]byte
	mac, _ = blake2s.New128(cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])

	return hmac.Equal(mac2[:], msg[smac2:])
}

// CreateReply builds a cookie reply for a handshake message that passed
// MAC1 while the device was under load.
func (st *CookieChecker) CreateReply(msg []byte, recv uint32, src []byte) (*MessageCookieReply, error) {
	st.RLock()

	if time.Since(st.mac2.secretSet) > CookieRefreshTime {
		st.RUnlock()
		st.Lock()
		if _, err := rand.Read(st.mac2.secret[:]); err != nil {
			st.Unlock()
			return nil, err
		}
		st.mac2.secretSet = time.Now()
		st.Unlock()
		st.RLock()
	}

	var cookie [blake2sSize128]byte
	mac, _ := blake2s.New128(st.mac2.secret[:])
	mac.Write(src)
	mac.Sum(cookie[:0])

	size := len(msg)
	smac2 := size - blake2sSize128
	smac1 := smac2 - blake2sSize128

	reply := new(MessageCookieReply)
	reply.Type = MessageCookieReplyType
	reply.Receiver = recv

	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		st.RUnlock()
		return nil, err
	}

	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	xchapoly.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[smac1:smac2])

	st.RUnlock()
	return reply, nil
}

func (st *CookieGenerator) Init(pk NoisePublicKey) {
	st.Lock()
	defer st.Unlock()
	cookieKeys(pk, &st.mac1.key, &st.mac2.encryptionKey)
	st.mac2.cookieSet = time.Time{}
}

// ConsumeReply decrypts a cookie reply bound to our last sent MAC1.
func (st *CookieGenerator) ConsumeReply(msg *MessageCookieReply) bool {
	st.Lock()
	defer st.Unlock()

	if !st.mac2.hasLastMAC1 {
		return false
	}

	var cookie [blake2sSize128]byte
	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	_, err := xchapoly.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], st.mac2.lastMAC1[:])
	if err != nil {
		return false
	}

	st.mac2.cookieSet = time.Now()
	st.mac2.cookie = cookie
	return true
}

// AddMacs stamps MAC1, and MAC2 when a fresh cookie is available, onto a
// marshalled handshake message.
func (st *CookieGenerator) AddMacs(msg []byte) {
	size := len(msg)
	smac2 := size - blake2sSize128
	smac1 := smac2 - blake2sSize128

	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	st.Lock()
	defer st.Unlock()

	mac, _ := blake2s.New128(st.mac1.key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])

	copy(st.mac2.lastMAC1[:], mac1)
	st.mac2.hasLastMAC1 = true

	if time.Since(st.mac2.cookieSet) > CookieRefreshTime {
		return
	}

	mac, _ = blake2s.New128(st.mac2.cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(mac2[:0])
}
