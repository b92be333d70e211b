package wg

import (
	"crypto/cipher"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	labelMac1   = "mac1----"
	labelCookie = "cookie--"

	cookieLifetime = 120 * time.Second
)

// cookieMac holds the keys derived from one party's static public key:
// the mac1 key every handshake message is tagged with, and the
// XChaCha20-Poly1305 key cookie replies are sealed under. A received
// cookie enables mac2 for its 120-second lifetime.
type cookieMac struct {
	mac1Key [blake2s.Size]byte
	aead    cipher.AEAD

	cookie     [16]byte
	cookieTime time.Time
	haveCookie bool
}

func newCookieMac(staticPub *[32]byte) cookieMac {
	var m cookieMac

	h, _ := blake2s.New256(nil)
	h.Write([]byte(labelMac1))
	h.Write(staticPub[:])
	h.Sum(m.mac1Key[:0])

	var cookieKey [blake2s.Size]byte
	h.Reset()
	h.Write([]byte(labelCookie))
	h.Write(staticPub[:])
	h.Sum(cookieKey[:0])

	m.aead, _ = chacha20poly1305.NewX(cookieKey[:])
	return m
}

func blake2s128(key, data []byte) [16]byte {
	var out [16]byte
	h, _ := blake2s.New128(key)
	h.Write(data)
	h.Sum(out[:0])
	return out
}

// check validates the trailing mac1 ‖ mac2 of a handshake message.
func (m *cookieMac) check(now time.Time, msg []byte) error {
	m1 := len(msg) - 2*16
	m2 := len(msg) - 16

	mac1 := blake2s128(m.mac1Key[:], msg[:m1])
	if !constantTimeEqual(mac1[:], msg[m1:m2]) {
		return ErrMac
	}

	var mac2 [16]byte
	if cookie, ok := m.tau(now); ok {
		mac2 = blake2s128(cookie[:], msg[:m2])
	}
	if !constantTimeEqual(mac2[:], msg[m2:]) {
		return ErrMac
	}

	return nil
}

// write fills the trailing mac1 ‖ mac2 of a serialized handshake
// message and returns the mac1 value, which the cookie protocol uses
// as associated data later.
func (m *cookieMac) write(now time.Time, msg []byte) [16]byte {
	m1 := len(msg) - 2*16
	m2 := len(msg) - 16

	mac1 := blake2s128(m.mac1Key[:], msg[:m1])
	copy(msg[m1:m2], mac1[:])

	if cookie, ok := m.tau(now); ok {
		mac2 := blake2s128(cookie[:], msg[:m2])
		copy(msg[m2:], mac2[:])
	} else {
		clear(msg[m2:])
	}

	return mac1
}

// handleCookie decrypts a cookie reply, authenticated against the mac1
// of the message that provoked it, and stores the cookie for mac2.
func (m *cookieMac) handleCookie(now time.Time, msg *CookieReply, lastMac1 [16]byte) error {
	var cookie [16]byte
	if _, err := m.aead.Open(cookie[:0], msg.Nonce[:], msg.SealedCookie[:], lastMac1[:]); err != nil {
		return ErrDecrypt
	}
	m.cookie = cookie
	m.cookieTime = now
	m.haveCookie = true
	return nil
}

// tau returns the held cookie if it is still within its lifetime.
func (m *cookieMac) tau(now time.Time) ([16]byte, bool) {
	if !m.haveCookie {
		return [16]byte{}, false
	}
	if now.Sub(m.cookieTime) >= cookieLifetime {
		m.haveCookie = false
		return [16]byte{}, false
	}
	return m.cookie, true
}
