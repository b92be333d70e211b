package wg

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s, exactly as WireGuard runs it.

const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"

	aeadTagSize = chacha20poly1305.Overhead
)

var (
	initialChain Chain
	initialHash  Hash
)

func init() {
	initialChain = Chain(blake2s.Sum256([]byte(noiseConstruction)))
	h, _ := blake2s.New256(nil)
	h.Write(initialChain[:])
	h.Write([]byte(wgIdentifier))
	h.Sum(initialHash[:0])
}

// Hash is the running handshake hash: H ← BLAKE2s(H ‖ x).
type Hash [blake2s.Size]byte

func (h *Hash) Update(data []byte) {
	core, _ := blake2s.New256(nil)
	core.Write(h[:])
	core.Write(data)
	core.Sum(h[:0])
}

// Chain is the Noise chaining key, advanced by an HMAC-BLAKE2s HKDF.
type Chain [blake2s.Size]byte

func hmacBlake2s(out *[blake2s.Size]byte, key []byte, data ...[]byte) {
	mac := hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
	for _, d := range data {
		mac.Write(d)
	}
	mac.Sum(out[:0])
}

// Write advances the chain without producing output keys.
func (c *Chain) Write(input []byte) {
	var t0 [blake2s.Size]byte
	hmacBlake2s(&t0, c[:], input)
	hmacBlake2s((*[blake2s.Size]byte)(c), t0[:], []byte{0x1})
}

// KDF1 advances the chain and derives one key.
func (c *Chain) KDF1(input []byte) (t1 [blake2s.Size]byte) {
	var t0 [blake2s.Size]byte
	hmacBlake2s(&t0, c[:], input)
	hmacBlake2s((*[blake2s.Size]byte)(c), t0[:], []byte{0x1})
	hmacBlake2s(&t1, t0[:], c[:], []byte{0x2})
	return t1
}

// KDF2 advances the chain and derives two keys.
func (c *Chain) KDF2(input []byte) (t1, t2 [blake2s.Size]byte) {
	var t0 [blake2s.Size]byte
	hmacBlake2s(&t0, c[:], input)
	hmacBlake2s((*[blake2s.Size]byte)(c), t0[:], []byte{0x1})
	hmacBlake2s(&t1, t0[:], c[:], []byte{0x2})
	hmacBlake2s(&t2, t0[:], t1[:], []byte{0x3})
	return t1, t2
}

// Consume splits the final chain state into the two transport keys. The
// first return is the chain-side key (the initiator's send key), the
// second the derived one.
func (c Chain) Consume() (k1, k2 [blake2s.Size]byte) {
	t1 := c.KDF1(nil)
	return [blake2s.Size]byte(c), t1
}

var zeroNonce [chacha20poly1305.NonceSize]byte

// seal encrypts plain under key with a zero nonce, using the hash value
// as associated data, writes ciphertext ‖ tag into dst, then mixes the
// output into the hash.
func seal(dst []byte, key *[32]byte, plain []byte, h *Hash) {
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(dst[:0], zeroNonce[:], plain, h[:])
	h.Update(dst)
}

// open reverses seal, mixing the ciphertext into the hash only after
// the hash value served as associated data.
func open(dst []byte, key *[32]byte, sealed []byte, h *Hash) error {
	aad := *h
	h.Update(sealed)
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(dst[:0], zeroNonce[:], sealed, aad[:]); err != nil {
		return ErrDecrypt
	}
	return nil
}

func newPrivateKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return key, nil
}

func publicKey(priv *[32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, priv)
	return pub
}

func sharedSecret(priv, pub *[32]byte) ([32]byte, error) {
	var s [32]byte
	b, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return s, err
	}
	copy(s[:], b)
	return s, nil
}

// initiatorState is the half-open handshake kept while waiting for the
// peer's response.
type initiatorState struct {
	hash    Hash
	chain   Chain
	ephPriv [32]byte
}

// createInitiation runs the initiator side of message one. The caller
// supplies the ephemeral private key and the cleartext timestamp so the
// ceremony itself is deterministic.
func createInitiation(dev *Wireguard, p *Peer, ephPriv [32]byte, ts Timestamp, msg *Initiation) (*initiatorState, error) {
	hash := p.noise.hash
	chain := initialChain

	msg.Ephemeral = publicKey(&ephPriv)
	hash.Update(msg.Ephemeral[:])
	chain.Write(msg.Ephemeral[:])

	es, err := sharedSecret(&ephPriv, &p.noise.remoteStatic)
	if err != nil {
		return nil, err
	}
	k := chain.KDF1(es[:])
	seal(msg.SealedStatic[:], &k, dev.pubkey[:], &hash)

	k = chain.KDF1(p.noise.sAgree[:])
	seal(msg.SealedTimestamp[:], &k, ts[:], &hash)

	return &initiatorState{hash: hash, chain: chain, ephPriv: ephPriv}, nil
}

// responderState is the half-open handshake between consuming an
// initiation and emitting the response.
type responderState struct {
	hash          Hash
	chain         Chain
	initEphemeral [32]byte
}

// consumeInitiation runs the responder side of message one. It returns
// the peer the claimed static key names, after the timestamp replay
// check has passed.
func consumeInitiation(dev *Wireguard, msg *Initiation) (*responderState, *Peer, error) {
	hash := dev.hash
	chain := initialChain

	hash.Update(msg.Ephemeral[:])
	chain.Write(msg.Ephemeral[:])

	es, err := sharedSecret(&dev.key, &msg.Ephemeral)
	if err != nil {
		return nil, nil, err
	}
	k := chain.KDF1(es[:])

	var staticPub [32]byte
	if err := open(staticPub[:], &k, msg.SealedStatic[:], &hash); err != nil {
		return nil, nil, err
	}

	p, ok := dev.peers[staticPub]
	if !ok {
		return nil, nil, ErrUnknownPeer
	}

	k = chain.KDF1(p.noise.sAgree[:])
	var ts Timestamp
	if err := open(ts[:], &k, msg.SealedTimestamp[:], &hash); err != nil {
		return nil, nil, err
	}
	if err := p.noise.updateTimestamp(ts); err != nil {
		return nil, nil, err
	}

	return &responderState{hash: hash, chain: chain, initEphemeral: msg.Ephemeral}, p, nil
}

// createResponse runs the responder side of message two and returns the
// final chain, ready to split into the next session's keys.
func createResponse(dev *Wireguard, p *Peer, st *responderState, ephPriv [32]byte, msg *Response) (Chain, error) {
	hash, chain := st.hash, st.chain

	msg.Ephemeral = publicKey(&ephPriv)
	hash.Update(msg.Ephemeral[:])
	chain.Write(msg.Ephemeral[:])

	ee, err := sharedSecret(&ephPriv, &st.initEphemeral)
	if err != nil {
		return chain, err
	}
	chain.Write(ee[:])
	se, err := sharedSecret(&ephPriv, &p.noise.remoteStatic)
	if err != nil {
		return chain, err
	}
	chain.Write(se[:])

	t, k := chain.KDF2(p.noise.preshared[:])
	hash.Update(t[:])
	seal(msg.SealedEmpty[:], &k, nil, &hash)

	return chain, nil
}

// consumeResponse runs the initiator side of message two against the
// retained half-open state and returns the final chain.
func consumeResponse(dev *Wireguard, p *Peer, st *initiatorState, msg *Response) (Chain, error) {
	hash, chain := st.hash, st.chain

	hash.Update(msg.Ephemeral[:])
	chain.Write(msg.Ephemeral[:])

	ee, err := sharedSecret(&st.ephPriv, &msg.Ephemeral)
	if err != nil {
		return chain, err
	}
	chain.Write(ee[:])
	se, err := sharedSecret(&dev.key, &msg.Ephemeral)
	if err != nil {
		return chain, err
	}
	chain.Write(se[:])

	t, k := chain.KDF2(p.noise.preshared[:])
	hash.Update(t[:])
	if err := open(nil, &k, msg.SealedEmpty[:], &hash); err != nil {
		return chain, err
	}

	return chain, nil
}

func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
