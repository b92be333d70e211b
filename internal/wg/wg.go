package wg

import (
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"math/rand"
	"time"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
)

// Fingerprint renders the leading bytes of a public key for log lines.
func Fingerprint(pub [32]byte) string {
	return hex.EncodeToString(pub[:8])
}

// Link is the encrypted point-to-point datagram transport the tunnel
// writes to. In production it is the connected UDP socket registered
// with the runtime; tests substitute an in-memory pipe.
type Link interface {
	Write(func(*buffer.Cursor)) error
}

// Wireguard owns one link and the peers reachable over it. All methods
// run on the loop thread.
type Wireguard struct {
	loop *runtime.Loop
	link Link

	key    [32]byte
	pubkey [32]byte
	// hash is the responder-side prologue: H0 mixed with our static.
	hash Hash
	// mac verifies mac1/mac2 on handshake messages addressed to us.
	mac cookieMac

	peers map[[32]byte]*Peer

	// deliver receives each decrypted, non-keepalive payload.
	deliver func(*buffer.Slice)

	// sysNow supplies the wall clock for TAI64N stamps.
	sysNow func() time.Time

	onEvent func(Event)

	log *slog.Logger
}

// New creates a tunnel endpoint for the given static private key.
func New(loop *runtime.Loop, link Link, privKey [32]byte, deliver func(*buffer.Slice), log *slog.Logger) *Wireguard {
	w := &Wireguard{
		loop:    loop,
		link:    link,
		key:     privKey,
		pubkey:  publicKey(&privKey),
		peers:   make(map[[32]byte]*Peer),
		deliver: deliver,
		sysNow:  time.Now,
		log:     log.With("component", "wg"),
	}
	w.hash = initialHash
	w.hash.Update(w.pubkey[:])
	w.mac = newCookieMac(&w.pubkey)
	return w
}

// AddPeer registers a remote static key and its preshared key. The
// design keeps a map but a single entry is exercised per link.
func (w *Wireguard) AddPeer(remoteStatic, preshared [32]byte) (*Peer, error) {
	sAgree, err := sharedSecret(&w.key, &remoteStatic)
	if err != nil {
		return nil, err
	}

	hash := initialHash
	hash.Update(remoteStatic[:])

	p := &Peer{
		noise: noiseState{
			remoteStatic: remoteStatic,
			preshared:    preshared,
			sAgree:       sAgree,
			hash:         hash,
			mac:          newCookieMac(&remoteStatic),
			idxCounter:   rand.Uint32(),
		},
		dev: w,
		log: w.log.With("peer", Fingerprint(remoteStatic)),
	}
	p.timers = newTimers(w.loop, p.log)
	p.timers.onRekey = func() { w.rekeyTimer(p) }
	p.timers.onKeepalive = func() { w.sendKeepalive(p) }

	w.peers[remoteStatic] = p
	return p, nil
}

// Write encrypts a payload to the link's peer, queueing it behind a
// handshake when no session is live.
func (w *Wireguard) Write(fill WriteFn) error {
	p := w.peer()
	if p == nil {
		return ErrUnknownPeer
	}
	return p.Write(fill, false)
}

// peer returns the link's single exercised peer.
func (w *Wireguard) peer() *Peer {
	for _, p := range w.peers {
		return p
	}
	return nil
}

// Receive classifies one datagram from the link by its tag and
// dispatches it. Errors are logged and the packet dropped.
func (w *Wireguard) Receive(buf *buffer.Slice) {
	if buf.Len() < 4 {
		w.log.Warn("received runt packet", "len", buf.Len())
		return
	}

	var err error
	switch tag := binary.LittleEndian.Uint32(buf.Bytes()); tag {
	case TagInitiation:
		err = w.handleInitiation(buf)
	case TagResponse:
		err = w.handleResponse(buf)
	case TagCookie:
		err = w.handleCookie(buf)
	case TagData:
		err = w.handleData(buf)
	default:
		w.log.Warn("received packet with invalid message tag", "tag", tag)
		return
	}
	if err != nil {
		w.log.Warn("dropped packet", "err", err)
	}
}

func (w *Wireguard) handleInitiation(buf *buffer.Slice) error {
	msg, err := DecodeInitiation(buf.Bytes())
	if err != nil {
		return err
	}
	if err := w.mac.check(w.loop.Now(), buf.Bytes()); err != nil {
		return err
	}

	w.log.Info("received initiation packet")

	st, p, err := consumeInitiation(w, msg)
	if err != nil {
		return err
	}
	w.emit(p, EventInitiationReceived, msg.Sender)
	return p.createResponse(msg.Sender, st)
}

func (w *Wireguard) handleResponse(buf *buffer.Slice) error {
	msg, err := DecodeResponse(buf.Bytes())
	if err != nil {
		return err
	}
	if err := w.mac.check(w.loop.Now(), buf.Bytes()); err != nil {
		return err
	}

	p := w.peerByIndex(msg.Receiver)
	if p == nil {
		return ErrUnknownPeer
	}
	return p.handleResponse(msg)
}

func (w *Wireguard) handleCookie(buf *buffer.Slice) error {
	msg, err := DecodeCookieReply(buf.Bytes())
	if err != nil {
		return err
	}
	p := w.peerByIndex(msg.Receiver)
	if p == nil {
		return ErrUnknownPeer
	}
	return p.handleCookie(msg)
}

func (w *Wireguard) handleData(buf *buffer.Slice) error {
	if buf.Len() < MinDataSize {
		return ErrMalformedPacket
	}
	hdr := DecodeDataHeader(buf.Consume(DataHeaderSize))

	p := w.peerByIndex(hdr.Receiver)
	if p == nil {
		return ErrUnknownPeer
	}
	if err := p.handleData(hdr, buf); err != nil {
		return err
	}

	if buf.Len() == 0 {
		return nil
	}
	if w.deliver != nil {
		w.deliver(buf)
	}
	return nil
}

// peerByIndex finds the peer whose wheel owns a local session index.
func (w *Wireguard) peerByIndex(idx uint32) *Peer {
	for _, p := range w.peers {
		wh := &p.wheel
		if wh.sent != nil && wh.sent.idx == idx {
			return p
		}
		if wh.pair != nil && wh.pair.idx == idx {
			return p
		}
		if wh.prev != nil && wh.prev.idx == idx {
			return p
		}
		if wh.next != nil && wh.next.idx == idx {
			return p
		}
	}
	// Fall back to the link's peer so its handler logs the drop.
	return w.peer()
}

// sendKeepalive emits an empty data packet when the keepalive timer
// fires.
func (w *Wireguard) sendKeepalive(p *Peer) {
	w.log.Info("sending keepalive packet")
	if err := p.Write(nil, true); err != nil {
		w.log.Error("error sending keepalive", "err", err)
	}
}

// rekeyTimer retries or abandons the handshake when the rekey timer
// fires.
func (w *Wireguard) rekeyTimer(p *Peer) {
	w.log.Info("rekeying")

	if p.timers.rekeyElapsed() {
		w.log.Error("rekey attempt time reached, giving up")
		p.timers.rekeying = false
		p.wheel.sent = nil
		w.emit(p, EventRekeyAbandoned, 0)
		return
	}

	if err := p.createInitiation(); err != nil {
		w.log.Error("error rekeying", "err", err)
	}
}
