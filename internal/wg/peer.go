package wg

import (
	"log/slog"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
)

// WriteFn serializes a payload into a cursor whose headers the lower
// layers have already written.
type WriteFn func(*buffer.Cursor)

// noiseState is the per-peer static handshake material.
type noiseState struct {
	remoteStatic [32]byte
	preshared    [32]byte
	// sAgree is the precomputed X25519 of the two static keys.
	sAgree [32]byte
	// hash is the handshake prologue: H0 mixed with the remote static.
	hash Hash
	// mac holds the mac1/cookie keys derived from the remote static,
	// used on messages we send to this peer.
	mac cookieMac
	// lastTimestamp enforces strictly-increasing initiation stamps.
	lastTimestamp Timestamp
	haveTimestamp bool
	idxCounter    uint32
}

func (n *noiseState) updateTimestamp(ts Timestamp) error {
	if n.haveTimestamp && !ts.After(n.lastTimestamp) {
		return ErrMalformedPacket
	}
	n.lastTimestamp = ts
	n.haveTimestamp = true
	return nil
}

func (n *noiseState) newIndex() uint32 {
	idx := n.idxCounter
	n.idxCounter++
	return idx
}

// sentHandshake is an initiation awaiting its response.
type sentHandshake struct {
	state *initiatorState
	idx   uint32
	mac1  [16]byte
}

// wheel is the four-slot session rotation.
type wheel struct {
	// prev retains the old receive simplex for reordered in-flight
	// packets.
	prev *struct {
		idx uint32
		s   simplex
	}
	// pair is the live full-duplex session.
	pair *struct {
		idx uint32
		t   *tunnel
	}
	// next is a responder-side session awaiting its first data packet.
	next *struct {
		idx uint32
		n   *next
	}
	// sent is an initiator-side handshake awaiting its response.
	sent *sentHandshake
}

// Peer is one remote WireGuard endpoint.
type Peer struct {
	wheel  wheel
	queue  []WriteFn
	timers timers
	noise  noiseState

	dev *Wireguard
	log *slog.Logger
}

// Write encrypts a payload to the peer, or queues it and triggers a
// handshake when no usable session exists. Keepalives are never queued.
func (p *Peer) Write(fill WriteFn, isKeepalive bool) error {
	now := p.dev.loop.Now()

	var rekey bool
	switch {
	case p.wheel.pair != nil && !p.wheel.pair.t.isSendExpired(now):
		tun := p.wheel.pair.t
		err := p.dev.link.Write(func(cur *buffer.Cursor) {
			rekey = tun.seal(now, cur, fill)
		})
		if err != nil {
			return err
		}
		p.timers.sendData(isKeepalive)
	case !isKeepalive:
		p.wheel.pair = nil
		p.queue = append(p.queue, fill)
		rekey = true
	default:
		p.log.Error("failed to send keepalive packet")
		return ErrSessionExpired
	}

	if rekey {
		return p.rekey()
	}
	return nil
}

// rekey sends an initiation unless one is already outstanding.
func (p *Peer) rekey() error {
	if p.timers.isRekeying() {
		return nil
	}
	return p.createInitiation()
}

// createInitiation emits a handshake initiation and arms the retry
// timer.
func (p *Peer) createInitiation() error {
	ephPriv, err := newPrivateKey()
	if err != nil {
		return err
	}
	ts := Stamp(p.dev.sysNow())

	var msg Initiation
	msg.Sender = p.noise.newIndex()

	state, err := createInitiation(p.dev, p, ephPriv, ts, &msg)
	if err != nil {
		return err
	}

	var raw [InitiationSize]byte
	msg.Encode(raw[:])
	mac1 := p.noise.mac.write(p.dev.loop.Now(), raw[:])

	// Record the handshake before the message leaves, so a response the
	// link hands back from inside Write finds it.
	p.wheel.sent = &sentHandshake{state: state, idx: msg.Sender, mac1: mac1}
	p.timers.sendInit()

	err = p.dev.link.Write(func(cur *buffer.Cursor) {
		copy(cur.Block(InitiationSize), raw[:])
	})
	if err != nil {
		return err
	}

	p.log.Info("sent initiation packet", "idx", msg.Sender)
	p.dev.emit(p, EventInitiationSent, msg.Sender)
	return nil
}

// createResponse answers a consumed initiation: it emits the response
// and parks the derived session in the next slot.
func (p *Peer) createResponse(rcvIdx uint32, st *responderState) error {
	ephPriv, err := newPrivateKey()
	if err != nil {
		return err
	}

	var msg Response
	msg.Sender = p.noise.newIndex()
	msg.Receiver = rcvIdx

	chain, err := createResponse(p.dev, p, st, ephPriv, &msg)
	if err != nil {
		return err
	}

	var raw [ResponseSize]byte
	msg.Encode(raw[:])
	mac1 := p.noise.mac.write(p.dev.loop.Now(), raw[:])

	// The slot is addressed by our index; the session sends with the
	// initiator's. It is parked before the response leaves, so data the
	// link hands back from inside Write finds it.
	p.wheel.next = &struct {
		idx uint32
		n   *next
	}{msg.Sender, newNext(p.dev.loop.Now(), chain, rcvIdx, mac1)}

	err = p.dev.link.Write(func(cur *buffer.Cursor) {
		copy(cur.Block(ResponseSize), raw[:])
	})
	if err != nil {
		return err
	}

	p.log.Info("sent response packet", "idx", msg.Sender)
	p.dev.emit(p, EventResponseSent, msg.Sender)

	return nil
}

// handleResponse matches a response against the outstanding initiation
// and rotates the new session into the pair slot.
func (p *Peer) handleResponse(msg *Response) error {
	p.log.Info("received response packet", "idx", msg.Receiver)

	sent := p.wheel.sent
	if sent == nil || sent.idx != msg.Receiver {
		p.log.Warn("no matching incomplete handshake for response")
		return ErrMalformedPacket
	}

	chain, err := consumeResponse(p.dev, p, sent.state, msg)
	if err != nil {
		p.log.Warn("could not consume response")
		return err
	}

	// Our index addresses the receive side; outgoing data carries the
	// responder's.
	p.rotate(sent.idx, newInitiatorTunnel(p.dev.loop.Now(), chain, msg.Sender))
	p.wheel.sent = nil
	p.dev.emit(p, EventSessionEstablished, sent.idx)

	p.timers.recvResp()

	return p.drainQueue()
}

// rotate moves the live receive simplex to prev and installs tun as the
// new pair.
func (p *Peer) rotate(idx uint32, tun *tunnel) {
	if pair := p.wheel.pair; pair != nil {
		p.wheel.prev = &struct {
			idx uint32
			s   simplex
		}{pair.idx, pair.t.recv}
	}
	p.wheel.pair = &struct {
		idx uint32
		t   *tunnel
	}{idx, tun}
}

func (p *Peer) drainQueue() error {
	queue := p.queue
	p.queue = nil
	for _, fill := range queue {
		if err := p.Write(fill, false); err != nil {
			return err
		}
	}
	return nil
}

// handleData routes a transport packet to the wheel slot owning its
// session index and decrypts it in place. The payload remains in buf.
func (p *Peer) handleData(hdr DataHeader, buf *buffer.Slice) error {
	now := p.dev.loop.Now()

	switch {
	case p.wheel.pair != nil && hdr.Receiver == p.wheel.pair.idx:
		rekey, err := p.wheel.pair.t.open(now, hdr.Counter, buf)
		if err != nil {
			return err
		}
		if rekey {
			if err := p.rekey(); err != nil {
				return err
			}
		}
		// Timers advance only for traffic on the live session.
		p.timers.recvData(buf.Len() == 0)
	case p.wheel.prev != nil && hdr.Receiver == p.wheel.prev.idx:
		// Old session: decrypt only, never reset timers or rekey.
		return p.wheel.prev.s.open(now, hdr.Counter, buf)
	case p.wheel.next != nil && hdr.Receiver == p.wheel.next.idx:
		p.log.Info("received data on next session, rotating", "idx", hdr.Receiver)

		tun, err := p.wheel.next.n.recv(hdr.Counter, buf)
		if err != nil {
			return err
		}
		p.rotate(p.wheel.next.idx, tun)
		p.wheel.next = nil
		p.dev.emit(p, EventSessionPromoted, hdr.Receiver)
		// The promoted session is now the live one.
		p.timers.recvData(buf.Len() == 0)

		return p.drainQueue()
	default:
		p.log.Warn("no applicable receive key for data packet", "idx", hdr.Receiver)
		return ErrMalformedPacket
	}

	return nil
}

// handleCookie decrypts a cookie reply addressed to either the
// outstanding initiation or the pending next session.
func (p *Peer) handleCookie(msg *CookieReply) error {
	var lastMac1 [16]byte
	switch {
	case p.wheel.sent != nil && msg.Receiver == p.wheel.sent.idx:
		lastMac1 = p.wheel.sent.mac1
	case p.wheel.next != nil && msg.Receiver == p.wheel.next.idx:
		lastMac1 = p.wheel.next.n.mac1
	default:
		p.log.Warn("no sent mac found for cookie message", "idx", msg.Receiver)
		return ErrMalformedPacket
	}

	return p.noise.mac.handleCookie(p.dev.loop.Now(), msg, lastMac1)
}
