package wg

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
)

// establish runs a full handshake (fixed static keys, random ephemerals)
// between two fresh hosts, leaving the initiator with a pair. With
// confirm set, one data packet also promotes the responder's session.
func establish(t *testing.T, confirm bool) (hostI, hostR *host) {
	t.Helper()
	privI, pubI := fixedKey(0x05)
	privR, pubR := fixedKey(0x06)
	var psk [32]byte
	psk[0] = 0xaa

	hostI = newHost(t, privI, pubR, psk)
	hostR = newHost(t, privR, pubI, psk)

	if err := hostI.peer.createInitiation(); err != nil {
		t.Fatal(err)
	}
	hostR.receive(hostI.link.take(t))
	hostI.receive(hostR.link.take(t))

	if hostI.peer.wheel.pair == nil {
		t.Fatal("no session established")
	}

	if confirm {
		if err := hostI.peer.Write(func(cur *buffer.Cursor) {
			cur.Block(4)
		}, false); err != nil {
			t.Fatal(err)
		}
		hostR.receive(hostI.link.take(t))
		if hostR.peer.wheel.pair == nil {
			t.Fatal("responder session not promoted")
		}
	}
	return hostI, hostR
}

// TestQueueDrain submits a payload with no session and expects it to
// arrive after one handshake round trip.
func TestQueueDrain(t *testing.T) {
	privI, pubI := fixedKey(0x05)
	privR, pubR := fixedKey(0x06)
	var psk [32]byte

	hostI := newHost(t, privI, pubR, psk)
	hostR := newHost(t, privR, pubI, psk)

	payload := []byte("queued before any session")
	if err := hostI.peer.Write(func(cur *buffer.Cursor) {
		copy(cur.Block(len(payload)), payload)
	}, false); err != nil {
		t.Fatal(err)
	}

	if len(hostI.peer.queue) != 1 {
		t.Fatalf("queue length %d, want 1", len(hostI.peer.queue))
	}

	// The write triggered a handshake rather than a data packet.
	initiation := hostI.link.take(t)
	if len(initiation) != InitiationSize {
		t.Fatalf("expected an initiation, got %d bytes", len(initiation))
	}

	hostR.receive(initiation)
	hostI.receive(hostR.link.take(t))

	// The queue drained into the fresh session.
	data := hostI.link.take(t)
	hostR.receive(data)
	if len(hostR.delivered) != 1 {
		t.Fatalf("delivered %d payloads, want 1", len(hostR.delivered))
	}
	if !bytes.Equal(hostR.delivered[0][:len(payload)], payload) {
		t.Fatal("queued payload corrupted in transit")
	}
	if len(hostI.peer.queue) != 0 {
		t.Fatal("queue not drained")
	}
}

// TestSessionRotationKeepsPrev re-handshakes and verifies the old
// session moves to prev and a late packet on it still decrypts.
func TestSessionRotationKeepsPrev(t *testing.T) {
	hostI, hostR := establish(t, true)

	// Build a data packet on the old session but hold it back.
	if err := hostR.peer.Write(func(cur *buffer.Cursor) {
		copy(cur.Block(8), []byte("straggle"))
	}, false); err != nil {
		t.Fatal(err)
	}
	late := hostR.link.take(t)

	oldPairIdx := hostI.peer.wheel.pair.idx

	// Second handshake rotates the initiator's wheel.
	if err := hostI.peer.createInitiation(); err != nil {
		t.Fatal(err)
	}
	hostR.receive(hostI.link.take(t))
	hostI.receive(hostR.link.take(t))

	if hostI.peer.wheel.prev == nil {
		t.Fatal("old receive simplex not retained in prev")
	}
	if hostI.peer.wheel.prev.idx != oldPairIdx {
		t.Fatalf("prev idx %#x, want %#x", hostI.peer.wheel.prev.idx, oldPairIdx)
	}

	// The late packet still decrypts on prev.
	hostI.receive(late)
	if len(hostI.delivered) != 1 {
		t.Fatalf("late packet not delivered (got %d)", len(hostI.delivered))
	}
	// The cipher pads plaintext to 16 bytes; the IP layer above strips
	// it via the total-length field, so only the prefix is compared.
	if !bytes.Equal(hostI.delivered[0][:8], []byte("straggle")) {
		t.Fatalf("late payload %q", hostI.delivered[0])
	}
}

// TestKeepaliveTimerEmitsEmptyData checks that ten seconds of silence
// after inbound data produces a keepalive, and that receiving data arms
// only the keepalive timer.
func TestKeepaliveTimerEmitsEmptyData(t *testing.T) {
	hostI, hostR := establish(t, true)

	// Initiator sent data; responder received it. The responder owes a
	// keepalive in at most KeepaliveTimeout.
	if hostR.peer.timers.keepalive == 0 {
		t.Fatal("keepalive timer not armed after inbound data")
	}
	if hostR.peer.timers.isRekeying() {
		t.Fatal("rekey cycle running after inbound data")
	}

	hostR.loop.Step(hostR.loop.Now().Add(KeepaliveTimeout))

	ka := hostR.link.take(t)
	if tag := binary.LittleEndian.Uint32(ka); tag != TagData {
		t.Fatalf("keepalive tag = %d", tag)
	}
	if len(ka) != DataHeaderSize+aeadTagSize {
		t.Fatalf("keepalive is %d bytes, want %d", len(ka), DataHeaderSize+aeadTagSize)
	}

	// The initiator decodes it as a keepalive: no payload delivered.
	hostI.receive(ka)
	if len(hostI.delivered) != 0 {
		t.Fatal("keepalive delivered as payload")
	}
}

// TestRekeyOnSendAfterRekeyAfterTime backdates the session and expects
// the next outbound data packet to be chased by an initiation.
func TestRekeyOnSendAfterRekeyAfterTime(t *testing.T) {
	hostI, _ := establish(t, true)

	hostI.peer.wheel.pair.t.recv.established = hostI.loop.Now().Add(-RekeyAfterTime)

	if err := hostI.peer.Write(func(cur *buffer.Cursor) {
		cur.Block(4)
	}, false); err != nil {
		t.Fatal(err)
	}

	data := hostI.link.take(t)
	if tag := binary.LittleEndian.Uint32(data); tag != TagData {
		t.Fatalf("first packet tag = %d, want data", tag)
	}
	initiation := hostI.link.take(t)
	if len(initiation) != InitiationSize {
		t.Fatalf("expected trailing initiation, got %d bytes", len(initiation))
	}
}

// TestSendOnExpiredSessionQueues drops the pair once it is past
// RejectAfterTime and queues the payload behind a fresh handshake.
func TestSendOnExpiredSessionQueues(t *testing.T) {
	hostI, _ := establish(t, true)

	hostI.peer.wheel.pair.t.recv.established = hostI.loop.Now().Add(-RejectAfterTime)

	if err := hostI.peer.Write(func(cur *buffer.Cursor) {
		cur.Block(4)
	}, false); err != nil {
		t.Fatal(err)
	}

	if hostI.peer.wheel.pair != nil {
		t.Fatal("expired pair not discarded")
	}
	if len(hostI.peer.queue) != 1 {
		t.Fatalf("payload not queued (queue %d)", len(hostI.peer.queue))
	}
	initiation := hostI.link.take(t)
	if len(initiation) != InitiationSize {
		t.Fatalf("expected an initiation, got %d bytes", len(initiation))
	}
}

// TestReceiveExpiredSessionDrops rejects data on a session past
// RejectAfterTime.
func TestReceiveExpiredSessionDrops(t *testing.T) {
	hostI, hostR := establish(t, true)

	if err := hostR.peer.Write(func(cur *buffer.Cursor) {
		cur.Block(4)
	}, false); err != nil {
		t.Fatal(err)
	}
	data := hostR.link.take(t)

	hostI.peer.wheel.pair.t.recv.established = hostI.loop.Now().Add(-RejectAfterTime)
	hostI.receive(data)
	if len(hostI.delivered) != 0 {
		t.Fatal("expired session still delivered data")
	}
}

// TestCookieRoundTrip feeds the peer a cookie reply sealed the way a
// loaded responder would, and expects the next initiation to carry a
// non-zero mac2.
func TestCookieRoundTrip(t *testing.T) {
	privI, _ := fixedKey(0x05)
	privR, pubR := fixedKey(0x06)
	var psk [32]byte

	hostI := newHost(t, privI, pubR, psk)

	if err := hostI.peer.createInitiation(); err != nil {
		t.Fatal(err)
	}
	initiation := hostI.link.take(t)
	sentIdx := hostI.peer.wheel.sent.idx
	lastMac1 := hostI.peer.wheel.sent.mac1

	// Seal a cookie the way the responder would: under the cookie key
	// derived from its own public key, with our mac1 as AAD.
	responderMac := newCookieMac(&pubR)
	var reply CookieReply
	reply.Receiver = sentIdx
	copy(reply.Nonce[:], bytes.Repeat([]byte{0x42}, 24))
	cookie := bytes.Repeat([]byte{0x7}, 16)
	responderMac.aead.Seal(reply.SealedCookie[:0], reply.Nonce[:], cookie, lastMac1[:])

	var raw [CookieSize]byte
	reply.Encode(raw[:])
	hostI.receive(raw[:])

	if !hostI.peer.noise.mac.haveCookie {
		t.Fatal("cookie not stored")
	}

	// A fresh initiation now carries a mac2.
	if err := hostI.peer.createInitiation(); err != nil {
		t.Fatal(err)
	}
	second := hostI.link.take(t)
	mac2 := second[InitiationSize-16:]
	if bytes.Equal(mac2, make([]byte, 16)) {
		t.Fatal("mac2 still zero after cookie")
	}

	// And the first message's mac2 was zero.
	if !bytes.Equal(initiation[InitiationSize-16:], make([]byte, 16)) {
		t.Fatal("mac2 non-zero before any cookie")
	}

	// After its lifetime the cookie is forgotten.
	hostI.loop.Step(hostI.loop.Now().Add(cookieLifetime + time.Second))
	if _, ok := hostI.peer.noise.mac.tau(hostI.loop.Now()); ok {
		t.Fatal("cookie survived its lifetime")
	}
}
