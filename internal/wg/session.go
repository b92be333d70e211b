package wg

import (
	"crypto/cipher"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
)

// Counter limits. Sending stops hard at RejectAfterMessages; a rekey is
// requested well before, at RekeyAfterMessages.
const (
	RekeyAfterMessages  uint64 = 1 << 60
	RejectAfterMessages uint64 = ^uint64(0) - (1 << 13) + 1
)

type role int

const (
	roleInitiator role = iota
	roleResponder
)

func dataNonce(ctr uint64) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], ctr)
	return nonce[:]
}

func newAead(key [32]byte) cipher.AEAD {
	aead, _ := chacha20poly1305.New(key[:])
	return aead
}

// decryptData opens ciphertext ‖ tag in place and truncates the slice
// to the plaintext.
func decryptData(key cipher.AEAD, ctr uint64, s *buffer.Slice) error {
	b := s.Bytes()
	plain, err := key.Open(b[:0], dataNonce(ctr), b, nil)
	if err != nil {
		return ErrDecrypt
	}
	s.Truncate(len(plain))
	return nil
}

// simplex is a one-direction session: a receive key, its replay window,
// and the establishment instant the expiry rules run against.
type simplex struct {
	key         cipher.AEAD
	win         window
	established time.Time
}

// openChecked enforces the receive expiry bounds, then guards the
// counter around the in-place decryption. It returns the session age
// for the caller's rekey decision.
func (s *simplex) openChecked(now time.Time, ctr uint64, buf *buffer.Slice) (time.Duration, error) {
	elapsed := now.Sub(s.established)
	if elapsed >= RejectAfterTime || ctr >= RejectAfterMessages {
		return elapsed, ErrSessionExpired
	}
	err := s.win.guard(ctr, func() error {
		return decryptData(s.key, ctr, buf)
	})
	return elapsed, err
}

func (s *simplex) open(now time.Time, ctr uint64, buf *buffer.Slice) error {
	_, err := s.openChecked(now, ctr, buf)
	return err
}

// tunnel is a full-duplex session.
type tunnel struct {
	recv simplex
	role role

	send cipher.AEAD
	sctr uint64
	sidx uint32
}

// newInitiatorTunnel builds the session an initiator derives from a
// consumed response.
func newInitiatorTunnel(now time.Time, chain Chain, sidx uint32) *tunnel {
	sendKey, recvKey := chain.Consume()
	return &tunnel{
		recv: simplex{key: newAead(recvKey), established: now},
		role: roleInitiator,
		send: newAead(sendKey),
		sidx: sidx,
	}
}

// open decrypts a transport packet on the live session and reports
// whether the initiator-side passive-rekey threshold has been crossed.
func (t *tunnel) open(now time.Time, ctr uint64, buf *buffer.Slice) (bool, error) {
	elapsed, err := t.recv.openChecked(now, ctr, buf)
	if err != nil {
		return false, err
	}
	rekey := t.role == roleInitiator && elapsed >= RejectAfterTime-KeepaliveTimeout-RekeyTimeout
	return rekey, nil
}

func (t *tunnel) isSendExpired(now time.Time) bool {
	return now.Sub(t.recv.established) >= RejectAfterTime || t.sctr+1 >= RejectAfterMessages
}

// seal writes a transport packet: header, payload via fill, zero
// padding to the cipher block quantum, then the in-place AEAD and its
// tag. Returns whether a rekey is due. The caller has already checked
// isSendExpired.
func (t *tunnel) seal(now time.Time, cur *buffer.Cursor, fill WriteFn) bool {
	elapsed := now.Sub(t.recv.established)

	ctr := t.sctr
	t.sctr++

	rekey := (t.role == roleInitiator && elapsed >= RekeyAfterTime) || ctr >= RekeyAfterMessages

	hdr := DataHeader{Receiver: t.sidx, Counter: ctr}
	hdr.Encode(cur.Block(DataHeaderSize))

	mark := cur.Mark()
	cur.ReserveTail(aeadTagSize)
	if fill != nil {
		fill(cur)
	}
	cur.PadTo(mark, 16)
	cur.ReleaseTail(aeadTagSize)

	plain := cur.Since(mark)
	cur.Block(aeadTagSize)
	t.send.Seal(plain[:0], dataNonce(ctr), plain, nil)

	return rekey
}

// next is a responder-side pending session: keys are derived, but the
// session only becomes the pair once the first data packet arrives on
// our local index. Outgoing data will carry the initiator's index,
// which is what the peer's session lookup expects.
type next struct {
	sendIdx     uint32
	skey        cipher.AEAD
	rkey        cipher.AEAD
	established time.Time
	mac1        [16]byte
}

func newNext(now time.Time, chain Chain, sendIdx uint32, mac1 [16]byte) *next {
	recvKey, sendKey := chain.Consume()
	return &next{
		sendIdx:     sendIdx,
		skey:        newAead(sendKey),
		rkey:        newAead(recvKey),
		established: now,
		mac1:        mac1,
	}
}

// recv confirms the pending session with its first data packet and
// promotes it to a full tunnel, seeding the window with the counter
// just consumed.
func (n *next) recv(ctr uint64, buf *buffer.Slice) (*tunnel, error) {
	if err := decryptData(n.rkey, ctr, buf); err != nil {
		return nil, err
	}
	return &tunnel{
		recv: simplex{key: n.rkey, win: newWindow(ctr), established: n.established},
		role: roleResponder,
		send: n.skey,
		sidx: n.sendIdx,
	}, nil
}
