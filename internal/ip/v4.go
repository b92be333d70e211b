package ip

import (
	"encoding/binary"
	"net/netip"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
)

// IPv4 header geometry (RFC 791, no options on emit).
const (
	v4HeaderSize = 20

	flagMoreFragments = 0x2000
	flagDontFragment  = 0x4000
	fragOffsetMask    = 0x1fff
)

// recvV4 validates an IPv4 header and hands the payload to a transport
// or, for fragments, to the reassembly store.
func (i *Interface) recvV4(buf *buffer.Slice) error {
	if buf.Len() < v4HeaderSize {
		return ErrMalformedPacket
	}
	b := buf.Bytes()

	headerLen := int(b[0]&0x0f) * 4
	if headerLen < v4HeaderSize || buf.Len() < headerLen {
		return ErrMalformedPacket
	}

	dst := netip.AddrFrom4([4]byte(b[16:20]))
	if dst != i.v4 {
		i.log.Warn("ip packet for foreign destination", "dst", dst, "expected", i.v4)
		return ErrWrongAddress
	}

	if b[10] != 0 || b[11] != 0 {
		if ChecksumOf(b[:headerLen]).End() != [2]byte{0, 0} {
			return ErrChecksum
		}
	}

	totalLen := int(binary.BigEndian.Uint16(b[2:4]))
	payloadLen := totalLen - headerLen
	if payloadLen < 0 || buf.Len() < totalLen {
		return ErrMalformedPacket
	}

	fragWord := binary.BigEndian.Uint16(b[6:8])
	ident := binary.BigEndian.Uint16(b[4:6])
	proto := Protocol(b[9])
	src := netip.AddrFrom4([4]byte(b[12:16]))

	// Strip the header (options included) and trailing link padding.
	buf.Consume(headerLen)
	buf.Truncate(payloadLen)

	start := (fragWord & fragOffsetMask) * 8
	more := fragWord&flagMoreFragments != 0

	if start == 0 && !more {
		return i.handle(proto, src, buf)
	}

	key := fragKey{addr: src, proto: proto, ident: uint32(ident)}
	return i.handleFragment(key, fragment{start: start, more: more, buf: buf})
}

// writeV4 emits an IPv4 header around the transport payload f builds.
// f receives the pseudo-header checksum seed for its own checksum
// field.
func (i *Interface) writeV4(cur *buffer.Cursor, proto Protocol, dst netip.Addr, tos byte, f FillFn) {
	hdr := cur.Block(v4HeaderSize)

	mark := cur.Mark()
	f(cur, i.pseudoChecksum(proto, dst))
	payloadLen := cur.Len() - mark

	hdr[0] = 4<<4 | v4HeaderSize/4
	hdr[1] = tos
	binary.BigEndian.PutUint16(hdr[2:4], uint16(v4HeaderSize+payloadLen))
	binary.BigEndian.PutUint16(hdr[6:8], flagDontFragment)
	hdr[8] = 64
	hdr[9] = byte(proto)

	src := i.v4.As4()
	d := dst.As4()
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], d[:])

	csum := ChecksumOf(hdr).End()
	hdr[10], hdr[11] = csum[0], csum[1]
}
