package ip

import (
	"encoding/binary"
	"net/netip"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
)

const v6HeaderSize = 40

// recvV6 parses the fixed IPv6 header only; extension headers
// (fragmentation included) are not supported.
func (i *Interface) recvV6(buf *buffer.Slice) error {
	if buf.Len() < v6HeaderSize {
		return ErrMalformedPacket
	}
	b := buf.Bytes()

	dst := netip.AddrFrom16([16]byte(b[24:40]))
	if dst != i.v6 {
		i.log.Warn("ip packet for foreign destination", "dst", dst, "expected", i.v6)
		return ErrWrongAddress
	}

	payloadLen := int(binary.BigEndian.Uint16(b[4:6]))
	proto := Protocol(b[6])
	src := netip.AddrFrom16([16]byte(b[8:24]))

	if buf.Len() < v6HeaderSize+payloadLen {
		return ErrMalformedPacket
	}

	buf.Consume(v6HeaderSize)
	buf.Truncate(payloadLen)

	return i.handle(proto, src, buf)
}
