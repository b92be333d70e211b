package ip

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
)

// Protocol is the IP payload protocol number.
type Protocol uint8

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

var (
	ErrMalformedPacket = errors.New("malformed ip packet")
	ErrWrongAddress    = errors.New("packet not addressed to interface")
	ErrChecksum        = errors.New("invalid checksum")
	ErrFragmentOverlap = errors.New("overlapping fragment")
)

// TransportFn dispatches a reassembled payload to a transport. The
// pseudo closure builds the transport's pseudo-header checksum without
// the transport knowing address layout; the transport adds its own
// length and data.
type TransportFn func(proto Protocol, src netip.Addr, pseudo func() Checksum, buf *buffer.Slice) error

// Interface is the IP layer bound to one local v4 and v6 address.
type Interface struct {
	v4 netip.Addr
	v6 netip.Addr

	frag      fragStore
	transport TransportFn

	loop *runtime.Loop
	log  *slog.Logger
}

// New creates the IP layer for the given local addresses.
func New(loop *runtime.Loop, v4, v6 netip.Addr, transport TransportFn, log *slog.Logger) *Interface {
	return &Interface{
		v4:        v4,
		v6:        v6,
		frag:      fragStore{entries: make(map[fragKey]*fragState)},
		transport: transport,
		loop:      loop,
		log:       log.With("component", "ip"),
	}
}

// FillFn builds a transport segment into the cursor, folding its
// length and payload into the supplied pseudo-header checksum seed.
type FillFn func(*buffer.Cursor, Checksum)

// Write emits an IP packet into a link cursor around the transport
// segment fill builds. Only the v4 send path exists; the interface
// parses v6 but never originates it.
func (i *Interface) Write(cur *buffer.Cursor, proto Protocol, dst netip.Addr, tos byte, fill FillFn) {
	if !dst.Is4() {
		i.log.Warn("no v6 send path", "dst", dst)
		return
	}
	i.writeV4(cur, proto, dst, tos, fill)
}

// Recv dispatches one decrypted packet on its version nibble. Errors
// are logged and the packet dropped.
func (i *Interface) Recv(buf *buffer.Slice) {
	if buf.Len() < 1 {
		i.log.Warn("empty ip packet")
		return
	}

	var err error
	switch ver := buf.Bytes()[0] >> 4; ver {
	case 4:
		err = i.recvV4(buf)
	case 6:
		err = i.recvV6(buf)
	default:
		i.log.Warn("invalid ip packet version", "version", ver)
		return
	}
	if err != nil {
		i.log.Warn("dropped ip packet", "err", err)
	}
}

// handle passes a complete (possibly reassembled) payload upward.
func (i *Interface) handle(proto Protocol, src netip.Addr, buf *buffer.Slice) error {
	pseudo := func() Checksum { return i.pseudoChecksum(proto, src) }
	return i.transport(proto, src, pseudo, buf)
}

// pseudoChecksum folds both interface-side and remote-side addresses
// plus the protocol into a checksum seed. The transport appends its
// length and payload; the ones'-complement sum commutes, so the same
// seed serves receive verification and send filling.
func (i *Interface) pseudoChecksum(proto Protocol, remote netip.Addr) Checksum {
	var csum Checksum
	if remote.Is4() {
		local := i.v4.As4()
		peer := remote.As4()
		csum.Push(peer[:])
		csum.Push(local[:])
	} else {
		local := i.v6.As16()
		peer := remote.As16()
		csum.Push(peer[:])
		csum.Push(local[:])
	}
	csum.Push([]byte{0, 0, 0, byte(proto)})
	return csum
}
