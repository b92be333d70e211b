package udp

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
	"github.com/unicornultrafoundation/wgstack/internal/ip"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
)

const (
	headerSize = 8

	// ephemeralBase is the start of the IANA dynamic port range the
	// allocator walks.
	ephemeralBase = 49152

	// capacity bounds the port map.
	capacity = 1024
)

var (
	ErrAddrInUse       = errors.New("address already in use")
	ErrUnknownPort     = errors.New("no socket bound to port")
	ErrMalformedPacket = errors.New("malformed udp segment")
	ErrChecksum        = errors.New("invalid udp checksum")
)

// Callback delivers one datagram payload with its source address.
type Callback func(src netip.AddrPort, payload *buffer.Slice)

type entry struct {
	port uint16
	cb   Callback
}

// WriteIPFn is the egress hook into the IP layer below.
type WriteIPFn func(dst netip.Addr, fill ip.FillFn) error

// Demux owns the port→socket map for one interface.
type Demux struct {
	next    uint16
	entries map[uint16]*entry

	writeIP WriteIPFn
	loop    *runtime.Loop
	log     *slog.Logger
}

// New creates an empty demultiplexer over the given IP egress hook.
func New(loop *runtime.Loop, writeIP WriteIPFn, log *slog.Logger) *Demux {
	return &Demux{
		next:    ephemeralBase,
		entries: make(map[uint16]*entry),
		writeIP: writeIP,
		loop:    loop,
		log:     log.With("component", "udp"),
	}
}

// Socket is a bound UDP endpoint.
type Socket struct {
	port uint16
	d    *Demux
}

// Port returns the bound local port.
func (s *Socket) Port() uint16 {
	return s.port
}

// Close removes the socket from the port map. Removal is deferred to
// the next loop iteration so a socket may close itself from inside its
// own delivery callback.
func (s *Socket) Close() {
	port := s.port
	d := s.d
	d.loop.Defer(func() {
		delete(d.entries, port)
	})
}

// WriteTo emits one datagram to dst, with fill building the payload.
func (s *Socket) WriteTo(dst netip.AddrPort, fill func(*buffer.Cursor)) error {
	src := s.port
	return s.d.writeIP(dst.Addr(), func(cur *buffer.Cursor, csum ip.Checksum) {
		hdr := cur.Block(headerSize)

		mark := cur.Mark()
		if fill != nil {
			fill(cur)
		}
		segLen := uint16(headerSize + cur.Len() - mark)

		binary.BigEndian.PutUint16(hdr[0:2], src)
		binary.BigEndian.PutUint16(hdr[2:4], dst.Port())
		binary.BigEndian.PutUint16(hdr[4:6], segLen)
		// hdr[6:8] stays zero while the checksum folds.

		var lenBytes [2]byte
		binary.BigEndian.PutUint16(lenBytes[:], segLen)
		csum.Push(lenBytes[:])
		csum.Push(hdr)
		csum.Push(cur.Since(mark))

		sum := csum.End()
		hdr[6], hdr[7] = sum[0], sum[1]
	})
}

// Bind claims a specific port.
func (d *Demux) Bind(port uint16, cb Callback) (*Socket, error) {
	if _, taken := d.entries[port]; taken {
		d.log.Error("address already in use", "port", port)
		return nil, ErrAddrInUse
	}
	if len(d.entries) >= capacity {
		return nil, ErrAddrInUse
	}
	d.entries[port] = &entry{port: port, cb: cb}
	return &Socket{port: port, d: d}, nil
}

// BindEphemeral claims the next free port in the dynamic range,
// wrapping once; a full range is an error rather than a livelock.
func (d *Demux) BindEphemeral(cb Callback) (*Socket, error) {
	if len(d.entries) >= capacity {
		return nil, ErrAddrInUse
	}
	for tries := 0; tries <= 0xffff-ephemeralBase; tries++ {
		port := d.next
		if d.next == 0xffff {
			d.next = ephemeralBase
		} else {
			d.next++
		}
		if _, taken := d.entries[port]; !taken {
			d.entries[port] = &entry{port: port, cb: cb}
			return &Socket{port: port, d: d}, nil
		}
	}
	d.log.Error("ephemeral port range exhausted")
	return nil, ErrAddrInUse
}

// Connected is an ephemeral socket filtered to one remote address.
type Connected struct {
	Socket
	remote netip.AddrPort
}

// Remote returns the connected address.
func (c *Connected) Remote() netip.AddrPort {
	return c.remote
}

// Write emits one datagram to the connected address.
func (c *Connected) Write(fill func(*buffer.Cursor)) error {
	return c.WriteTo(c.remote, fill)
}

// Connect binds an ephemeral port whose deliveries are dropped unless
// they come from remote.
func (d *Demux) Connect(remote netip.AddrPort, cb func(*buffer.Slice)) (*Connected, error) {
	filtered := func(src netip.AddrPort, payload *buffer.Slice) {
		if src == remote {
			cb(payload)
		} else {
			d.log.Info("received unexpected packet", "src", src)
		}
	}
	s, err := d.BindEphemeral(filtered)
	if err != nil {
		return nil, err
	}
	return &Connected{Socket: *s, remote: remote}, nil
}

// Ports lists the currently bound local ports.
func (d *Demux) Ports() []uint16 {
	out := make([]uint16, 0, len(d.entries))
	for port := range d.entries {
		out = append(out, port)
	}
	return out
}

// Recv validates one UDP segment and dispatches it to the bound socket.
func (d *Demux) Recv(src netip.Addr, pseudo func() ip.Checksum, buf *buffer.Slice) error {
	if buf.Len() < headerSize {
		d.log.Warn("udp header too short", "len", buf.Len())
		return ErrMalformedPacket
	}
	b := buf.Bytes()
	segLen := uint16(buf.Len())

	if int(binary.BigEndian.Uint16(b[4:6])) != buf.Len() {
		d.log.Warn("udp length field does not match segment",
			"field", binary.BigEndian.Uint16(b[4:6]), "len", buf.Len())
		return ErrMalformedPacket
	}

	// A zero checksum means "not computed" on v4; v6 always verifies.
	if (src.Is4() && (b[6] != 0 || b[7] != 0)) || !src.Is4() {
		csum := pseudo()
		var lenBytes [2]byte
		binary.BigEndian.PutUint16(lenBytes[:], segLen)
		csum.Push(lenBytes[:])
		csum.Push(b)
		if csum.End() != [2]byte{0, 0} {
			d.log.Warn("packet with invalid udp checksum")
			return ErrChecksum
		}
	}

	srcPort := binary.BigEndian.Uint16(b[0:2])
	dstPort := binary.BigEndian.Uint16(b[2:4])

	e, ok := d.entries[dstPort]
	if !ok {
		d.log.Debug("no socket bound to port", "port", dstPort)
		return ErrUnknownPort
	}

	buf.Consume(headerSize)
	e.cb(netip.AddrPortFrom(src, srcPort), buf)
	return nil
}
