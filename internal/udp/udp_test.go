package udp

import (
	"bytes"
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
	"github.com/unicornultrafoundation/wgstack/internal/ip"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// node is one side of a two-host userspace network: an IP interface
// plus a UDP demux, with egress wired into the other node's ingress.
type node struct {
	loop *runtime.Loop
	ip   *ip.Interface
	udp  *Demux

	// wire captures emitted IP packets for manual delivery.
	wire [][]byte
}

func newNode(local string) *node {
	n := &node{loop: runtime.NewLoop(testLogger())}
	n.ip = ip.New(n.loop, netip.MustParseAddr(local), netip.MustParseAddr("fd00::99"), func(proto ip.Protocol, src netip.Addr, pseudo func() ip.Checksum, buf *buffer.Slice) error {
		if proto != ip.ProtocolUDP {
			return nil
		}
		return n.udp.Recv(src, pseudo, buf)
	}, testLogger())
	n.udp = New(n.loop, func(dst netip.Addr, fill ip.FillFn) error {
		buf := make([]byte, buffer.MTU)
		cur := buffer.NewCursor(buf)
		n.ip.Write(cur, ip.ProtocolUDP, dst, 0, fill)
		pkt := make([]byte, cur.Len())
		copy(pkt, cur.Bytes())
		n.wire = append(n.wire, pkt)
		return nil
	}, testLogger())
	return n
}

func (n *node) takeWire(t *testing.T) []byte {
	t.Helper()
	if len(n.wire) == 0 {
		t.Fatal("no packet emitted")
	}
	pkt := n.wire[0]
	n.wire = n.wire[1:]
	return pkt
}

func (n *node) deliver(pkt []byte) {
	n.ip.Recv(buffer.Wrap(append([]byte(nil), pkt...)))
}

// TestSendReceiveRoundTrip covers the pseudo-checksum symmetry
// property: encode on one host, decode on the other, payload intact.
func TestSendReceiveRoundTrip(t *testing.T) {
	a := newNode("10.0.0.1")
	b := newNode("10.0.0.2")

	var got []byte
	var gotSrc netip.AddrPort
	if _, err := b.udp.Bind(4000, func(src netip.AddrPort, payload *buffer.Slice) {
		gotSrc = src
		got = append([]byte(nil), payload.Bytes()...)
	}); err != nil {
		t.Fatal(err)
	}

	sock, err := a.udp.BindEphemeral(func(netip.AddrPort, *buffer.Slice) {})
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("odd-length udp payload...")
	dst := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), 4000)
	if err := sock.WriteTo(dst, func(cur *buffer.Cursor) {
		copy(cur.Block(len(payload)), payload)
	}); err != nil {
		t.Fatal(err)
	}

	b.deliver(a.takeWire(t))

	if !bytes.Equal(got, payload) {
		t.Fatalf("payload %q, want %q", got, payload)
	}
	want := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), sock.Port())
	if gotSrc != want {
		t.Fatalf("source %s, want %s", gotSrc, want)
	}
}

func TestChecksumCorruptionDrops(t *testing.T) {
	a := newNode("10.0.0.1")
	b := newNode("10.0.0.2")

	delivered := 0
	if _, err := b.udp.Bind(4000, func(netip.AddrPort, *buffer.Slice) {
		delivered++
	}); err != nil {
		t.Fatal(err)
	}
	sock, err := a.udp.BindEphemeral(func(netip.AddrPort, *buffer.Slice) {})
	if err != nil {
		t.Fatal(err)
	}

	dst := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), 4000)
	if err := sock.WriteTo(dst, func(cur *buffer.Cursor) {
		copy(cur.Block(4), "data")
	}); err != nil {
		t.Fatal(err)
	}

	pkt := a.takeWire(t)
	// Corrupt the last payload byte; the IP header checksum stays
	// valid, so only the UDP checksum can catch it.
	pkt[len(pkt)-1] ^= 0xff
	b.deliver(pkt)

	if delivered != 0 {
		t.Fatal("corrupt segment delivered")
	}
}

func TestUnknownPortDrops(t *testing.T) {
	a := newNode("10.0.0.1")
	b := newNode("10.0.0.2")

	sock, err := a.udp.BindEphemeral(func(netip.AddrPort, *buffer.Slice) {})
	if err != nil {
		t.Fatal(err)
	}
	dst := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), 4321)
	if err := sock.WriteTo(dst, nil); err != nil {
		t.Fatal(err)
	}
	// Nothing bound on 4321; the packet is dropped without effect.
	b.deliver(a.takeWire(t))
}

func TestBindConflict(t *testing.T) {
	a := newNode("10.0.0.1")

	if _, err := a.udp.Bind(5000, func(netip.AddrPort, *buffer.Slice) {}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.udp.Bind(5000, func(netip.AddrPort, *buffer.Slice) {}); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("duplicate bind: got %v, want ErrAddrInUse", err)
	}
}

func TestEphemeralAllocationSkipsTaken(t *testing.T) {
	a := newNode("10.0.0.1")

	s1, err := a.udp.BindEphemeral(func(netip.AddrPort, *buffer.Slice) {})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := a.udp.BindEphemeral(func(netip.AddrPort, *buffer.Slice) {})
	if err != nil {
		t.Fatal(err)
	}
	if s1.Port() == s2.Port() {
		t.Fatal("ephemeral allocator reused a live port")
	}
	if s1.Port() < ephemeralBase || s2.Port() < ephemeralBase {
		t.Fatal("ephemeral port below the dynamic range")
	}
}

func TestPortMapCapacity(t *testing.T) {
	a := newNode("10.0.0.1")

	for i := 0; i < capacity; i++ {
		if _, err := a.udp.BindEphemeral(func(netip.AddrPort, *buffer.Slice) {}); err != nil {
			t.Fatalf("bind %d failed: %v", i, err)
		}
	}
	if _, err := a.udp.BindEphemeral(func(netip.AddrPort, *buffer.Slice) {}); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("over-capacity bind: got %v, want ErrAddrInUse", err)
	}
}

func TestConnectFiltersForeignSources(t *testing.T) {
	a := newNode("10.0.0.1")
	b := newNode("10.0.0.2")
	c := newNode("10.0.0.3")

	remote := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), 6000)

	delivered := 0
	conn, err := a.udp.Connect(remote, func(*buffer.Slice) {
		delivered++
	})
	if err != nil {
		t.Fatal(err)
	}

	// A segment from the connected remote gets through.
	bSock, err := b.udp.Bind(6000, func(netip.AddrPort, *buffer.Slice) {})
	if err != nil {
		t.Fatal(err)
	}
	aDst := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), conn.Port())
	if err := bSock.WriteTo(aDst, nil); err != nil {
		t.Fatal(err)
	}
	a.deliver(b.takeWire(t))
	if delivered != 1 {
		t.Fatalf("delivered %d, want 1", delivered)
	}

	// The same destination port from another host is dropped.
	cSock, err := c.udp.Bind(6000, func(netip.AddrPort, *buffer.Slice) {})
	if err != nil {
		t.Fatal(err)
	}
	if err := cSock.WriteTo(aDst, nil); err != nil {
		t.Fatal(err)
	}
	a.deliver(c.takeWire(t))
	if delivered != 1 {
		t.Fatalf("foreign source delivered (count %d)", delivered)
	}
}

func TestCloseDefersRemoval(t *testing.T) {
	a := newNode("10.0.0.1")

	sock, err := a.udp.Bind(7000, func(netip.AddrPort, *buffer.Slice) {})
	if err != nil {
		t.Fatal(err)
	}
	sock.Close()

	// Still present until the loop runs its deferred queue.
	if len(a.udp.Ports()) != 1 {
		t.Fatal("socket removed synchronously")
	}
	a.loop.Step(a.loop.Now())
	if len(a.udp.Ports()) != 0 {
		t.Fatal("socket not removed after deferral")
	}
}
