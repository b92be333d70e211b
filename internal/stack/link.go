package stack

import (
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
)

// link is the connected, non-blocking UDP socket carrying the
// encrypted tunnel, registered with the runtime poller.
type link struct {
	io *runtime.Io
}

func (l *link) Write(f func(*buffer.Cursor)) error {
	return l.io.Write(f)
}

// Dial opens the link socket to the peer endpoint, builds the stack
// over it, and registers the fd with the loop.
func Dial(loop *runtime.Loop, endpoint netip.AddrPort, cfg Config, log *slog.Logger) (*Stack, error) {
	fd, sa, err := linkSocket(endpoint)
	if err != nil {
		return nil, err
	}

	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect link socket: %w", err)
	}

	l := &link{}
	s, err := New(loop, l, cfg, log)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	l.io = loop.Register(fd, s.Receive)
	return s, nil
}

// linkSocket creates a non-blocking datagram socket of the endpoint's
// family, bound to the unspecified address.
func linkSocket(endpoint netip.AddrPort) (int, unix.Sockaddr, error) {
	family := unix.AF_INET
	var sa unix.Sockaddr
	if endpoint.Addr().Is4() {
		sa4 := &unix.SockaddrInet4{Port: int(endpoint.Port())}
		sa4.Addr = endpoint.Addr().As4()
		sa = sa4
	} else {
		family = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: int(endpoint.Port())}
		sa6.Addr = endpoint.Addr().As16()
		sa = sa6
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("create link socket: %w", err)
	}
	return fd, sa, nil
}
