package stack

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
	"github.com/unicornultrafoundation/wgstack/internal/ip"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
	"github.com/unicornultrafoundation/wgstack/internal/udp"
	"github.com/unicornultrafoundation/wgstack/internal/wg"
)

// Stack composes the userspace network layers over one WireGuard link:
// ingress flows runtime → wg → ip → udp → application callback, egress
// the reverse. Everything runs on the loop thread.
type Stack struct {
	loop *runtime.Loop
	wg   *wg.Wireguard
	ip   *ip.Interface
	udp  *udp.Demux

	// deliverIP, when set, bypasses the userspace transports and takes
	// every decrypted packet (the TUN bridge mode).
	deliverIP func(*buffer.Slice)

	log *slog.Logger
}

// Config carries the stack's identity and addressing.
type Config struct {
	PrivateKey    [32]byte
	PeerPublicKey [32]byte
	PresharedKey  [32]byte
	AddrV4        netip.Addr
	AddrV6        netip.Addr
}

// New wires the layers over the given link.
func New(loop *runtime.Loop, link wg.Link, cfg Config, log *slog.Logger) (*Stack, error) {
	s := &Stack{loop: loop, log: log.With("component", "stack")}

	s.wg = wg.New(loop, link, cfg.PrivateKey, s.recvIP, log)
	if _, err := s.wg.AddPeer(cfg.PeerPublicKey, cfg.PresharedKey); err != nil {
		return nil, err
	}

	s.ip = ip.New(loop, cfg.AddrV4, cfg.AddrV6, s.transport, log)
	s.udp = udp.New(loop, s.writeIP, log)

	return s, nil
}

// Receive feeds one link datagram into the tunnel. This is the read
// callback registered for the link fd.
func (s *Stack) Receive(buf *buffer.Slice) {
	s.wg.Receive(buf)
}

// Wireguard exposes the tunnel for status snapshots and event hooks.
func (s *Stack) Wireguard() *wg.Wireguard {
	return s.wg
}

// recvIP takes each decrypted, non-keepalive payload off the tunnel.
func (s *Stack) recvIP(buf *buffer.Slice) {
	if s.deliverIP != nil {
		s.deliverIP(buf)
		return
	}
	s.ip.Recv(buf)
}

// transport dispatches reassembled IP payloads by protocol.
func (s *Stack) transport(proto ip.Protocol, src netip.Addr, pseudo func() ip.Checksum, buf *buffer.Slice) error {
	switch proto {
	case ip.ProtocolUDP:
		return s.udp.Recv(src, pseudo, buf)
	case ip.ProtocolTCP:
		s.log.Debug("tcp is not implemented")
		return nil
	default:
		s.log.Debug("unimplemented ip protocol", "proto", uint8(proto))
		return nil
	}
}

// writeIP emits one UDP segment through the IP layer into the tunnel.
func (s *Stack) writeIP(dst netip.Addr, fill ip.FillFn) error {
	if !dst.Is4() {
		return errors.New("no v6 send path")
	}
	return s.wg.Write(func(cur *buffer.Cursor) {
		s.ip.Write(cur, ip.ProtocolUDP, dst, 0, fill)
	})
}

// WritePacket encrypts one raw IP packet into the tunnel, bypassing the
// userspace transports (the TUN bridge egress).
func (s *Stack) WritePacket(pkt []byte) error {
	return s.wg.Write(func(cur *buffer.Cursor) {
		copy(cur.Block(len(pkt)), pkt)
	})
}

// BridgeTo diverts all decrypted packets to fn instead of the userspace
// transports.
func (s *Stack) BridgeTo(fn func(*buffer.Slice)) {
	s.deliverIP = fn
}

// ListenUDP binds a specific port.
func (s *Stack) ListenUDP(port uint16, cb udp.Callback) (*udp.Socket, error) {
	return s.udp.Bind(port, cb)
}

// DialUDP opens a connected ephemeral socket to remote.
func (s *Stack) DialUDP(remote netip.AddrPort, cb func(*buffer.Slice)) (*udp.Connected, error) {
	return s.udp.Connect(remote, cb)
}

// BoundPorts lists the local UDP ports with live sockets.
func (s *Stack) BoundPorts() []uint16 {
	return s.udp.Ports()
}
