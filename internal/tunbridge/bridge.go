package tunbridge

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"github.com/unicornultrafoundation/wgstack/internal/buffer"
	"github.com/unicornultrafoundation/wgstack/internal/config"
	"github.com/unicornultrafoundation/wgstack/internal/runtime"
	"github.com/unicornultrafoundation/wgstack/internal/stack"
)

// Bridge connects the tunnel to a kernel TUN device: decrypted packets
// go to the kernel, packets the kernel routes into the device go out
// encrypted. The TUN fd joins the loop's poll set, so the whole data
// path stays on one thread.
type Bridge struct {
	dev Device
	log *slog.Logger
}

// New creates and configures the TUN device and wires it to the stack.
func New(loop *runtime.Loop, s *stack.Stack, cfg config.TUNConfig, addrV4 string, log *slog.Logger) (*Bridge, error) {
	dev, err := NewTUN(cfg.Name)
	if err != nil {
		return nil, err
	}
	b := &Bridge{dev: dev, log: log.With("component", "tunbridge")}

	if err := dev.SetMTU(cfg.MTU); err != nil {
		b.log.Warn("set TUN MTU failed", "err", err)
	}
	if ip := net.ParseIP(addrV4); ip != nil {
		if err := dev.AddIPAddress(ip, net.CIDRMask(24, 32)); err != nil {
			b.log.Warn("add TUN address failed", "err", err)
		}
	}
	if err := dev.SetUp(); err != nil {
		b.log.Warn("bring TUN up failed", "err", err)
	}

	fd, err := dev.Fd()
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		dev.Close()
		return nil, fmt.Errorf("set TUN non-blocking: %w", err)
	}

	// Kernel → tunnel.
	loop.Register(fd, func(pkt *buffer.Slice) {
		if err := s.WritePacket(pkt.Bytes()); err != nil {
			b.log.Warn("bridge egress failed", "err", err)
		}
	})

	// Tunnel → kernel.
	s.BridgeTo(func(pkt *buffer.Slice) {
		if _, err := dev.Write(pkt.Bytes()); err != nil {
			b.log.Warn("bridge ingress failed", "err", err)
		}
	})

	b.log.Info("TUN bridge up", "name", dev.Name(), "mtu", cfg.MTU)
	return b, nil
}

// Close tears the TUN device down.
func (b *Bridge) Close() error {
	return b.dev.Close()
}
