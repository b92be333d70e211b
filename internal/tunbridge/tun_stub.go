//go:build !linux

package tunbridge

import (
	"fmt"
	"net"
	"runtime"
)

// StubTUN is a placeholder for unsupported platforms.
type StubTUN struct {
	name string
}

func NewTUN(name string) (*StubTUN, error) {
	return nil, fmt.Errorf("TUN devices not supported on %s (Linux required)", runtime.GOOS)
}

func (d *StubTUN) Name() string                                  { return d.name }
func (d *StubTUN) Write(buf []byte) (int, error)                 { return 0, fmt.Errorf("stub") }
func (d *StubTUN) Fd() (int, error)                              { return -1, fmt.Errorf("stub") }
func (d *StubTUN) SetMTU(mtu int) error                          { return fmt.Errorf("stub") }
func (d *StubTUN) AddIPAddress(ip net.IP, mask net.IPMask) error { return fmt.Errorf("stub") }
func (d *StubTUN) SetUp() error                                  { return fmt.Errorf("stub") }
func (d *StubTUN) Close() error                                  { return nil }
