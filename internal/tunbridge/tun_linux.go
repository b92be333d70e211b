//go:build linux

package tunbridge

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/songgao/water"
)

// LinuxTUN implements Device using songgao/water for Linux.
type LinuxTUN struct {
	iface *water.Interface
	name  string
}

// NewTUN creates a new TUN device on Linux. If name is empty, the OS
// assigns a name.
func NewTUN(name string) (*LinuxTUN, error) {
	config := water.Config{
		DeviceType: water.TUN,
	}
	if name != "" {
		config.Name = name
	}
	iface, err := water.New(config)
	if err != nil {
		return nil, fmt.Errorf("create TUN device: %w", err)
	}
	return &LinuxTUN{
		iface: iface,
		name:  iface.Name(),
	}, nil
}

func (d *LinuxTUN) Name() string {
	return d.name
}

func (d *LinuxTUN) Write(buf []byte) (int, error) {
	return d.iface.Write(buf)
}

// Fd exposes the TUN file descriptor so the runtime poller can own the
// read side.
func (d *LinuxTUN) Fd() (int, error) {
	f, ok := d.iface.ReadWriteCloser.(*os.File)
	if !ok {
		return -1, fmt.Errorf("TUN device is not backed by a file")
	}
	return int(f.Fd()), nil
}

func (d *LinuxTUN) SetMTU(mtu int) error {
	return exec.Command("ip", "link", "set", "dev", d.name, "mtu", fmt.Sprintf("%d", mtu)).Run()
}

func (d *LinuxTUN) AddIPAddress(ip net.IP, mask net.IPMask) error {
	ones, _ := mask.Size()
	cidr := fmt.Sprintf("%s/%d", ip.String(), ones)
	return exec.Command("ip", "addr", "add", cidr, "dev", d.name).Run()
}

func (d *LinuxTUN) SetUp() error {
	return exec.Command("ip", "link", "set", "dev", d.name, "up").Run()
}

func (d *LinuxTUN) Close() error {
	return d.iface.Close()
}
