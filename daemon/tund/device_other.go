//go:build !linux
// +build !linux

package tund

import (
	"fmt"
	"net/netip"

	"github.com/HouzuoGuo/ipoverdns/lalog"
	"github.com/songgao/water"
)

// OpenTunDevice creates a TUN device. The operating system chooses the device name, and the
// addresses have to be assigned to the device by the operator.
func OpenTunDevice(name string, addrs ...netip.Prefix) (PacketDevice, error) {
	tun, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("OpenTunDevice: failed to create TUN device - %w", err)
	}
	lalog.DefaultLogger.Warning("OpenTunDevice", tun.Name(), nil, "requested name %s is not honoured on this system, please assign addresses %v to the device", name, addrs)
	return tun, nil
}
