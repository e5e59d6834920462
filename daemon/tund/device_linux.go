package tund

import (
	"fmt"
	"net/netip"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// OpenTunDevice creates a TUN device, assigns the server's tunnel addresses to it, and brings it up.
func OpenTunDevice(name string, addrs ...netip.Prefix) (PacketDevice, error) {
	tun, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name:    name,
			Persist: false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("OpenTunDevice: failed to create TUN device - %w", err)
	}
	link, err := netlink.LinkByName(tun.Name())
	if err != nil {
		_ = tun.Close()
		return nil, fmt.Errorf("OpenTunDevice: newly created device %s not found - %w", tun.Name(), err)
	}
	for _, addr := range addrs {
		if !addr.IsValid() {
			continue
		}
		linkAddr, err := netlink.ParseAddr(addr.String())
		if err != nil {
			_ = tun.Close()
			return nil, fmt.Errorf("OpenTunDevice: address %s is not valid - %w", addr, err)
		}
		if err := netlink.AddrAdd(link, linkAddr); err != nil {
			_ = tun.Close()
			return nil, fmt.Errorf("OpenTunDevice: failed to add address %s to device %s - %w", addr, tun.Name(), err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		_ = tun.Close()
		return nil, fmt.Errorf("OpenTunDevice: failed to bring device %s up - %w", tun.Name(), err)
	}
	return tun, nil
}
