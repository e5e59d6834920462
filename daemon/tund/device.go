package tund

import (
	"errors"
	"io"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MaxDevicePacketLen is the size of the buffer used to read one packet from the tunnel device.
const MaxDevicePacketLen = 64 * 1024

// ErrNotIPPacket is returned when a packet read from the tunnel device is not an IPv4 or IPv6 packet.
var ErrNotIPPacket = errors.New("not an IP packet")

// PacketDevice reads and writes one whole IP packet per call.
// A TUN device created by water satisfies it.
type PacketDevice interface {
	io.ReadWriteCloser
	Name() string
}

// DestinationOf decodes the IP header of the packet and returns its destination address.
func DestinationOf(packet []byte) (netip.Addr, error) {
	if len(packet) == 0 {
		return netip.Addr{}, ErrNotIPPacket
	}
	switch packet[0] >> 4 {
	case 4:
		decoded := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		if ipv4Layer, ok := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
			if addr, ok := netip.AddrFromSlice(ipv4Layer.DstIP.To4()); ok {
				return addr, nil
			}
		}
	case 6:
		decoded := gopacket.NewPacket(packet, layers.LayerTypeIPv6, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		if ipv6Layer, ok := decoded.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
			if addr, ok := netip.AddrFromSlice(ipv6Layer.DstIP); ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, ErrNotIPPacket
}
