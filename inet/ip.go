package inet

import (
	"fmt"
	"net/netip"
)

// AddIPv6 adds an amount to the address, treating its 16 bytes as one
// big-endian 128-bit integer. The sum wraps around at 2^128.
// An IPv4 address is added to as IPv4-mapped and then unmapped again.
func AddIPv6(addr netip.Addr, amount uint8) netip.Addr {
	return AddIP(addr, uint32(amount))
}

// AddIP adds an amount to an IPv4 or IPv6 address. The result stays in the
// address family of the input and wraps around on overflow.
func AddIP(addr netip.Addr, amount uint32) netip.Addr {
	if !addr.IsValid() {
		return addr
	}
	is4 := addr.Is4()
	buf := addr.As16()
	carry := uint64(amount)
	last := 0
	if is4 {
		// The upper 12 bytes hold the IPv4-mapped prefix, which must not absorb a carry.
		last = 12
	}
	for i := len(buf) - 1; i >= last && carry > 0; i-- {
		sum := uint64(buf[i]) + carry&0xff
		buf[i] = byte(sum)
		carry = carry>>8 + sum>>8
	}
	ret := netip.AddrFrom16(buf)
	if is4 {
		return ret.Unmap()
	}
	return ret.WithZone(addr.Zone())
}

// EqualIPv6 returns true only if both addresses carry the same bytes. An
// IPv4-mapped IPv6 address equals its IPv4 counterpart, zones are ignored.
func EqualIPv6(a, b netip.Addr) bool {
	if !a.IsValid() || !b.IsValid() {
		return a.IsValid() == b.IsValid()
	}
	return a.Unmap().WithZone("") == b.Unmap().WithZone("")
}

// InSubnet returns true only if the leading prefixLen bits of the address match
// those of the network. Addresses of different families never match, neither
// does a prefix length outside of the address' bit length.
func InSubnet(addr, network netip.Addr, prefixLen int) bool {
	if !addr.IsValid() || !network.IsValid() {
		return false
	}
	addr, network = addr.Unmap(), network.Unmap()
	if addr.BitLen() != network.BitLen() || prefixLen < 0 || prefixLen > addr.BitLen() {
		return false
	}
	prefix, err := network.WithZone("").Prefix(prefixLen)
	if err != nil {
		return false
	}
	return prefix.Contains(addr.WithZone(""))
}

// FormatIPv6 returns the human-readable address, followed by "/prefixLen" when
// the prefix length is not negative.
func FormatIPv6(addr netip.Addr, prefixLen int) string {
	if !addr.IsValid() {
		return "invalid address"
	}
	if prefixLen < 0 {
		return addr.String()
	}
	return fmt.Sprintf("%s/%d", addr.String(), prefixLen)
}
