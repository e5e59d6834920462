package tund

import (
	"fmt"
	"net/netip"

	"github.com/HouzuoGuo/ipoverdns/inet"
	"github.com/HouzuoGuo/ipoverdns/ipoverdns"
)

// AddressPool hands out tunnel addresses. The server owns the first address of
// each network, and user N receives the address N+2 places after the network address.
type AddressPool struct {
	Network  netip.Prefix
	Network6 netip.Prefix
}

// NewAddressPool parses the IPv4 and the optional IPv6 network in CIDR notation,
// and makes sure they are large enough to hold an address for every user.
func NewAddressPool(network, network6 string) (*AddressPool, error) {
	pool := new(AddressPool)
	prefix, err := netip.ParsePrefix(network)
	if err != nil {
		return nil, fmt.Errorf("NewAddressPool: failed to parse tunnel network - %w", err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("NewAddressPool: tunnel network %s must be an IPv4 network", network)
	}
	pool.Network = prefix.Masked()
	// The last client address must not be the broadcast address.
	if !pool.contains(pool.Network, ipoverdns.MaxUsers+2) {
		return nil, fmt.Errorf("NewAddressPool: tunnel network %s is too small for %d users", network, ipoverdns.MaxUsers)
	}
	if network6 != "" {
		prefix6, err := netip.ParsePrefix(network6)
		if err != nil {
			return nil, fmt.Errorf("NewAddressPool: failed to parse IPv6 tunnel network - %w", err)
		}
		if !prefix6.Addr().Is6() || prefix6.Addr().Is4In6() {
			return nil, fmt.Errorf("NewAddressPool: tunnel network %s must be an IPv6 network", network6)
		}
		pool.Network6 = prefix6.Masked()
		if !pool.contains(pool.Network6, ipoverdns.MaxUsers+1) {
			return nil, fmt.Errorf("NewAddressPool: tunnel network %s is too small for %d users", network6, ipoverdns.MaxUsers)
		}
	}
	return pool, nil
}

func (pool *AddressPool) contains(network netip.Prefix, offset uint32) bool {
	return inet.InSubnet(inet.AddIP(network.Addr(), offset), network.Addr(), network.Bits())
}

// ServerAddr returns the server's own IPv4 tunnel address.
func (pool *AddressPool) ServerAddr() netip.Addr {
	return inet.AddIP(pool.Network.Addr(), 1)
}

// ServerAddr6 returns the server's own IPv6 tunnel address, or the zero value if there is no IPv6 network.
func (pool *AddressPool) ServerAddr6() netip.Addr {
	if !pool.Network6.IsValid() {
		return netip.Addr{}
	}
	return inet.AddIPv6(pool.Network6.Addr(), 1)
}

// ClientAddr returns the IPv4 tunnel address of the user.
func (pool *AddressPool) ClientAddr(user ipoverdns.UserIndex) netip.Addr {
	return inet.AddIP(pool.Network.Addr(), 2+uint32(user))
}

// ClientAddr6 returns the IPv6 tunnel address of the user, or the zero value if there is no IPv6 network.
func (pool *AddressPool) ClientAddr6(user ipoverdns.UserIndex) netip.Addr {
	if !pool.Network6.IsValid() {
		return netip.Addr{}
	}
	return inet.AddIPv6(pool.Network6.Addr(), 2+uint8(user))
}

// Assign gives the session its tunnel addresses.
func (pool *AddressPool) Assign(sess *ipoverdns.Session) error {
	if !sess.User.Valid() {
		return fmt.Errorf("AddressPool.Assign: %w - %d", ipoverdns.ErrUserIndexRange, sess.User)
	}
	sess.TunnelAddr = pool.ClientAddr(sess.User)
	sess.TunnelPrefix = pool.Network.Bits()
	if pool.Network6.IsValid() {
		sess.TunnelAddr6 = pool.ClientAddr6(sess.User)
		sess.TunnelPrefix6 = pool.Network6.Bits()
	}
	return nil
}
