// Package network holds the IPv4 address, route and port checks used when
// operators edit policy, including the containment check for rule targets.
package network

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParsePrefix parses an IPv4 CIDR. A bare address is treated as /32.
// The returned prefix keeps the host bits as written.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("empty cidr")
	}
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		if !addr.Is4() {
			return netip.Prefix{}, fmt.Errorf("%s is not an IPv4 address", s)
		}
		return netip.PrefixFrom(addr, 32), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%s is not an IPv4 network", s)
	}
	return p, nil
}

// IsValidIP reports whether s is a plain IPv4 address.
func IsValidIP(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	return err == nil && addr.Is4()
}

// IsValidCIDR accepts any parseable IPv4 CIDR, host bits included.
func IsValidCIDR(s string) bool {
	_, err := ParsePrefix(s)
	return err == nil
}

// IsRouteValid accepts /32 with any address and otherwise only the exact
// network address of the prefix (10.0.0.0/24, not 10.0.0.7/24).
func IsRouteValid(s string) bool {
	ok, _ := ValidateRoute(s)
	return ok
}

// ValidateRoute is IsRouteValid with an operator-facing reason.
func ValidateRoute(s string) (bool, string) {
	p, err := ParsePrefix(s)
	if err != nil {
		return false, "invalid route format, use CIDR notation (e.g. 192.168.1.0/24)"
	}
	if p.Bits() == 32 {
		return true, ""
	}
	if p.Masked() != p {
		return false, fmt.Sprintf("invalid route %s: for /%d use the network address %s", s, p.Bits(), p.Masked())
	}
	return true, ""
}

// SubnetInfo describes a VPN subnet for status displays.
type SubnetInfo struct {
	Network     string `json:"network"`
	Netmask     string `json:"netmask"`
	Broadcast   string `json:"broadcast"`
	Prefix      int    `json:"prefix"`
	UsableHosts int    `json:"usableHosts"`
	FirstUsable string `json:"firstUsable"`
	LastUsable  string `json:"lastUsable"`
}

// DescribeSubnet returns the layout of subnet. Network, gateway (.1) and
// broadcast are not usable for identities.
func DescribeSubnet(subnet string) (SubnetInfo, error) {
	p, err := ParsePrefix(subnet)
	if err != nil {
		return SubnetInfo{}, err
	}
	p = p.Masked()
	if p.Bits() > 30 {
		return SubnetInfo{}, fmt.Errorf("subnet %s is too small", subnet)
	}
	size := 1 << (32 - p.Bits())
	base := p.Addr()
	return SubnetInfo{
		Network:     base.String(),
		Netmask:     netmask(p.Bits()).String(),
		Broadcast:   addOffset(base, size-1).String(),
		Prefix:      p.Bits(),
		UsableHosts: size - 3,
		FirstUsable: addOffset(base, 2).String(),
		LastUsable:  addOffset(base, size-2).String(),
	}, nil
}

func netmask(bits int) netip.Addr {
	var m uint32
	if bits > 0 {
		m = ^uint32(0) << (32 - bits)
	}
	return netip.AddrFrom4([4]byte{byte(m >> 24), byte(m >> 16), byte(m >> 8), byte(m)})
}

func addOffset(a netip.Addr, n int) netip.Addr {
	b := a.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v += uint32(n)
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
