package network

import (
	"errors"
	"fmt"
)

// ErrSubnetExhausted is returned when every usable address is allocated.
var ErrSubnetExhausted = errors.New("no available IP in subnet")

// NextAvailableIP returns the lowest usable address of subnet that is not in
// allocated. Network, gateway (.1) and broadcast addresses are never handed out.
func NextAvailableIP(subnet string, allocated map[string]struct{}) (string, error) {
	p, err := ParsePrefix(subnet)
	if err != nil {
		return "", fmt.Errorf("parse subnet %s: %w", subnet, err)
	}
	p = p.Masked()
	if p.Bits() > 30 {
		return "", fmt.Errorf("subnet %s is too small", subnet)
	}
	size := 1 << (32 - p.Bits())
	for off := 2; off < size-1; off++ {
		ip := addOffset(p.Addr(), off).String()
		if _, used := allocated[ip]; !used {
			return ip, nil
		}
	}
	return "", fmt.Errorf("%s: %w", subnet, ErrSubnetExhausted)
}
