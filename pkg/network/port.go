package network

import (
	"fmt"
	"strconv"
	"strings"
)

// PortRange is a parsed destination port spec. Zero value means all ports.
type PortRange struct {
	From int
	To   int
}

// Any reports whether the range places no restriction.
func (p PortRange) Any() bool { return p.From == 0 }

// IptablesArg renders the range for --dport ("80" or "8000:8100").
func (p PortRange) IptablesArg() string {
	if p.Any() {
		return ""
	}
	if p.From == p.To {
		return strconv.Itoa(p.From)
	}
	return fmt.Sprintf("%d:%d", p.From, p.To)
}

func (p PortRange) String() string {
	if p.Any() {
		return ""
	}
	if p.From == p.To {
		return strconv.Itoa(p.From)
	}
	return fmt.Sprintf("%d-%d", p.From, p.To)
}

// ParsePort parses "", "80" or "8000-8100".
func ParsePort(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortRange{}, nil
	}
	lo, hi, isRange := strings.Cut(s, "-")
	from, err := parsePortNumber(lo)
	if err != nil {
		return PortRange{}, err
	}
	if !isRange {
		return PortRange{From: from, To: from}, nil
	}
	to, err := parsePortNumber(hi)
	if err != nil {
		return PortRange{}, err
	}
	if from > to {
		return PortRange{}, fmt.Errorf("port range %s is descending", s)
	}
	return PortRange{From: from, To: to}, nil
}

func parsePortNumber(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty port")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %q out of range 1-65535", s)
	}
	return n, nil
}

// IsValidPort reports whether s is empty, a single port or an ascending range.
func IsValidPort(s string) bool {
	_, err := ParsePort(s)
	return err == nil
}
