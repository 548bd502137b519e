package network

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"netauth/pkg/model"
)

// Identity names become part of an iptables chain name.
var identityNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// MaxIdentityNameLen keeps "VPN_USER_"+name within the 28-byte chain name
// limit of the kernel.
const MaxIdentityNameLen = 28 - len("VPN_USER_")

// ValidateIdentityName enforces 3-19 chain-safe characters.
func ValidateIdentityName(name string) error {
	if len(name) < 3 || len(name) > MaxIdentityNameLen {
		return model.NewValidationError("name", fmt.Sprintf("must be 3-%d characters", MaxIdentityNameLen))
	}
	if !identityNameRegex.MatchString(name) {
		return model.NewValidationError("name", "can only contain letters, numbers, dots, underscores and hyphens")
	}
	return nil
}

// ValidateProtocol accepts tcp, udp, icmp and any.
func ValidateProtocol(proto string) error {
	if !slices.Contains(model.Protocols, proto) {
		return model.NewValidationError("protocol", fmt.Sprintf("must be one of: %s", strings.Join(model.Protocols, ", ")))
	}
	return nil
}

// ValidateAction accepts ACCEPT and DROP.
func ValidateAction(action string) error {
	if !slices.Contains(model.Actions, action) {
		return model.NewValidationError("action", fmt.Sprintf("must be one of: %s", strings.Join(model.Actions, ", ")))
	}
	return nil
}
