package network

import (
	"strings"

	"netauth/pkg/model"
)

// IsRouteAllowed reports whether candidate equals, or lies inside, one of the
// identity's active routes. Unparseable input is never allowed.
func IsRouteAllowed(candidate string, routes []model.AssignedRoute) bool {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return false
	}
	for _, r := range routes {
		if r.Active && r.Route == candidate {
			return true
		}
	}
	cand, err := ParsePrefix(candidate)
	if err != nil {
		return false
	}
	cand = cand.Masked()
	for _, r := range routes {
		if !r.Active {
			continue
		}
		assigned, err := ParsePrefix(r.Route)
		if err != nil {
			continue
		}
		assigned = assigned.Masked()
		if cand.Bits() >= assigned.Bits() && assigned.Contains(cand.Addr()) {
			return true
		}
	}
	return false
}
