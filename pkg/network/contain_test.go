package network

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"netauth/pkg/model"
)

func routes(cidrs ...string) []model.AssignedRoute {
	out := make([]model.AssignedRoute, 0, len(cidrs))
	for i, c := range cidrs {
		out = append(out, model.AssignedRoute{ID: uint(i + 1), Route: c, Active: true})
	}
	return out
}

func TestIsRouteAllowed(t *testing.T) {
	assigned := routes("10.1.0.0/24", "192.168.50.10/32")

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"exact", "10.1.0.0/24", true},
		{"host inside", "10.1.0.5/32", true},
		{"smaller subnet", "10.1.0.128/25", true},
		{"bare host inside", "10.1.0.9", true},
		{"other network", "10.2.0.0/24", false},
		{"supernet", "10.1.0.0/23", false},
		{"much larger", "10.0.0.0/8", false},
		{"assigned host exact", "192.168.50.10/32", true},
		{"neighbour of assigned host", "192.168.50.11/32", false},
		{"malformed", "10.1.0.0/99", false},
		{"empty", "", false},
		{"garbage", "hello", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRouteAllowed(tt.candidate, assigned))
		})
	}
}

func TestIsRouteAllowed_IgnoresInactiveRoutes(t *testing.T) {
	assigned := routes("10.1.0.0/24")
	assigned[0].Active = false
	assert.False(t, IsRouteAllowed("10.1.0.0/24", assigned))
	assert.False(t, IsRouteAllowed("10.1.0.5/32", assigned))
}

func TestIsRouteAllowed_EveryRouteContainsItselfButNotItsSupernets(t *testing.T) {
	for _, cidr := range []string{"10.1.0.0/24", "172.16.0.0/12", "192.168.7.64/26", "10.9.9.9/32"} {
		assigned := routes(cidr)
		assert.True(t, IsRouteAllowed(cidr, assigned), cidr)

		p, err := ParsePrefix(cidr)
		if !assert.NoError(t, err) {
			continue
		}
		for bits := p.Bits() - 1; bits >= 0; bits-- {
			larger, err := p.Addr().Prefix(bits)
			if !assert.NoError(t, err) {
				continue
			}
			assert.False(t, IsRouteAllowed(larger.String(), assigned), "%s inside %s", larger, cidr)
		}
	}
}

func TestIsRouteAllowed_MalformedAssignedRouteSkipped(t *testing.T) {
	assigned := routes("bogus", "10.1.0.0/24")
	assert.True(t, IsRouteAllowed("10.1.0.7/32", assigned))
}
