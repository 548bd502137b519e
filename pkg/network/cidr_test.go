package network

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRouteValid(t *testing.T) {
	tests := []struct {
		route string
		want  bool
	}{
		{"192.168.1.0/24", true},
		{"192.168.21.10/24", false},
		{"10.0.0.0/8", true},
		{"10.1.0.0/8", false},
		{"10.1.2.3/32", true},
		{"0.0.0.0/0", true},
		{"172.16.0.0/12", true},
		{"172.17.0.0/12", false},
		{"10.1.2.3", true},
		{"", false},
		{"not-a-cidr", false},
		{"10.0.0.0/33", false},
		{"300.1.1.0/24", false},
		{"fd00::/64", false},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRouteValid(tt.route))
		})
	}
}

func TestIsRouteValid_AnyHostBitsAtSlash32(t *testing.T) {
	for _, last := range []int{0, 1, 7, 128, 255} {
		route := fmt.Sprintf("10.20.30.%d/32", last)
		assert.True(t, IsRouteValid(route), route)
	}
}

func TestIsRouteValid_NetworkAddressOnlyBelow32(t *testing.T) {
	for bits := 8; bits < 32; bits++ {
		p, err := ParsePrefix(fmt.Sprintf("10.20.30.77/%d", bits))
		require.NoError(t, err)
		network := p.Masked().String()
		assert.True(t, IsRouteValid(network), network)
		if p.Masked() != p {
			assert.False(t, IsRouteValid(p.String()), p.String())
		}
	}
}

func TestValidateRoute_SuggestsNetworkAddress(t *testing.T) {
	ok, reason := ValidateRoute("192.168.21.10/24")
	assert.False(t, ok)
	assert.Contains(t, reason, "192.168.21.0/24")

	ok, reason = ValidateRoute("192.168.21.0/24")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestIsValidCIDR_AllowsHostBits(t *testing.T) {
	assert.True(t, IsValidCIDR("192.168.21.10/24"))
	assert.False(t, IsValidCIDR("192.168.21.10/40"))
}

func TestDescribeSubnet(t *testing.T) {
	info, err := DescribeSubnet("10.8.0.0/24")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.0", info.Network)
	assert.Equal(t, "255.255.255.0", info.Netmask)
	assert.Equal(t, "10.8.0.255", info.Broadcast)
	assert.Equal(t, 24, info.Prefix)
	assert.Equal(t, 253, info.UsableHosts)
	assert.Equal(t, "10.8.0.2", info.FirstUsable)
	assert.Equal(t, "10.8.0.254", info.LastUsable)

	_, err = DescribeSubnet("10.8.0.0/31")
	assert.Error(t, err)
}
