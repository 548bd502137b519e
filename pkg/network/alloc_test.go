package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAvailableIP(t *testing.T) {
	ip, err := NextAvailableIP("10.8.0.0/24", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", ip)

	allocated := map[string]struct{}{"10.8.0.2": {}, "10.8.0.3": {}, "10.8.0.5": {}}
	ip, err = NextAvailableIP("10.8.0.0/24", allocated)
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.4", ip)
}

func TestNextAvailableIP_Exhausted(t *testing.T) {
	_, err := NextAvailableIP("10.8.0.0/30", map[string]struct{}{"10.8.0.2": {}})
	assert.True(t, errors.Is(err, ErrSubnetExhausted))
}

func TestNextAvailableIP_BadSubnet(t *testing.T) {
	_, err := NextAvailableIP("10.8.0.0/99", nil)
	assert.Error(t, err)
}
