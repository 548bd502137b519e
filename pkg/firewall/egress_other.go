//go:build !linux

package firewall

import "errors"

func defaultRouteInterface() (string, error) {
	return "", errors.New("egress discovery requires linux")
}
