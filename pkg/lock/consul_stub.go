//go:build !consul

package lock

import "errors"

// NewConsul is unavailable without the consul build tag.
func NewConsul(string) (Locker, error) {
	return nil, errors.New("consul lock backend requires building with -tags consul")
}
