//go:build consul

package lock

import (
	"context"
	"fmt"
	"sync"

	consulapi "github.com/hashicorp/consul/api"
)

const keyPrefix = "netauth/locks/"

// Consul serializes applies across controller replicas sharing one gateway.
type Consul struct {
	cli *consulapi.Client
}

func NewConsul(addr string) (Locker, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Consul{cli: cli}, nil
}

func (c *Consul) Lock(ctx context.Context, key string) (func(), error) {
	l, err := c.cli.LockOpts(&consulapi.LockOptions{
		Key:        keyPrefix + key,
		SessionTTL: "15s",
	})
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	stop := make(chan struct{})
	var once sync.Once
	closeStop := func() { once.Do(func() { close(stop) }) }
	go func() {
		select {
		case <-ctx.Done():
			closeStop()
		case <-stop:
		}
	}()
	lost, err := l.Lock(stop)
	if err != nil {
		closeStop()
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if lost == nil {
		return nil, ctx.Err()
	}
	return func() {
		_ = l.Unlock()
		closeStop()
	}, nil
}
