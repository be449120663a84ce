package loadbalance

import (
	"net"
	"sync/atomic"

	"wire-rpc/config"
)

// RoundRobinBalancer hands connections to shards in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ net.Addr, loads []int64) (int, error) {
	if len(loads) == 0 {
		return 0, ErrNoShards
	}
	index := (b.counter.Add(1) - 1) % uint64(len(loads))
	return int(index), nil
}

func (b *RoundRobinBalancer) Name() string {
	return string(config.RoundRobin)
}
