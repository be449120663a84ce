// Package loadbalance decides which server shard owns an accepted connection.
//
// Four policies are implemented:
//   - ConnectionDistribution: the shard with the fewest open connections
//   - Port:                   the client's source port modulo the shard count
//   - Fixed:                  always shard 0
//   - RoundRobin:             shards in turn
package loadbalance

import (
	"errors"
	"fmt"
	"net"

	"wire-rpc/config"
)

var ErrNoShards = errors.New("loadbalance: no shards available")

// Balancer is consulted once per accepted connection. loads holds the number of
// open connections per shard; its length is the shard count. Pick must be
// goroutine-safe since every endpoint runs its own accept loop.
type Balancer interface {
	Pick(remote net.Addr, loads []int64) (int, error)

	// Name returns the policy name as it appears in configuration.
	Name() string
}

// New returns the balancer for alg. The empty algorithm selects the default.
func New(alg config.LoadBalancingAlgorithm) (Balancer, error) {
	switch alg {
	case config.ConnectionDistribution, "":
		return &ConnectionDistributionBalancer{}, nil
	case config.Port:
		return &PortBalancer{}, nil
	case config.Fixed:
		return &FixedBalancer{}, nil
	case config.RoundRobin:
		return &RoundRobinBalancer{}, nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown algorithm %q", alg)
	}
}

// ConnectionDistributionBalancer picks the least loaded shard. Ties go to the
// lowest index.
type ConnectionDistributionBalancer struct{}

func (b *ConnectionDistributionBalancer) Pick(_ net.Addr, loads []int64) (int, error) {
	if len(loads) == 0 {
		return 0, ErrNoShards
	}
	best := 0
	for i, l := range loads[1:] {
		if l < loads[best] {
			best = i + 1
		}
	}
	return best, nil
}

func (b *ConnectionDistributionBalancer) Name() string {
	return string(config.ConnectionDistribution)
}

// PortBalancer keeps all connections from one client port on the same shard.
// Addresses without a port land on shard 0.
type PortBalancer struct{}

func (b *PortBalancer) Pick(remote net.Addr, loads []int64) (int, error) {
	if len(loads) == 0 {
		return 0, ErrNoShards
	}
	var port int
	switch a := remote.(type) {
	case *net.TCPAddr:
		port = a.Port
	case *net.UDPAddr:
		port = a.Port
	}
	return port % len(loads), nil
}

func (b *PortBalancer) Name() string {
	return string(config.Port)
}

type FixedBalancer struct{}

func (b *FixedBalancer) Pick(_ net.Addr, loads []int64) (int, error) {
	if len(loads) == 0 {
		return 0, ErrNoShards
	}
	return 0, nil
}

func (b *FixedBalancer) Name() string {
	return string(config.Fixed)
}
