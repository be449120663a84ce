// Package config describes the server and client transport configuration.
//
// Values are plain structs, immutable once handed to a server or transport.
// Validate is the startup check; a configuration that cannot carry a single
// maximally-sized message is rejected here, never at request time.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"
)

var (
	ErrNoEndpoints           = errors.New("config: no listen endpoints")
	ErrEndpointAddrRequired  = errors.New("config: endpoint addr required")
	ErrMemoryCeilingTooSmall = errors.New("config: per-core memory ceiling cannot admit a maximally-sized message")
	ErrInvalidLoadBalancing  = errors.New("config: invalid load balancing algorithm")
	ErrServerAddrRequired    = errors.New("config: server addr required")
	ErrInvalidTimeout        = errors.New("config: timeout must be positive")
)

// LoadBalancingAlgorithm decides which shard serves an accepted connection.
type LoadBalancingAlgorithm string

const (
	// ConnectionDistribution picks the shard with the fewest open connections.
	ConnectionDistribution LoadBalancingAlgorithm = "connection_distribution"
	// Port picks the shard by the client's source port.
	Port LoadBalancingAlgorithm = "port"
	// Fixed sends every connection to shard 0.
	Fixed      LoadBalancingAlgorithm = "fixed"
	RoundRobin LoadBalancingAlgorithm = "round_robin"
)

func (a LoadBalancingAlgorithm) Valid() bool {
	switch a {
	case ConnectionDistribution, Port, Fixed, RoundRobin:
		return true
	}
	return false
}

// ServerEndpoint is one listen address. A nil TLS config means plaintext.
type ServerEndpoint struct {
	Name string
	Addr string
	TLS  *tls.Config
}

func (e ServerEndpoint) String() string {
	return fmt.Sprintf("{%s:%s, tls:%t}", e.Name, e.Addr, e.TLS != nil)
}

// ServerConfiguration parametrizes a server and all of its connections.
type ServerConfiguration struct {
	Name      string
	Endpoints []ServerEndpoint
	// MaxServiceMemoryPerCore bounds the payload bytes buffered per shard.
	MaxServiceMemoryPerCore int64
	// MaxPayloadSize is the largest payload a request may announce.
	MaxPayloadSize uint32
	Shards         int
	// Zero means the operating system default for the following three.
	ListenBacklog    int
	TCPRecvBuf       int
	TCPSendBuf       int
	DisableMetrics   bool
	LoadBalancing    LoadBalancingAlgorithm
	HandshakeTimeout time.Duration
}

func DefaultServerConfiguration(name string) ServerConfiguration {
	return ServerConfiguration{
		Name:                    name,
		MaxServiceMemoryPerCore: 256 << 20,
		MaxPayloadSize:          64 << 20,
		Shards:                  runtime.GOMAXPROCS(0),
		LoadBalancing:           ConnectionDistribution,
		HandshakeTimeout:        5 * time.Second,
	}
}

func (c ServerConfiguration) Validate() error {
	if len(c.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	for i, ep := range c.Endpoints {
		if strings.TrimSpace(ep.Addr) == "" {
			return fmt.Errorf("endpoint[%d] %q: %w", i, ep.Name, ErrEndpointAddrRequired)
		}
	}
	if c.MaxServiceMemoryPerCore <= 0 || c.MaxServiceMemoryPerCore < int64(c.MaxPayloadSize) {
		return fmt.Errorf("%w: ceiling %d, max payload %d", ErrMemoryCeilingTooSmall, c.MaxServiceMemoryPerCore, c.MaxPayloadSize)
	}
	if c.MaxPayloadSize == 0 {
		return fmt.Errorf("config: max payload size must be positive")
	}
	if c.Shards < 1 {
		return fmt.Errorf("config: shards must be at least 1, got %d", c.Shards)
	}
	if !c.LoadBalancing.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLoadBalancing, c.LoadBalancing)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake: %w", ErrInvalidTimeout)
	}
	return nil
}

func (c ServerConfiguration) String() string {
	eps := make([]string, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		eps = append(eps, ep.String())
	}
	return fmt.Sprintf("{name:%s, endpoints:[%s], max_service_memory_per_core:%d, max_payload_size:%d, shards:%d, listen_backlog:%d, tcp_recv_buf:%d, tcp_send_buf:%d, disable_metrics:%t, load_balancing:%s}",
		c.Name, strings.Join(eps, ", "), c.MaxServiceMemoryPerCore, c.MaxPayloadSize, c.Shards,
		c.ListenBacklog, c.TCPRecvBuf, c.TCPSendBuf, c.DisableMetrics, c.LoadBalancing)
}

// TransportConfiguration parametrizes one client connection.
type TransportConfiguration struct {
	ServerAddr string
	// RecvTimeout bounds how long the rest of a frame may take once its first byte
	// has arrived. A connection that stalls longer is torn down.
	RecvTimeout time.Duration
	// MaxQueuedBytes bounds the outbound bytes waiting to be written.
	MaxQueuedBytes uint32
	// MaxPayloadSize is the largest payload a response may announce. Larger
	// frames close the connection before any payload memory is allocated.
	MaxPayloadSize   uint32
	TLS              *tls.Config
	DisableMetrics   bool
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func DefaultTransportConfiguration(addr string) TransportConfiguration {
	return TransportConfiguration{
		ServerAddr:       addr,
		RecvTimeout:      time.Minute,
		MaxQueuedBytes:   math.MaxUint32,
		MaxPayloadSize:   64 << 20,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

func (c TransportConfiguration) Validate() error {
	if strings.TrimSpace(c.ServerAddr) == "" {
		return ErrServerAddrRequired
	}
	if c.RecvTimeout <= 0 {
		return fmt.Errorf("recv: %w", ErrInvalidTimeout)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake: %w", ErrInvalidTimeout)
	}
	if c.MaxQueuedBytes == 0 {
		return fmt.Errorf("config: max queued bytes must be positive")
	}
	if c.MaxPayloadSize == 0 {
		return fmt.Errorf("config: max payload size must be positive")
	}
	return nil
}
