// Package server implements the wire-rpc server: a method table, per-shard memory
// pools, one accept loop per endpoint and a pipelined connection loop.
//
// Request processing pipeline:
//
//	Accept conn → pick shard → negotiate → handleConn (single goroutine reads headers)
//	  → for each header: go dispatch (reserve memory, buffer payload, signal parsed)
//	    → loop waits for the parsed signal, then reads the next header
//	    → dispatch runs the middleware chain and handler, writes the response
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wire-rpc/config"
	"wire-rpc/loadbalance"
	"wire-rpc/logging"
	"wire-rpc/metrics"
	"wire-rpc/middleware"
	"wire-rpc/resource"
)

// MetricsNamespace prefixes every exported Prometheus series.
const MetricsNamespace = "wirerpc"

type shard struct {
	id    int
	pool  *resource.Pool
	conns atomic.Int64
}

type listener struct {
	net.Listener
	endpoint config.ServerEndpoint
}

// Server serves the registered methods on every configured endpoint.
type Server struct {
	cfg        config.ServerConfiguration
	logger     *zap.Logger
	registerer prometheus.Registerer
	collector  *metrics.Collector
	balancer   loadbalance.Balancer
	shards     []*shard

	mu          sync.Mutex
	started     bool
	methods     map[uint32]*Method
	middlewares []middleware.Middleware
	handlers    map[uint32]middleware.HandlerFunc // methods wrapped by the chain, built once in Serve
	listeners   []*listener
	conns       map[net.Conn]struct{}

	ctx      context.Context // cancelled once shutdown gives up waiting
	cancel   context.CancelFunc
	wg       sync.WaitGroup // in-flight requests
	connWG   sync.WaitGroup // connection loops
	shutdown atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegisterer registers the server's Prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.registerer = reg }
}

// NewServer validates cfg and builds the shards. A configuration whose memory ceiling
// cannot admit one maximally-sized message is rejected here, not at request time.
func NewServer(cfg config.ServerConfiguration, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	balancer, err := loadbalance.New(cfg.LoadBalancing)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		balancer: balancer,
		methods:  make(map[uint32]*Method),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).With(zap.String("server", cfg.Name))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for i := 0; i < cfg.Shards; i++ {
		s.shards = append(s.shards, &shard{
			id:   i,
			pool: resource.NewPool(fmt.Sprintf("%s/shard-%d", cfg.Name, i), cfg.MaxServiceMemoryPerCore),
		})
	}

	if !cfg.DisableMetrics {
		s.collector = metrics.NewCollector(MetricsNamespace, cfg.Name)
		if s.registerer != nil {
			if err := s.collector.Register(s.registerer); err != nil {
				return nil, fmt.Errorf("server: register metrics: %w", err)
			}
		}
	}
	return s, nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.mu.Unlock()
}

// Collector returns the Prometheus collectors, or nil when metrics are disabled.
func (svr *Server) Collector() *metrics.Collector { return svr.collector }

// Listen binds every endpoint. Serve calls it if it has not been called yet.
func (svr *Server) Listen() error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if len(svr.listeners) > 0 {
		return nil
	}
	if svr.cfg.ListenBacklog > 0 {
		// net.Listen leaves the backlog to the kernel (somaxconn).
		svr.logger.Debug("listen backlog is managed by the OS", zap.Int("listen_backlog", svr.cfg.ListenBacklog))
	}

	var lc net.ListenConfig
	for _, ep := range svr.cfg.Endpoints {
		l, err := lc.Listen(context.Background(), "tcp", ep.Addr)
		if err != nil {
			for _, prev := range svr.listeners {
				prev.Close()
			}
			svr.listeners = nil
			return fmt.Errorf("server: listen %s: %w", ep, err)
		}
		if ep.TLS != nil {
			l = tls.NewListener(l, ep.TLS)
		}
		svr.listeners = append(svr.listeners, &listener{Listener: l, endpoint: ep})
		svr.logger.Info("listening", zap.String("endpoint", ep.Name), zap.Stringer("addr", l.Addr()), zap.Bool("tls", ep.TLS != nil))
	}
	return nil
}

// Addrs returns the bound address of each endpoint, in configuration order.
func (svr *Server) Addrs() []net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	addrs := make([]net.Addr, 0, len(svr.listeners))
	for _, l := range svr.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Serve runs one accept loop per endpoint and blocks until all of them stop.
// It returns nil after Shutdown.
func (svr *Server) Serve() error {
	if err := svr.Listen(); err != nil {
		return err
	}

	svr.mu.Lock()
	if svr.started {
		svr.mu.Unlock()
		return fmt.Errorf("server: already serving")
	}
	svr.started = true
	// Build the middleware chain once at startup (not per-request). Panics always
	// become server_error responses.
	chain := middleware.Chain(svr.middlewares...)
	svr.handlers = make(map[uint32]middleware.HandlerFunc, len(svr.methods))
	for id, m := range svr.methods {
		svr.handlers[id] = chain(middleware.RecoverMiddleware()(m.Handle))
	}
	listeners := svr.listeners
	svr.mu.Unlock()

	svr.logger.Info("serving", zap.Stringer("config", svr.cfg), zap.Int("methods", len(svr.handlers)))

	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() error { return svr.acceptLoop(l) })
	}
	return g.Wait()
}

func (svr *Server) acceptLoop(l *listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("server: accept on %s: %w", l.endpoint.Name, err)
		}

		sh, err := svr.pickShard(conn.RemoteAddr())
		if err != nil {
			svr.logger.Error("no shard for connection", zap.Error(err))
			conn.Close()
			continue
		}
		svr.applySocketBuffers(conn)
		if !svr.trackConn(conn) {
			conn.Close()
			return nil
		}
		sh.conns.Add(1)
		go func() {
			defer svr.connWG.Done()
			svr.handleConn(conn, sh)
		}()
	}
}

func (svr *Server) pickShard(remote net.Addr) (*shard, error) {
	loads := make([]int64, len(svr.shards))
	for i, sh := range svr.shards {
		loads[i] = sh.conns.Load()
	}
	idx, err := svr.balancer.Pick(remote, loads)
	if err != nil {
		return nil, err
	}
	return svr.shards[idx], nil
}

func (svr *Server) applySocketBuffers(conn net.Conn) {
	if svr.cfg.TCPRecvBuf <= 0 && svr.cfg.TCPSendBuf <= 0 {
		return
	}
	raw := conn
	if tc, ok := conn.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	tcp, ok := raw.(*net.TCPConn)
	if !ok {
		return
	}
	if svr.cfg.TCPRecvBuf > 0 {
		if err := tcp.SetReadBuffer(svr.cfg.TCPRecvBuf); err != nil {
			svr.logger.Warn("set tcp receive buffer", zap.Error(err))
		}
	}
	if svr.cfg.TCPSendBuf > 0 {
		if err := tcp.SetWriteBuffer(svr.cfg.TCPSendBuf); err != nil {
			svr.logger.Warn("set tcp send buffer", zap.Error(err))
		}
	}
}

func (svr *Server) trackConn(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	svr.connWG.Add(1)
	return true
}

// beginRequest admits one request into the in-flight set.
func (svr *Server) beginRequest() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) untrackConn(conn net.Conn) {
	svr.mu.Lock()
	delete(svr.conns, conn)
	svr.mu.Unlock()
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept errors are recognized as intentional)
//  2. Close the listeners (stop accepting new connections)
//  3. Wait for in-flight requests to finish (with timeout)
//  4. Close the remaining connections and wait for their loops to exit
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Set the flag BEFORE closing the listeners so Serve returns nil. Under mu so no
	// request is admitted once the wait below has started.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	var err error
	for _, l := range svr.listeners {
		err = multierr.Append(err, l.Close())
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, fmt.Errorf("server: timeout waiting for ongoing requests to finish"))
	}
	svr.cancel()

	svr.mu.Lock()
	for conn := range svr.conns {
		if cerr := conn.Close(); !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	svr.mu.Unlock()
	svr.connWG.Wait()
	return err
}
