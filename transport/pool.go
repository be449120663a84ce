package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"wire-rpc/config"
	"wire-rpc/logging"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// Pool spreads calls over a fixed number of multiplexed transports to one server.
//
// Transports are dialed lazily: the pool starts empty and a slot is filled the
// first time it is picked. A slot whose transport has failed is redialed on its
// next pick, so one broken connection does not take the pool down. Dials hold
// only their own slot, so a slow dial never delays calls on the other slots.
type Pool struct {
	cfg    config.TransportConfiguration
	logger *zap.Logger
	dial   func(ctx context.Context) (*ClientTransport, error)

	next    atomic.Uint64   // round-robin cursor
	dialing []chan struct{} // one token per slot, held while that slot dials

	mu         sync.Mutex
	transports []*ClientTransport
	closed     bool
}

// NewPool creates a pool of size transports to cfg.ServerAddr.
func NewPool(cfg config.TransportConfiguration, size int, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, fmt.Errorf("transport: pool size must be at least 1, got %d", size)
	}
	p := &Pool{
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		transports: make([]*ClientTransport, size),
		dialing:    make([]chan struct{}, size),
	}
	for i := range p.dialing {
		p.dialing[i] = make(chan struct{}, 1)
	}
	p.dial = func(ctx context.Context) (*ClientTransport, error) {
		return Dial(ctx, p.cfg, p.logger)
	}
	return p, nil
}

// Get returns the next transport in round-robin order, dialing it if the slot is
// empty or its transport is no longer valid.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	idx := (p.next.Add(1) - 1) % uint64(len(p.transports))
	if t, err := p.slot(idx); t != nil || err != nil {
		return t, err
	}

	// A slot is never dialed twice concurrently; later picks wait for the first.
	select {
	case p.dialing[idx] <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.dialing[idx] }()

	if t, err := p.slot(idx); t != nil || err != nil {
		return t, err
	}
	t, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Close()
		return nil, ErrPoolClosed
	}
	p.transports[idx] = t
	return t, nil
}

// slot returns the usable transport in slot idx, or nil when it must be dialed.
func (p *Pool) slot(idx uint64) (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	t := p.transports[idx]
	if t == nil {
		return nil, nil
	}
	if t.IsValid() {
		return t, nil
	}
	p.logger.Debug("replacing failed transport", zap.Uint64("slot", idx), zap.String("addr", p.cfg.ServerAddr))
	p.transports[idx] = nil
	return nil, nil
}

// Size is the number of slots.
func (p *Pool) Size() int { return len(p.transports) }

// Close shuts the pool and every transport in it down.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var err error
	for i, t := range p.transports {
		if t != nil {
			err = multierr.Append(err, t.Close())
			p.transports[i] = nil
		}
	}
	return err
}
