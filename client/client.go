// Package client is the caller-facing API: it sends a payload to a method id over
// a pool of multiplexed transports and maps the response status to an error.
package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wire-rpc/config"
	"wire-rpc/message"
	"wire-rpc/protocol"
	"wire-rpc/transport"
)

// DefaultTimeout bounds calls made through CallDefault.
const DefaultTimeout = 10 * time.Second

type Client struct {
	pool *transport.Pool
}

// NewClient creates a client with poolSize transports to cfg.ServerAddr. Connections
// are dialed on first use.
func NewClient(cfg config.TransportConfiguration, poolSize int, logger *zap.Logger) (*Client, error) {
	pool, err := transport.NewPool(cfg, poolSize, logger)
	if err != nil {
		return nil, err
	}
	return &Client{pool: pool}, nil
}

// Call invokes method with payload and returns the response payload. A non-success
// status comes back as the matching protocol error (ErrMethodNotFound,
// ErrRequestTimeout, ErrServerError).
func (c *Client) Call(ctx context.Context, method uint32, payload []byte, opts transport.ClientOpts) ([]byte, error) {
	t, err := c.pool.Get(ctx)
	if err != nil {
		opts.ResourceUnits.Release()
		return nil, err
	}

	nb := message.New()
	nb.SetServiceMethodID(method)
	nb.Buffer().Write(payload)

	resp, err := t.Send(ctx, nb, opts)
	if err != nil {
		return nil, fmt.Errorf("client: method %d: %w", method, err)
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("client: method %d: %w", method, err)
	}
	return resp.Payload, nil
}

// CallDefault is Call with DefaultTimeout and no compression.
func (c *Client) CallDefault(ctx context.Context, method uint32, payload []byte) ([]byte, error) {
	return c.Call(ctx, method, payload, transport.NewClientOpts(DefaultTimeout))
}

// CallCompressed is Call with zstd requested for payloads at or above the default
// threshold.
func (c *Client) CallCompressed(ctx context.Context, method uint32, payload []byte, timeout time.Duration) ([]byte, error) {
	opts := transport.NewClientOpts(timeout)
	opts.Compression = protocol.CompressionZstd
	return c.Call(ctx, method, payload, opts)
}

func (c *Client) Close() error {
	return c.pool.Close()
}
