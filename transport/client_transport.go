// Package transport implements the client side of a wire-rpc connection.
//
// ClientTransport multiplexes concurrent calls over one TCP (or TLS) connection.
// Each call gets a correlation id, and a background goroutine (recvLoop) reads
// responses and routes them to the waiting caller. Responses may arrive in any
// order.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single conn ──→ Server
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] chan → goroutine-2 wakes up
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"wire-rpc/config"
	"wire-rpc/logging"
	"wire-rpc/message"
	"wire-rpc/metrics"
	"wire-rpc/protocol"
	"wire-rpc/resource"
	"wire-rpc/stream"
)

var ErrTransportClosed = errors.New("transport: closed")

// ClientOpts are the parameters of one call. They are owned by that call.
type ClientOpts struct {
	// Deadline bounds the call. Zero means the caller's context alone decides.
	Deadline            time.Time
	Compression         protocol.Compression
	MinCompressionBytes int
	// ResourceUnits are released once the request bytes have been handed to the
	// connection, or when the call fails before that.
	ResourceUnits *resource.Set
}

// NewClientOpts returns options with a deadline timeout from now, no compression
// and the default compression threshold.
func NewClientOpts(timeout time.Duration) ClientOpts {
	return ClientOpts{
		Deadline:            time.Now().Add(timeout),
		Compression:         protocol.CompressionNone,
		MinCompressionBytes: message.DefaultMinCompressionBytes,
	}
}

// Response is a verified, decompressed response frame.
type Response struct {
	Header  protocol.Header
	Payload []byte
}

func (r *Response) Status() protocol.Status { return r.Header.Status() }

// Err maps the response status to an error; nil for success.
func (r *Response) Err() error { return r.Status().Err() }

type result struct {
	resp *Response
	err  error
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn   net.Conn
	br     *bufio.Reader
	cfg    config.TransportConfiguration
	logger *zap.Logger
	peer   protocol.NegotiationFrame
	probes *metrics.MethodProbes // round-trip latency, nil when metrics are disabled

	correlation atomic.Uint32
	pending     sync.Map       // map[uint32]chan result
	queued      *resource.Pool // bytes accepted by Send but not yet written
	sending     sync.Mutex     // whole frames only; interleaved writes corrupt the stream

	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed
}

// Dial connects to cfg.ServerAddr, runs the TLS handshake when configured, and
// negotiates the protocol version.
func Dial(ctx context.Context, cfg config.TransportConfiguration, logger *zap.Logger) (*ClientTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.ServerAddr, err)
	}
	if cfg.TLS != nil {
		tc := tls.Client(conn, cfg.TLS)
		hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake with %s: %w", cfg.ServerAddr, err)
		}
		conn = tc
	}
	t, err := NewClientTransport(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// NewClientTransport negotiates over an established connection and starts the
// receive loop. The transport owns conn from here on.
func NewClientTransport(conn net.Conn, cfg config.TransportConfiguration, logger *zap.Logger) (*ClientTransport, error) {
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = 64 << 20
	}
	t := &ClientTransport{
		conn:   conn,
		br:     bufio.NewReader(conn),
		cfg:    cfg,
		logger: logging.OrNop(logger).With(zap.Stringer("remote", conn.RemoteAddr())),
		done:   make(chan struct{}),
	}
	if cfg.MaxQueuedBytes > 0 {
		t.queued = resource.NewPool("queued-bytes "+cfg.ServerAddr, int64(cfg.MaxQueuedBytes))
	}
	if !cfg.DisableMetrics {
		t.probes = metrics.NewMethodProbes()
	}

	conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	peer, err := protocol.Negotiate(conn, protocol.DefaultNegotiation())
	if err != nil {
		return nil, fmt.Errorf("transport: negotiate: %w", err)
	}
	conn.SetDeadline(time.Time{})
	t.peer = peer

	go t.recvLoop()
	return t, nil
}

// Send writes nb as a request and waits for its response. The transport assigns
// the correlation id and applies the compression options. A call whose deadline
// passes first resolves with protocol.ErrRequestTimeout; the connection stays up.
func (t *ClientTransport) Send(ctx context.Context, nb *message.Netbuf, opts ClientOpts) (*Response, error) {
	// Released on every path; Release is idempotent.
	defer opts.ResourceUnits.Release()

	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}
	if err := t.closedErr(); err != nil {
		return nil, err
	}

	id := t.correlation.Add(1)
	nb.SetCorrelationID(id)
	nb.SetCompression(opts.Compression)
	if opts.MinCompressionBytes > 0 {
		nb.SetMinCompressionBytes(opts.MinCompressionBytes)
	}
	bufs, err := nb.AsScattered()
	if err != nil {
		return nil, err
	}

	queued, err := t.queued.Reserve(ctx, int64(message.Size(bufs)))
	if err != nil {
		return nil, timeoutErr(id, err)
	}

	// Register the response channel BEFORE sending (avoid race with recvLoop)
	ch := make(chan result, 1)
	t.pending.Store(id, ch)
	if err := t.closedErr(); err != nil {
		t.pending.Delete(id)
		queued.Release()
		return nil, err
	}

	start := time.Now()
	t.sending.Lock()
	_, err = bufs.WriteTo(t.conn)
	t.sending.Unlock()
	queued.Release()
	opts.ResourceUnits.Release()
	if err != nil {
		t.pending.Delete(id)
		t.fail(err)
		return nil, fmt.Errorf("transport: write request %d: %w", id, err)
	}

	select {
	case r := <-ch:
		if r.err == nil && t.probes != nil {
			t.probes.Record(time.Since(start))
		}
		return r.resp, r.err
	case <-ctx.Done():
		t.pending.Delete(id)
		return nil, timeoutErr(id, ctx.Err())
	}
}

// timeoutErr reports an expired call deadline as request_timeout.
func timeoutErr(id uint32, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: correlation id %d", protocol.ErrRequestTimeout, id)
	}
	return err
}

// recvLoop runs in a dedicated goroutine, reading responses in arrival order and
// routing each one to its caller by correlation id.
//
// An idle connection waits without a deadline. Once the first byte of a frame
// arrives, the rest of it must arrive within RecvTimeout. A header announcing
// more than MaxPayloadSize bytes closes the connection.
func (t *ClientTransport) recvLoop() {
	for {
		t.conn.SetReadDeadline(time.Time{})
		if _, err := t.br.Peek(1); err != nil {
			t.fail(err)
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(t.cfg.RecvTimeout))

		in := stream.NewInbound(nil, stream.WithMaxPayloadSize(t.cfg.MaxPayloadSize))
		h, payload, err := in.Parse(context.Background(), t.br)
		in.Close()
		if err != nil {
			// Framing errors and receive timeouts are fatal to the connection.
			t.fail(err)
			return
		}

		if ch, ok := t.pending.LoadAndDelete(h.CorrelationID); ok {
			deliver(ch.(chan result), result{resp: &Response{Header: h, Payload: payload}})
		} else {
			t.logger.Debug("dropping response without pending call", zap.Uint32("correlation_id", h.CorrelationID), zap.Stringer("status", h.Status()))
		}
	}
}

// fail tears the connection down and resolves every pending call with err.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.done)
		t.conn.Close()
		if !errors.Is(err, ErrTransportClosed) {
			t.logger.Debug("transport closed", zap.Error(err))
		}
		closed := t.closedErr()
		t.pending.Range(func(key, _ any) bool {
			if ch, ok := t.pending.LoadAndDelete(key); ok {
				deliver(ch.(chan result), result{err: closed})
			}
			return true
		})
	})
}

// deliver hands r to a waiting call. Each channel has room for one result and
// whoever removes the pending entry is its only sender, so a full channel means
// the result already arrived and r is dropped.
func deliver(ch chan result, r result) {
	select {
	case ch <- r:
	default:
	}
}

func (t *ClientTransport) closedErr() error {
	select {
	case <-t.done:
		if errors.Is(t.err, ErrTransportClosed) {
			return t.err
		}
		return fmt.Errorf("%w: %v", ErrTransportClosed, t.err)
	default:
		return nil
	}
}

// IsValid reports whether the connection is still usable.
func (t *ClientTransport) IsValid() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the transport shuts down.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Close shuts the connection down. Pending calls fail with ErrTransportClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrTransportClosed)
	return nil
}

// Peer returns the negotiation frame the server answered with.
func (t *ClientTransport) Peer() protocol.NegotiationFrame { return t.peer }

// Probes returns the round-trip latency histogram, or nil when metrics are disabled.
func (t *ClientTransport) Probes() *metrics.MethodProbes { return t.probes }

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn { return t.conn }
