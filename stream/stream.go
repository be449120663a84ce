// Package stream implements backpressure-aware parsing of inbound wire-rpc messages.
//
// One Inbound exists per in-flight inbound message. It walks the message through
//
//	AwaitingHeader → ReservingMemory → BufferingPayload → Dispatching → Completed
//	      └───────────────┴──────────────────┴──────────────→ Errored
//
// Memory for the payload is reserved from the shard's pool before a single payload
// byte is read, so a connection whose handlers drain slowly stops reading instead of
// buffering without bound. Once the payload is buffered and verified the Inbound
// signals "body parsed" and the connection loop may read the next header while the
// handler runs.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"wire-rpc/codec"
	"wire-rpc/protocol"
	"wire-rpc/resource"
)

var ErrClosed = errors.New("stream: context closed")

// Context is what a method handler sees of the message it is serving.
type Context interface {
	// ReserveMemory reserves n bytes from the shard budget. The caller owns the units.
	ReserveMemory(ctx context.Context, n int64) (*resource.Units, error)
	Header() protocol.Header
	// SignalBodyParse tells the connection loop the payload has been consumed from the
	// stream and the next message may be parsed.
	SignalBodyParse()
	BodyParseException(err error)
	// PermanentMemoryReservation reserves n bytes that stay charged until the context
	// is closed.
	PermanentMemoryReservation(ctx context.Context, n int64) error
}

type State int

const (
	AwaitingHeader State = iota
	ReservingMemory
	BufferingPayload
	Dispatching
	Completed
	Errored
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case ReservingMemory:
		return "reserving_memory"
	case BufferingPayload:
		return "buffering_payload"
	case Dispatching:
		return "dispatching"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Inbound is the Context implementation shared by server and client connections.
type Inbound struct {
	pool           *resource.Pool
	maxPayloadSize uint32

	mu           sync.Mutex
	state        State
	hdr          protocol.Header
	reservations resource.Set
	parseErr     error
	closed       bool

	parsed     chan struct{}
	signalOnce sync.Once
}

type Option func(*Inbound)

// WithMaxPayloadSize rejects headers announcing more than n payload bytes.
func WithMaxPayloadSize(n uint32) Option {
	return func(in *Inbound) { in.maxPayloadSize = n }
}

// NewInbound creates a context charging its reservations to pool. A nil pool
// disables accounting.
func NewInbound(pool *resource.Pool, opts ...Option) *Inbound {
	in := &Inbound{
		pool:   pool,
		state:  AwaitingHeader,
		parsed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Inbound) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Inbound) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

func (in *Inbound) fail(err error) error {
	in.mu.Lock()
	in.state = Errored
	in.mu.Unlock()
	in.BodyParseException(err)
	return err
}

func (in *Inbound) Header() protocol.Header {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.hdr
}

// ReadHeader reads and validates exactly one header from r.
func (in *Inbound) ReadHeader(r io.Reader) (protocol.Header, error) {
	if s := in.State(); s != AwaitingHeader {
		return protocol.Header{}, fmt.Errorf("stream: ReadHeader in state %s", s)
	}
	h, err := protocol.ReadHeader(r)
	if err != nil {
		return protocol.Header{}, in.fail(err)
	}
	if in.maxPayloadSize > 0 && h.PayloadSize > in.maxPayloadSize {
		return protocol.Header{}, in.fail(fmt.Errorf("%w: %d > %d", protocol.ErrPayloadTooLarge, h.PayloadSize, in.maxPayloadSize))
	}
	in.mu.Lock()
	in.hdr = h
	in.state = ReservingMemory
	in.mu.Unlock()
	return h, nil
}

// ReadPayload reserves memory for the announced payload, then reads, verifies and
// decompresses it. On success the body-parsed signal has fired and the context is in
// Dispatching; the reservation is held until Close.
func (in *Inbound) ReadPayload(ctx context.Context, r io.Reader) ([]byte, error) {
	if s := in.State(); s != ReservingMemory {
		return nil, fmt.Errorf("stream: ReadPayload in state %s", s)
	}
	h := in.Header()

	units, err := in.ReserveMemory(ctx, int64(h.PayloadSize))
	if err != nil {
		if errors.Is(err, resource.ErrExceedsCapacity) {
			err = fmt.Errorf("%w: %v", protocol.ErrPayloadTooLarge, err)
		}
		return nil, in.fail(err)
	}
	in.reservations.Add(units)
	in.setState(BufferingPayload)

	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, in.fail(fmt.Errorf("stream: read payload: %w", err))
	}
	if err := protocol.VerifyPayload(h, payload); err != nil {
		return nil, in.fail(err)
	}
	if h.Compression != protocol.CompressionNone {
		cdc, err := codec.GetCodec(h.Compression)
		if err != nil {
			return nil, in.fail(err)
		}
		if payload, err = cdc.Decode(payload); err != nil {
			return nil, in.fail(fmt.Errorf("stream: decompress payload: %w", err))
		}
	}

	in.setState(Dispatching)
	in.SignalBodyParse()
	return payload, nil
}

// Parse runs ReadHeader and ReadPayload back to back.
func (in *Inbound) Parse(ctx context.Context, r io.Reader) (protocol.Header, []byte, error) {
	h, err := in.ReadHeader(r)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	payload, err := in.ReadPayload(ctx, r)
	if err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

func (in *Inbound) ReserveMemory(ctx context.Context, n int64) (*resource.Units, error) {
	return in.pool.Reserve(ctx, n)
}

func (in *Inbound) PermanentMemoryReservation(ctx context.Context, n int64) error {
	units, err := in.ReserveMemory(ctx, n)
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		// A handler that outlived its context must not leak the reservation.
		units.Release()
		return ErrClosed
	}
	in.reservations.Add(units)
	return nil
}

func (in *Inbound) SignalBodyParse() {
	in.signalOnce.Do(func() { close(in.parsed) })
}

func (in *Inbound) BodyParseException(err error) {
	in.mu.Lock()
	if in.parseErr == nil {
		in.parseErr = err
	}
	in.mu.Unlock()
	in.SignalBodyParse()
}

// Parsed is closed once the body has been parsed or parsing failed.
func (in *Inbound) Parsed() <-chan struct{} {
	return in.parsed
}

// ParseErr is the error reported through BodyParseException, if any.
func (in *Inbound) ParseErr() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.parseErr
}

// Reserved is the number of bytes currently held by the context.
func (in *Inbound) Reserved() int64 {
	return in.reservations.Count()
}

// Close releases every reservation held by the context. An errored context stays
// Errored; any other moves to Completed.
func (in *Inbound) Close() {
	in.mu.Lock()
	in.closed = true
	if in.state != Errored {
		in.state = Completed
	}
	in.mu.Unlock()
	in.reservations.Release()
}
