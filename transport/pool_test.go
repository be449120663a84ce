package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"wire-rpc/config"
)

func TestPoolRoundRobin(t *testing.T) {
	addr := startServer(t, nil)
	p, err := NewPool(config.DefaultTransportConfiguration(addr), 2, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	a, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expect two distinct transports")
	}
	// Pick again, should wrap around to first
	if again, _ := p.Get(context.Background()); again != a {
		t.Fatal("expect wrap around to the first transport")
	}
}

func TestPoolReplacesFailedTransport(t *testing.T) {
	addr := startServer(t, nil)
	p, err := NewPool(config.DefaultTransportConfiguration(addr), 1, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	first, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second == first || !second.IsValid() {
		t.Fatal("expect a fresh transport in place of the closed one")
	}
	resp, err := second.Send(context.Background(), request(methodEcho, "ok"), NewClientOpts(time.Second))
	if err != nil || string(resp.Payload) != "ok" {
		t.Fatalf("expect call on replacement to succeed, got %v", err)
	}
}

func TestPoolClosed(t *testing.T) {
	addr := startServer(t, nil)
	p, err := NewPool(config.DefaultTransportConfiguration(addr), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expect ErrPoolClosed, got %v", err)
	}
	if _, err := NewPool(config.DefaultTransportConfiguration(addr), 0, nil); err == nil {
		t.Fatal("expect error for empty pool")
	}
}

func TestPoolSlowDialDoesNotBlockOtherSlots(t *testing.T) {
	addr := startServer(t, nil)
	p, err := NewPool(config.DefaultTransportConfiguration(addr), 2, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	// The first dial hangs until released; later dials connect normally.
	release := make(chan struct{})
	var dials atomic.Int32
	p.dial = func(ctx context.Context) (*ClientTransport, error) {
		if dials.Add(1) == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return Dial(ctx, p.cfg, p.logger)
	}

	slow := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		slow <- err
	}()
	for dials.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("expect the second slot to dial while the first hangs, got %v", err)
	}
	resp, err := other.Send(ctx, request(methodEcho, "ok"), NewClientOpts(time.Second))
	if err != nil || string(resp.Payload) != "ok" {
		t.Fatalf("expect call on the second slot to succeed, got %v", err)
	}

	// The next pick lands on the hung slot and gives up with its context.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := p.Get(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect waiter on the dialing slot to time out, got %v", err)
	}

	close(release)
	if err := <-slow; err != nil {
		t.Fatalf("expect the slow dial to finish, got %v", err)
	}
}

func TestPoolCloseDuringDial(t *testing.T) {
	addr := startServer(t, nil)
	p, err := NewPool(config.DefaultTransportConfiguration(addr), 1, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	dialed := make(chan *ClientTransport, 1)
	p.dial = func(ctx context.Context) (*ClientTransport, error) {
		close(started)
		<-release
		ct, err := Dial(ctx, p.cfg, p.logger)
		dialed <- ct
		return ct, err
	}

	got := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		got <- err
	}()
	<-started

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("expect Close not to wait for an in-flight dial")
	}

	close(release)
	if err := <-got; !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expect ErrPoolClosed for a dial that finished after Close, got %v", err)
	}
	if ct := <-dialed; ct != nil && ct.IsValid() {
		t.Fatal("expect the late transport to be closed")
	}
}
