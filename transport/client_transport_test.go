package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"wire-rpc/config"
	"wire-rpc/message"
	"wire-rpc/protocol"
	"wire-rpc/resource"
	"wire-rpc/server"
	"wire-rpc/stream"
)

const (
	methodEcho  uint32 = 1
	methodSleep uint32 = 2
	methodBlock uint32 = 3
	methodZstd  uint32 = 4
)

func echo(ctx context.Context, in io.Reader, sctx stream.Context) (*message.Netbuf, error) {
	nb := message.New()
	_, err := io.Copy(nb.Buffer(), in)
	return nb, err
}

// startServer serves the test methods on a loopback port. Closing release unblocks
// methodBlock.
func startServer(t *testing.T, release <-chan struct{}) string {
	t.Helper()
	cfg := config.DefaultServerConfiguration("transport-test")
	cfg.Endpoints = []config.ServerEndpoint{{Name: "internal", Addr: "127.0.0.1:0"}}
	cfg.Shards = 1
	svr, err := server.NewServer(cfg, server.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	svr.RegisterService(server.ServiceFunc{
		methodEcho: echo,
		// Sleeps for the number of milliseconds in the payload, then echoes it.
		methodSleep: func(ctx context.Context, in io.Reader, sctx stream.Context) (*message.Netbuf, error) {
			b, _ := io.ReadAll(in)
			var ms int
			fmt.Sscanf(string(b), "%d", &ms)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			nb := message.New()
			nb.Buffer().Write(b)
			return nb, nil
		},
		methodBlock: func(ctx context.Context, in io.Reader, sctx stream.Context) (*message.Netbuf, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
		methodZstd: func(ctx context.Context, in io.Reader, sctx stream.Context) (*message.Netbuf, error) {
			if c := sctx.Header().Compression; c != protocol.CompressionZstd {
				return nil, fmt.Errorf("expect zstd request, got %s", c)
			}
			return echo(ctx, in, sctx)
		},
	})
	if err := svr.Listen(); err != nil {
		t.Fatal(err)
	}
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr.Addrs()[0].String()
}

func dial(t *testing.T, cfg config.TransportConfiguration) *ClientTransport {
	t.Helper()
	ct, err := Dial(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ct.Close() })
	return ct
}

func request(method uint32, payload string) *message.Netbuf {
	nb := message.New()
	nb.SetServiceMethodID(method)
	nb.Buffer().WriteString(payload)
	return nb
}

// fakeServer accepts one connection, completes the handshake and hands the
// connection to serve.
func fakeServer(t *testing.T, serve func(conn net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := protocol.AcceptNegotiation(conn, protocol.DefaultNegotiation()); err != nil {
			return
		}
		serve(conn)
	}()
	return l.Addr().String()
}

// readRequest parses one request frame from conn.
func readRequest(conn net.Conn) (protocol.Header, error) {
	in := stream.NewInbound(nil)
	defer in.Close()
	h, _, err := in.Parse(context.Background(), conn)
	return h, err
}

func responseFrame(t *testing.T, correlationID uint32, payload string) []byte {
	nb := message.New()
	nb.SetStatus(protocol.StatusSuccess)
	nb.SetCorrelationID(correlationID)
	nb.Buffer().WriteString(payload)
	var buf bytes.Buffer
	if _, err := nb.WriteTo(&buf); err != nil {
		t.Error(err)
	}
	return buf.Bytes()
}

// Serial calls over one connection.
func TestClientTransportSerial(t *testing.T) {
	addr := startServer(t, nil)
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	for _, payload := range []string{"one", "two", "three"} {
		resp, err := ct.Send(context.Background(), request(methodEcho, payload), NewClientOpts(time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if resp.Err() != nil {
			t.Fatalf("expect success, got %v", resp.Err())
		}
		if string(resp.Payload) != payload {
			t.Fatalf("expect %q, got %q", payload, resp.Payload)
		}
	}
	if ct.Probes().Count() != 3 {
		t.Fatalf("expect three latency samples, got %d", ct.Probes().Count())
	}
	if ct.Peer().Version != int8(protocol.Version) {
		t.Fatalf("unexpected peer version %d", ct.Peer().Version)
	}
}

// Concurrent calls over one connection complete out of order and each caller gets
// its own response.
func TestClientTransportConcurrent(t *testing.T) {
	addr := startServer(t, nil)
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf("%d", (50-i)%10)
			resp, err := ct.Send(context.Background(), request(methodSleep, payload), NewClientOpts(5*time.Second))
			if err != nil {
				errs <- err
				return
			}
			if string(resp.Payload) != payload {
				errs <- fmt.Errorf("call %d: expect %q, got %q", i, payload, resp.Payload)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDeadlineIsRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	addr := startServer(t, release)
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	_, err := ct.Send(context.Background(), request(methodBlock, ""), NewClientOpts(50*time.Millisecond))
	if !errors.Is(err, protocol.ErrRequestTimeout) {
		t.Fatalf("expect ErrRequestTimeout, got %v", err)
	}
	// A call deadline does not close the connection.
	if !ct.IsValid() {
		t.Fatal("expect transport still valid")
	}
	resp, err := ct.Send(context.Background(), request(methodEcho, "after"), NewClientOpts(time.Second))
	if err != nil || string(resp.Payload) != "after" {
		t.Fatalf("expect follow-up call to succeed, got %v", err)
	}
}

func TestMethodNotFound(t *testing.T) {
	addr := startServer(t, nil)
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	resp, err := ct.Send(context.Background(), request(99, "x"), NewClientOpts(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(resp.Err(), protocol.ErrMethodNotFound) {
		t.Fatalf("expect ErrMethodNotFound, got %v", resp.Err())
	}
}

func TestCompressionThreshold(t *testing.T) {
	addr := startServer(t, nil)
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	opts := NewClientOpts(time.Second)
	opts.Compression = protocol.CompressionZstd
	big := strings.Repeat("z", 4096)
	resp, err := ct.Send(context.Background(), request(methodZstd, big), opts)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Err() != nil || string(resp.Payload) != big {
		t.Fatalf("expect zstd request accepted, got %v", resp.Err())
	}

	// Below the threshold the request goes out uncompressed.
	opts = NewClientOpts(time.Second)
	opts.Compression = protocol.CompressionZstd
	resp, err = ct.Send(context.Background(), request(methodZstd, "small"), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(resp.Err(), protocol.ErrServerError) {
		t.Fatalf("expect small request sent uncompressed, got %v", resp.Err())
	}
}

func TestResourceUnitsReleasedAfterWrite(t *testing.T) {
	addr := startServer(t, nil)
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	budget := resource.NewPool("caller", 100)
	units, err := budget.Reserve(context.Background(), 40)
	if err != nil {
		t.Fatal(err)
	}
	opts := NewClientOpts(time.Second)
	opts.ResourceUnits = resource.NewSet(units)

	if _, err := ct.Send(context.Background(), request(methodEcho, "x"), opts); err != nil {
		t.Fatal(err)
	}
	if budget.InUse() != 0 {
		t.Fatalf("expect caller units released, %d still in use", budget.InUse())
	}
}

func TestMaxQueuedBytes(t *testing.T) {
	addr := startServer(t, nil)
	cfg := config.DefaultTransportConfiguration(addr)
	cfg.MaxQueuedBytes = 64
	ct := dial(t, cfg)

	_, err := ct.Send(context.Background(), request(methodEcho, strings.Repeat("q", 100)), NewClientOpts(time.Second))
	if !errors.Is(err, resource.ErrExceedsCapacity) {
		t.Fatalf("expect ErrExceedsCapacity, got %v", err)
	}
	if _, err := ct.Send(context.Background(), request(methodEcho, "fits"), NewClientOpts(time.Second)); err != nil {
		t.Fatalf("expect small request to fit the queue, got %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	addr := startServer(t, release)
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	errc := make(chan error, 1)
	go func() {
		_, err := ct.Send(context.Background(), request(methodBlock, ""), NewClientOpts(5*time.Second))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	ct.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTransportClosed) {
			t.Fatalf("expect ErrTransportClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on Close")
	}
	if _, err := ct.Send(context.Background(), request(methodEcho, ""), NewClientOpts(time.Second)); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expect ErrTransportClosed after Close, got %v", err)
	}
}

func TestRecvTimeoutClosesConnection(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)
	addr := fakeServer(t, func(conn net.Conn) {
		h, err := readRequest(conn)
		if err != nil {
			return
		}
		// Start a response frame and never finish it.
		conn.Write(responseFrame(t, h.CorrelationID, "partial")[:10])
		<-stall
	})
	cfg := config.DefaultTransportConfiguration(addr)
	cfg.RecvTimeout = 100 * time.Millisecond
	ct := dial(t, cfg)

	_, err := ct.Send(context.Background(), request(methodEcho, "x"), NewClientOpts(5*time.Second))
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expect ErrTransportClosed, got %v", err)
	}
	if ct.IsValid() {
		t.Fatal("expect transport invalid after receive timeout")
	}
}

func TestCorruptResponseClosesConnection(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		h, err := readRequest(conn)
		if err != nil {
			return
		}
		b := responseFrame(t, h.CorrelationID, "payload")
		b[len(b)-1] ^= 0x01
		conn.Write(b)
		io.Copy(io.Discard, conn)
	})
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	_, err := ct.Send(context.Background(), request(methodEcho, "x"), NewClientOpts(2*time.Second))
	if !errors.Is(err, ErrTransportClosed) || !strings.Contains(err.Error(), protocol.ErrPayloadChecksum.Error()) {
		t.Fatalf("expect closed transport on payload checksum error, got %v", err)
	}
}

func TestVersionMismatch(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		protocol.ReadNegotiation(conn)
		protocol.WriteNegotiation(conn, protocol.NegotiationFrame{Version: 1})
	}()

	_, err = Dial(context.Background(), config.DefaultTransportConfiguration(l.Addr().String()), nil)
	if !errors.Is(err, protocol.ErrVersionMismatch) {
		t.Fatalf("expect ErrVersionMismatch, got %v", err)
	}
}

func TestOversizedResponseClosesConnection(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		h, err := readRequest(conn)
		if err != nil {
			return
		}
		// A well-formed header announcing far more than the client accepts.
		resp := protocol.Header{
			Version:       protocol.Version,
			Compression:   protocol.CompressionNone,
			PayloadSize:   1 << 31,
			Meta:          protocol.StatusSuccess.Wire(),
			CorrelationID: h.CorrelationID,
		}
		resp.Seal()
		b := protocol.EncodeHeader(resp)
		conn.Write(b[:])
		io.Copy(io.Discard, conn)
	})
	cfg := config.DefaultTransportConfiguration(addr)
	cfg.MaxPayloadSize = 1024
	ct := dial(t, cfg)

	_, err := ct.Send(context.Background(), request(methodEcho, "x"), NewClientOpts(2*time.Second))
	if !errors.Is(err, ErrTransportClosed) || !strings.Contains(err.Error(), protocol.ErrPayloadTooLarge.Error()) {
		t.Fatalf("expect closed transport on oversized response, got %v", err)
	}
	if ct.IsValid() {
		t.Fatal("expect transport to be unusable")
	}
}

func TestCloseSkipsAlreadyResolvedCall(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) { io.Copy(io.Discard, conn) })
	ct := dial(t, config.DefaultTransportConfiguration(addr))

	// A call whose result is already buffered but not yet collected.
	ch := make(chan result, 1)
	ch <- result{resp: &Response{}}
	ct.pending.Store(uint32(99), ch)

	closed := make(chan struct{})
	go func() {
		ct.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a call that already had its result")
	}
	if r := <-ch; r.err != nil || r.resp == nil {
		t.Fatalf("expect the buffered response to survive Close, got %+v", r)
	}
	if _, ok := ct.pending.Load(uint32(99)); ok {
		t.Fatal("expect pending entry removed on Close")
	}
}
