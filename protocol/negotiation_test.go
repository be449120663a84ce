package protocol

import (
	"errors"
	"net"
	"testing"
)

func TestNegotiate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := AcceptNegotiation(server, DefaultNegotiation())
		errCh <- err
	}()

	peer, err := Negotiate(client, NegotiationFrame{Version: 0, Compression: CompressionNone})
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if peer.Compression != CompressionZstd {
		t.Errorf("expected peer to advertise zstd, got %v", peer.Compression)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("AcceptNegotiation failed: %v", err)
	}
}

func TestNegotiateVersionMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := AcceptNegotiation(server, DefaultNegotiation())
		// The acceptor never replies to a foreign version; it closes.
		server.Close()
		errCh <- err
	}()

	_, err := Negotiate(client, NegotiationFrame{Version: 5})
	if err == nil {
		t.Fatal("expected negotiation to fail")
	}
	if err := <-errCh; !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch on acceptor, got %v", err)
	}
}

func TestReadNegotiationShort(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		client.Write([]byte{0})
		client.Close()
	}()
	_, err := ReadNegotiation(server)
	if !errors.Is(err, ErrShortNegotiation) {
		t.Fatalf("expected ErrShortNegotiation, got %v", err)
	}
}
