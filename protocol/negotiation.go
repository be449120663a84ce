package protocol

import (
	"errors"
	"fmt"
	"io"
)

// NegotiationSize is the length of the handshake frame on the wire.
const NegotiationSize = 2

// NegotiationFrame is exchanged once per connection, before any header-framed message.
// It is not checksummed.
type NegotiationFrame struct {
	Version     int8
	Compression Compression // capability advertisement only
}

// DefaultNegotiation advertises version 0 with zstd support.
func DefaultNegotiation() NegotiationFrame {
	return NegotiationFrame{Version: int8(Version), Compression: CompressionZstd}
}

// WriteNegotiation writes f to w.
func WriteNegotiation(w io.Writer, f NegotiationFrame) error {
	_, err := w.Write([]byte{byte(f.Version), byte(f.Compression)})
	return err
}

// ReadNegotiation reads one handshake frame from r.
func ReadNegotiation(r io.Reader) (NegotiationFrame, error) {
	var buf [NegotiationSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return NegotiationFrame{}, ErrShortNegotiation
		}
		return NegotiationFrame{}, err
	}
	return NegotiationFrame{Version: int8(buf[0]), Compression: Compression(buf[1])}, nil
}

// Negotiate runs the initiating side of the handshake: it proposes local and expects
// the peer to accept that exact version.
func Negotiate(rw io.ReadWriter, local NegotiationFrame) (NegotiationFrame, error) {
	if err := WriteNegotiation(rw, local); err != nil {
		return NegotiationFrame{}, err
	}
	peer, err := ReadNegotiation(rw)
	if err != nil {
		return NegotiationFrame{}, err
	}
	if peer.Version != local.Version {
		return peer, fmt.Errorf("%w: proposed %d, peer answered %d", ErrVersionMismatch, local.Version, peer.Version)
	}
	return peer, nil
}

// AcceptNegotiation runs the accepting side. A proposal for any version other than
// local.Version is refused without a reply; there is no downgrade. The caller closes
// the connection on error.
func AcceptNegotiation(rw io.ReadWriter, local NegotiationFrame) (NegotiationFrame, error) {
	peer, err := ReadNegotiation(rw)
	if err != nil {
		return NegotiationFrame{}, err
	}
	if peer.Version != local.Version {
		return peer, fmt.Errorf("%w: peer proposed %d, supported %d", ErrVersionMismatch, peer.Version, local.Version)
	}
	if err := WriteNegotiation(rw, local); err != nil {
		return peer, err
	}
	return peer, nil
}
