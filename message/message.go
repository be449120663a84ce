// Package message builds outbound wire-rpc messages.
//
// Netbuf is the builder for one request or response: the caller fills in the header
// fields and writes the payload into Buffer(), then converts it to wire bytes exactly once.
//
//	nb := message.New()
//	nb.SetServiceMethodID(7)
//	nb.SetCompression(protocol.CompressionZstd)
//	nb.Buffer().Write(payload)
//	bufs, err := nb.AsScattered() // header + payload, ready for writev
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"wire-rpc/codec"
	"wire-rpc/protocol"
)

// DefaultMinCompressionBytes is the payload size below which compression is skipped.
const DefaultMinCompressionBytes = 1024

var (
	ErrConsumed     = errors.New("message: netbuf already converted to wire bytes")
	ErrMetaConflict = errors.New("message: both status and method id set on one netbuf")
)

// Netbuf is a single-use outbound message builder. It is owned by one goroutine.
type Netbuf struct {
	hdr                 protocol.Header
	meta                protocol.Meta
	conflict            bool
	minCompressionBytes int
	out                 bytes.Buffer
	consumed            bool
}

func New() *Netbuf {
	return &Netbuf{minCompressionBytes: DefaultMinCompressionBytes}
}

func (n *Netbuf) setMeta(m protocol.Meta) {
	if n.meta != nil {
		_, wasStatus := n.meta.(protocol.Status)
		_, isStatus := m.(protocol.Status)
		if wasStatus != isStatus {
			n.conflict = true
		}
	}
	n.meta = m
}

// SetStatus marks the message as a response with status st.
func (n *Netbuf) SetStatus(st protocol.Status) { n.setMeta(st) }

// SetServiceMethodID marks the message as a request for method id.
func (n *Netbuf) SetServiceMethodID(id uint32) { n.setMeta(protocol.MethodID(id)) }

func (n *Netbuf) SetCorrelationID(id uint32) { n.hdr.CorrelationID = id }

// SetCompression requests a compression mode. Whether it is applied depends on the
// payload size at conversion time.
func (n *Netbuf) SetCompression(c protocol.Compression) { n.hdr.Compression = c }

func (n *Netbuf) SetMinCompressionBytes(min int) { n.minCompressionBytes = min }

// Buffer is the payload under construction.
func (n *Netbuf) Buffer() *bytes.Buffer { return &n.out }

// Meta returns the meta value set so far, or nil.
func (n *Netbuf) Meta() protocol.Meta { return n.meta }

// Header returns a copy of the header as currently built. Size and checksums are
// only final after AsScattered.
func (n *Netbuf) Header() protocol.Header { return n.hdr }

// AsScattered converts the netbuf into a header buffer and a payload buffer.
//
// Compression is applied only if it was requested and the payload is at least
// min-compression-bytes long; otherwise the header says none. Payload size and
// checksum are computed over the final bytes and the header checksum last.
// The netbuf is consumed by the call.
func (n *Netbuf) AsScattered() (net.Buffers, error) {
	if n.consumed {
		return nil, ErrConsumed
	}
	n.consumed = true
	if n.conflict {
		return nil, ErrMetaConflict
	}
	if !n.hdr.Compression.Valid() {
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnsupportedCompression, byte(n.hdr.Compression))
	}

	payload := n.out.Bytes()
	if n.hdr.Compression != protocol.CompressionNone && len(payload) >= n.minCompressionBytes {
		cdc, err := codec.GetCodec(n.hdr.Compression)
		if err != nil {
			return nil, err
		}
		compressed, err := cdc.Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("message: compress payload: %w", err)
		}
		payload = compressed
	} else {
		n.hdr.Compression = protocol.CompressionNone
	}

	if n.meta != nil {
		n.hdr.Meta = n.meta.Wire()
	}
	n.hdr.Version = protocol.Version
	n.hdr.PayloadSize = uint32(len(payload))
	n.hdr.PayloadChecksum = protocol.PayloadChecksum(payload)
	n.hdr.Seal()

	header := protocol.EncodeHeader(n.hdr)
	return net.Buffers{header[:], payload}, nil
}

// WriteTo converts the netbuf and writes it to w. It consumes the netbuf.
func (n *Netbuf) WriteTo(w io.Writer) (int64, error) {
	bufs, err := n.AsScattered()
	if err != nil {
		return 0, err
	}
	return bufs.WriteTo(w)
}

// Size returns the total number of bytes in bufs.
func Size(bufs net.Buffers) int {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	return total
}
