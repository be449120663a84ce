// Package protocol implements the binary frame header for wire-rpc.
//
// Every message on a connection is a fixed 26-byte header followed by payload_size
// bytes of payload. The header carries two checksums: a CRC32 over the other header
// fields, and an xxhash64 over the (possibly compressed) payload bytes.
//
// Frame format (little-endian):
//
//	0   1        5   6        10       14       18                26
//	┌───┬────────┬───┬────────┬────────┬────────┬─────────────────┬──────────────┐
//	│ v │ hdrsum │ c │ paylen │  meta  │ corrid │   payloadsum    │ payload ...  │
//	│u8 │  u32   │u8 │  u32   │  u32   │  u32   │       u64       │ paylen bytes │
//	└───┴────────┴───┴────────┴────────┴────────┴─────────────────┴──────────────┘
//
// The layout is frozen: changing it breaks every peer on the wire.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"
)

const (
	// Version is the only header version in use. The byte is reserved for flags.
	Version    byte = 0
	HeaderSize int  = 26 // 1 + 4 + 1 + 4 + 4 + 4 + 8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Compression identifies how a payload is encoded on the wire.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// Valid reports whether c is a known compression type.
func (c Compression) Valid() bool {
	return c == CompressionNone || c == CompressionZstd
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// Header is the envelope sent with every payload, requests and responses alike.
type Header struct {
	Version         byte
	HeaderChecksum  uint32 // CRC32 over every other field
	Compression     Compression
	PayloadSize     uint32
	Meta            uint32 // method id on requests, status on responses
	CorrelationID   uint32 // matched against the pending call on the client
	PayloadChecksum uint64 // xxhash64 of the payload bytes as sent
}

// ChecksumHeaderOnly hashes every header field except HeaderChecksum, in declaration order.
func ChecksumHeaderOnly(h Header) uint32 {
	var buf [HeaderSize - 4]byte
	buf[0] = h.Version
	buf[1] = byte(h.Compression)
	binary.LittleEndian.PutUint32(buf[2:6], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[6:10], h.Meta)
	binary.LittleEndian.PutUint32(buf[10:14], h.CorrelationID)
	binary.LittleEndian.PutUint64(buf[14:22], h.PayloadChecksum)
	return crc32.Checksum(buf[:], castagnoli)
}

// PayloadChecksum returns the xxhash64 of b. An empty payload still has a checksum.
func PayloadChecksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Seal recomputes HeaderChecksum. It must be the last mutation before encoding.
func (h *Header) Seal() {
	h.HeaderChecksum = ChecksumHeaderOnly(*h)
}

// Validate reports whether HeaderChecksum matches the other fields.
func (h Header) Validate() bool {
	return h.HeaderChecksum == ChecksumHeaderOnly(h)
}

// MethodID interprets Meta as the method id of a request.
func (h Header) MethodID() MethodID {
	return DecodeMeta(DirectionRequest, h.Meta).(MethodID)
}

// Status interprets Meta as the status of a response.
func (h Header) Status() Status {
	return DecodeMeta(DirectionResponse, h.Meta).(Status)
}

func (h Header) String() string {
	return fmt.Sprintf("{version:%d, header_checksum:%d, compression:%s, payload_size:%d, meta:%d, correlation_id:%d, payload_checksum:%d}",
		h.Version, h.HeaderChecksum, h.Compression, h.PayloadSize, h.Meta, h.CorrelationID, h.PayloadChecksum)
}

// EncodeHeader serializes h as-is. Callers seal the header first.
func EncodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.Version
	binary.LittleEndian.PutUint32(buf[1:5], h.HeaderChecksum)
	buf[5] = byte(h.Compression)
	binary.LittleEndian.PutUint32(buf[6:10], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[10:14], h.Meta)
	binary.LittleEndian.PutUint32(buf[14:18], h.CorrelationID)
	binary.LittleEndian.PutUint64(buf[18:26], h.PayloadChecksum)
	return buf
}

// DecodeHeader parses exactly HeaderSize bytes and validates the header checksum,
// version and compression type.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(b))
	}
	h := Header{
		Version:         b[0],
		HeaderChecksum:  binary.LittleEndian.Uint32(b[1:5]),
		Compression:     Compression(b[5]),
		PayloadSize:     binary.LittleEndian.Uint32(b[6:10]),
		Meta:            binary.LittleEndian.Uint32(b[10:14]),
		CorrelationID:   binary.LittleEndian.Uint32(b[14:18]),
		PayloadChecksum: binary.LittleEndian.Uint64(b[18:26]),
	}
	// Checksum first: a corrupted version or compression byte is corruption, not a
	// protocol mismatch.
	if !h.Validate() {
		return Header{}, fmt.Errorf("%w: expected %d, got %d", ErrHeaderChecksum, ChecksumHeaderOnly(h), h.HeaderChecksum)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !h.Compression.Valid() {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedCompression, byte(h.Compression))
	}
	return h, nil
}

// ReadHeader reads and decodes one header from r.
// A stream that ends before HeaderSize bytes is reported as ErrShortHeader; a clean
// EOF before the first byte is returned as io.EOF so callers can tell an idle close apart.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrShortHeader
		}
		return Header{}, err
	}
	return DecodeHeader(buf[:])
}

// VerifyPayload checks the payload bytes against the header's size and checksum.
func VerifyPayload(h Header, payload []byte) error {
	if uint32(len(payload)) != h.PayloadSize {
		return fmt.Errorf("%w: size %d, header announced %d", ErrPayloadChecksum, len(payload), h.PayloadSize)
	}
	if sum := PayloadChecksum(payload); sum != h.PayloadChecksum {
		return fmt.Errorf("%w: expected %d, got %d", ErrPayloadChecksum, h.PayloadChecksum, sum)
	}
	return nil
}
