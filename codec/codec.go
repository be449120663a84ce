// Package codec implements the payload compression codecs negotiated by wire-rpc.
//
// A codec turns the payload bytes of one message into the bytes that go on the wire,
// and back. The header's compression byte says which codec produced a payload.
package codec

import (
	"fmt"

	"wire-rpc/protocol"
)

type Codec interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
	Type() protocol.Compression
}

var (
	noneCodec = &NoneCodec{}
	zstdCodec = NewZstdCodec(DefaultMaxDecodedSize)
)

// GetCodec returns the shared codec for a compression type.
func GetCodec(c protocol.Compression) (Codec, error) {
	switch c {
	case protocol.CompressionNone:
		return noneCodec, nil
	case protocol.CompressionZstd:
		return zstdCodec, nil
	default:
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnsupportedCompression, byte(c))
	}
}

// NoneCodec passes payloads through untouched.
type NoneCodec struct{}

func (c *NoneCodec) Encode(src []byte) ([]byte, error) { return src, nil }

func (c *NoneCodec) Decode(src []byte) ([]byte, error) { return src, nil }

func (c *NoneCodec) Type() protocol.Compression { return protocol.CompressionNone }
