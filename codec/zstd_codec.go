package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"wire-rpc/protocol"
)

// DefaultMaxDecodedSize bounds the memory a single decompressed payload may use.
const DefaultMaxDecodedSize = 128 << 20

// ZstdCodec compresses payloads with zstd.
// Encoder and decoder are created on first use and shared; EncodeAll and DecodeAll
// are safe for concurrent use.
type ZstdCodec struct {
	maxDecodedSize uint64

	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

func NewZstdCodec(maxDecodedSize uint64) *ZstdCodec {
	return &ZstdCodec{maxDecodedSize: maxDecodedSize}
}

func (c *ZstdCodec) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(c.maxDecodedSize))
	})
	return c.initErr
}

func (c *ZstdCodec) Encode(src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (c *ZstdCodec) Decode(src []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.decoder.DecodeAll(src, nil)
}

func (c *ZstdCodec) Type() protocol.Compression {
	return protocol.CompressionZstd
}
