package compressors

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/INLOpen/nexusdb/core"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder serve every ZstdCompressor.
func sharedZstdEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder
}

func sharedZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(256*1024*1024))
	})
	return zstdDecoder
}

// ZstdCompressor implements the Compressor interface using Zstandard frames.
type ZstdCompressor struct{}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return sharedZstdEncoder().EncodeAll(data, nil), nil
}

func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	out := sharedZstdEncoder().EncodeAll(src, dst.AvailableBuffer())
	_, err := dst.Write(out)
	return err
}

func (c *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	out, err := sharedZstdDecoder().DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %v", core.ErrCorrupted, err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
