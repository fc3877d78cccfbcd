package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusdb/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4DecodedSize bounds the size prefix so a damaged block cannot force a huge allocation.
const maxLZ4DecodedSize = 256 * 1024 * 1024

// LZ4Compressor implements the Compressor interface using LZ4 blocks.
// The raw LZ4 block format does not record the decoded length, so each block
// is prefixed with it as a uvarint.
type LZ4Compressor struct {
	compressor lz4.Compressor
}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompressTo is not safe for concurrent use on the same LZ4Compressor.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(src)))
	dst.Write(prefix[:n])
	if len(src) == 0 {
		return nil
	}

	bound := lz4.CompressBlockBound(len(src))
	dst.Grow(bound)
	out := dst.AvailableBuffer()[:bound]
	written, err := c.compressor.CompressBlock(src, out)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if written == 0 {
		// Incompressible input: lz4 reports zero and expects the caller to store it raw.
		// A literal-only block keeps the format uniform.
		return c.writeLiteralBlock(dst, src)
	}
	_, err = dst.Write(out[:written])
	return err
}

// writeLiteralBlock encodes src as a single LZ4 literal run.
func (c *LZ4Compressor) writeLiteralBlock(dst *bytes.Buffer, src []byte) error {
	n := len(src)
	if n < 15 {
		dst.WriteByte(byte(n << 4))
	} else {
		dst.WriteByte(0xF0)
		rest := n - 15
		for rest >= 255 {
			dst.WriteByte(255)
			rest -= 255
		}
		dst.WriteByte(byte(rest))
	}
	_, err := dst.Write(src)
	return err
}

func (c *LZ4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	size, n := binary.Uvarint(src)
	if n <= 0 || size > maxLZ4DecodedSize {
		return nil, fmt.Errorf("%w: lz4 block size prefix", core.ErrCorrupted)
	}
	if cap(dst) < int(size) {
		dst = make([]byte, size)
	}
	dst = dst[:size]
	if size == 0 {
		return dst, nil
	}
	written, err := lz4.UncompressBlock(src[n:], dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decompress: %v", core.ErrCorrupted, err)
	}
	if written != int(size) {
		return nil, fmt.Errorf("%w: lz4 decoded %d bytes, want %d", core.ErrCorrupted, written, size)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
