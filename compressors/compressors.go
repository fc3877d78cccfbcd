// Package compressors provides the block codecs used by SSTables.
package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusdb/core"
)

// ForType returns a codec for a CompressionType read from disk.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	}
	return nil, fmt.Errorf("%w: unknown compression type %d", core.ErrCorrupted, t)
}

// ForName returns a codec for a configuration value such as "snappy".
func ForName(name string) (core.Compressor, error) {
	t, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return ForType(t)
}
