package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FileHeader is a standard header for all persistent log/index files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// FileHeaderSize is the encoded size of a FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// WriteTo writes the header in little-endian layout.
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFileHeader reads a header and checks its magic number and version.
func ReadFileHeader(r io.Reader, wantMagic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("read file header: %w", err)
	}
	if h.Magic != wantMagic {
		return h, fmt.Errorf("%w: bad magic 0x%08x, want 0x%08x", ErrCorrupted, h.Magic, wantMagic)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("%w: unsupported format version %d", ErrCorrupted, h.Version)
	}
	return h, nil
}
