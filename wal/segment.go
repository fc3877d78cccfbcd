package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/sys"
)

const (
	// recordHeaderSize is the length prefix of a record frame.
	recordHeaderSize = 4
	// maxRecordSize bounds a single record; anything larger is treated as garbage.
	maxRecordSize = 64 * 1024 * 1024
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// errTornRecord marks a record that ends past the end of the file.
var errTornRecord = errors.New("torn record")

// Segment represents a single WAL segment file.
type Segment struct {
	file  *os.File
	path  string
	index uint64
}

// SegmentWriter handles writing records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
	size   int64
}

// SegmentReader handles reading records from a segment.
type SegmentReader struct {
	*Segment
	reader   *bufio.Reader
	fileSize int64
	// offset is the byte offset just past the last record returned.
	offset int64
}

// CreateSegment creates a new segment file in the given directory.
// preallocate is a hint; filesystems without fallocate support simply skip it.
func CreateSegment(dir string, index uint64, preallocate int64) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}
	if preallocate > 0 {
		if err := sys.Preallocate(file, preallocate); err != nil && !errors.Is(err, sys.ErrPreallocNotSupported) {
			file.Close()
			return nil, fmt.Errorf("failed to preallocate segment %s: %w", path, err)
		}
	}

	header := core.NewFileHeader(core.WALMagicNumber, core.CompressionNone)
	n, err := header.WriteTo(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync segment header %s: %w", path, err)
	}

	return &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index},
		writer:  bufio.NewWriter(file),
		size:    n,
	}, nil
}

// openSegmentForAppend reopens an existing segment at its current end.
func openSegmentForAppend(dir string, index uint64) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s for append: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index},
		writer:  bufio.NewWriter(file),
		size:    stat.Size(),
	}, nil
}

// OpenSegmentForRead opens an existing segment file for reading.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	reader := bufio.NewReader(file)
	if _, err := core.ReadFileHeader(reader, core.WALMagicNumber); err != nil {
		file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// A crash between create and header sync leaves a short file.
			return nil, fmt.Errorf("segment %s truncated at header: %w", path, errTornRecord)
		}
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}

	return &SegmentReader{
		Segment:  &Segment{file: file, path: path, index: index},
		reader:   reader,
		fileSize: stat.Size(),
		offset:   int64(core.FileHeaderSize),
	}, nil
}

// WriteRecord writes a single record to the segment.
// Format: length (4 bytes) | data (variable) | crc32c (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := sw.writer.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	var sum [core.ChecksumSize]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.Checksum(data, crc32cTable))
	if _, err := sw.writer.Write(sum[:]); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	sw.size += int64(recordHeaderSize + len(data) + core.ChecksumSize)
	return nil
}

// Flush pushes buffered records to the OS without fsync.
func (sw *SegmentWriter) Flush() error {
	return sw.writer.Flush()
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Size returns the logical size of the segment including buffered bytes.
func (sw *SegmentWriter) Size() int64 {
	return sw.size
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// ReadRecord reads a single record from the segment.
// It returns io.EOF at a clean end, errTornRecord when the record runs past
// the end of the file, and a checksum error otherwise.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	var hdr [recordHeaderSize]byte
	n, err := io.ReadFull(sr.reader, hdr[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		if err == io.ErrUnexpectedEOF && n > 0 {
			return nil, errTornRecord
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	end := sr.offset + recordHeaderSize + int64(length) + core.ChecksumSize
	if end > sr.fileSize {
		// A torn append is the last thing in the file. A damaged length
		// field in the middle is not, and must not cost the records after it.
		if at, ok := sr.findFrame(sr.offset + 1); ok {
			return nil, fmt.Errorf("%w: record length %d at offset %d overruns the file, valid record follows at offset %d",
				core.ErrCorrupted, length, sr.offset, at)
		}
		return nil, errTornRecord
	}
	if length > maxRecordSize {
		return nil, fmt.Errorf("%w: record length %d at offset %d", core.ErrCorrupted, length, sr.offset)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(sr.reader, data); err != nil {
		return nil, errTornRecord
	}
	var sum [core.ChecksumSize]byte
	if _, err := io.ReadFull(sr.reader, sum[:]); err != nil {
		return nil, errTornRecord
	}
	if crc32.Checksum(data, crc32cTable) != binary.LittleEndian.Uint32(sum[:]) {
		if end == sr.fileSize {
			// The last record of the file was only partly persisted.
			return nil, errTornRecord
		}
		return nil, fmt.Errorf("%w: %w at offset %d", core.ErrCorrupted, core.ErrChecksumMismatch, sr.offset)
	}
	sr.offset = end
	return data, nil
}

// findFrame looks for a complete record with a matching checksum starting at
// or after from. Empty records are skipped since a run of zero bytes frames one.
func (sr *SegmentReader) findFrame(from int64) (int64, bool) {
	if from >= sr.fileSize {
		return 0, false
	}
	tail := make([]byte, sr.fileSize-from)
	if _, err := sr.file.ReadAt(tail, from); err != nil && err != io.EOF {
		return 0, false
	}
	for i := 0; i+recordHeaderSize+core.ChecksumSize < len(tail); i++ {
		length := binary.LittleEndian.Uint32(tail[i:])
		if length == 0 || length > maxRecordSize {
			continue
		}
		end := i + recordHeaderSize + int(length) + core.ChecksumSize
		if end > len(tail) {
			continue
		}
		data := tail[i+recordHeaderSize : end-core.ChecksumSize]
		if crc32.Checksum(data, crc32cTable) == binary.LittleEndian.Uint32(tail[end-core.ChecksumSize:end]) {
			return from + int64(i), true
		}
	}
	return 0, false
}

// Offset returns the position just after the last valid record read.
func (sr *SegmentReader) Offset() int64 {
	return sr.offset
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}
