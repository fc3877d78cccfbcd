package sstable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusdb/compressors"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/filter"
	"github.com/INLOpen/nexusdb/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SSTableWriter builds a new SSTable in a temporary file and renames it into
// place on Finish, so a crash never leaves a partial table under its final name.
type SSTableWriter struct {
	id        uint64
	finalPath string
	tempPath  string
	file      *os.File
	w         *bufio.Writer
	offset    int64

	block      *blockBuilder
	blockFirst []byte
	blockSize  int
	index      IndexBuilder
	bloom      *filter.BloomBuilder
	compressor core.Compressor
	compressed bytes.Buffer
	props      Properties
	lastKey    []byte
	hasLast    bool
	finished   bool
	tracer     trace.Tracer
	logger     *slog.Logger
}

var _ core.SSTableWriterInterface = (*SSTableWriter)(nil)

// NewSSTableWriter creates a writer for table opts.ID inside opts.DataDir.
func NewSSTableWriter(opts core.SSTableWriterOptions) (core.SSTableWriterInterface, error) {
	return newWriter(opts)
}

func newWriter(opts core.SSTableWriterOptions) (*SSTableWriter, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFilterFalsePositiveRate <= 0 {
		opts.BloomFilterFalsePositiveRate = DefaultBloomFalsePositiveRate
	}

	finalPath := filepath.Join(opts.DataDir, core.FormatSSTableFileName(opts.ID))
	tempPath := finalPath + tempFileSuffix
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary sstable file %s: %w", tempPath, err)
	}

	w := &SSTableWriter{
		id:         opts.ID,
		finalPath:  finalPath,
		tempPath:   tempPath,
		file:       file,
		w:          bufio.NewWriterSize(file, 64*1024),
		block:      newBlockBuilder(DefaultRestartPointInterval),
		blockSize:  opts.BlockSize,
		bloom:      filter.NewBloomBuilder(int(opts.EstimatedKeys), opts.BloomFilterFalsePositiveRate),
		compressor: opts.Compressor,
		tracer:     opts.Tracer,
		logger:     opts.Logger.With("component", "SSTableWriter", "id", opts.ID),
	}

	header := core.NewFileHeader(core.SSTableMagicNumber, opts.Compressor.Type())
	n, err := header.WriteTo(w.w)
	if err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to write sstable header: %w", err)
	}
	w.offset = n
	return w, nil
}

// Add appends an entry. Keys must be strictly increasing.
func (w *SSTableWriter) Add(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	if w.finished {
		return fmt.Errorf("sstable %d: add after finish", w.id)
	}
	if w.hasLast && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %x after %x", ErrOutOfOrder, key, w.lastKey)
	}

	if !w.block.empty() && w.block.estimatedSize() >= w.blockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	if w.block.empty() {
		w.blockFirst = append(w.blockFirst[:0], key...)
	}
	w.block.add(key, value, entryType, seqNum)
	w.bloom.Add(key)

	if !w.hasLast {
		w.props.MinKey = append([]byte(nil), key...)
		w.props.MinSeq = seqNum
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.hasLast = true
	w.props.KeyCount++
	if entryType == core.EntryTypeDelete {
		w.props.TombstoneCount++
	}
	if seqNum < w.props.MinSeq {
		w.props.MinSeq = seqNum
	}
	if seqNum > w.props.MaxSeq {
		w.props.MaxSeq = seqNum
	}
	return nil
}

// flushBlock compresses the pending block and writes it with its header.
func (w *SSTableWriter) flushBlock() error {
	payload := w.block.finish()
	if err := w.compressor.CompressTo(&w.compressed, payload); err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	data := w.compressed.Bytes()

	var hdr [blockHeaderSize]byte
	hdr[0] = byte(w.compressor.Type())
	binary.LittleEndian.PutUint32(hdr[1:], crc32.Checksum(data, crc32cTable))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write data block: %w", err)
	}

	length := uint32(blockHeaderSize + len(data))
	w.index.Add(w.blockFirst, w.lastKey, uint64(w.offset), length)
	w.offset += int64(length)
	w.block.reset()
	return nil
}

// Finish writes the index, bloom filter, properties and footer, syncs the
// file and renames it to its final name.
func (w *SSTableWriter) Finish() (err error) {
	if w.finished {
		return nil
	}
	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(context.Background(), "SSTableWriter.Finish")
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	defer func() {
		if err != nil {
			w.abort()
		}
	}()

	if !w.block.empty() {
		if err := w.flushBlock(); err != nil {
			return fmt.Errorf("failed to flush final block: %w", err)
		}
	}
	w.props.MaxKey = append([]byte(nil), w.lastKey...)

	indexData, indexCRC := w.index.Build()
	indexOffset := w.offset
	if err := w.write(indexData); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	bloomData := w.bloom.Build()
	bloomOffset := w.offset
	if err := w.write(bloomData); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}
	propsData := w.props.encode()
	propsOffset := w.offset
	if err := w.write(propsData); err != nil {
		return fmt.Errorf("failed to write properties: %w", err)
	}

	footer := make([]byte, 0, FooterSize)
	footer = binary.LittleEndian.AppendUint64(footer, uint64(indexOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(indexData)))
	footer = binary.LittleEndian.AppendUint32(footer, indexCRC)
	footer = binary.LittleEndian.AppendUint64(footer, uint64(bloomOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(bloomData)))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(propsOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(propsData)))
	footer = binary.LittleEndian.AppendUint32(footer, crc32.Checksum(propsData, crc32cTable))
	footer = append(footer, magicString...)
	if err := w.write(footer); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush sstable: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync sstable: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close sstable: %w", err)
	}
	w.file = nil
	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		return fmt.Errorf("failed to rename sstable into place: %w", err)
	}
	if err := sys.SyncDir(filepath.Dir(w.finalPath)); err != nil {
		return fmt.Errorf("failed to sync sstable directory: %w", err)
	}
	w.finished = true

	if span != nil {
		span.SetAttributes(
			attribute.Int64("sstable.id", int64(w.id)),
			attribute.Int64("sstable.size_bytes", w.offset),
			attribute.Int64("sstable.keys", int64(w.props.KeyCount)),
			attribute.Int("sstable.blocks", len(w.index.entries)),
		)
	}
	w.logger.Debug("SSTable written", "path", w.finalPath, "size", w.offset, "keys", w.props.KeyCount, "blocks", len(w.index.entries))
	return nil
}

func (w *SSTableWriter) write(p []byte) error {
	n, err := w.w.Write(p)
	w.offset += int64(n)
	return err
}

// Abort discards the partially written table.
func (w *SSTableWriter) Abort() error {
	if w.finished {
		return nil
	}
	return w.abort()
}

func (w *SSTableWriter) abort() error {
	w.finished = true
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if err := os.Remove(w.tempPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FilePath returns the final path of the table.
func (w *SSTableWriter) FilePath() string {
	return w.finalPath
}

// CurrentSize returns the bytes written so far plus the pending block.
func (w *SSTableWriter) CurrentSize() int64 {
	return w.offset + int64(w.block.estimatedSize())
}

// KeyCount returns the number of entries added.
func (w *SSTableWriter) KeyCount() uint64 {
	return w.props.KeyCount
}
