package sstable

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusdb/cache"
	"github.com/INLOpen/nexusdb/compressors"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/filter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LoadSSTableOptions configures Open.
type LoadSSTableOptions struct {
	FilePath   string
	ID         uint64
	BlockCache *cache.BlockCache
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// SSTable is an open, immutable table file. It is reference counted: the
// owner holds one reference from Open, readers take more with Ref, and the
// file is closed once the count reaches zero. A table marked obsolete is
// also deleted at that point.
type SSTable struct {
	id         uint64
	filePath   string
	file       *os.File
	size       int64
	index      *Index
	bloom      *filter.BloomFilter
	props      *Properties
	compressor core.Compressor
	blockCache *cache.BlockCache
	tracer     trace.Tracer
	logger     *slog.Logger

	refs     atomic.Int64
	obsolete atomic.Bool
	closeMu  sync.Mutex
	closed   bool
	onDelete func(*SSTable)
}

// Open reads the footer, index, bloom filter and properties of a table.
func Open(opts LoadSSTableOptions) (*SSTable, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	file, err := os.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable %s: %w", opts.FilePath, err)
	}
	t, err := load(file, opts)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable %s: %w", opts.FilePath, err)
	}
	t.refs.Store(1)
	return t, nil
}

func load(file *os.File, opts LoadSSTableOptions) (*SSTable, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < int64(core.FileHeaderSize+FooterSize) {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", core.ErrCorrupted, size)
	}

	header, err := core.ReadFileHeader(io.NewSectionReader(file, 0, int64(core.FileHeaderSize)), core.SSTableMagicNumber)
	if err != nil {
		return nil, err
	}
	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return nil, err
	}

	footer := make([]byte, FooterSize)
	if _, err := file.ReadAt(footer, size-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if string(footer[footerFixedSize:]) != magicString {
		return nil, fmt.Errorf("%w: bad footer magic", core.ErrCorrupted)
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:]))
	indexLen := binary.LittleEndian.Uint32(footer[8:])
	indexCRC := binary.LittleEndian.Uint32(footer[12:])
	bloomOffset := int64(binary.LittleEndian.Uint64(footer[16:]))
	bloomLen := binary.LittleEndian.Uint32(footer[24:])
	propsOffset := int64(binary.LittleEndian.Uint64(footer[28:]))
	propsLen := binary.LittleEndian.Uint32(footer[36:])
	propsCRC := binary.LittleEndian.Uint32(footer[40:])

	readSection := func(name string, off int64, n uint32) ([]byte, error) {
		if off < int64(core.FileHeaderSize) || off+int64(n) > size-int64(FooterSize) {
			return nil, fmt.Errorf("%w: %s section out of bounds", core.ErrCorrupted, name)
		}
		buf := make([]byte, n)
		if _, err := file.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return buf, nil
	}

	indexData, err := readSection("index", indexOffset, indexLen)
	if err != nil {
		return nil, err
	}
	index, err := DecodeIndex(indexData, indexCRC)
	if err != nil {
		return nil, err
	}
	bloomData, err := readSection("bloom filter", bloomOffset, bloomLen)
	if err != nil {
		return nil, err
	}
	bloom, err := filter.Decode(bloomData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupted, err)
	}
	propsData, err := readSection("properties", propsOffset, propsLen)
	if err != nil {
		return nil, err
	}
	if crc32.Checksum(propsData, crc32cTable) != propsCRC {
		return nil, fmt.Errorf("%w: properties: %w", core.ErrCorrupted, core.ErrChecksumMismatch)
	}
	props, err := decodeProperties(propsData)
	if err != nil {
		return nil, err
	}

	return &SSTable{
		id:         opts.ID,
		filePath:   opts.FilePath,
		file:       file,
		size:       size,
		index:      index,
		bloom:      bloom,
		props:      props,
		compressor: compressor,
		blockCache: opts.BlockCache,
		tracer:     opts.Tracer,
		logger:     opts.Logger.With("component", "SSTable", "id", opts.ID),
	}, nil
}

func (t *SSTable) ID() uint64                 { return t.id }
func (t *SSTable) FilePath() string           { return t.filePath }
func (t *SSTable) Size() int64                { return t.size }
func (t *SSTable) MinKey() []byte             { return t.props.MinKey }
func (t *SSTable) MaxKey() []byte             { return t.props.MaxKey }
func (t *SSTable) KeyCount() uint64           { return t.props.KeyCount }
func (t *SSTable) TombstoneCount() uint64     { return t.props.TombstoneCount }
func (t *SSTable) SeqRange() (uint64, uint64) { return t.props.MinSeq, t.props.MaxSeq }
func (t *SSTable) Index() *Index              { return t.index }

// Overlaps reports whether [start, end) intersects the table's key range.
// A nil end is unbounded.
func (t *SSTable) Overlaps(start, end []byte) bool {
	if t.props.KeyCount == 0 {
		return false
	}
	if end != nil && bytes.Compare(t.props.MinKey, end) >= 0 {
		return false
	}
	return start == nil || bytes.Compare(t.props.MaxKey, start) >= 0
}

// MayContain consults the bloom filter.
func (t *SSTable) MayContain(key []byte) bool {
	return t.bloom.Contains(key)
}

// Get looks up key. It returns ErrNotFound when the table has no entry for it;
// tombstones are returned as entries.
func (t *SSTable) Get(ctx context.Context, key []byte) (*core.Entry, error) {
	if t.tracer != nil {
		var span trace.Span
		_, span = t.tracer.Start(ctx, "SSTable.Get", trace.WithAttributes(attribute.Int64("sstable.id", int64(t.id))))
		defer span.End()
	}
	if t.props.KeyCount == 0 ||
		bytes.Compare(key, t.props.MinKey) < 0 || bytes.Compare(key, t.props.MaxKey) > 0 {
		return nil, ErrNotFound
	}
	if !t.bloom.Contains(key) {
		return nil, ErrNotFound
	}
	i := t.index.Find(key)
	if i < 0 {
		return nil, ErrNotFound
	}
	blk, err := t.readBlock(t.index.entries[i])
	if err != nil {
		return nil, err
	}
	it := newBlockIterator(blk)
	if !it.seek(key) {
		if it.err != nil {
			return nil, it.err
		}
		return nil, ErrNotFound
	}
	if !bytes.Equal(it.key, key) {
		return nil, ErrNotFound
	}
	return &core.Entry{
		Key:       append([]byte(nil), it.key...),
		Value:     append([]byte(nil), it.value...),
		EntryType: it.typ,
		SeqNum:    it.seq,
	}, nil
}

// readBlock loads, verifies and decompresses one block, going through the block cache.
func (t *SSTable) readBlock(e BlockIndexEntry) (*block, error) {
	payload, err := t.blockCache.GetOrLoad(cache.BlockKey{TableID: t.id, Offset: e.Offset}, func() ([]byte, error) {
		return t.loadBlock(e)
	})
	if err != nil {
		return nil, err
	}
	return parseBlock(payload)
}

func (t *SSTable) loadBlock(e BlockIndexEntry) ([]byte, error) {
	if e.Length < blockHeaderSize || int64(e.Offset)+int64(e.Length) > t.size {
		return nil, fmt.Errorf("%w: block at %d out of bounds", core.ErrCorrupted, e.Offset)
	}
	raw := make([]byte, e.Length)
	if _, err := t.file.ReadAt(raw, int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read block at %d: %w", e.Offset, err)
	}
	data := raw[blockHeaderSize:]
	if crc32.Checksum(data, crc32cTable) != binary.LittleEndian.Uint32(raw[1:blockHeaderSize]) {
		return nil, fmt.Errorf("%w: block at offset %d in %s: %w", core.ErrCorrupted, e.Offset, t.filePath, core.ErrChecksumMismatch)
	}
	compressor := t.compressor
	if core.CompressionType(raw[0]) != compressor.Type() {
		c, err := compressors.ForType(core.CompressionType(raw[0]))
		if err != nil {
			return nil, err
		}
		compressor = c
	}
	return compressor.Decompress(nil, data)
}

// NewIterator returns an iterator over entries with keys in [start, end).
// The iterator holds a reference on the table until closed.
func (t *SSTable) NewIterator(start, end []byte) core.EntryIterator {
	t.Ref()
	return &Iterator{table: t, start: start, end: end}
}

// Ref takes an additional reference.
func (t *SSTable) Ref() {
	t.refs.Add(1)
}

// Unref drops a reference and closes the table when none remain.
func (t *SSTable) Unref() error {
	if n := t.refs.Add(-1); n > 0 {
		return nil
	} else if n < 0 {
		t.logger.Error("SSTable reference count went negative", "refs", n)
		return nil
	}
	return t.close()
}

// Refs returns the current reference count.
func (t *SSTable) Refs() int64 {
	return t.refs.Load()
}

// MarkObsolete schedules the file for deletion once the last reference is gone.
// onDelete, if set, runs just before the file is removed.
func (t *SSTable) MarkObsolete(onDelete func(*SSTable)) {
	t.onDelete = onDelete
	t.obsolete.Store(true)
}

// IsObsolete reports whether the table was superseded.
func (t *SSTable) IsObsolete() bool {
	return t.obsolete.Load()
}

func (t *SSTable) close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	err := t.file.Close()
	if t.obsolete.Load() {
		if t.onDelete != nil {
			t.onDelete(t)
		}
		t.blockCache.EvictTable(t.id)
		if rmErr := os.Remove(t.filePath); rmErr != nil && !os.IsNotExist(rmErr) {
			t.logger.Error("Failed to delete obsolete sstable", "path", t.filePath, "error", rmErr)
			if err == nil {
				err = rmErr
			}
		} else {
			t.logger.Debug("Deleted obsolete sstable", "path", t.filePath)
		}
	}
	return err
}
