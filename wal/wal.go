package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/hooks"
)

// WAL (Write-Ahead Log) provides durability by logging operations before they are applied to memtable.
// It manages a directory of segment files.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64
	// segmentMaxSeq holds the highest sequence number written to each segment.
	segmentMaxSeq map[uint64]uint64

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	testingOnlyInjectAppendError error
}

var _ WALInterface = (*WAL)(nil)

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       core.WALSyncMode
	MaxSegmentSize int64
	// Preallocate reserves MaxSegmentSize bytes for each new segment when supported.
	Preallocate    bool
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

// RecoveryInfo summarises what Open found on disk.
type RecoveryInfo struct {
	Segments       int
	Entries        int
	TruncatedBytes int64
}

// Open creates or opens a WAL directory, replays every segment and prepares
// the last one for appending. A torn record at the tail of the last segment is
// cut off; any other damage is returned as an error wrapping core.ErrCorrupted.
func Open(opts Options) (*WAL, []core.WALEntry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL_default")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = core.WALMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = core.WALSyncAlways
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		hookManager:           opts.HookManager,
		segmentMaxSeq:         make(map[uint64]uint64),
	}

	if err := w.loadSegments(); err != nil {
		return nil, nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}

	start := time.Now()
	entries, info, err := w.recover()
	if err != nil {
		return nil, nil, err
	}

	if err := w.openForAppend(); err != nil {
		return nil, nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	if len(w.segmentIndexes) > 0 {
		w.logger.Info("WAL recovered", "segments", info.Segments, "entries", info.Entries, "truncated_bytes", info.TruncatedBytes)
	}
	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewEvent(hooks.EventPostWALRecovery, hooks.PostWALRecoveryPayload{
			RecoveredEntries: info.Entries,
			TruncatedBytes:   info.TruncatedBytes,
			Duration:         time.Since(start),
		}))
	}
	return w, entries, nil
}

// loadSegments scans the WAL directory and populates the segmentIndexes slice.
func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	w.segmentIndexes = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := core.ParseSegmentFileName(file.Name())
		if err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool {
		return w.segmentIndexes[i] < w.segmentIndexes[j]
	})
	return nil
}

// recover reads all entries from all known segments in order.
func (w *WAL) recover() ([]core.WALEntry, RecoveryInfo, error) {
	var all []core.WALEntry
	var info RecoveryInfo
	for i, index := range w.segmentIndexes {
		isLast := i == len(w.segmentIndexes)-1
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		entries, validOffset, err := readSegment(path)
		all = append(all, entries...)
		for _, e := range entries {
			if e.SeqNum > w.segmentMaxSeq[index] {
				w.segmentMaxSeq[index] = e.SeqNum
			}
		}
		info.Segments++
		info.Entries += len(entries)
		if err == nil {
			continue
		}
		if !errors.Is(err, errTornRecord) || !isLast {
			return nil, info, fmt.Errorf("%w: WAL segment %s: %v", core.ErrCorrupted, path, err)
		}

		truncated, terr := truncateSegment(path, validOffset)
		if terr != nil {
			return nil, info, fmt.Errorf("failed to truncate torn WAL tail in %s: %w", path, terr)
		}
		info.TruncatedBytes = truncated
		w.logger.Warn("Discarded torn record at WAL tail", "path", path, "valid_offset", validOffset, "truncated_bytes", truncated)
	}
	return all, info, nil
}

// readSegment returns the entries of one segment and the offset after the last good record.
func readSegment(path string) ([]core.WALEntry, int64, error) {
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		return nil, 0, err
	}
	defer reader.Close()

	var entries []core.WALEntry
	for {
		data, err := reader.ReadRecord()
		if err == io.EOF {
			return entries, reader.Offset(), nil
		}
		if err != nil {
			return entries, reader.Offset(), err
		}
		entry, err := decodeEntry(data)
		if err != nil {
			// The checksum matched, so this is a format error and never a torn write.
			return entries, reader.Offset(), fmt.Errorf("decode record at offset %d: %w", reader.Offset(), err)
		}
		entries = append(entries, *entry)
	}
}

// truncateSegment cuts a segment back to validOffset. A segment torn inside its
// header is rewritten from scratch by openForAppend, so it is removed here.
func truncateSegment(path string, validOffset int64) (int64, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if validOffset == 0 {
		return stat.Size(), os.Remove(path)
	}
	if err := os.Truncate(path, validOffset); err != nil {
		return 0, err
	}
	return stat.Size() - validOffset, nil
}

// openForAppend reopens the newest segment or creates the first one.
func (w *WAL) openForAppend() error {
	if len(w.segmentIndexes) > 0 {
		last := w.segmentIndexes[len(w.segmentIndexes)-1]
		path := filepath.Join(w.dir, core.FormatSegmentFileName(last))
		if _, err := os.Stat(path); err == nil {
			seg, err := openSegmentForAppend(w.dir, last)
			if err != nil {
				return err
			}
			w.activeSegment = seg
			return nil
		}
		// Removed by truncateSegment.
		w.segmentIndexes = w.segmentIndexes[:len(w.segmentIndexes)-1]
	}
	return w.rotateLocked()
}

// SetTestingOnlyInjectAppendError makes the next appends fail with err.
func (w *WAL) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// Append writes a single entry as one record. With SyncAlways the record is
// on stable storage when Append returns.
func (w *WAL) Append(entry core.WALEntry) error {
	var payload bytes.Buffer
	payload.Grow(len(entry.Key) + len(entry.Value) + 24)
	encodeEntry(&payload, &entry)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return w.testingOnlyInjectAppendError
	}
	if w.activeSegment == nil {
		return fmt.Errorf("wal append: %w", core.ErrClosed)
	}

	recordSize := int64(payload.Len() + recordHeaderSize + core.ChecksumSize)
	// Only rotate a segment that already holds records, so a single large
	// record can still be written to an empty one.
	if w.activeSegment.Size() > int64(core.FileHeaderSize) && w.activeSegment.Size()+recordSize > w.opts.MaxSegmentSize {
		w.logger.Debug("Rotating WAL segment due to size", "current_size", w.activeSegment.Size(), "record_size", recordSize, "max_size", w.opts.MaxSegmentSize)
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	if err := w.activeSegment.WriteRecord(payload.Bytes()); err != nil {
		return err
	}
	switch w.opts.SyncMode {
	case core.WALSyncAlways:
		if err := w.activeSegment.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	default:
		if err := w.activeSegment.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL: %w", err)
		}
	}

	if entry.SeqNum > w.segmentMaxSeq[w.activeSegment.index] {
		w.segmentMaxSeq[w.activeSegment.index] = entry.SeqNum
	}
	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(recordSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(1)
	}
	return nil
}

// Sync flushes data to the active segment file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	if err := w.activeSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return nil
}

// Rotate closes the current segment and opens a new one for writing.
// It returns the index of the segment that was active before the call.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0, fmt.Errorf("wal rotate: %w", core.ErrClosed)
	}
	prev := w.activeSegment.index
	return prev, w.rotateLocked()
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return nil
	}

	closeErr := w.activeSegment.Close()
	w.activeSegment = nil
	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
	} else {
		w.logger.Info("WAL closed.")
	}
	return closeErr
}

// Purge deletes segment files with index less than or equal to the given index.
// The active segment is never removed.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	var firstErr error
	for _, index := range w.segmentIndexes {
		if index > upToIndex || (w.activeSegment != nil && w.activeSegment.index == index) {
			remaining = append(remaining, index)
			continue
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
			remaining = append(remaining, index)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(w.segmentMaxSeq, index)
		purged++
	}
	w.segmentIndexes = remaining
	if purged > 0 {
		w.logger.Info("Purged WAL segments", "count", purged, "up_to_index", upToIndex)
	}
	return firstErr
}

// PurgeBefore deletes every inactive segment whose records all have a
// sequence number at or below flushedSeq.
func (w *WAL) PurgeBefore(flushedSeq uint64) error {
	w.mu.Lock()
	var upTo uint64
	for _, index := range w.segmentIndexes {
		if w.activeSegment != nil && index == w.activeSegment.index {
			break
		}
		if w.segmentMaxSeq[index] > flushedSeq {
			break
		}
		upTo = index
	}
	w.mu.Unlock()
	if upTo == 0 {
		return nil
	}
	return w.Purge(upTo)
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// ActiveSegmentIndex returns the index of the current active segment file.
// It returns 0 if there is no active segment.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.index
}

// SegmentCount returns the number of segment files on disk.
func (w *WAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.segmentIndexes)
}

// rotateLocked creates a new segment file for writing. Must be called with lock held.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	var prealloc int64
	if w.opts.Preallocate {
		prealloc = w.opts.MaxSegmentSize
	}
	newSegment, err := CreateSegment(w.dir, nextIndex, prealloc)
	if err != nil {
		return err
	}

	var oldIndex uint64
	if w.activeSegment != nil {
		oldIndex = w.activeSegment.index
		if err := w.activeSegment.Close(); err != nil {
			newSegment.Close()
			os.Remove(newSegment.path)
			return fmt.Errorf("failed to close WAL segment %d: %w", oldIndex, err)
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Debug("Rotated to new WAL segment", "index", nextIndex, "path", newSegment.path)
	if w.hookManager != nil && oldIndex > 0 {
		w.hookManager.Trigger(context.Background(), hooks.NewEvent(hooks.EventPostWALRotate, hooks.PostWALRotatePayload{
			OldSegmentIndex: oldIndex,
			NewSegmentIndex: nextIndex,
			NewSegmentPath:  newSegment.path,
		}))
	}
	return nil
}

// encodeEntry serializes one entry: seq | type | uvarint keyLen | key | uvarint valLen | value.
func encodeEntry(buf *bytes.Buffer, entry *core.WALEntry) {
	var tmp [binary.MaxVarintLen64]byte
	binary.LittleEndian.PutUint64(tmp[:8], entry.SeqNum)
	buf.Write(tmp[:8])
	buf.WriteByte(byte(entry.EntryType))
	n := binary.PutUvarint(tmp[:], uint64(len(entry.Key)))
	buf.Write(tmp[:n])
	buf.Write(entry.Key)
	n = binary.PutUvarint(tmp[:], uint64(len(entry.Value)))
	buf.Write(tmp[:n])
	buf.Write(entry.Value)
}

// decodeEntry deserializes a single record payload.
func decodeEntry(data []byte) (*core.WALEntry, error) {
	r := bytes.NewReader(data)
	entry := &core.WALEntry{}
	if err := binary.Read(r, binary.LittleEndian, &entry.SeqNum); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}
	typ, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry type: %w", err)
	}
	entry.EntryType = core.EntryType(typ)
	if entry.EntryType != core.EntryTypePut && entry.EntryType != core.EntryTypeDelete {
		return nil, fmt.Errorf("unknown entry type 0x%02x", typ)
	}
	keyLen, err := binary.ReadUvarint(r)
	if err != nil || keyLen > uint64(r.Len()) {
		return nil, fmt.Errorf("failed to read key length: %v", err)
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, entry.Key); err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	valLen, err := binary.ReadUvarint(r)
	if err != nil || valLen > uint64(r.Len()) {
		return nil, fmt.Errorf("failed to read value length: %v", err)
	}
	if valLen > 0 {
		entry.Value = make([]byte, valLen)
		if _, err := io.ReadFull(r, entry.Value); err != nil {
			return nil, fmt.Errorf("failed to read value: %w", err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in record", r.Len())
	}
	return entry, nil
}
