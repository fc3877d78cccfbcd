package levels

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/INLOpen/nexusdb/sys"
)

// maxManifestKeyLen guards against absurd lengths in a damaged manifest.
const maxManifestKeyLen = 1 << 20

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// TableMeta is the persisted description of one SSTable.
type TableMeta struct {
	ID     uint64
	Size   int64
	MinKey []byte
	MaxKey []byte
}

// ManifestState is everything needed to rebuild the tree after a restart.
type ManifestState struct {
	InstanceID string
	// NextFileID is the next unused SSTable id.
	NextFileID uint64
	// LastFlushedSeq is the highest sequence number contained in SSTables.
	// WAL records at or below it are not replayed.
	LastFlushedSeq uint64
	LastSeq        uint64
	// Levels[n] lists the tables of level n in the version's order.
	Levels [][]TableMeta
}

// StateFromVersion captures the table layout of v.
func StateFromVersion(v *Version, instanceID string, nextFileID, lastFlushedSeq, lastSeq uint64) *ManifestState {
	st := &ManifestState{
		InstanceID:     instanceID,
		NextFileID:     nextFileID,
		LastFlushedSeq: lastFlushedSeq,
		LastSeq:        lastSeq,
		Levels:         make([][]TableMeta, v.NumLevels()),
	}
	for lvl := 0; lvl < v.NumLevels(); lvl++ {
		for _, t := range v.Level(lvl) {
			st.Levels[lvl] = append(st.Levels[lvl], TableMeta{
				ID:     t.ID(),
				Size:   t.Size(),
				MinKey: t.MinKey(),
				MaxKey: t.MaxKey(),
			})
		}
	}
	return st
}

// TableIDs returns the ids of every table in the state.
func (st *ManifestState) TableIDs() []uint64 {
	var ids []uint64
	for _, level := range st.Levels {
		for _, t := range level {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// ManifestStore writes numbered manifest files and points CURRENT at the latest one.
type ManifestStore struct {
	dir         string
	mu          sync.Mutex
	number      uint64
	logger      *slog.Logger
	hookManager hooks.HookManager
}

// OpenManifestStore reads CURRENT in dir. It returns a nil state for a fresh directory.
func OpenManifestStore(dir string, logger *slog.Logger, hookManager hooks.HookManager) (*ManifestStore, *ManifestState, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &ManifestStore{
		dir:         dir,
		logger:      logger.With("component", "ManifestStore"),
		hookManager: hookManager,
	}

	current, err := os.ReadFile(filepath.Join(dir, core.CurrentFileName))
	if errors.Is(err, os.ErrNotExist) {
		return s, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", core.CurrentFileName, err)
	}
	name := strings.TrimSpace(string(current))
	var number uint64
	if _, err := fmt.Sscanf(name, core.ManifestFilePrefix+"_%d.bin", &number); err != nil {
		return nil, nil, fmt.Errorf("%w: CURRENT names %q", core.ErrCorrupted, name)
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open manifest %s: %w", name, err)
	}
	defer f.Close()
	state, err := ReadManifest(bufio.NewReader(f))
	if err != nil {
		return nil, nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	s.number = number
	s.logger.Info("Loaded manifest", "file", name, "tables", len(state.TableIDs()), "last_flushed_seq", state.LastFlushedSeq)
	return s, state, nil
}

// Number returns the number of the last written manifest.
func (s *ManifestStore) Number() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.number
}

// Write persists state as a new manifest file, switches CURRENT to it and
// removes the previous file. CURRENT only ever names a complete manifest.
func (s *ManifestStore) Write(ctx context.Context, state *ManifestState) (string, error) {
	var buf bytes.Buffer
	if err := WriteManifest(&buf, state); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.number
	next := prev + 1
	name := core.FormatManifestFileName(next)
	path := filepath.Join(s.dir, name)
	if err := sys.WriteFileAtomic(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := sys.WriteFileAtomic(filepath.Join(s.dir, core.CurrentFileName), []byte(name+"\n"), 0644); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to update %s: %w", core.CurrentFileName, err)
	}
	s.number = next
	if prev > 0 {
		old := filepath.Join(s.dir, core.FormatManifestFileName(prev))
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove old manifest", "path", old, "error", err)
		}
	}
	s.logger.Debug("Manifest written", "file", name, "next_file_id", state.NextFileID, "last_flushed_seq", state.LastFlushedSeq)

	if s.hookManager != nil {
		_ = s.hookManager.Trigger(ctx, hooks.NewEvent(hooks.EventPostManifestWrite, hooks.ManifestWritePayload{Path: path, Version: next}))
	}
	return path, nil
}

// WriteManifest serializes state: file header, fields, then a crc32c of everything before it.
func WriteManifest(w io.Writer, state *ManifestState) error {
	var body bytes.Buffer
	header := core.NewFileHeader(core.ManifestMagicNumber, core.CompressionNone)
	if _, err := header.WriteTo(&body); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}
	if err := writeBytesWithLength(&body, []byte(state.InstanceID)); err != nil {
		return fmt.Errorf("failed to write instance id: %w", err)
	}
	for _, v := range []uint64{state.NextFileID, state.LastFlushedSeq, state.LastSeq} {
		if err := binary.Write(&body, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write manifest counters: %w", err)
		}
	}
	if err := binary.Write(&body, binary.LittleEndian, uint32(len(state.Levels))); err != nil {
		return fmt.Errorf("failed to write number of levels: %w", err)
	}
	for lvl, tables := range state.Levels {
		if err := binary.Write(&body, binary.LittleEndian, uint32(len(tables))); err != nil {
			return fmt.Errorf("failed to write table count for level %d: %w", lvl, err)
		}
		for _, t := range tables {
			if err := binary.Write(&body, binary.LittleEndian, t.ID); err != nil {
				return fmt.Errorf("failed to write table ID for level %d: %w", lvl, err)
			}
			if err := binary.Write(&body, binary.LittleEndian, t.Size); err != nil {
				return fmt.Errorf("failed to write size of table %d: %w", t.ID, err)
			}
			if err := writeBytesWithLength(&body, t.MinKey); err != nil {
				return fmt.Errorf("failed to write MinKey of table %d: %w", t.ID, err)
			}
			if err := writeBytesWithLength(&body, t.MaxKey); err != nil {
				return fmt.Errorf("failed to write MaxKey of table %d: %w", t.ID, err)
			}
		}
	}
	if err := binary.Write(&body, binary.LittleEndian, crc32.Checksum(body.Bytes(), crc32cTable)); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// ReadManifest parses a manifest written by WriteManifest.
func ReadManifest(r io.Reader) (*ManifestState, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < core.FileHeaderSize+core.ChecksumSize {
		return nil, fmt.Errorf("%w: manifest too short (%d bytes)", core.ErrCorrupted, len(data))
	}
	body := data[:len(data)-core.ChecksumSize]
	want := binary.LittleEndian.Uint32(data[len(data)-core.ChecksumSize:])
	if crc32.Checksum(body, crc32cTable) != want {
		return nil, fmt.Errorf("%w: %w", core.ErrCorrupted, core.ErrChecksumMismatch)
	}

	br := bytes.NewReader(body)
	if _, err := core.ReadFileHeader(br, core.ManifestMagicNumber); err != nil {
		return nil, err
	}
	st := &ManifestState{}
	id, err := readBytesWithLength(br)
	if err != nil {
		return nil, corrupt("instance id", err)
	}
	st.InstanceID = string(id)
	for _, dst := range []*uint64{&st.NextFileID, &st.LastFlushedSeq, &st.LastSeq} {
		if err := binary.Read(br, binary.LittleEndian, dst); err != nil {
			return nil, corrupt("counters", err)
		}
	}
	var numLevels uint32
	if err := binary.Read(br, binary.LittleEndian, &numLevels); err != nil {
		return nil, corrupt("level count", err)
	}
	if numLevels > 64 {
		return nil, fmt.Errorf("%w: %d levels", core.ErrCorrupted, numLevels)
	}
	st.Levels = make([][]TableMeta, numLevels)
	for lvl := range st.Levels {
		var count uint32
		if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
			return nil, corrupt("table count", err)
		}
		for i := uint32(0); i < count; i++ {
			var t TableMeta
			if err := binary.Read(br, binary.LittleEndian, &t.ID); err != nil {
				return nil, corrupt("table id", err)
			}
			if err := binary.Read(br, binary.LittleEndian, &t.Size); err != nil {
				return nil, corrupt("table size", err)
			}
			if t.MinKey, err = readBytesWithLength(br); err != nil {
				return nil, corrupt("min key", err)
			}
			if t.MaxKey, err = readBytesWithLength(br); err != nil {
				return nil, corrupt("max key", err)
			}
			st.Levels[lvl] = append(st.Levels[lvl], t)
		}
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in manifest", core.ErrCorrupted, br.Len())
	}
	return st, nil
}

func corrupt(field string, err error) error {
	return fmt.Errorf("%w: reading %s: %v", core.ErrCorrupted, field, err)
}

// writeBytesWithLength writes a length-prefixed byte slice to the writer.
func writeBytesWithLength(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// readBytesWithLength reads a length-prefixed byte slice from the reader.
func readBytesWithLength(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if length > maxManifestKeyLen {
		return nil, fmt.Errorf("length %d exceeds limit", length)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("failed to read bytes data (expected %d bytes): %w", length, err)
	}
	return b, nil
}
