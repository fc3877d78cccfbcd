package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/levels"
	"github.com/INLOpen/nexusdb/memtable"
	"github.com/INLOpen/nexusdb/sstable"
	"github.com/INLOpen/nexusdb/wal"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// recover rebuilds the in-memory state from the manifest, the SSTable
// directory and the WAL.
func (e *Engine) recover() error {
	start := time.Now()
	store, state, err := levels.OpenManifestStore(e.dataDir, e.logger, e.hooks)
	if err != nil {
		return err
	}
	e.manifest = store
	fresh := state == nil
	if fresh {
		state = &levels.ManifestState{InstanceID: uuid.NewString(), NextFileID: 1}
	}
	if len(state.Levels) > e.opts.MaxLevels {
		return fmt.Errorf("manifest has %d levels, MaxLevels is %d", len(state.Levels), e.opts.MaxLevels)
	}
	e.instanceID = state.InstanceID

	tables, err := e.openTables(state)
	if err != nil {
		return err
	}
	if err := e.removeOrphans(state); err != nil {
		e.logger.Warn("Failed to clean sstable directory", "error", err)
	}

	active := memtable.New(e.nextMemtableID.Add(1), e.opts.MemtableThreshold)
	v := levels.NewVersion(e.versionID.Add(1), tables, []*memtable.Memtable{active}, e.logger)
	for _, level := range tables {
		for _, t := range level {
			_ = t.Unref()
		}
	}
	e.current.Store(v)
	e.flushedSeq.Store(state.LastFlushedSeq)
	e.nextFileID.Store(max(state.NextFileID, 1))

	w, entries, err := wal.Open(wal.Options{
		Dir:            e.walDir,
		SyncMode:       e.opts.WALSyncMode,
		MaxSegmentSize: e.opts.WALMaxSegmentSize,
		Preallocate:    e.opts.WALPreallocate,
		BytesWritten:   e.metrics.WALBytesWrittenTotal,
		EntriesWritten: e.metrics.WALEntriesWrittenTotal,
		Logger:         e.logger,
		HookManager:    e.hooks,
	})
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	e.wal = w

	lastSeq, replayed, err := e.replay(entries, state)
	if err != nil {
		return err
	}
	e.seq.Store(lastSeq)

	if fresh {
		cur := e.current.Load()
		if _, err := e.manifest.Write(context.Background(), levels.StateFromVersion(cur, e.instanceID, e.nextFileID.Load(), 0, lastSeq)); err != nil {
			return fmt.Errorf("failed to write initial manifest: %w", err)
		}
	}

	duration := time.Since(start)
	e.metrics.WALRecoveredEntriesTotal.Add(int64(replayed))
	e.metrics.WALRecoveryDuration.Set(duration.Seconds())
	e.logger.Info("Recovery finished", "fresh", fresh, "replayed_entries", replayed,
		"skipped_entries", len(entries)-replayed, "last_seq", lastSeq, "duration", duration)
	if len(e.current.Load().Frozen()) > 0 {
		e.signalFlush()
	}
	return nil
}

// openTables opens every table the manifest lists, in parallel.
func (e *Engine) openTables(state *levels.ManifestState) ([][]*sstable.SSTable, error) {
	opened := make([][]*sstable.SSTable, e.opts.MaxLevels)
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for lvl, metas := range state.Levels {
		opened[lvl] = make([]*sstable.SSTable, len(metas))
		for i, meta := range metas {
			g.Go(func() error {
				path := filepath.Join(e.sstDir, core.FormatSSTableFileName(meta.ID))
				t, err := e.openTable(path, meta.ID)
				if err != nil {
					return fmt.Errorf("level %d: %w", lvl, err)
				}
				if t.Size() != meta.Size {
					_ = t.Unref()
					return fmt.Errorf("%w: sstable %d is %d bytes, manifest says %d", core.ErrCorrupted, meta.ID, t.Size(), meta.Size)
				}
				opened[lvl][i] = t
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		for _, level := range opened {
			for _, t := range level {
				if t != nil {
					_ = t.Unref()
				}
			}
		}
		return nil, err
	}
	return opened, nil
}

// removeOrphans deletes leftover temp files and tables no manifest refers to,
// such as outputs of a compaction that crashed before publishing.
func (e *Engine) removeOrphans(state *levels.ManifestState) error {
	live := make(map[uint64]bool)
	for _, id := range state.TableIDs() {
		live[id] = true
	}
	entries, err := os.ReadDir(e.sstDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		orphan := strings.HasSuffix(name, ".tmp")
		if id, perr := core.ParseSSTableFileName(name); perr == nil && !live[id] {
			orphan = true
		}
		if !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(e.sstDir, name)); err != nil {
			return err
		}
		e.logger.Info("Removed orphaned sstable file", "file", name)
	}
	return nil
}

// replay applies WAL records newer than the last flush to the memtables and
// returns the highest sequence number seen.
func (e *Engine) replay(entries []core.WALEntry, state *levels.ManifestState) (lastSeq uint64, replayed int, err error) {
	lastSeq = max(state.LastSeq, state.LastFlushedSeq)
	for i := range entries {
		entry := &entries[i]
		if entry.SeqNum <= state.LastFlushedSeq {
			continue
		}
		active := e.current.Load().Active()
		switch entry.EntryType {
		case core.EntryTypePut:
			err = active.Put(entry.Key, entry.Value, entry.SeqNum)
		case core.EntryTypeDelete:
			err = active.Delete(entry.Key, entry.SeqNum)
		default:
			err = fmt.Errorf("%w: wal entry %d has type %q", core.ErrCorrupted, entry.SeqNum, entry.EntryType)
		}
		if err != nil {
			return 0, 0, fmt.Errorf("wal replay failed: %w", err)
		}
		replayed++
		lastSeq = max(lastSeq, entry.SeqNum)
		if active.IsFull() {
			// Segments are not rotated here; PurgeBefore keeps any segment
			// still holding unflushed records.
			active.Freeze()
			cur := e.current.Load()
			fresh := memtable.New(e.nextMemtableID.Add(1), e.opts.MemtableThreshold)
			next, err := cur.Apply(e.versionID.Add(1), levels.Edit{
				Memtables: append([]*memtable.Memtable{fresh}, cur.Memtables()...),
			})
			if err != nil {
				return 0, 0, err
			}
			e.publishMu.Lock()
			e.installLocked(next)
			e.publishMu.Unlock()
		}
	}
	return lastSeq, replayed, nil
}
