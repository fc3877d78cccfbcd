package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/INLOpen/nexusdb/levels"
	"github.com/INLOpen/nexusdb/memtable"
	"github.com/INLOpen/nexusdb/sstable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Flush freezes the active memtable and writes every frozen memtable to
// level 0, oldest first. It returns once they are all durable in SSTables.
func (e *Engine) Flush(ctx context.Context) error {
	e.writeMu.Lock()
	if e.closed.Load() {
		e.writeMu.Unlock()
		return core.ErrClosed
	}
	err := e.rotateMemtableLocked()
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	return e.flushFrozen(ctx)
}

// flushFrozen flushes the frozen memtables of the current version.
func (e *Engine) flushFrozen(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	for {
		v, err := e.acquire()
		if err != nil {
			return err
		}
		frozen := v.Frozen()
		v.Unref()
		if len(frozen) == 0 {
			return nil
		}
		// Frozen is newest first.
		if err := e.flushMemtable(ctx, frozen[len(frozen)-1]); err != nil {
			e.metrics.FlushErrors.Add(1)
			return err
		}
	}
}

func (e *Engine) flushLoop() {
	defer e.wg.Done()
	var tick <-chan time.Time
	if e.opts.MemtableFlushInterval > 0 {
		ticker := time.NewTicker(e.opts.MemtableFlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-e.flushChan:
			if err := e.flushFrozen(context.Background()); err != nil && !errors.Is(err, core.ErrClosed) {
				e.logger.Error("Background flush failed", "error", err)
			}
		case <-tick:
			if err := e.Flush(context.Background()); err != nil && !errors.Is(err, core.ErrClosed) {
				e.logger.Error("Periodic flush failed", "error", err)
			}
		case <-e.shutdownChan:
			return
		}
	}
}

// flushMemtable writes one frozen memtable to a new L0 table and publishes a
// version without it. The manifest is written before the version is
// installed, so a crash either keeps the memtable in the WAL or the table in
// the manifest.
func (e *Engine) flushMemtable(ctx context.Context, m *memtable.Memtable) (err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.FlushMemtable")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()
	if err := e.checkDiskSpace("flush"); err != nil {
		return err
	}
	_, maxSeq := m.SeqRange()
	payload := hooks.FlushPayload{MemtableSize: m.Size(), EntryCount: m.Len(), MaxSeqNum: maxSeq}
	_ = e.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPreFlushMemtable, payload))

	id := e.nextFileID.Add(1) - 1
	span.SetAttributes(attribute.Int64("memtable.id", int64(m.ID())), attribute.Int64("sstable.id", int64(id)))
	table, err := e.writeMemtable(m, id)
	if err != nil {
		return err
	}

	e.publishMu.Lock()
	cur := e.current.Load()
	var memtables []*memtable.Memtable
	for _, mt := range cur.Memtables() {
		if mt != m {
			memtables = append(memtables, mt)
		}
	}
	edit := levels.Edit{Memtables: memtables}
	if table != nil {
		edit.Add = []levels.TableAt{{Level: 0, Table: table}}
	}
	flushed := max(e.flushedSeq.Load(), maxSeq)
	next, err := cur.Apply(e.versionID.Add(1), edit)
	if err == nil {
		state := levels.StateFromVersion(next, e.instanceID, e.nextFileID.Load(), flushed, e.seq.Load())
		if _, werr := e.manifest.Write(ctx, state); werr != nil {
			next.Unref()
			err = werr
		}
	}
	if err != nil {
		e.publishMu.Unlock()
		if table != nil {
			table.MarkObsolete(nil)
			_ = table.Unref()
		}
		return fmt.Errorf("failed to publish flush of memtable %d: %w", m.ID(), err)
	}
	e.flushedSeq.Store(flushed)
	e.installLocked(next)
	e.publishMu.Unlock()

	m.MarkFlushed()
	if err := e.wal.PurgeBefore(flushed); err != nil {
		e.logger.Warn("Failed to purge WAL after flush", "flushed_seq", flushed, "error", err)
	}

	var size int64
	if table != nil {
		size = table.Size()
		e.metrics.SSTablesCreatedTotal.Add(1)
		e.metrics.FlushedBytes.Add(size)
		_ = e.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPostSSTableCreate, hooks.SSTablePayload{
			ID: id, Level: 0, Path: table.FilePath(), Size: size,
		}))
		_ = table.Unref()
	}
	duration := time.Since(start)
	e.metrics.FlushTotal.Add(1)
	e.metrics.FlushedEntries.Add(int64(m.Len()))
	observeLatency(e.metrics.FlushLatencyHist, duration.Seconds())
	e.logger.Info("Memtable flushed", "memtable_id", m.ID(), "sstable_id", id, "entries", m.Len(), "bytes", size, "duration", duration)

	payload.SSTableID = id
	payload.Duration = duration
	_ = e.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPostFlushMemtable, payload))
	if e.compactor != nil {
		e.compactor.Trigger()
	}
	return nil
}

// writeMemtable writes m to table id. A memtable with no entries produces no
// table and a nil result.
func (e *Engine) writeMemtable(m *memtable.Memtable, id uint64) (*sstable.SSTable, error) {
	writer, err := e.newWriter(id, uint64(m.Len()))
	if err != nil {
		return nil, err
	}
	n, err := m.FlushToSSTable(writer)
	if err != nil {
		_ = writer.Abort()
		return nil, err
	}
	if n == 0 {
		return nil, writer.Abort()
	}
	if err := writer.Finish(); err != nil {
		return nil, fmt.Errorf("failed to finish sstable %d: %w", id, err)
	}
	table, err := e.openTable(writer.FilePath(), id)
	if err != nil {
		_ = os.Remove(writer.FilePath())
		return nil, err
	}
	return table, nil
}

func (e *Engine) newWriter(id, estimatedKeys uint64) (core.SSTableWriterInterface, error) {
	writer, err := e.writerFn(core.SSTableWriterOptions{
		DataDir:                      e.sstDir,
		ID:                           id,
		EstimatedKeys:                estimatedKeys,
		BloomFilterFalsePositiveRate: e.opts.BloomFilterFalsePositiveRate,
		BlockSize:                    e.opts.SSTableBlockSize,
		Tracer:                       e.tracer,
		Compressor:                   e.compressor,
		Logger:                       e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sstable writer %d: %w", id, err)
	}
	return writer, nil
}

func (e *Engine) openTable(path string, id uint64) (*sstable.SSTable, error) {
	return sstable.Open(sstable.LoadSSTableOptions{
		FilePath:   path,
		ID:         id,
		BlockCache: e.blockCache,
		Tracer:     e.tracer,
		Logger:     e.logger,
	})
}
