package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/INLOpen/nexusdb/iterator"
	"github.com/INLOpen/nexusdb/levels"
	"github.com/INLOpen/nexusdb/sstable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CompactionManager runs compaction tasks chosen by the level picker, either
// from its background loop or on demand.
type CompactionManager struct {
	e      *Engine
	logger *slog.Logger
	tracer trace.Tracer

	triggerChan chan struct{}
	// runMu keeps CompactNow and the background loop from picking at the same
	// time. Tasks themselves never share inputs.
	runMu sync.Mutex
}

func newCompactionManager(e *Engine) *CompactionManager {
	return &CompactionManager{
		e:           e,
		logger:      e.logger.With("component", "CompactionManager"),
		tracer:      e.tracer,
		triggerChan: make(chan struct{}, 1),
	}
}

// Start launches the background loop. It exits when the engine shuts down.
func (cm *CompactionManager) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go cm.loop(wg)
}

// Trigger asks the background loop to check for work. It never blocks.
func (cm *CompactionManager) Trigger() {
	select {
	case cm.triggerChan <- struct{}{}:
	default:
	}
}

func (cm *CompactionManager) loop(wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(cm.e.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cm.triggerChan:
		case <-ticker.C:
		case <-cm.e.shutdownChan:
			return
		}
		if _, err := cm.run(context.Background(), cm.e.shutdownChan); err != nil && !errors.Is(err, core.ErrClosed) {
			cm.logger.Error("Background compaction failed", "error", err)
		}
	}
}

// CompactNow runs compaction tasks until the picker finds nothing to do and
// returns how many ran.
func (e *Engine) CompactNow(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, core.ErrClosed
	}
	return e.compactor.run(ctx, nil)
}

func (cm *CompactionManager) run(ctx context.Context, stop <-chan struct{}) (int, error) {
	cm.runMu.Lock()
	defer cm.runMu.Unlock()
	done := 0
	for {
		select {
		case <-stop:
			return done, nil
		case <-ctx.Done():
			return done, ctx.Err()
		default:
		}
		v, err := cm.e.acquire()
		if err != nil {
			return done, err
		}
		task := cm.e.picker.Pick(v)
		if task == nil {
			v.Unref()
			return done, nil
		}
		err = cm.runTask(ctx, task)
		cm.e.picker.Release(task)
		v.Unref()
		if err != nil {
			cm.e.metrics.CompactionErrs.Add(1)
			return done, err
		}
		done++
	}
}

func tableInfos(tables []*sstable.SSTable) []hooks.CompactedTableInfo {
	infos := make([]hooks.CompactedTableInfo, len(tables))
	for i, t := range tables {
		infos[i] = hooks.CompactedTableInfo{ID: t.ID(), Size: t.Size()}
	}
	return infos
}

// runTask merges the task's tables into new tables in the target level and
// publishes the result. Inputs stay readable until the last reader lets go.
func (cm *CompactionManager) runTask(ctx context.Context, task *levels.CompactionTask) (err error) {
	e := cm.e
	ctx, span := cm.tracer.Start(ctx, "Engine.Compaction", trace.WithAttributes(
		attribute.Int("compaction.source_level", task.SourceLevel),
		attribute.Int("compaction.target_level", task.TargetLevel),
		attribute.Int("compaction.inputs", len(task.Inputs)),
		attribute.Int("compaction.overlaps", len(task.Overlaps)),
		attribute.String("compaction.reason", task.Reason),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()
	if err := e.checkDiskSpace("compaction"); err != nil {
		return err
	}
	e.metrics.CompactionsInProgress.Add(1)
	defer e.metrics.CompactionsInProgress.Add(-1)

	all := task.AllTables()
	_ = e.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPreCompaction, hooks.PreCompactionPayload{
		SourceLevel: task.SourceLevel,
		TargetLevel: task.TargetLevel,
		Inputs:      tableInfos(all),
	}))

	outputs, dropped, err := cm.merge(task)
	if err != nil {
		return err
	}
	release := func() {
		for _, t := range outputs {
			_ = t.Unref()
		}
	}

	edit := levels.Edit{}
	for _, t := range outputs {
		edit.Add = append(edit.Add, levels.TableAt{Level: task.TargetLevel, Table: t})
	}
	for _, t := range all {
		edit.Delete = append(edit.Delete, t.ID())
	}

	e.publishMu.Lock()
	cur := e.current.Load()
	if cur == nil {
		e.publishMu.Unlock()
		discard(outputs)
		return core.ErrClosed
	}
	next, err := cur.Apply(e.versionID.Add(1), edit)
	if err == nil {
		state := levels.StateFromVersion(next, e.instanceID, e.nextFileID.Load(), e.flushedSeq.Load(), e.seq.Load())
		if _, werr := e.manifest.Write(ctx, state); werr != nil {
			next.Unref()
			err = werr
		}
	}
	if err != nil {
		e.publishMu.Unlock()
		discard(outputs)
		return fmt.Errorf("failed to publish compaction: %w", err)
	}
	for _, t := range all {
		level := task.SourceLevel
		if contains(task.Overlaps, t) {
			level = task.TargetLevel
		}
		t.MarkObsolete(cm.onDelete(level))
	}
	e.installLocked(next)
	e.publishMu.Unlock()
	release()

	var written int64
	for _, t := range outputs {
		written += t.Size()
		_ = e.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPostSSTableCreate, hooks.SSTablePayload{
			ID: t.ID(), Level: task.TargetLevel, Path: t.FilePath(), Size: t.Size(),
		}))
	}
	duration := time.Since(start)
	e.metrics.CompactionTotal.Add(1)
	e.metrics.CompactionTablesMergedTotal.Add(int64(len(all)))
	e.metrics.CompactionBytesWrittenTotal.Add(written)
	e.metrics.CompactionTombstonesDropped.Add(int64(dropped))
	e.metrics.SSTablesCreatedTotal.Add(int64(len(outputs)))
	observeLatency(e.metrics.CompactionLatencyHist, duration.Seconds())
	span.SetAttributes(attribute.Int("compaction.outputs", len(outputs)), attribute.Int64("compaction.bytes_written", written))
	cm.logger.Info("Compaction finished", "reason", task.Reason,
		"source_level", task.SourceLevel, "target_level", task.TargetLevel,
		"inputs", len(all), "outputs", len(outputs), "bytes_written", written,
		"tombstones_dropped", dropped, "duration", duration)

	_ = e.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPostCompaction, hooks.PostCompactionPayload{
		SourceLevel:       task.SourceLevel,
		TargetLevel:       task.TargetLevel,
		OldTables:         tableInfos(all),
		NewTables:         tableInfos(outputs),
		TombstonesDropped: dropped,
		Duration:          duration,
	}))
	return nil
}

// onDelete returns the callback run when an obsolete input is finally removed.
func (cm *CompactionManager) onDelete(level int) func(*sstable.SSTable) {
	return func(t *sstable.SSTable) {
		cm.e.metrics.SSTablesDeletedTotal.Add(1)
		_ = cm.e.hooks.Trigger(context.Background(), hooks.NewEvent(hooks.EventPreSSTableDelete, hooks.SSTablePayload{
			ID: t.ID(), Level: level, Path: t.FilePath(), Size: t.Size(),
		}))
	}
}

// merge writes the merged entries of the task's tables, starting a new
// output whenever the current one reaches TargetSSTableSize. Outputs are
// returned open with one reference each. On error every output written so
// far is closed and removed.
func (cm *CompactionManager) merge(task *levels.CompactionTask) (_ []*sstable.SSTable, dropped int, err error) {
	e := cm.e
	var iters []core.EntryIterator
	var estimated uint64
	for _, t := range task.AllTables() {
		iters = append(iters, t.NewIterator(nil, nil))
		estimated += t.KeyCount()
	}
	merged := iterator.NewMergingIterator(iterator.MergingIteratorParams{
		Iters:          iters,
		KeepTombstones: !task.DropTombstones,
	})
	defer merged.Close()

	var writer core.SSTableWriterInterface
	var writerID uint64
	var paths []string
	var built []*sstable.SSTable
	defer func() {
		if err != nil {
			if writer != nil {
				_ = writer.Abort()
			}
			discard(built)
			for _, p := range paths {
				_ = os.Remove(p)
			}
		}
	}()

	finish := func() error {
		if err := writer.Finish(); err != nil {
			return err
		}
		path := writer.FilePath()
		writer = nil
		paths = append(paths, path)
		t, err := e.openTable(path, writerID)
		if err != nil {
			return err
		}
		paths = paths[:len(paths)-1]
		built = append(built, t)
		return nil
	}

	for merged.Next() {
		node, _ := merged.At()
		if writer == nil {
			writerID = e.nextFileID.Add(1) - 1
			writer, err = e.newWriter(writerID, estimated)
			if err != nil {
				return nil, 0, err
			}
		}
		if err = writer.Add(node.Key, node.Value, node.EntryType, node.SeqNum); err != nil {
			return nil, 0, fmt.Errorf("failed to add entry to compaction output: %w", err)
		}
		if writer.CurrentSize() >= e.opts.TargetSSTableSize {
			if err = finish(); err != nil {
				return nil, 0, err
			}
		}
	}
	if err = merged.Error(); err != nil {
		return nil, 0, fmt.Errorf("compaction merge failed: %w", err)
	}
	if writer != nil {
		if err = finish(); err != nil {
			return nil, 0, err
		}
	}
	return built, merged.TombstonesSkipped, nil
}

func discard(tables []*sstable.SSTable) {
	for _, t := range tables {
		t.MarkObsolete(nil)
		_ = t.Unref()
	}
}

func contains(tables []*sstable.SSTable, t *sstable.SSTable) bool {
	for _, x := range tables {
		if x == t {
			return true
		}
	}
	return false
}
