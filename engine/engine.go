// Package engine is the LSM storage engine: a write-ahead log, memtables,
// leveled SSTables published through immutable versions, and a background
// compactor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdb/cache"
	"github.com/INLOpen/nexusdb/compressors"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/INLOpen/nexusdb/levels"
	"github.com/INLOpen/nexusdb/memtable"
	"github.com/INLOpen/nexusdb/sstable"
	"github.com/INLOpen/nexusdb/sys"
	"github.com/INLOpen/nexusdb/wal"
	"github.com/caio/go-tdigest/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrWritesHalted is returned once a write was logged but could not be applied
// in memory. Reads keep working; a restart replays the log.
var ErrWritesHalted = errors.New("engine: writes halted")

// Engine is a single-writer, many-reader LSM store. Keys are table-prefixed
// primary keys (see core.EncodeKey); values are encoded rows.
type Engine struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	dataDir string
	walDir  string
	sstDir  string
	unlock  func() error

	// writeMu serializes writers: sequence assignment, WAL order and memtable
	// order all follow it. It is taken before publishMu.
	writeMu sync.Mutex
	// haltErr is set, under writeMu, when a record reached the WAL but not the
	// memtable. Memory is then behind the log, so later writes are refused
	// until a restart replays it.
	haltErr error
	// publishMu serializes version swaps and manifest writes.
	publishMu sync.Mutex
	// flushMu allows one flush at a time so memtables reach L0 oldest first.
	flushMu sync.Mutex
	// versionMu makes loading and referencing the current version atomic
	// with respect to the swap.
	versionMu sync.RWMutex

	current        atomic.Pointer[levels.Version]
	versionID      atomic.Uint64
	seq            atomic.Uint64
	flushedSeq     atomic.Uint64
	nextFileID     atomic.Uint64
	nextMemtableID atomic.Uint64
	instanceID     string

	wal        *wal.WAL
	manifest   *levels.ManifestStore
	blockCache *cache.BlockCache
	compressor core.Compressor
	writerFn   core.SSTableWriterFactory
	picker     *levels.Picker
	compactor  *CompactionManager
	metrics    *EngineMetrics
	hooks      hooks.HookManager

	latencyMu  sync.Mutex
	putLatency *tdigest.TDigest

	flushChan    chan struct{}
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

// Open opens or creates the database in opts.DataDir, recovering the
// manifest, SSTables and WAL, then starts the background flush and compaction loops.
func Open(opts Options) (e *Engine, err error) {
	if opts.DataDir == "" {
		return nil, errors.New("engine: DataDir is required")
	}
	opts.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewEngineMetrics(false, "engine_")
	}
	compressor := opts.SSTableCompressor
	if compressor == nil {
		compressor = compressors.NewNoCompressionCompressor()
	}
	writerFn := opts.SSTableWriterFactory
	if writerFn == nil {
		writerFn = sstable.NewSSTableWriter
	}
	digest, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}

	e = &Engine{
		opts:         opts,
		logger:       logger.With("component", "StorageEngine"),
		tracer:       tp.Tracer("nexusdb/engine"),
		dataDir:      opts.DataDir,
		walDir:       filepath.Join(opts.DataDir, core.WALDirName),
		sstDir:       filepath.Join(opts.DataDir, core.SSTableDirName),
		compressor:   compressor,
		writerFn:     writerFn,
		metrics:      metrics,
		hooks:        opts.HookManager,
		putLatency:   digest,
		flushChan:    make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
	}
	if e.hooks == nil {
		e.hooks = hooks.NewHookManager(logger)
	}
	if opts.BlockCacheCapacity > 0 {
		e.blockCache = cache.NewBlockCache(opts.BlockCacheCapacity)
		e.blockCache.SetMetrics(metrics.CacheHits, metrics.CacheMisses)
	}
	e.picker = levels.NewPicker(levels.PickerOptions{
		MaxLevels:                  opts.MaxLevels,
		MaxL0Files:                 opts.MaxL0Files,
		L0CompactionTriggerSize:    opts.L0CompactionTriggerSize,
		BaseTargetSize:             opts.BaseTargetSize,
		LevelsTargetSizeMultiplier: opts.LevelsTargetSizeMultiplier,
		FallbackStrategy:           opts.CompactionFallbackStrategy,
		TombstoneWeight:            opts.CompactionTombstoneWeight,
		OverlapWeight:              opts.CompactionOverlapWeight,
	})

	_ = e.hooks.Trigger(context.Background(), hooks.NewEvent(hooks.EventPreStartEngine, nil))

	for _, dir := range []string{e.dataDir, e.walDir, e.sstDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	unlock, err := sys.AcquireOSFileLock(filepath.Join(e.dataDir, core.LockFileName), opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("data directory %s is in use: %w", e.dataDir, err)
	}
	e.unlock = unlock
	defer func() {
		if err != nil {
			e.abortOpen()
		}
	}()

	if err := e.recover(); err != nil {
		return nil, err
	}

	e.compactor = newCompactionManager(e)
	e.startBackground()

	e.logger.Info("Storage engine started", "data_dir", e.dataDir, "instance_id", e.instanceID,
		"last_seq", e.seq.Load(), "tables", e.current.Load().TableCount())
	_ = e.hooks.Trigger(context.Background(), hooks.NewEvent(hooks.EventPostStartEngine, nil))
	return e, nil
}

// abortOpen releases whatever a failed Open acquired.
func (e *Engine) abortOpen() {
	if e.wal != nil {
		_ = e.wal.Close()
	}
	if v := e.current.Load(); v != nil {
		v.Unref()
	}
	if e.unlock != nil {
		_ = e.unlock()
	}
}

func (e *Engine) startBackground() {
	e.wg.Add(1)
	go e.flushLoop()
	if e.opts.WALSyncMode == core.WALSyncInterval {
		e.wg.Add(1)
		go e.walSyncLoop()
	}
	if !e.opts.DisableAutoCompaction {
		e.compactor.Start(&e.wg)
	}
}

// InstanceID identifies the database directory across restarts.
func (e *Engine) InstanceID() string { return e.instanceID }

// DataDir returns the root directory of the database.
func (e *Engine) DataDir() string { return e.dataDir }

// HookManager returns the hook manager events are dispatched through.
func (e *Engine) HookManager() hooks.HookManager { return e.hooks }

// Metrics returns the engine's expvar metrics.
func (e *Engine) Metrics() *EngineMetrics { return e.metrics }

// LastSeq returns the highest sequence number assigned so far.
func (e *Engine) LastSeq() uint64 { return e.seq.Load() }

// Put writes row under (tableID, pk). It returns once the write is in the
// WAL and the memtable, with the sequence number assigned to it.
func (e *Engine) Put(ctx context.Context, tableID uint32, pk core.Value, row core.Row) (uint64, error) {
	key, err := core.EncodeKey(tableID, pk)
	if err != nil {
		return 0, err
	}
	return e.write(ctx, tableID, core.EntryTypePut, key, core.EncodeRow(row))
}

// Delete writes a tombstone for (tableID, pk).
func (e *Engine) Delete(ctx context.Context, tableID uint32, pk core.Value) (uint64, error) {
	key, err := core.EncodeKey(tableID, pk)
	if err != nil {
		return 0, err
	}
	return e.write(ctx, tableID, core.EntryTypeDelete, key, nil)
}

func (e *Engine) write(ctx context.Context, tableID uint32, typ core.EntryType, key, value []byte) (seq uint64, err error) {
	if e.closed.Load() {
		return 0, core.ErrClosed
	}
	spanName, preEvent, postEvent := "Engine.Put", hooks.EventPrePut, hooks.EventPostPut
	if typ == core.EntryTypeDelete {
		spanName, preEvent, postEvent = "Engine.Delete", hooks.EventPreDelete, hooks.EventPostDelete
	}
	ctx, span := e.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.Int64("table.id", int64(tableID))))
	defer span.End()
	start := time.Now()
	defer func() {
		if err != nil {
			e.metrics.PutErrorsTotal.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if e.hooks.HasListeners(preEvent) {
		payload := hooks.MutationPayload{TableID: tableID, Key: key, Value: value}
		if err := e.hooks.Trigger(ctx, hooks.NewEvent(preEvent, payload)); err != nil {
			return 0, err
		}
	}

	e.writeMu.Lock()
	if e.closed.Load() {
		e.writeMu.Unlock()
		return 0, core.ErrClosed
	}
	if e.haltErr != nil {
		e.writeMu.Unlock()
		return 0, e.haltErr
	}
	// The memtable is checked before the WAL so a rejected write leaves no record.
	active := e.current.Load().Active()
	if active.State() != memtable.StateActive {
		e.writeMu.Unlock()
		return 0, fmt.Errorf("memtable write failed: %w", memtable.ErrFrozen)
	}
	seq = e.seq.Load() + 1
	if err := e.wal.Append(core.WALEntry{EntryType: typ, Key: key, Value: value, SeqNum: seq}); err != nil {
		e.writeMu.Unlock()
		return 0, fmt.Errorf("wal append failed: %w", err)
	}
	if typ == core.EntryTypeDelete {
		err = active.Delete(key, seq)
	} else {
		err = active.Put(key, value, seq)
	}
	if err != nil {
		e.haltErr = fmt.Errorf("%w: record %d is in the WAL but not in memory and is applied on restart: %v", ErrWritesHalted, seq, err)
		e.writeMu.Unlock()
		e.logger.Error("Memtable insert failed after WAL append, refusing further writes", "seq", seq, "error", err)
		return 0, e.haltErr
	}
	e.seq.Store(seq)
	full := active.IsFull()
	if full {
		if rerr := e.rotateMemtableLocked(); rerr != nil {
			e.logger.Error("Failed to rotate full memtable", "error", rerr)
		}
	}
	e.writeMu.Unlock()

	if full {
		e.signalFlush()
	}

	elapsed := time.Since(start)
	if typ == core.EntryTypeDelete {
		e.metrics.DeleteTotal.Add(1)
	} else {
		e.metrics.PutTotal.Add(1)
	}
	observeLatency(e.metrics.PutLatencyHist, elapsed.Seconds())
	e.latencyMu.Lock()
	_ = e.putLatency.AddWeighted(elapsed.Seconds(), 1)
	e.latencyMu.Unlock()
	span.SetAttributes(attribute.Int64("seq", int64(seq)))

	if e.hooks.HasListeners(postEvent) {
		payload := hooks.MutationPayload{TableID: tableID, Key: key, Value: value, SeqNum: seq}
		_ = e.hooks.Trigger(ctx, hooks.NewEvent(postEvent, payload))
	}
	return seq, nil
}

// rotateMemtableLocked freezes the active memtable, installs a fresh one and
// starts a new WAL segment so the frozen memtable's records can be purged as
// a whole once flushed. The caller holds writeMu.
func (e *Engine) rotateMemtableLocked() error {
	cur := e.current.Load()
	active := cur.Active()
	if active == nil || active.Len() == 0 {
		return nil
	}
	if _, err := e.wal.Rotate(); err != nil {
		return fmt.Errorf("wal rotate failed: %w", err)
	}
	active.Freeze()
	fresh := memtable.New(e.nextMemtableID.Add(1), e.opts.MemtableThreshold)

	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	// Re-read under publishMu: a flush may have published since.
	cur = e.current.Load()
	memtables := append([]*memtable.Memtable{fresh}, cur.Memtables()...)
	next, err := cur.Apply(e.versionID.Add(1), levels.Edit{Memtables: memtables})
	if err != nil {
		return err
	}
	e.installLocked(next)
	e.logger.Debug("Memtable frozen", "memtable_id", active.ID(), "size", active.Size(), "entries", active.Len())
	return nil
}

// installLocked swaps in a new current version and releases the old one.
// The caller holds publishMu.
func (e *Engine) installLocked(next *levels.Version) {
	e.versionMu.Lock()
	old := e.current.Swap(next)
	e.versionMu.Unlock()
	if old != nil {
		old.Unref()
	}
}

// acquire returns the current version with an extra reference, or
// core.ErrClosed once the engine has shut down.
func (e *Engine) acquire() (*levels.Version, error) {
	e.versionMu.RLock()
	defer e.versionMu.RUnlock()
	v := e.current.Load()
	if v == nil || e.closed.Load() {
		return nil, core.ErrClosed
	}
	return v.Ref(), nil
}

func (e *Engine) signalFlush() {
	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

func (e *Engine) walSyncLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.WALSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.wal.Sync(); err != nil && !errors.Is(err, core.ErrClosed) {
				e.logger.Error("Periodic WAL sync failed", "error", err)
			}
		case <-e.shutdownChan:
			return
		}
	}
}

// Close flushes the memtables, stops background work and releases files.
// Later calls return the first result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.close()
	})
	return e.closeErr
}

func (e *Engine) close() error {
	ctx := context.Background()
	_ = e.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPreCloseEngine, nil))

	close(e.shutdownChan)
	e.wg.Wait()

	var errs []error
	if err := e.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush failed: %w", err))
	}
	e.writeMu.Lock()
	e.closed.Store(true)
	e.writeMu.Unlock()

	if err := e.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("wal close failed: %w", err))
	}
	e.publishMu.Lock()
	e.installLocked(nil)
	e.publishMu.Unlock()
	if e.unlock != nil {
		if err := e.unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("Storage engine closed", "last_seq", e.seq.Load())
	_ = e.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPostCloseEngine, nil))
	e.hooks.Stop()
	return errors.Join(errs...)
}
