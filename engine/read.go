package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/iterator"
	"github.com/INLOpen/nexusdb/levels"
	"github.com/INLOpen/nexusdb/sstable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is a consistent read view: a captured version plus a sequence
// bound. It must be released so superseded SSTables can be deleted.
type Snapshot struct {
	version  *levels.Version
	seq      uint64
	released atomic.Bool
}

// Seq returns the sequence bound of the snapshot.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Release drops the snapshot's hold on its version. It is safe to call twice.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.version.Unref()
	}
}

// Snapshot captures the current state for repeatable reads.
func (e *Engine) Snapshot() (*Snapshot, error) {
	v, err := e.acquire()
	if err != nil {
		return nil, err
	}
	// The version is taken before the bound, so every table in it only holds
	// sequence numbers at or below the bound.
	return &Snapshot{version: v, seq: e.seq.Load()}, nil
}

// view resolves the version and bound for a read. release must be called.
func (e *Engine) view(snap *Snapshot) (v *levels.Version, bound uint64, release func(), err error) {
	if snap != nil {
		if snap.released.Load() {
			return nil, 0, nil, errors.New("engine: snapshot already released")
		}
		return snap.version, snap.seq, func() {}, nil
	}
	v, err = e.acquire()
	if err != nil {
		return nil, 0, nil, err
	}
	return v, e.seq.Load(), v.Unref, nil
}

// Get returns the row stored under (tableID, pk) as of snap, or the latest
// state when snap is nil. A missing or deleted row yields core.ErrNotFound.
func (e *Engine) Get(ctx context.Context, tableID uint32, pk core.Value, snap *Snapshot) (core.Row, error) {
	key, err := core.EncodeKey(tableID, pk)
	if err != nil {
		return nil, err
	}
	value, err := e.GetRaw(ctx, key, snap)
	if err != nil {
		return nil, err
	}
	return core.DecodeRow(value)
}

// GetRaw looks up an encoded storage key and returns the encoded row.
func (e *Engine) GetRaw(ctx context.Context, key []byte, snap *Snapshot) ([]byte, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Get")
	defer span.End()
	start := time.Now()
	defer func() { observeLatency(e.metrics.GetLatencyHist, time.Since(start).Seconds()) }()
	e.metrics.GetTotal.Add(1)

	v, bound, release, err := e.view(snap)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, source, err := e.lookup(ctx, v, key, bound)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			e.metrics.GetMissesTotal.Add(1)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("get.source", source))
	if entry.IsTombstone() {
		e.metrics.GetMissesTotal.Add(1)
		return nil, core.ErrNotFound
	}
	return entry.Value, nil
}

// lookup finds the newest entry for key with seq <= bound: memtables newest
// first, then level 0 newest first, then at most one table per deeper level.
func (e *Engine) lookup(ctx context.Context, v *levels.Version, key []byte, bound uint64) (*core.Entry, string, error) {
	for _, m := range v.Memtables() {
		if entry, ok := m.Get(key, bound); ok {
			return entry, "memtable", nil
		}
	}
	check := func(t *sstable.SSTable) (*core.Entry, error) {
		entry, err := t.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry.SeqNum > bound {
			return nil, sstable.ErrNotFound
		}
		return entry, nil
	}
	for _, t := range v.Level(0) {
		entry, err := check(t)
		if err == nil {
			return entry, "l0", nil
		}
		if !errors.Is(err, sstable.ErrNotFound) {
			return nil, "", fmt.Errorf("get from sstable %d: %w", t.ID(), err)
		}
	}
	for lvl := 1; lvl < v.NumLevels(); lvl++ {
		t := v.TableFor(lvl, key)
		if t == nil {
			continue
		}
		entry, err := check(t)
		if err == nil {
			return entry, fmt.Sprintf("l%d", lvl), nil
		}
		if !errors.Is(err, sstable.ErrNotFound) {
			return nil, "", fmt.Errorf("get from sstable %d: %w", t.ID(), err)
		}
	}
	return nil, "", core.ErrNotFound
}

// Scan returns the live rows of a table in primary key order. Each call
// starts a fresh iteration; the iterator must be closed.
func (e *Engine) Scan(ctx context.Context, tableID uint32, snap *Snapshot) (core.EntryIterator, error) {
	start, end := core.TableKeyRange(tableID)
	return e.scan(ctx, start, end, snap)
}

// ScanRange is Scan restricted to storage keys in [startKey, endKey). Bounds
// outside the table are clamped to it; nil means the table's edge.
func (e *Engine) ScanRange(ctx context.Context, tableID uint32, startKey, endKey []byte, snap *Snapshot) (core.EntryIterator, error) {
	tStart, tEnd := core.TableKeyRange(tableID)
	if startKey == nil || bytes.Compare(startKey, tStart) < 0 {
		startKey = tStart
	}
	if endKey == nil || (tEnd != nil && bytes.Compare(endKey, tEnd) > 0) {
		endKey = tEnd
	}
	if endKey != nil && bytes.Compare(startKey, endKey) >= 0 {
		return iterator.NewEmptyIterator(), nil
	}
	return e.scan(ctx, startKey, endKey, snap)
}

func (e *Engine) scan(ctx context.Context, start, end []byte, snap *Snapshot) (core.EntryIterator, error) {
	_, span := e.tracer.Start(ctx, "Engine.Scan", trace.WithAttributes(
		attribute.String("scan.start", fmt.Sprintf("%x", start)),
		attribute.String("scan.end", fmt.Sprintf("%x", end)),
	))
	defer span.End()
	e.metrics.ScanTotal.Add(1)

	v, bound, release, err := e.view(snap)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		// The iterator holds its own reference so it may outlive the snapshot.
		v.Ref()
		release = v.Unref
	}

	var iters []core.EntryIterator
	for _, m := range v.Memtables() {
		iters = append(iters, m.NewIterator(start, end, bound))
	}
	for _, t := range v.Level(0) {
		if t.Overlaps(start, end) {
			iters = append(iters, t.NewIterator(start, end))
		}
	}
	for lvl := 1; lvl < v.NumLevels(); lvl++ {
		for _, t := range v.Level(lvl) {
			if t.Overlaps(start, end) {
				iters = append(iters, t.NewIterator(start, end))
			}
		}
	}
	span.SetAttributes(attribute.Int("scan.sources", len(iters)))

	merged := iterator.NewMergingIterator(iterator.MergingIteratorParams{
		Iters:       iters,
		SnapshotSeq: bound,
	})
	return &versionIterator{EntryIterator: merged, release: release}, nil
}

// versionIterator releases the version it reads from when closed.
type versionIterator struct {
	core.EntryIterator
	release func()
	closed  bool
}

func (it *versionIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.EntryIterator.Close()
	it.release()
	return err
}
