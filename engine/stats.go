package engine

import (
	"context"

	"github.com/INLOpen/nexusdb/core"
)

// LevelStats describes one level of the tree.
type LevelStats struct {
	Level  int   `json:"level"`
	Tables int   `json:"tables"`
	Bytes  int64 `json:"bytes"`
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	InstanceID       string            `json:"instance_id"`
	LastSeq          uint64            `json:"last_seq"`
	FlushedSeq       uint64            `json:"flushed_seq"`
	VersionID        uint64            `json:"version_id"`
	MemtableBytes    int64             `json:"memtable_bytes"`
	MemtableEntries  int               `json:"memtable_entries"`
	FrozenMemtables  int               `json:"frozen_memtables"`
	Levels           []LevelStats      `json:"levels"`
	RowCounts        map[uint32]uint64 `json:"row_counts"`
	WALSegments      int               `json:"wal_segments"`
	CompactingTables uint64            `json:"compacting_tables"`
	CacheHitRate     float64           `json:"cache_hit_rate"`
	PutLatencyP50    float64           `json:"put_latency_p50_seconds"`
	PutLatencyP99    float64           `json:"put_latency_p99_seconds"`
}

// Stats collects engine statistics. Row counts come from a full scan at one
// snapshot, so the call costs as much as reading every live row.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Stats")
	defer span.End()

	snap, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	v := snap.version

	st := &Stats{
		InstanceID:       e.instanceID,
		LastSeq:          snap.seq,
		FlushedSeq:       e.flushedSeq.Load(),
		VersionID:        v.ID(),
		FrozenMemtables:  len(v.Frozen()),
		RowCounts:        make(map[uint32]uint64),
		WALSegments:      e.wal.SegmentCount(),
		CompactingTables: e.picker.InFlightCount(),
	}
	for _, m := range v.Memtables() {
		st.MemtableBytes += m.Size()
		st.MemtableEntries += m.Len()
	}
	for lvl := 0; lvl < v.NumLevels(); lvl++ {
		st.Levels = append(st.Levels, LevelStats{Level: lvl, Tables: len(v.Level(lvl)), Bytes: v.LevelSize(lvl)})
	}
	if e.blockCache != nil {
		st.CacheHitRate = e.blockCache.GetHitRate()
	}
	e.latencyMu.Lock()
	if e.putLatency.Count() > 0 {
		st.PutLatencyP50 = e.putLatency.Quantile(0.5)
		st.PutLatencyP99 = e.putLatency.Quantile(0.99)
	}
	e.latencyMu.Unlock()

	iter, err := e.scan(ctx, nil, nil, snap)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node, _ := iter.At()
		st.RowCounts[core.TableIDOf(node.Key)]++
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return st, nil
}

// RowCount returns the number of live rows in one table.
func (e *Engine) RowCount(ctx context.Context, tableID uint32, snap *Snapshot) (uint64, error) {
	iter, err := e.Scan(ctx, tableID, snap)
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var n uint64
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}
