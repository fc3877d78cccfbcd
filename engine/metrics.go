package engine

import (
	"expvar"
	"fmt"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}

// EngineMetrics holds the expvar variables of one Engine.
type EngineMetrics struct {
	PublishedGlobally bool

	PutTotal        *expvar.Int
	PutErrorsTotal  *expvar.Int
	DeleteTotal     *expvar.Int
	GetTotal        *expvar.Int
	GetMissesTotal  *expvar.Int
	ScanTotal       *expvar.Int
	FlushTotal      *expvar.Int
	FlushErrors     *expvar.Int
	FlushedEntries  *expvar.Int
	FlushedBytes    *expvar.Int
	CompactionTotal *expvar.Int
	CompactionErrs  *expvar.Int

	CompactionTablesMergedTotal *expvar.Int
	CompactionBytesWrittenTotal *expvar.Int
	CompactionTombstonesDropped *expvar.Int
	CompactionsInProgress       *expvar.Int

	SSTablesCreatedTotal *expvar.Int
	SSTablesDeletedTotal *expvar.Int

	WALBytesWrittenTotal     *expvar.Int
	WALEntriesWrittenTotal   *expvar.Int
	WALRecoveredEntriesTotal *expvar.Int
	WALRecoveryDuration      *expvar.Float

	CacheHits   *expvar.Int
	CacheMisses *expvar.Int

	ResourceExhaustedTotal *expvar.Int

	PutLatencyHist        *expvar.Map
	GetLatencyHist        *expvar.Map
	FlushLatencyHist      *expvar.Map
	CompactionLatencyHist *expvar.Map
}

// NewEngineMetrics creates the metric set. When publishGlobally is set the
// variables are registered in the expvar namespace under prefix.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	newInt := func(string) *expvar.Int { return new(expvar.Int) }
	newFloat := func(string) *expvar.Float { return new(expvar.Float) }
	newMap := func(string) *expvar.Map { return new(expvar.Map).Init() }
	if publishGlobally {
		newInt, newFloat, newMap = publishExpvarInt, publishExpvarFloat, publishExpvarMap
	}

	em := &EngineMetrics{
		PublishedGlobally: publishGlobally,

		PutTotal:        newInt(prefix + "put_total"),
		PutErrorsTotal:  newInt(prefix + "put_errors_total"),
		DeleteTotal:     newInt(prefix + "delete_total"),
		GetTotal:        newInt(prefix + "get_total"),
		GetMissesTotal:  newInt(prefix + "get_misses_total"),
		ScanTotal:       newInt(prefix + "scan_total"),
		FlushTotal:      newInt(prefix + "flush_total"),
		FlushErrors:     newInt(prefix + "flush_errors_total"),
		FlushedEntries:  newInt(prefix + "flush_entries_total"),
		FlushedBytes:    newInt(prefix + "flush_bytes_total"),
		CompactionTotal: newInt(prefix + "compaction_total"),
		CompactionErrs:  newInt(prefix + "compaction_errors_total"),

		CompactionTablesMergedTotal: newInt(prefix + "compaction_tables_merged_total"),
		CompactionBytesWrittenTotal: newInt(prefix + "compaction_bytes_written_total"),
		CompactionTombstonesDropped: newInt(prefix + "compaction_tombstones_dropped_total"),
		CompactionsInProgress:       newInt(prefix + "compactions_in_progress"),

		SSTablesCreatedTotal: newInt(prefix + "sstables_created_total"),
		SSTablesDeletedTotal: newInt(prefix + "sstables_deleted_total"),

		WALBytesWrittenTotal:     newInt(prefix + "wal_bytes_written_total"),
		WALEntriesWrittenTotal:   newInt(prefix + "wal_entries_written_total"),
		WALRecoveredEntriesTotal: newInt(prefix + "wal_recovered_entries_total"),
		WALRecoveryDuration:      newFloat(prefix + "wal_recovery_duration_seconds"),

		CacheHits:   newInt(prefix + "block_cache_hits"),
		CacheMisses: newInt(prefix + "block_cache_misses"),

		ResourceExhaustedTotal: newInt(prefix + "resource_exhausted_total"),

		PutLatencyHist:        newMap(prefix + "put_latency_seconds"),
		GetLatencyHist:        newMap(prefix + "get_latency_seconds"),
		FlushLatencyHist:      newMap(prefix + "flush_latency_seconds"),
		CompactionLatencyHist: newMap(prefix + "compaction_latency_seconds"),
	}
	for _, m := range []*expvar.Map{em.PutLatencyHist, em.GetLatencyHist, em.FlushLatencyHist, em.CompactionLatencyHist} {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(bucketName(b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}
	return em
}

func bucketName(b float64) string {
	return fmt.Sprintf("le_%.4f", b)
}

// observeLatency records the duration in a cumulative histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if v, ok := histMap.Get("count").(*expvar.Int); ok {
		v.Add(1)
	}
	if v, ok := histMap.Get("sum").(*expvar.Float); ok {
		v.Add(durationSeconds)
	}
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if v, ok := histMap.Get(bucketName(b)).(*expvar.Int); ok {
				v.Add(1)
			}
		}
	}
	if v, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		v.Add(1)
	}
}

// publishExpvarInt returns the published Int called name, resetting it if it already exists.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		mv.Init()
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
