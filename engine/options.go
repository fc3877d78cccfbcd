package engine

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/INLOpen/nexusdb/levels"
	"go.opentelemetry.io/otel/trace"
)

// Options configures an Engine. Zero values take the defaults below.
type Options struct {
	DataDir string

	MemtableThreshold     int64
	MemtableFlushInterval time.Duration

	BlockCacheCapacity           int64
	SSTableBlockSize             int
	BloomFilterFalsePositiveRate float64
	SSTableCompressor            core.Compressor
	TargetSSTableSize            int64

	MaxLevels                  int
	MaxL0Files                 int
	L0CompactionTriggerSize    int64
	BaseTargetSize             int64
	LevelsTargetSizeMultiplier int
	CompactionInterval         time.Duration
	CompactionFallbackStrategy levels.CompactionFallbackStrategy
	CompactionTombstoneWeight  float64
	CompactionOverlapWeight    float64
	// DisableAutoCompaction stops the background compaction loop; CompactNow still works.
	DisableAutoCompaction bool

	WALSyncMode       core.WALSyncMode
	WALSyncInterval   time.Duration
	WALMaxSegmentSize int64
	WALPreallocate    bool

	// MinFreeDiskBytes fails flushes and compactions with core.ErrResourceExhausted
	// when the data directory's filesystem has less free space. Zero disables the check.
	MinFreeDiskBytes uint64
	LockTimeout      time.Duration

	Metrics        *EngineMetrics
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger

	// SSTableWriterFactory replaces the default writer, mainly for fault injection in tests.
	SSTableWriterFactory core.SSTableWriterFactory
	// DiskFreeFunc replaces the gopsutil free space probe.
	DiskFreeFunc func(path string) (uint64, error)
}

const (
	DefaultMemtableThreshold          = 4 * 1024 * 1024
	DefaultBlockCacheCapacity         = 8 * 1024 * 1024
	DefaultTargetSSTableSize          = 2 * 1024 * 1024
	DefaultMaxLevels                  = 7
	DefaultMaxL0Files                 = 4
	DefaultBaseTargetSize             = 16 * 1024 * 1024
	DefaultLevelsTargetSizeMultiplier = 10
	DefaultCompactionInterval         = 30 * time.Second
	DefaultWALSyncInterval            = time.Second
	DefaultLockTimeout                = 5 * time.Second
)

func (o *Options) applyDefaults() {
	if o.MemtableThreshold <= 0 {
		o.MemtableThreshold = DefaultMemtableThreshold
	}
	if o.BlockCacheCapacity == 0 {
		o.BlockCacheCapacity = DefaultBlockCacheCapacity
	}
	if o.TargetSSTableSize <= 0 {
		o.TargetSSTableSize = DefaultTargetSSTableSize
	}
	if o.MaxLevels < 2 {
		o.MaxLevels = DefaultMaxLevels
	}
	if o.MaxL0Files <= 0 {
		o.MaxL0Files = DefaultMaxL0Files
	}
	if o.BaseTargetSize <= 0 {
		o.BaseTargetSize = DefaultBaseTargetSize
	}
	if o.LevelsTargetSizeMultiplier <= 0 {
		o.LevelsTargetSizeMultiplier = DefaultLevelsTargetSizeMultiplier
	}
	if o.CompactionInterval <= 0 {
		o.CompactionInterval = DefaultCompactionInterval
	}
	if o.WALSyncMode == "" {
		o.WALSyncMode = core.WALSyncAlways
	}
	if o.WALSyncInterval <= 0 {
		o.WALSyncInterval = DefaultWALSyncInterval
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
}
