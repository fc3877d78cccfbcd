package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusdb/hooks"
)

// The compaction counters are process-wide; sync.Once keeps
// NewWriteAmplificationListener idempotent.
var (
	wafMetricsOnce    sync.Once
	totalBytesRead    *expvar.Int
	totalBytesWritten *expvar.Int
	compactionEvents  *expvar.Int
	tombstonesDropped *expvar.Int
)

func initWAFMetrics() {
	wafMetricsOnce.Do(func() {
		totalBytesRead = expvar.NewInt("waf_bytes_read_total")
		totalBytesWritten = expvar.NewInt("waf_bytes_written_total")
		compactionEvents = expvar.NewInt("waf_compactions_total")
		tombstonesDropped = expvar.NewInt("waf_tombstones_dropped_total")
		// Computed on every scrape.
		expvar.Publish("waf_ratio", expvar.Func(func() interface{} {
			read := totalBytesRead.Value()
			if read == 0 {
				return 0.0
			}
			return float64(totalBytesWritten.Value()) / float64(read)
		}))
	})
}

// WriteAmplificationListener tracks bytes read and written by compactions
// and publishes the ratio.
type WriteAmplificationListener struct {
	logger *slog.Logger
}

// NewWriteAmplificationListener creates a new listener.
func NewWriteAmplificationListener(logger *slog.Logger) *WriteAmplificationListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initWAFMetrics()
	return &WriteAmplificationListener{
		logger: logger.With("component", "WriteAmplificationListener"),
	}
}

// OnEvent is called when a PostCompaction event is triggered.
func (l *WriteAmplificationListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostCompactionPayload)
	if !ok {
		return nil
	}

	var bytesRead, bytesWritten int64
	for _, t := range payload.OldTables {
		bytesRead += t.Size
	}
	for _, t := range payload.NewTables {
		bytesWritten += t.Size
	}
	totalBytesRead.Add(bytesRead)
	totalBytesWritten.Add(bytesWritten)
	compactionEvents.Add(1)
	tombstonesDropped.Add(int64(payload.TombstonesDropped))

	l.logger.Info("Compaction event processed",
		"source_level", payload.SourceLevel,
		"target_level", payload.TargetLevel,
		"bytes_read", bytesRead,
		"bytes_written", bytesWritten,
		"tombstones_dropped", payload.TombstonesDropped,
		"duration", payload.Duration,
	)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *WriteAmplificationListener) Priority() int { return 100 }

func (l *WriteAmplificationListener) IsAsync() bool { return true }
