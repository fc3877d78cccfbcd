package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusdb/hooks"
)

var (
	slowStatementsOnce sync.Once
	slowStatements     *expvar.Int
)

// SlowStatementListener logs statements slower than a threshold and counts them.
type SlowStatementListener struct {
	threshold time.Duration
	logger    *slog.Logger
}

// NewSlowStatementListener creates a listener. A non-positive threshold
// disables it.
func NewSlowStatementListener(threshold time.Duration, logger *slog.Logger) *SlowStatementListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	slowStatementsOnce.Do(func() {
		slowStatements = expvar.NewInt("query_slow_statements_total")
	})
	return &SlowStatementListener{
		threshold: threshold,
		logger:    logger.With("component", "SlowStatementListener"),
	}
}

func (l *SlowStatementListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.StatementPayload)
	if !ok || l.threshold <= 0 || payload.Duration < l.threshold {
		return nil
	}
	slowStatements.Add(1)
	args := []any{
		"kind", payload.Kind,
		"table", payload.Table,
		"duration", payload.Duration,
		"threshold", l.threshold,
		"rows_affected", payload.RowsAffected,
		"rows_returned", payload.RowsReturned,
	}
	if payload.Err != nil {
		args = append(args, "error", payload.Err)
	}
	l.logger.Warn("Slow statement", args...)
	return nil
}

func (l *SlowStatementListener) Priority() int { return 150 }

func (l *SlowStatementListener) IsAsync() bool { return true }
