package listeners

import (
	"context"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusdb/hooks"
)

// SchemaAuditListener writes an audit line for every successful CREATE TABLE
// and DROP TABLE.
type SchemaAuditListener struct {
	logger *slog.Logger
}

func NewSchemaAuditListener(logger *slog.Logger) *SchemaAuditListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SchemaAuditListener{logger: logger.With("component", "SchemaAudit")}
}

func (l *SchemaAuditListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.StatementPayload)
	if !ok || payload.Err != nil {
		return nil
	}
	switch payload.Kind {
	case "CREATE TABLE", "DROP TABLE":
		l.logger.Info("Schema changed", "kind", payload.Kind, "table", payload.Table)
	}
	return nil
}

func (l *SchemaAuditListener) Priority() int { return 150 }

// IsAsync is false so audit lines are written before the statement returns.
func (l *SchemaAuditListener) IsAsync() bool { return false }
