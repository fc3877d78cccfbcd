// Package query executes statements against the catalog and the storage
// engine with pull-based operators.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/engine"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/caio/go-tdigest/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Storage is the subset of the engine the executor needs.
type Storage interface {
	Snapshot() (*engine.Snapshot, error)
	Get(ctx context.Context, tableID uint32, pk core.Value, snap *engine.Snapshot) (core.Row, error)
	Scan(ctx context.Context, tableID uint32, snap *engine.Snapshot) (core.EntryIterator, error)
	ScanRange(ctx context.Context, tableID uint32, startKey, endKey []byte, snap *engine.Snapshot) (core.EntryIterator, error)
	Put(ctx context.Context, tableID uint32, pk core.Value, row core.Row) (uint64, error)
	Delete(ctx context.Context, tableID uint32, pk core.Value) (uint64, error)
}

// Catalog resolves and manages table schemas.
type Catalog interface {
	SchemaOf(name string) (*catalog.Table, error)
	Validate(name string, row core.Row) error
	CreateTable(name string, columns []catalog.Column) (*catalog.Table, error)
	DropTable(name string) (*catalog.Table, error)
}

type Options struct {
	Storage        Storage
	Catalog        Catalog
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
}

// ExecutorStats summarizes executed statements.
type ExecutorStats struct {
	Statements      uint64  `json:"statements"`
	StatementErrors uint64  `json:"statement_errors"`
	LatencyP50      float64 `json:"latency_p50_seconds"`
	LatencyP99      float64 `json:"latency_p99_seconds"`
	// Joins counts completed joins. JoinRightRows is the total size of their
	// right inputs and JoinRightMatched how many of those rows found a partner.
	Joins            uint64 `json:"joins"`
	JoinRightRows    uint64 `json:"join_right_rows"`
	JoinRightMatched uint64 `json:"join_right_matched"`
}

// Executor runs statements. Each statement reads from one snapshot; writes
// to the same table are serialized so that duplicate key checks hold.
type Executor struct {
	store  Storage
	cat    Catalog
	logger *slog.Logger
	hooks  hooks.HookManager
	tracer trace.Tracer

	locksMu    sync.Mutex
	tableLocks map[uint32]*sync.Mutex

	statements atomic.Uint64
	failures   atomic.Uint64
	joins      atomic.Uint64
	joinRight  atomic.Uint64
	joinMatch  atomic.Uint64
	latencyMu  sync.Mutex
	latency    *tdigest.TDigest
}

func NewExecutor(opts Options) (*Executor, error) {
	if opts.Storage == nil || opts.Catalog == nil {
		return nil, errors.New("executor needs storage and a catalog")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hm := opts.HookManager
	if hm == nil {
		hm = hooks.NewHookManager(logger)
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	digest, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &Executor{
		store:      opts.Storage,
		cat:        opts.Catalog,
		logger:     logger.With("component", "Executor"),
		hooks:      hm,
		tracer:     tp.Tracer("nexusdb/query"),
		tableLocks: make(map[uint32]*sync.Mutex),
		latency:    digest,
	}, nil
}

// Execute runs one statement. For Update and Delete a non-nil Result is
// returned together with an error when the statement failed part way; its
// RowsAffected counts the rows already changed.
func (x *Executor) Execute(ctx context.Context, stmt Statement) (res *Result, err error) {
	if stmt == nil {
		return nil, newError(KindInvalidValue, "empty statement")
	}
	kind := stmt.Kind()
	ctx, span := x.tracer.Start(ctx, "Executor.Execute", trace.WithAttributes(
		attribute.String("statement.kind", kind),
		attribute.String("statement.table", stmt.Target()),
	))
	defer span.End()
	start := time.Now()

	if x.hooks.HasListeners(hooks.EventPreStatement) {
		payload := hooks.StatementPayload{Kind: kind, Table: stmt.Target()}
		if err := x.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPreStatement, payload)); err != nil {
			return nil, fmt.Errorf("statement rejected by hook: %w", err)
		}
	}

	switch s := stmt.(type) {
	case *CreateTable:
		res, err = x.createTable(s)
	case *DropTable:
		res, err = x.dropTable(ctx, s)
	case *Insert:
		res, err = x.insert(ctx, s)
	case *Select:
		res, err = x.selectRows(ctx, s)
	case *Update:
		res, err = x.update(ctx, s)
	case *Delete:
		res, err = x.delete(ctx, s)
	default:
		err = newError(KindInvalidValue, "unsupported statement %T", stmt)
	}
	err = classify(err)

	elapsed := time.Since(start)
	x.statements.Add(1)
	x.latencyMu.Lock()
	_ = x.latency.AddWeighted(elapsed.Seconds(), 1)
	x.latencyMu.Unlock()

	payload := hooks.StatementPayload{Kind: kind, Table: stmt.Target(), Duration: elapsed, Err: err}
	if res != nil {
		payload.RowsAffected = res.RowsAffected
		payload.RowsReturned = len(res.Rows)
		span.SetAttributes(attribute.Int64("statement.rows_affected", res.RowsAffected), attribute.Int("statement.rows_returned", len(res.Rows)))
	}
	if err != nil {
		x.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Debug("Statement failed", "kind", kind, "table", stmt.Target(), "error", err)
	} else {
		x.logger.Debug("Statement executed", "kind", kind, "table", stmt.Target(), "duration", elapsed)
	}
	if x.hooks.HasListeners(hooks.EventPostStatement) {
		_ = x.hooks.Trigger(ctx, hooks.NewEvent(hooks.EventPostStatement, payload))
	}
	return res, err
}

// Stats reports statement counters and latency quantiles.
func (x *Executor) Stats() ExecutorStats {
	st := ExecutorStats{
		Statements:       x.statements.Load(),
		StatementErrors:  x.failures.Load(),
		Joins:            x.joins.Load(),
		JoinRightRows:    x.joinRight.Load(),
		JoinRightMatched: x.joinMatch.Load(),
	}
	x.latencyMu.Lock()
	if x.latency.Count() > 0 {
		st.LatencyP50 = x.latency.Quantile(0.5)
		st.LatencyP99 = x.latency.Quantile(0.99)
	}
	x.latencyMu.Unlock()
	return st
}

func (x *Executor) lockTable(id uint32) func() {
	x.locksMu.Lock()
	mu, ok := x.tableLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		x.tableLocks[id] = mu
	}
	x.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (x *Executor) createTable(s *CreateTable) (*Result, error) {
	if _, err := x.cat.CreateTable(s.Name, s.Columns); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

// dropTable removes the table from the catalog first, so its rows are
// unreachable even if deleting them is interrupted.
func (x *Executor) dropTable(ctx context.Context, s *DropTable) (*Result, error) {
	t, err := x.cat.DropTable(s.Name)
	if err != nil {
		if s.IfExists && errors.Is(err, catalog.ErrTableNotFound) {
			return &Result{}, nil
		}
		return nil, err
	}
	unlock := x.lockTable(t.ID)
	defer unlock()
	res := &Result{}
	iter, err := x.store.Scan(ctx, t.ID, nil)
	if err != nil {
		return res, err
	}
	var keys []core.Value
	for iter.Next() {
		node, err := iter.At()
		if err != nil {
			iter.Close()
			return res, err
		}
		_, pk, err := core.DecodeKey(node.Key)
		if err != nil {
			iter.Close()
			return res, err
		}
		keys = append(keys, pk)
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return res, err
	}
	if err := iter.Close(); err != nil {
		return res, err
	}
	for _, pk := range keys {
		if _, err := x.store.Delete(ctx, t.ID, pk); err != nil {
			return res, err
		}
		res.RowsAffected++
	}
	x.logger.Info("Dropped table rows", "table", t.Name, "id", t.ID, "rows", res.RowsAffected)
	return res, nil
}

func tableColumns(t *catalog.Table) []ColumnRef {
	cols := make([]ColumnRef, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = ColumnRef{Table: t.Name, Name: c.Name}
	}
	return cols
}

func (x *Executor) insert(ctx context.Context, s *Insert) (*Result, error) {
	t, err := x.cat.SchemaOf(s.Table)
	if err != nil {
		return nil, err
	}
	positions, err := insertPositions(t, s.Columns)
	if err != nil {
		return nil, err
	}

	unlock := x.lockTable(t.ID)
	defer unlock()

	rows := make([]core.Row, 0, len(s.Values))
	seen := make(map[string]struct{}, len(s.Values))
	pkIdx := t.PrimaryKey()
	for n, values := range s.Values {
		row, err := buildRow(t, positions, values)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", n+1, classify(err))
		}
		pk := row[pkIdx]
		key, err := core.EncodeKey(t.ID, pk)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[string(key)]; dup {
			return nil, newError(KindDuplicateKey, "duplicate primary key %s in %s", pk, t.Name)
		}
		seen[string(key)] = struct{}{}
		_, err = x.store.Get(ctx, t.ID, pk, nil)
		switch {
		case err == nil:
			return nil, newError(KindDuplicateKey, "primary key %s already exists in %s", pk, t.Name)
		case !errors.Is(err, core.ErrNotFound):
			return nil, err
		}
		rows = append(rows, row)
	}

	res := &Result{}
	for _, row := range rows {
		if _, err := x.store.Put(ctx, t.ID, row[pkIdx], row); err != nil {
			return res, err
		}
		res.RowsAffected++
	}
	return res, nil
}

// insertPositions maps each listed column to its index in the table. A nil
// result means values are given for all columns in order.
func insertPositions(t *catalog.Table, columns []string) ([]int, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	positions := make([]int, len(columns))
	used := make(map[int]bool, len(columns))
	for i, name := range columns {
		idx, ok := t.ColumnIndex(name)
		if !ok {
			return nil, newError(KindColumnNotFound, "column %s does not exist in %s", name, t.Name)
		}
		if used[idx] {
			return nil, newError(KindInvalidValue, "column %s is listed twice", name)
		}
		used[idx] = true
		positions[i] = idx
	}
	return positions, nil
}

func buildRow(t *catalog.Table, positions []int, values core.Row) (core.Row, error) {
	if positions == nil {
		return t.Coerce(values)
	}
	if len(values) != len(positions) {
		return nil, newError(KindArity, "%d columns listed, %d values given", len(positions), len(values))
	}
	row := make(core.Row, len(t.Columns))
	given := make([]bool, len(t.Columns))
	for i, idx := range positions {
		row[idx] = values[i]
		given[idx] = true
	}
	for i := range t.Columns {
		if given[i] {
			continue
		}
		v, err := t.Columns[i].DefaultValue()
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return t.Coerce(row)
}

func (x *Executor) selectRows(ctx context.Context, s *Select) (*Result, error) {
	snap, err := x.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	op, join, err := x.plan(ctx, s, snap)
	if err != nil {
		return nil, err
	}
	rows, err := Drain(op)
	if err != nil {
		return nil, err
	}
	if join != nil {
		x.joins.Add(1)
		x.joinRight.Add(join.RightRows())
		x.joinMatch.Add(join.MatchedRight())
		x.logger.Debug("Join finished", "table", s.Table, "right_table", s.Join.Table,
			"right_rows", join.RightRows(), "right_matched", join.MatchedRight(), "output_rows", len(rows))
	}
	return &Result{Columns: columnNames(op.Columns()), Rows: rows}, nil
}

// columnNames qualifies names only when the output spans several tables.
func columnNames(cols []ColumnRef) []string {
	qualify := false
	for _, c := range cols {
		if c.Table != "" && c.Table != cols[0].Table {
			qualify = true
			break
		}
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		if qualify {
			names[i] = c.String()
		} else {
			names[i] = c.Name
		}
	}
	return names
}

func (x *Executor) update(ctx context.Context, s *Update) (*Result, error) {
	t, err := x.cat.SchemaOf(s.Table)
	if err != nil {
		return nil, err
	}
	if len(s.Assignments) == 0 {
		return nil, newError(KindInvalidValue, "UPDATE without assignments")
	}
	cols := tableColumns(t)
	targets := make([]int, len(s.Assignments))
	values := make([]evaluator, len(s.Assignments))
	for i, a := range s.Assignments {
		idx, ok := t.ColumnIndex(a.Column)
		if !ok {
			return nil, newError(KindColumnNotFound, "column %s does not exist in %s", a.Column, t.Name)
		}
		for _, prev := range targets[:i] {
			if prev == idx {
				return nil, newError(KindInvalidValue, "column %s is assigned twice", a.Column)
			}
		}
		ev, err := compile(a.Value, cols)
		if err != nil {
			return nil, err
		}
		targets[i], values[i] = idx, ev
	}

	unlock := x.lockTable(t.ID)
	defer unlock()
	snap, err := x.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	op, err := x.source(ctx, t, s.Filter, snap)
	if err != nil {
		return nil, err
	}
	defer op.Close()

	pkIdx := t.PrimaryKey()
	res := &Result{}
	for {
		row, ok, err := op.Next()
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		next := row.Clone()
		for i, idx := range targets {
			v, err := values[i](row)
			if err != nil {
				return res, err
			}
			next[idx] = v
		}
		next, err = t.Coerce(next)
		if err != nil {
			return res, classify(err)
		}
		if !next[pkIdx].Equal(row[pkIdx]) {
			return res, newError(KindInvalidValue, "primary key %s of %s cannot be changed", t.Columns[pkIdx].Name, t.Name)
		}
		if _, err := x.store.Put(ctx, t.ID, next[pkIdx], next); err != nil {
			return res, err
		}
		res.RowsAffected++
	}
}

func (x *Executor) delete(ctx context.Context, s *Delete) (*Result, error) {
	t, err := x.cat.SchemaOf(s.Table)
	if err != nil {
		return nil, err
	}
	unlock := x.lockTable(t.ID)
	defer unlock()
	snap, err := x.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	op, err := x.source(ctx, t, s.Filter, snap)
	if err != nil {
		return nil, err
	}
	defer op.Close()

	pkIdx := t.PrimaryKey()
	res := &Result{}
	for {
		row, ok, err := op.Next()
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		if _, err := x.store.Delete(ctx, t.ID, row[pkIdx]); err != nil {
			return res, err
		}
		res.RowsAffected++
	}
}
