package query

import (
	"context"
	"strings"

	"github.com/INLOpen/nexusdb/core"
)

// ColumnRef names one output column of an operator.
type ColumnRef struct {
	Table string
	Name  string
}

func (c ColumnRef) String() string {
	if c.Table == "" {
		return c.Name
	}
	return c.Table + "." + c.Name
}

func (c ColumnRef) matches(col Col) bool {
	if !strings.EqualFold(c.Name, col.Name) {
		return false
	}
	return col.Table == "" || strings.EqualFold(c.Table, col.Table)
}

// resolve finds col among cols. An unqualified name present in more than one
// table is ambiguous.
func resolve(cols []ColumnRef, col Col) (int, error) {
	found := -1
	for i, c := range cols {
		if !c.matches(col) {
			continue
		}
		if found >= 0 {
			return -1, newError(KindColumnNotFound, "column %s is ambiguous", col)
		}
		found = i
	}
	if found < 0 {
		return -1, newError(KindColumnNotFound, "column %s does not exist", col)
	}
	return found, nil
}

// Operator is a pull-based producer of rows. Next returns ok == false once
// the input is exhausted; operators cannot be restarted.
type Operator interface {
	Next() (row core.Row, ok bool, err error)
	Close() error
	Columns() []ColumnRef
}

// Drain reads every remaining row of op and closes it.
func Drain(op Operator) ([]core.Row, error) {
	defer op.Close()
	var rows []core.Row
	for {
		row, ok, err := op.Next()
		if err != nil {
			return rows, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// ScanOperator decodes the rows of a storage iterator.
type ScanOperator struct {
	ctx    context.Context
	iter   core.EntryIterator
	cols   []ColumnRef
	closed bool
}

// NewScanOperator takes ownership of iter.
func NewScanOperator(ctx context.Context, iter core.EntryIterator, cols []ColumnRef) *ScanOperator {
	return &ScanOperator{ctx: ctx, iter: iter, cols: cols}
}

func (s *ScanOperator) Next() (core.Row, bool, error) {
	if s.closed {
		return nil, false, nil
	}
	if err := s.ctx.Err(); err != nil {
		return nil, false, err
	}
	if !s.iter.Next() {
		return nil, false, s.iter.Error()
	}
	node, err := s.iter.At()
	if err != nil {
		return nil, false, err
	}
	row, err := core.DecodeRow(node.Value)
	if err != nil {
		return nil, false, err
	}
	if len(row) != len(s.cols) {
		return nil, false, newError(KindInternal, "stored row has %d values, table has %d columns", len(row), len(s.cols))
	}
	return row, true, nil
}

func (s *ScanOperator) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.iter.Close()
}

func (s *ScanOperator) Columns() []ColumnRef { return s.cols }

// FilterOperator passes rows for which the predicate is TRUE.
type FilterOperator struct {
	child Operator
	pred  predicate
}

func NewFilterOperator(child Operator, cond Expr) (*FilterOperator, error) {
	pred, err := compilePredicate(cond, child.Columns())
	if err != nil {
		return nil, err
	}
	return &FilterOperator{child: child, pred: pred}, nil
}

func (f *FilterOperator) Next() (core.Row, bool, error) {
	for {
		row, ok, err := f.child.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		pass, err := f.pred(row)
		if err != nil {
			return nil, false, err
		}
		if pass {
			return row, true, nil
		}
	}
}

func (f *FilterOperator) Close() error         { return f.child.Close() }
func (f *FilterOperator) Columns() []ColumnRef { return f.child.Columns() }

// ProjectOperator picks a subset of its child's columns.
type ProjectOperator struct {
	child   Operator
	indexes []int
	cols    []ColumnRef
}

func NewProjectOperator(child Operator, columns []Col) (*ProjectOperator, error) {
	in := child.Columns()
	p := &ProjectOperator{child: child}
	for _, c := range columns {
		idx, err := resolve(in, c)
		if err != nil {
			return nil, err
		}
		p.indexes = append(p.indexes, idx)
		p.cols = append(p.cols, in[idx])
	}
	return p, nil
}

func (p *ProjectOperator) Next() (core.Row, bool, error) {
	row, ok, err := p.child.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	out := make(core.Row, len(p.indexes))
	for i, idx := range p.indexes {
		out[i] = row[idx]
	}
	return out, true, nil
}

func (p *ProjectOperator) Close() error         { return p.child.Close() }
func (p *ProjectOperator) Columns() []ColumnRef { return p.cols }

// LimitOperator stops after n rows.
type LimitOperator struct {
	child Operator
	left  int
}

func NewLimitOperator(child Operator, n int) *LimitOperator {
	return &LimitOperator{child: child, left: n}
}

func (l *LimitOperator) Next() (core.Row, bool, error) {
	if l.left <= 0 {
		return nil, false, nil
	}
	row, ok, err := l.child.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	l.left--
	return row, true, nil
}

func (l *LimitOperator) Close() error         { return l.child.Close() }
func (l *LimitOperator) Columns() []ColumnRef { return l.child.Columns() }

// rowsOperator yields rows held in memory.
type rowsOperator struct {
	rows []core.Row
	cols []ColumnRef
	pos  int
}

func newRowsOperator(cols []ColumnRef, rows []core.Row) *rowsOperator {
	return &rowsOperator{rows: rows, cols: cols}
}

func (r *rowsOperator) Next() (core.Row, bool, error) {
	if r.pos >= len(r.rows) {
		return nil, false, nil
	}
	row := r.rows[r.pos]
	r.pos++
	return row, true, nil
}

func (r *rowsOperator) Close() error {
	r.rows = nil
	return nil
}

func (r *rowsOperator) Columns() []ColumnRef { return r.cols }
