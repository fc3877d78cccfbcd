package query

import (
	"context"
	"errors"

	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/engine"
)

// plan builds the operator tree of a Select:
// scan [join] filter [aggregate] [sort] [limit] [project].
// join is the join operator inside op, if any.
func (x *Executor) plan(ctx context.Context, s *Select, snap *engine.Snapshot) (op Operator, join *InnerJoinOperator, err error) {
	t, err := x.cat.SchemaOf(s.Table)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			if op != nil {
				op.Close()
			}
			op, join = nil, nil
		}
	}()

	if s.Join == nil {
		if op, err = x.source(ctx, t, s.Filter, snap); err != nil {
			return nil, nil, err
		}
	} else {
		right, err := x.cat.SchemaOf(s.Join.Table)
		if err != nil {
			return nil, nil, err
		}
		if op, err = x.scanTable(ctx, t, nil, snap); err != nil {
			return nil, nil, err
		}
		rightOp, err := x.scanTable(ctx, right, nil, snap)
		if err != nil {
			return op, nil, err
		}
		j, err := NewInnerJoinOperator(op, rightOp, ParseCol(s.Join.LeftColumn), ParseCol(s.Join.RightColumn))
		if err != nil {
			rightOp.Close()
			return op, nil, err
		}
		op, join = j, j
		if s.Filter != nil {
			if op, err = wrap(op, func(in Operator) (Operator, error) { return NewFilterOperator(in, s.Filter) }); err != nil {
				return op, nil, err
			}
		}
	}

	if len(s.GroupBy) > 0 || len(s.Aggregates) > 0 {
		groupBy := make([]Col, len(s.GroupBy))
		for i, g := range s.GroupBy {
			groupBy[i] = ParseCol(g)
		}
		if op, err = wrap(op, func(in Operator) (Operator, error) { return NewAggregateOperator(in, groupBy, s.Aggregates) }); err != nil {
			return op, nil, err
		}
	}
	if len(s.OrderBy) > 0 {
		if op, err = wrap(op, func(in Operator) (Operator, error) { return NewSortOperator(in, s.OrderBy) }); err != nil {
			return op, nil, err
		}
	}
	if s.Limit < 0 {
		return op, nil, newError(KindInvalidValue, "negative LIMIT %d", s.Limit)
	}
	if s.Limit > 0 {
		op = NewLimitOperator(op, s.Limit)
	}
	if len(s.Projection) > 0 && !(len(s.Projection) == 1 && s.Projection[0] == "*") {
		cols := make([]Col, len(s.Projection))
		for i, p := range s.Projection {
			cols[i] = ParseCol(p)
		}
		if op, err = wrap(op, func(in Operator) (Operator, error) { return NewProjectOperator(in, cols) }); err != nil {
			return op, nil, err
		}
	}
	return op, join, nil
}

// wrap applies build to op, keeping op when build fails so the caller can
// close it.
func wrap(op Operator, build func(Operator) (Operator, error)) (Operator, error) {
	next, err := build(op)
	if err != nil {
		return op, err
	}
	return next, nil
}

// source reads the rows of t that satisfy filter.
func (x *Executor) source(ctx context.Context, t *catalog.Table, filter Expr, snap *engine.Snapshot) (Operator, error) {
	op, err := x.scanTable(ctx, t, filter, snap)
	if err != nil || filter == nil {
		return op, err
	}
	f, err := NewFilterOperator(op, filter)
	if err != nil {
		op.Close()
		return nil, err
	}
	return f, nil
}

// scanTable picks the access path for t. Conditions on the primary key in
// filter narrow the scan to a point lookup or a key range; the caller still
// applies the full filter.
func (x *Executor) scanTable(ctx context.Context, t *catalog.Table, filter Expr, snap *engine.Snapshot) (Operator, error) {
	cols := tableColumns(t)
	b := keyBounds{tableID: t.ID}
	if filter != nil {
		b.collect(filter, cols, t)
	}
	if b.empty {
		return newRowsOperator(cols, nil), nil
	}
	if b.point != nil {
		row, err := x.store.Get(ctx, t.ID, *b.point, snap)
		if errors.Is(err, core.ErrNotFound) {
			return newRowsOperator(cols, nil), nil
		}
		if err != nil {
			return nil, err
		}
		return newRowsOperator(cols, []core.Row{row}), nil
	}
	var (
		iter core.EntryIterator
		err  error
	)
	if b.lo != nil || b.hi != nil {
		iter, err = x.store.ScanRange(ctx, t.ID, b.lo, b.hi, snap)
	} else {
		iter, err = x.store.Scan(ctx, t.ID, snap)
	}
	if err != nil {
		return nil, err
	}
	return NewScanOperator(ctx, iter, cols), nil
}

// keyBounds accumulates primary key conditions found in the top-level
// conjunction of a filter.
type keyBounds struct {
	tableID uint32
	point   *core.Value
	lo, hi  []byte
	empty   bool
}

func (b *keyBounds) collect(e Expr, cols []ColumnRef, t *catalog.Table) {
	switch x := e.(type) {
	case And:
		b.collect(x.Left, cols, t)
		b.collect(x.Right, cols, t)
	case Compare:
		col, lit, op, ok := splitCompare(x)
		if !ok {
			return
		}
		idx, err := resolve(cols, col)
		if err != nil || idx != t.PrimaryKey() {
			return
		}
		v, ok := keyLiteral(t.Columns[idx].Type, lit.Value)
		if !ok {
			return
		}
		key, err := core.EncodeKey(b.tableID, v)
		if err != nil {
			return
		}
		switch op {
		case OpEq:
			if b.point != nil && !b.point.Equal(v) {
				b.empty = true
			}
			b.point = &v
		case OpGt:
			b.raiseLo(successor(key))
		case OpGe:
			b.raiseLo(key)
		case OpLt:
			b.lowerHi(key)
		case OpLe:
			b.lowerHi(successor(key))
		}
	}
}

func (b *keyBounds) raiseLo(key []byte) {
	if b.lo == nil || string(key) > string(b.lo) {
		b.lo = key
	}
}

func (b *keyBounds) lowerHi(key []byte) {
	if b.hi == nil || string(key) < string(b.hi) {
		b.hi = key
	}
}

// successor is the smallest key greater than key.
func successor(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// splitCompare normalizes "col op lit" and "lit op col" to column first.
func splitCompare(c Compare) (Col, Lit, CompareOp, bool) {
	if col, ok := c.Left.(Col); ok {
		if lit, ok := c.Right.(Lit); ok {
			return col, lit, c.Op, true
		}
	}
	if col, ok := c.Right.(Col); ok {
		if lit, ok := c.Left.(Lit); ok {
			return col, lit, c.Op.flip(), true
		}
	}
	return Col{}, Lit{}, 0, false
}

// keyLiteral converts v to the key column's type when the conversion keeps
// comparison semantics intact.
func keyLiteral(t catalog.DataType, v core.Value) (core.Value, bool) {
	if v.IsNull() {
		return v, false
	}
	if v.Type() == t.ValueType() {
		return v, true
	}
	if i, ok := v.Int(); ok && t == catalog.Float {
		return core.FloatValue(float64(i)), true
	}
	return v, false
}
