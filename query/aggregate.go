package query

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusdb/core"
	"github.com/caio/go-tdigest/v4"
)

// AggFunc is an aggregate function.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggAvg
	AggMin
	AggMax
	AggPercentile
)

func (f AggFunc) String() string {
	switch f {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	case AggPercentile:
		return "PERCENTILE"
	}
	return "UNKNOWN"
}

// ParseAggFunc accepts function names case-insensitively.
func ParseAggFunc(s string) (AggFunc, error) {
	switch strings.ToUpper(s) {
	case "COUNT":
		return AggCount, nil
	case "SUM":
		return AggSum, nil
	case "AVG":
		return AggAvg, nil
	case "MIN":
		return AggMin, nil
	case "MAX":
		return AggMax, nil
	case "PERCENTILE", "QUANTILE":
		return AggPercentile, nil
	}
	return 0, newError(KindInvalidValue, "unknown aggregate function %q", s)
}

// Aggregate describes one aggregate output column. An empty Column or "*"
// with COUNT counts rows; otherwise NULL inputs are skipped. SUM of INTEGER
// values is INTEGER unless it leaves the int64 range, then FLOAT.
type Aggregate struct {
	Func   AggFunc
	Column string
	// Quantile in [0, 1], used by PERCENTILE only.
	Quantile float64
	Alias    string
}

func (a Aggregate) star() bool { return a.Column == "" || a.Column == "*" }

// Name is the output column name.
func (a Aggregate) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	arg := a.Column
	if a.star() {
		arg = "*"
	}
	if a.Func == AggPercentile {
		return fmt.Sprintf("%s(%s, %s)", a.Func, arg, strconv.FormatFloat(a.Quantile, 'g', -1, 64))
	}
	return fmt.Sprintf("%s(%s)", a.Func, arg)
}

type accumulator struct {
	spec    Aggregate
	count   int64
	isFloat bool
	intSum  int64
	sum     float64
	best    core.Value
	td      *tdigest.TDigest
}

func newAccumulator(spec Aggregate) (*accumulator, error) {
	acc := &accumulator{spec: spec}
	if spec.Func == AggPercentile {
		td, err := tdigest.New()
		if err != nil {
			return nil, fmt.Errorf("tdigest.New failed: %w", err)
		}
		acc.td = td
	}
	return acc, nil
}

func (a *accumulator) add(v core.Value) error {
	if v.IsNull() {
		return nil
	}
	switch a.spec.Func {
	case AggCount:
	case AggSum, AggAvg, AggPercentile:
		f, ok := v.AsFloat64()
		if !ok {
			return a.mismatch(v)
		}
		if i, isInt := v.Int(); isInt && !a.isFloat {
			next := a.intSum + i
			if (i > 0 && next < a.intSum) || (i < 0 && next > a.intSum) {
				// Past the int64 range the sum continues as FLOAT.
				a.isFloat = true
			}
			a.intSum = next
		} else if !isInt {
			a.isFloat = true
		}
		a.sum += f
		if a.td != nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			if err := a.td.AddWeighted(f, 1); err != nil {
				return fmt.Errorf("tdigest AddWeighted failed: %w", err)
			}
		}
	case AggMin, AggMax:
		if v.Type() == core.TypeBoolean {
			return a.mismatch(v)
		}
		if a.count == 0 {
			a.best = v
			break
		}
		c, err := v.Compare(a.best)
		if err != nil {
			return classify(err)
		}
		if (a.spec.Func == AggMin && c < 0) || (a.spec.Func == AggMax && c > 0) {
			a.best = v
		}
	}
	a.count++
	return nil
}

func (a *accumulator) mismatch(v core.Value) error {
	return &Error{
		Kind: KindTypeMismatch,
		Msg:  fmt.Sprintf("%s is not defined for %s", a.spec.Func, v.Type()),
		Err:  &core.TypeMismatchError{Left: core.TypeFloat, Right: v.Type(), Op: a.spec.Func.String()},
	}
}

func (a *accumulator) result() core.Value {
	if a.spec.Func == AggCount {
		return core.IntegerValue(a.count)
	}
	if a.count == 0 {
		return core.NullValue()
	}
	switch a.spec.Func {
	case AggSum:
		if a.isFloat {
			return core.FloatValue(a.sum)
		}
		return core.IntegerValue(a.intSum)
	case AggAvg:
		return core.FloatValue(a.sum / float64(a.count))
	case AggMin, AggMax:
		return a.best
	case AggPercentile:
		if a.td.Count() == 0 {
			return core.NullValue()
		}
		return core.FloatValue(a.td.Quantile(a.spec.Quantile))
	}
	return core.NullValue()
}

type group struct {
	key  core.Row
	accs []*accumulator
}

// AggregateOperator groups its input and computes aggregates per group. It
// consumes the whole input on the first call to Next and yields groups in
// ascending key order. Without input rows it yields nothing, even when there
// are no grouping columns.
type AggregateOperator struct {
	child    Operator
	groupIdx []int
	argIdx   []int
	specs    []Aggregate
	cols     []ColumnRef

	done   bool
	output []core.Row
	pos    int
}

func NewAggregateOperator(child Operator, groupBy []Col, specs []Aggregate) (*AggregateOperator, error) {
	in := child.Columns()
	op := &AggregateOperator{child: child, specs: specs}
	for _, g := range groupBy {
		idx, err := resolve(in, g)
		if err != nil {
			return nil, err
		}
		op.groupIdx = append(op.groupIdx, idx)
		op.cols = append(op.cols, in[idx])
	}
	for _, s := range specs {
		if s.Func == AggPercentile && (s.Quantile < 0 || s.Quantile > 1 || math.IsNaN(s.Quantile)) {
			return nil, newError(KindInvalidValue, "percentile %v is outside [0, 1]", s.Quantile)
		}
		idx := -1
		if s.star() {
			if s.Func != AggCount {
				return nil, newError(KindInvalidValue, "%s needs a column", s.Func)
			}
		} else {
			var err error
			if idx, err = resolve(in, ParseCol(s.Column)); err != nil {
				return nil, err
			}
		}
		op.argIdx = append(op.argIdx, idx)
		op.cols = append(op.cols, ColumnRef{Name: s.Name()})
	}
	if len(op.cols) == 0 {
		return nil, newError(KindInvalidValue, "aggregation without groups or aggregates")
	}
	return op, nil
}

func (a *AggregateOperator) consume() error {
	groups := make(map[string]*group)
	var order []*group
	keyBuf := make(core.Row, len(a.groupIdx))
	for {
		row, ok, err := a.child.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for i, idx := range a.groupIdx {
			keyBuf[i] = row[idx]
		}
		k := string(core.EncodeRow(keyBuf))
		g, exists := groups[k]
		if !exists {
			g = &group{key: keyBuf.Clone()}
			for _, s := range a.specs {
				acc, err := newAccumulator(s)
				if err != nil {
					return err
				}
				g.accs = append(g.accs, acc)
			}
			groups[k] = g
			order = append(order, g)
		}
		for i, acc := range g.accs {
			if a.argIdx[i] < 0 {
				acc.count++
				continue
			}
			if err := acc.add(row[a.argIdx[i]]); err != nil {
				return err
			}
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return compareRows(order[i].key, order[j].key) < 0
	})
	a.output = make([]core.Row, 0, len(order))
	for _, g := range order {
		out := make(core.Row, 0, len(a.cols))
		out = append(out, g.key...)
		for _, acc := range g.accs {
			out = append(out, acc.result())
		}
		a.output = append(a.output, out)
	}
	return nil
}

func (a *AggregateOperator) Next() (core.Row, bool, error) {
	if !a.done {
		a.done = true
		if err := a.consume(); err != nil {
			return nil, false, err
		}
	}
	if a.pos >= len(a.output) {
		return nil, false, nil
	}
	row := a.output[a.pos]
	a.pos++
	return row, true, nil
}

func (a *AggregateOperator) Close() error         { return a.child.Close() }
func (a *AggregateOperator) Columns() []ColumnRef { return a.cols }

// compareValues is a total order used for sorting: NULL first, comparable
// values by Compare, anything else by type tag.
func compareValues(a, b core.Value) int {
	switch {
	case a.IsNull() && b.IsNull():
		return 0
	case a.IsNull():
		return -1
	case b.IsNull():
		return 1
	}
	if c, err := a.Compare(b); err == nil {
		return c
	}
	switch {
	case a.Type() < b.Type():
		return -1
	case a.Type() > b.Type():
		return 1
	}
	return 0
}

func compareRows(a, b core.Row) int {
	for i := range a {
		if c := compareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}
