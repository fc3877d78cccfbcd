package query

import (
	"fmt"
	"strings"

	"github.com/INLOpen/nexusdb/core"
)

// Expr is an unbound scalar expression. Column references are resolved
// against an operator's output columns when the plan is built.
type Expr interface {
	String() string
}

// Col references a column, optionally qualified by its table name.
type Col struct {
	Table string
	Name  string
}

func (c Col) String() string {
	if c.Table == "" {
		return c.Name
	}
	return c.Table + "." + c.Name
}

// ParseCol splits "table.column" into a qualified reference. Only a dot
// ahead of any parenthesis qualifies, so aggregate names such as
// "PERCENTILE(price, 0.5)" stay whole.
func ParseCol(s string) Col {
	i := strings.IndexAny(s, ".(")
	if i > 0 && s[i] == '.' {
		return Col{Table: s[:i], Name: s[i+1:]}
	}
	return Col{Name: s}
}

// Lit is a constant.
type Lit struct {
	Value core.Value
}

func (l Lit) String() string {
	if s, ok := l.Value.Varchar(); ok {
		return "'" + s + "'"
	}
	return l.Value.String()
}

// CompareOp is a binary comparison operator.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

var compareOpNames = [...]string{"=", "<>", "<", "<=", ">", ">="}

func (op CompareOp) String() string {
	if int(op) < len(compareOpNames) {
		return compareOpNames[op]
	}
	return "?"
}

// ParseCompareOp accepts the textual operators, including "!=" for "<>".
func ParseCompareOp(s string) (CompareOp, error) {
	switch s {
	case "=", "==":
		return OpEq, nil
	case "<>", "!=":
		return OpNe, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	}
	return 0, newError(KindInvalidValue, "unknown comparison operator %q", s)
}

func (op CompareOp) holds(c int) bool {
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// flip mirrors the operator so that "lit op col" can be read as "col op' lit".
func (op CompareOp) flip() CompareOp {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	}
	return op
}

// Compare is "Left Op Right".
type Compare struct {
	Op          CompareOp
	Left, Right Expr
}

func (c Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

type And struct{ Left, Right Expr }

func (a And) String() string { return fmt.Sprintf("(%s AND %s)", a.Left, a.Right) }

type Or struct{ Left, Right Expr }

func (o Or) String() string { return fmt.Sprintf("(%s OR %s)", o.Left, o.Right) }

type Not struct{ Expr Expr }

func (n Not) String() string { return fmt.Sprintf("NOT %s", n.Expr) }

// IsNull tests for NULL, or for non-NULL when Negate is set.
type IsNull struct {
	Expr   Expr
	Negate bool
}

func (n IsNull) String() string {
	if n.Negate {
		return fmt.Sprintf("%s IS NOT NULL", n.Expr)
	}
	return fmt.Sprintf("%s IS NULL", n.Expr)
}

// Conjunction joins predicates with AND. Nil predicates are skipped.
func Conjunction(preds ...Expr) Expr {
	var out Expr
	for _, p := range preds {
		if p == nil {
			continue
		}
		if out == nil {
			out = p
			continue
		}
		out = And{Left: out, Right: p}
	}
	return out
}

// evaluator computes an expression over one row. NULL propagates: a
// comparison with NULL yields NULL, and predicates treat NULL as false.
type evaluator func(row core.Row) (core.Value, error)

func compile(e Expr, cols []ColumnRef) (evaluator, error) {
	switch x := e.(type) {
	case Lit:
		v := x.Value
		return func(core.Row) (core.Value, error) { return v, nil }, nil
	case Col:
		idx, err := resolve(cols, x)
		if err != nil {
			return nil, err
		}
		return func(row core.Row) (core.Value, error) { return row[idx], nil }, nil
	case Compare:
		left, err := compile(x.Left, cols)
		if err != nil {
			return nil, err
		}
		right, err := compile(x.Right, cols)
		if err != nil {
			return nil, err
		}
		op := x.Op
		return func(row core.Row) (core.Value, error) {
			l, err := left(row)
			if err != nil {
				return core.Value{}, err
			}
			r, err := right(row)
			if err != nil {
				return core.Value{}, err
			}
			if l.IsNull() || r.IsNull() {
				return core.NullValue(), nil
			}
			c, err := l.Compare(r)
			if err != nil {
				return core.Value{}, classify(err)
			}
			return core.BooleanValue(op.holds(c)), nil
		}, nil
	case And:
		return compileLogical(x.Left, x.Right, cols, false)
	case Or:
		return compileLogical(x.Left, x.Right, cols, true)
	case Not:
		inner, err := compile(x.Expr, cols)
		if err != nil {
			return nil, err
		}
		return func(row core.Row) (core.Value, error) {
			v, err := inner(row)
			if err != nil || v.IsNull() {
				return v, err
			}
			b, err := asBool(v, "NOT")
			if err != nil {
				return core.Value{}, err
			}
			return core.BooleanValue(!b), nil
		}, nil
	case IsNull:
		inner, err := compile(x.Expr, cols)
		if err != nil {
			return nil, err
		}
		negate := x.Negate
		return func(row core.Row) (core.Value, error) {
			v, err := inner(row)
			if err != nil {
				return core.Value{}, err
			}
			return core.BooleanValue(v.IsNull() != negate), nil
		}, nil
	case nil:
		return nil, newError(KindInvalidValue, "missing expression")
	}
	return nil, newError(KindInvalidValue, "unsupported expression %T", e)
}

// compileLogical builds AND (or OR when or is set) with three-valued logic.
func compileLogical(a, b Expr, cols []ColumnRef, or bool) (evaluator, error) {
	left, err := compile(a, cols)
	if err != nil {
		return nil, err
	}
	right, err := compile(b, cols)
	if err != nil {
		return nil, err
	}
	name := "AND"
	if or {
		name = "OR"
	}
	operand := func(ev evaluator, row core.Row) (val, null bool, err error) {
		v, err := ev(row)
		if err != nil {
			return false, false, err
		}
		if v.IsNull() {
			return false, true, nil
		}
		val, err = asBool(v, name)
		return val, false, err
	}
	return func(row core.Row) (core.Value, error) {
		l, lnull, err := operand(left, row)
		if err != nil {
			return core.Value{}, err
		}
		// short circuit: false AND x, true OR x
		if !lnull && l == or {
			return core.BooleanValue(or), nil
		}
		r, rnull, err := operand(right, row)
		if err != nil {
			return core.Value{}, err
		}
		if !rnull && r == or {
			return core.BooleanValue(or), nil
		}
		if lnull || rnull {
			return core.NullValue(), nil
		}
		return core.BooleanValue(!or), nil
	}, nil
}

func asBool(v core.Value, op string) (bool, error) {
	b, ok := v.Bool()
	if !ok {
		return false, &Error{
			Kind: KindTypeMismatch,
			Msg:  fmt.Sprintf("%s expects BOOLEAN operands, got %s", op, v.Type()),
			Err:  &core.TypeMismatchError{Left: core.TypeBoolean, Right: v.Type(), Op: op},
		}
	}
	return b, nil
}

// predicate is a compiled filter: only TRUE passes.
type predicate func(row core.Row) (bool, error)

func compilePredicate(e Expr, cols []ColumnRef) (predicate, error) {
	ev, err := compile(e, cols)
	if err != nil {
		return nil, err
	}
	return func(row core.Row) (bool, error) {
		v, err := ev(row)
		if err != nil || v.IsNull() {
			return false, err
		}
		return asBool(v, "WHERE")
	}, nil
}
