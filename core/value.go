package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType tags the variant held by a Value.
type ValueType byte

const (
	TypeNull      ValueType = 0
	TypeInteger   ValueType = 1
	TypeFloat     ValueType = 2
	TypeVarchar   ValueType = 3
	TypeBoolean   ValueType = 4
	TypeTimestamp ValueType = 5
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeVarchar:
		return "VARCHAR"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return fmt.Sprintf("ValueType(%d)", byte(t))
	}
}

// IsNumeric reports whether values of this type take part in arithmetic aggregates.
func (t ValueType) IsNumeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// Value is a single typed cell of a row. The zero Value is NULL.
type Value struct {
	typ ValueType
	i   int64
	f   float64
	s   string
}

// Row is an ordered sequence of values belonging to one table.
type Row []Value

func NullValue() Value             { return Value{} }
func IntegerValue(v int64) Value   { return Value{typ: TypeInteger, i: v} }
func FloatValue(v float64) Value   { return Value{typ: TypeFloat, f: v} }
func VarcharValue(v string) Value  { return Value{typ: TypeVarchar, s: v} }
func TimestampValue(v int64) Value { return Value{typ: TypeTimestamp, i: v} }
func BooleanValue(v bool) Value {
	if v {
		return Value{typ: TypeBoolean, i: 1}
	}
	return Value{typ: TypeBoolean}
}

func (v Value) Type() ValueType { return v.typ }
func (v Value) IsNull() bool    { return v.typ == TypeNull }

func (v Value) Int() (int64, bool) {
	if v.typ != TypeInteger {
		return 0, false
	}
	return v.i, true
}

func (v Value) Float() (float64, bool) {
	if v.typ != TypeFloat {
		return 0, false
	}
	return v.f, true
}

func (v Value) Varchar() (string, bool) {
	if v.typ != TypeVarchar {
		return "", false
	}
	return v.s, true
}

func (v Value) Bool() (bool, bool) {
	if v.typ != TypeBoolean {
		return false, false
	}
	return v.i == 1, true
}

func (v Value) Timestamp() (int64, bool) {
	if v.typ != TypeTimestamp {
		return 0, false
	}
	return v.i, true
}

// AsFloat64 widens numeric values. Non-numeric values report false.
func (v Value) AsFloat64() (float64, bool) {
	switch v.typ {
	case TypeInteger:
		return float64(v.i), true
	case TypeFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Comparable reports whether Compare(v, other) is defined.
// Integer and Float compare numerically with each other; every other type only with itself.
func (v Value) Comparable(other Value) bool {
	if v.typ == other.typ {
		return true
	}
	return v.typ.IsNumeric() && other.typ.IsNumeric()
}

// Compare orders two non-null values of compatible types.
func (v Value) Compare(other Value) (int, error) {
	if v.IsNull() || other.IsNull() {
		return 0, &TypeMismatchError{Left: v.typ, Right: other.typ, Op: "compare"}
	}
	if !v.Comparable(other) {
		return 0, &TypeMismatchError{Left: v.typ, Right: other.typ, Op: "compare"}
	}
	switch {
	case v.typ == TypeInteger && other.typ == TypeInteger,
		v.typ == TypeTimestamp && other.typ == TypeTimestamp,
		v.typ == TypeBoolean && other.typ == TypeBoolean:
		return cmpInt64(v.i, other.i), nil
	case v.typ == TypeVarchar:
		return strings.Compare(v.s, other.s), nil
	default:
		a, _ := v.AsFloat64()
		b, _ := other.AsFloat64()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		}
		return 0, nil
	}
}

// Equal is strict structural equality, NULL equals NULL. Used for grouping and tests.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case TypeFloat:
		return v.f == other.f || (math.IsNaN(v.f) && math.IsNaN(other.f))
	case TypeVarchar:
		return v.s == other.s
	default:
		return v.i == other.i
	}
}

func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "NULL"
	case TypeInteger, TypeTimestamp:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeVarchar:
		return v.s
	case TypeBoolean:
		if v.i == 1 {
			return "true"
		}
		return "false"
	}
	return "?"
}

// Interface returns the Go value held, nil for NULL.
func (v Value) Interface() interface{} {
	switch v.typ {
	case TypeInteger, TypeTimestamp:
		return v.i
	case TypeFloat:
		return v.f
	case TypeVarchar:
		return v.s
	case TypeBoolean:
		return v.i == 1
	}
	return nil
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Clone returns a copy of the row that does not share the backing array.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
