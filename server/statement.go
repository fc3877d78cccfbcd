package server

import (
	stdjson "encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/query"
)

// ErrInvalidStatement is returned for requests that do not describe a
// statement.
var ErrInvalidStatement = errors.New("invalid statement")

// StatementRequest is the wire form of a statement, shared by the HTTP and
// gRPC APIs. Type selects which of the other fields are read.
type StatementRequest struct {
	// Type is one of create_table, drop_table, insert, select, update, delete.
	Type     string `json:"type"`
	Table    string `json:"table"`
	IfExists bool   `json:"if_exists,omitempty"`

	Schema  []ColumnDef     `json:"schema,omitempty"`
	Columns []string        `json:"columns,omitempty"`
	Values  [][]interface{} `json:"values,omitempty"`

	Projection []string        `json:"projection,omitempty"`
	Filter     *Expression     `json:"filter,omitempty"`
	Join       *JoinDef        `json:"join,omitempty"`
	GroupBy    []string        `json:"group_by,omitempty"`
	Aggregates []AggregateDef  `json:"aggregates,omitempty"`
	OrderBy    []OrderDef      `json:"order_by,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Set        []AssignmentDef `json:"set,omitempty"`
}

type ColumnDef struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Length     int     `json:"length,omitempty"`
	PrimaryKey bool    `json:"primary_key,omitempty"`
	NotNull    bool    `json:"not_null,omitempty"`
	Default    *string `json:"default,omitempty"`
}

type JoinDef struct {
	Table       string `json:"table"`
	LeftColumn  string `json:"left_column"`
	RightColumn string `json:"right_column"`
}

type AggregateDef struct {
	Func     string  `json:"func"`
	Column   string  `json:"column,omitempty"`
	Quantile float64 `json:"quantile,omitempty"`
	Alias    string  `json:"alias,omitempty"`
}

type OrderDef struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

type AssignmentDef struct {
	Column string     `json:"column"`
	Value  Expression `json:"value"`
}

// Expression is the wire form of a scalar expression.
//
//	{"column": "price"}                                column reference
//	{"value": 3}                                       literal, {} is NULL
//	{"op": ">", "column": "price", "value": 3}         column compared with a literal
//	{"op": "<", "args": [{...}, {...}]}                general comparison
//	{"op": "and", "args": [...]}                       also "or"
//	{"op": "not", "args": [{...}]}
//	{"op": "is_null", "column": "category"}            also "is_not_null"
type Expression struct {
	Op     string        `json:"op,omitempty"`
	Column string        `json:"column,omitempty"`
	Value  interface{}   `json:"value,omitempty"`
	Args   []*Expression `json:"args,omitempty"`
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidStatement, fmt.Sprintf(format, args...))
}

// Statement converts the request into an executable statement.
func (r *StatementRequest) Statement() (query.Statement, error) {
	if r.Table == "" {
		return nil, invalidf("table is required")
	}
	switch strings.ToLower(strings.ReplaceAll(r.Type, " ", "_")) {
	case "create_table":
		cols := make([]catalog.Column, len(r.Schema))
		for i, def := range r.Schema {
			typ, err := catalog.ParseDataType(def.Type)
			if err != nil {
				return nil, invalidf("column %s: %v", def.Name, err)
			}
			cols[i] = catalog.Column{
				Name:       def.Name,
				Type:       typ,
				Length:     def.Length,
				PrimaryKey: def.PrimaryKey,
				NotNull:    def.NotNull,
				Default:    def.Default,
			}
		}
		return &query.CreateTable{Name: r.Table, Columns: cols}, nil
	case "drop_table":
		return &query.DropTable{Name: r.Table, IfExists: r.IfExists}, nil
	case "insert":
		if len(r.Values) == 0 {
			return nil, invalidf("insert needs at least one row")
		}
		rows := make([]core.Row, len(r.Values))
		for i, raw := range r.Values {
			row := make(core.Row, len(raw))
			for j, v := range raw {
				val, err := ToValue(v)
				if err != nil {
					return nil, invalidf("row %d column %d: %v", i, j, err)
				}
				row[j] = val
			}
			rows[i] = row
		}
		return &query.Insert{Table: r.Table, Columns: r.Columns, Values: rows}, nil
	case "select":
		return r.selectStatement()
	case "update":
		if len(r.Set) == 0 {
			return nil, invalidf("update needs at least one assignment")
		}
		filter, err := r.Filter.toExpr()
		if err != nil {
			return nil, err
		}
		assignments := make([]query.Assignment, len(r.Set))
		for i := range r.Set {
			e, err := r.Set[i].Value.toExpr()
			if err != nil {
				return nil, err
			}
			assignments[i] = query.Assignment{Column: r.Set[i].Column, Value: e}
		}
		return &query.Update{Table: r.Table, Assignments: assignments, Filter: filter}, nil
	case "delete":
		filter, err := r.Filter.toExpr()
		if err != nil {
			return nil, err
		}
		return &query.Delete{Table: r.Table, Filter: filter}, nil
	case "":
		return nil, invalidf("type is required")
	}
	return nil, invalidf("unknown statement type %q", r.Type)
}

func (r *StatementRequest) selectStatement() (query.Statement, error) {
	filter, err := r.Filter.toExpr()
	if err != nil {
		return nil, err
	}
	if r.Limit < 0 {
		return nil, invalidf("limit %d is negative", r.Limit)
	}
	sel := &query.Select{
		Table:      r.Table,
		Projection: r.Projection,
		Filter:     filter,
		GroupBy:    r.GroupBy,
		Limit:      r.Limit,
	}
	if r.Join != nil {
		sel.Join = &query.Join{Table: r.Join.Table, LeftColumn: r.Join.LeftColumn, RightColumn: r.Join.RightColumn}
	}
	for _, def := range r.Aggregates {
		fn, err := query.ParseAggFunc(def.Func)
		if err != nil {
			return nil, err
		}
		sel.Aggregates = append(sel.Aggregates, query.Aggregate{Func: fn, Column: def.Column, Quantile: def.Quantile, Alias: def.Alias})
	}
	for _, o := range r.OrderBy {
		sel.OrderBy = append(sel.OrderBy, query.OrderKey{Column: o.Column, Desc: o.Desc})
	}
	return sel, nil
}

// toExpr converts the expression tree. A nil expression is no expression.
func (e *Expression) toExpr() (query.Expr, error) {
	if e == nil {
		return nil, nil
	}
	op := strings.ToLower(strings.TrimSpace(e.Op))
	switch op {
	case "":
		if e.Column != "" {
			return query.ParseCol(e.Column), nil
		}
		v, err := ToValue(e.Value)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		return query.Lit{Value: v}, nil
	case "and", "or":
		if len(e.Args) == 0 {
			return nil, invalidf("%s needs arguments", op)
		}
		var out query.Expr
		for _, a := range e.Args {
			x, err := a.toExpr()
			if err != nil {
				return nil, err
			}
			if x == nil {
				return nil, invalidf("%s argument is empty", op)
			}
			switch {
			case out == nil:
				out = x
			case op == "and":
				out = query.And{Left: out, Right: x}
			default:
				out = query.Or{Left: out, Right: x}
			}
		}
		return out, nil
	case "not":
		x, err := e.single(op)
		if err != nil {
			return nil, err
		}
		return query.Not{Expr: x}, nil
	case "is_null", "is_not_null":
		x, err := e.single(op)
		if err != nil {
			return nil, err
		}
		return query.IsNull{Expr: x, Negate: op == "is_not_null"}, nil
	}
	cmp, err := query.ParseCompareOp(op)
	if err != nil {
		return nil, invalidf("unknown operator %q", e.Op)
	}
	if len(e.Args) == 0 && e.Column != "" {
		v, err := ToValue(e.Value)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		return query.Compare{Op: cmp, Left: query.ParseCol(e.Column), Right: query.Lit{Value: v}}, nil
	}
	if len(e.Args) != 2 {
		return nil, invalidf("%s needs two arguments", op)
	}
	left, err := e.Args[0].toExpr()
	if err != nil {
		return nil, err
	}
	right, err := e.Args[1].toExpr()
	if err != nil {
		return nil, err
	}
	if left == nil || right == nil {
		return nil, invalidf("%s argument is empty", op)
	}
	return query.Compare{Op: cmp, Left: left, Right: right}, nil
}

// single returns the operand of a unary operator: the only argument, or the
// column named by the expression itself.
func (e *Expression) single(op string) (query.Expr, error) {
	if len(e.Args) == 0 && e.Column != "" {
		return query.ParseCol(e.Column), nil
	}
	if len(e.Args) != 1 || e.Args[0] == nil {
		return nil, invalidf("%s needs one argument", op)
	}
	return e.Args[0].toExpr()
}

// ToValue converts a decoded JSON or structpb value. Whole numbers become
// INTEGER; the schema widens them where a column is FLOAT or TIMESTAMP.
func ToValue(v interface{}) (core.Value, error) {
	switch x := v.(type) {
	case nil:
		return core.NullValue(), nil
	case bool:
		return core.BooleanValue(x), nil
	case string:
		return core.VarcharValue(x), nil
	case int:
		return core.IntegerValue(int64(x)), nil
	case int64:
		return core.IntegerValue(x), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return core.IntegerValue(int64(x)), nil
		}
		return core.FloatValue(x), nil
	case stdjson.Number:
		if i, err := x.Int64(); err == nil {
			return core.IntegerValue(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return core.Value{}, fmt.Errorf("bad number %q", x.String())
		}
		return core.FloatValue(f), nil
	}
	return core.Value{}, fmt.Errorf("unsupported value of type %T", v)
}

// ResultResponse is the wire form of a statement result.
type ResultResponse struct {
	Columns      []string        `json:"columns,omitempty"`
	Rows         [][]interface{} `json:"rows,omitempty"`
	RowsAffected int64           `json:"rows_affected"`
}

func newResultResponse(res *query.Result) *ResultResponse {
	if res == nil {
		return &ResultResponse{}
	}
	out := &ResultResponse{Columns: res.Columns, RowsAffected: res.RowsAffected}
	if len(res.Rows) > 0 {
		out.Rows = make([][]interface{}, len(res.Rows))
		for i, row := range res.Rows {
			vals := make([]interface{}, len(row))
			for j, v := range row {
				vals[j] = v.Interface()
			}
			out.Rows[i] = vals
		}
	}
	return out
}

// asMap renders the response for structpb.NewStruct, which accepts only
// generic maps and slices.
func (r *ResultResponse) asMap() map[string]interface{} {
	cols := make([]interface{}, len(r.Columns))
	for i, c := range r.Columns {
		cols[i] = c
	}
	rows := make([]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		rows[i] = row
	}
	return map[string]interface{}{
		"columns":       cols,
		"rows":          rows,
		"rows_affected": r.RowsAffected,
	}
}
