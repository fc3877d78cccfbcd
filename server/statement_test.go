package server

import (
	stdjson "encoding/json"
	"strings"
	"testing"

	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRequest(t *testing.T, body string) *StatementRequest {
	t.Helper()
	var req StatementRequest
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&req))
	return &req
}

func TestStatementRequest_Select(t *testing.T) {
	req := decodeRequest(t, `{
		"type": "select",
		"table": "orders",
		"projection": ["users.name", "total"],
		"filter": {"op": "and", "args": [
			{"op": ">=", "column": "total", "value": 10.5},
			{"op": "not", "args": [{"op": "is_null", "column": "users.name"}]}
		]},
		"join": {"table": "users", "left_column": "user_id", "right_column": "id"},
		"order_by": [{"column": "total", "desc": true}],
		"limit": 3
	}`)
	stmt, err := req.Statement()
	require.NoError(t, err)
	sel, ok := stmt.(*query.Select)
	require.True(t, ok)

	assert.Equal(t, "orders", sel.Table)
	assert.Equal(t, []string{"users.name", "total"}, sel.Projection)
	assert.Equal(t, &query.Join{Table: "users", LeftColumn: "user_id", RightColumn: "id"}, sel.Join)
	assert.Equal(t, []query.OrderKey{{Column: "total", Desc: true}}, sel.OrderBy)
	assert.Equal(t, 3, sel.Limit)
	assert.Equal(t, "(total >= 10.5 AND NOT users.name IS NULL)", sel.Filter.String())
}

func TestStatementRequest_Aggregates(t *testing.T) {
	req := decodeRequest(t, `{"type": "select", "table": "products", "group_by": ["category"],
		"aggregates": [{"func": "count"}, {"func": "percentile", "column": "price", "quantile": 0.5, "alias": "median"}]}`)
	stmt, err := req.Statement()
	require.NoError(t, err)
	sel := stmt.(*query.Select)
	require.Len(t, sel.Aggregates, 2)
	assert.Equal(t, query.AggCount, sel.Aggregates[0].Func)
	assert.Equal(t, query.AggPercentile, sel.Aggregates[1].Func)
	assert.Equal(t, "median", sel.Aggregates[1].Name())

	req.Aggregates[0].Func = "mode"
	_, err = req.Statement()
	assert.True(t, query.IsKind(err, query.KindInvalidValue))
}

func TestStatementRequest_InsertValues(t *testing.T) {
	req := decodeRequest(t, `{"type": "insert", "table": "products", "columns": ["id", "name", "price", "category"],
		"values": [[1, "pen", 2.5, null], [2, "ink", 3, "office"]]}`)
	stmt, err := req.Statement()
	require.NoError(t, err)
	ins := stmt.(*query.Insert)
	assert.Equal(t, []string{"id", "name", "price", "category"}, ins.Columns)
	require.Len(t, ins.Values, 2)
	assert.Equal(t, core.Row{core.IntegerValue(1), core.VarcharValue("pen"), core.FloatValue(2.5), core.NullValue()}, ins.Values[0])
	// Whole numbers arrive as integers; the schema widens them.
	assert.Equal(t, core.IntegerValue(3), ins.Values[1][2])
}

func TestStatementRequest_CreateUpdateDelete(t *testing.T) {
	stmt, err := productsTable().Statement()
	require.NoError(t, err)
	ct := stmt.(*query.CreateTable)
	require.Len(t, ct.Columns, 5)
	assert.Equal(t, catalog.Integer, ct.Columns[0].Type)
	assert.True(t, ct.Columns[0].PrimaryKey)
	assert.Equal(t, catalog.Boolean, ct.Columns[4].Type)

	req := decodeRequest(t, `{"type": "update", "table": "products",
		"set": [{"column": "price", "value": {"op": "*", "args": []}}]}`)
	_, err = req.Statement()
	assert.ErrorIs(t, err, ErrInvalidStatement)

	req = decodeRequest(t, `{"type": "update", "table": "products",
		"set": [{"column": "price", "value": {"value": 9}}, {"column": "category", "value": {"column": "name"}}],
		"filter": {"op": "=", "column": "id", "value": 1}}`)
	stmt, err = req.Statement()
	require.NoError(t, err)
	upd := stmt.(*query.Update)
	assert.Equal(t, query.Lit{Value: core.IntegerValue(9)}, upd.Assignments[0].Value)
	assert.Equal(t, query.Col{Name: "name"}, upd.Assignments[1].Value)
	assert.Equal(t, "id = 1", upd.Filter.String())

	stmt, err = (&StatementRequest{Type: "DELETE", Table: "products"}).Statement()
	require.NoError(t, err)
	assert.Nil(t, stmt.(*query.Delete).Filter)

	stmt, err = (&StatementRequest{Type: "drop table", Table: "products", IfExists: true}).Statement()
	require.NoError(t, err)
	assert.Equal(t, &query.DropTable{Name: "products", IfExists: true}, stmt)
}

func TestStatementRequest_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		req  StatementRequest
	}{
		{"no table", StatementRequest{Type: "select"}},
		{"no type", StatementRequest{Table: "t"}},
		{"unknown type", StatementRequest{Type: "merge", Table: "t"}},
		{"empty insert", StatementRequest{Type: "insert", Table: "t"}},
		{"bad column type", StatementRequest{Type: "create_table", Table: "t", Schema: []ColumnDef{{Name: "a", Type: "blob"}}}},
		{"negative limit", StatementRequest{Type: "select", Table: "t", Limit: -1}},
		{"empty update", StatementRequest{Type: "update", Table: "t"}},
		{"bad value", StatementRequest{Type: "insert", Table: "t", Values: [][]interface{}{{[]int{1}}}}},
		{"unary without operand", StatementRequest{Type: "delete", Table: "t", Filter: &Expression{Op: "not"}}},
		{"binary with one operand", StatementRequest{Type: "delete", Table: "t", Filter: &Expression{Op: "<", Args: []*Expression{{Column: "a"}}}}},
		{"empty and", StatementRequest{Type: "delete", Table: "t", Filter: &Expression{Op: "and"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.req.Statement()
			assert.ErrorIs(t, err, ErrInvalidStatement)
		})
	}
}

func TestToValue(t *testing.T) {
	testCases := []struct {
		in   interface{}
		want core.Value
	}{
		{nil, core.NullValue()},
		{true, core.BooleanValue(true)},
		{"x", core.VarcharValue("x")},
		{float64(4), core.IntegerValue(4)},
		{4.25, core.FloatValue(4.25)},
		{stdjson.Number("17"), core.IntegerValue(17)},
		{stdjson.Number("1.5e3"), core.FloatValue(1500)},
		{int64(-3), core.IntegerValue(-3)},
	}
	for _, tc := range testCases {
		got, err := ToValue(tc.in)
		require.NoError(t, err, "%v", tc.in)
		assert.True(t, tc.want.Equal(got), "%v: got %v", tc.in, got)
	}
	_, err := ToValue(struct{}{})
	assert.Error(t, err)
}
