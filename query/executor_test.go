package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/engine"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDB struct {
	engine *engine.Engine
	cat    *catalog.Catalog
	exec   *Executor
}

func newTestDB(t *testing.T, hm hooks.HookManager) *testDB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.Open(engine.Options{
		DataDir:               t.TempDir(),
		MemtableThreshold:     1 << 20,
		CompactionInterval:    time.Hour,
		DisableAutoCompaction: true,
		WALSyncMode:           core.WALSyncDisabled,
		Metrics:               engine.NewEngineMetrics(false, "query_test_"),
		Logger:                logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	cat := catalog.NewInMemory()
	x, err := NewExecutor(Options{Storage: e, Catalog: cat, Logger: logger, HookManager: hm})
	require.NoError(t, err)
	return &testDB{engine: e, cat: cat, exec: x}
}

func (db *testDB) exec1(t *testing.T, stmt Statement) *Result {
	t.Helper()
	res, err := db.exec.Execute(context.Background(), stmt)
	require.NoError(t, err)
	return res
}

func str(s string) *string { return &s }

func (db *testDB) createProducts(t *testing.T) {
	t.Helper()
	db.exec1(t, &CreateTable{Name: "products", Columns: []catalog.Column{
		{Name: "id", Type: catalog.Integer, PrimaryKey: true},
		{Name: "name", Type: catalog.Varchar, Length: 32, NotNull: true},
		{Name: "category", Type: catalog.Varchar},
		{Name: "price", Type: catalog.Float},
		{Name: "in_stock", Type: catalog.Boolean, Default: str("true")},
	}})
}

func product(id int64, name, category string, price float64) core.Row {
	return core.Row{core.IntegerValue(id), core.VarcharValue(name), core.VarcharValue(category), core.FloatValue(price), core.BooleanValue(true)}
}

func ids(t *testing.T, rows []core.Row) []int64 {
	t.Helper()
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		id, ok := r[0].Int()
		require.True(t, ok)
		out = append(out, id)
	}
	return out
}

func eq(col string, v core.Value) Expr {
	return Compare{Op: OpEq, Left: ParseCol(col), Right: Lit{Value: v}}
}

func TestExecutor_ScanSkipsDeletedRows(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)

	ins := &Insert{Table: "products"}
	for i := int64(10); i >= 1; i-- {
		ins.Values = append(ins.Values, product(i, "p", "misc", float64(i)))
	}
	assert.Equal(t, int64(10), db.exec1(t, ins).RowsAffected)
	res := db.exec1(t, &Delete{Table: "products", Filter: eq("id", core.IntegerValue(5))})
	assert.Equal(t, int64(1), res.RowsAffected)

	res = db.exec1(t, &Select{Table: "products"})
	assert.Equal(t, []int64{1, 2, 3, 4, 6, 7, 8, 9, 10}, ids(t, res.Rows))
	assert.Equal(t, []string{"id", "name", "category", "price", "in_stock"}, res.Columns)

	// Same result once the rows live in an SSTable.
	require.NoError(t, db.engine.Flush(context.Background()))
	res = db.exec1(t, &Select{Table: "products"})
	assert.Equal(t, []int64{1, 2, 3, 4, 6, 7, 8, 9, 10}, ids(t, res.Rows))
}

func TestExecutor_GroupByCategory(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)
	db.exec1(t, &Insert{Table: "products", Values: []core.Row{
		product(1, "Laptop", "Electronics", 999.99),
		product(2, "Phone", "Electronics", 599.5),
		product(3, "Textbook", "Education", 45),
	}})

	res := db.exec1(t, &Select{
		Table:      "products",
		GroupBy:    []string{"category"},
		Aggregates: []Aggregate{{Func: AggCount}},
	})
	assert.Equal(t, []string{"category", "COUNT(*)"}, res.Columns)
	got := make(map[string]int64)
	for _, r := range res.Rows {
		cat, _ := r[0].Varchar()
		n, _ := r[1].Int()
		got[cat] = n
	}
	assert.Equal(t, map[string]int64{"Electronics": 2, "Education": 1}, got)
	// groups come out in key order
	first, _ := res.Rows[0][0].Varchar()
	assert.Equal(t, "Education", first)
}

func TestExecutor_Aggregates(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)
	db.exec1(t, &Insert{Table: "products", Columns: []string{"id", "name", "price"}, Values: []core.Row{
		{core.IntegerValue(1), core.VarcharValue("a"), core.IntegerValue(10)},
		{core.IntegerValue(2), core.VarcharValue("b"), core.IntegerValue(20)},
		{core.IntegerValue(3), core.VarcharValue("c"), core.NullValue()},
		{core.IntegerValue(4), core.VarcharValue("d"), core.IntegerValue(30)},
	}})

	res := db.exec1(t, &Select{Table: "products", Aggregates: []Aggregate{
		{Func: AggCount},
		{Func: AggCount, Column: "price"},
		{Func: AggSum, Column: "price"},
		{Func: AggAvg, Column: "price"},
		{Func: AggMin, Column: "name"},
		{Func: AggMax, Column: "price", Alias: "top"},
		{Func: AggPercentile, Column: "price", Quantile: 0.5},
	}})
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, "top", res.Columns[5])
	assert.Equal(t, core.IntegerValue(4), row[0])
	assert.Equal(t, core.IntegerValue(3), row[1], "COUNT(col) skips NULL")
	assert.Equal(t, core.FloatValue(60), row[2], "price is FLOAT so the sum is too")
	assert.Equal(t, core.FloatValue(20), row[3])
	assert.Equal(t, core.VarcharValue("a"), row[4])
	assert.Equal(t, core.FloatValue(30), row[5])
	median, ok := row[6].Float()
	require.True(t, ok)
	assert.InDelta(t, 20, median, 5)

	_, err := db.exec.Execute(context.Background(), &Select{Table: "products", Aggregates: []Aggregate{{Func: AggSum, Column: "name"}}})
	assert.True(t, IsKind(err, KindTypeMismatch), "got %v", err)
}

func TestExecutor_AvgOverEmptyInput(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)
	db.exec1(t, &Insert{Table: "products", Values: []core.Row{product(1, "a", "x", 5)}})

	res := db.exec1(t, &Select{
		Table:      "products",
		Filter:     Compare{Op: OpGt, Left: Col{Name: "price"}, Right: Lit{Value: core.FloatValue(1000)}},
		Aggregates: []Aggregate{{Func: AggAvg, Column: "price"}},
	})
	assert.Empty(t, res.Rows)
	assert.Equal(t, []string{"AVG(price)"}, res.Columns)
}

func TestExecutor_InnerJoin(t *testing.T) {
	db := newTestDB(t, nil)
	db.exec1(t, &CreateTable{Name: "users", Columns: []catalog.Column{
		{Name: "id", Type: catalog.Integer, PrimaryKey: true},
		{Name: "name", Type: catalog.Varchar},
	}})
	db.exec1(t, &CreateTable{Name: "orders", Columns: []catalog.Column{
		{Name: "id", Type: catalog.Integer, PrimaryKey: true},
		{Name: "user_id", Type: catalog.Integer},
		{Name: "amount", Type: catalog.Float},
	}})
	db.exec1(t, &Insert{Table: "users", Values: []core.Row{
		{core.IntegerValue(1), core.VarcharValue("alice")},
		{core.IntegerValue(2), core.VarcharValue("bob")},
	}})
	db.exec1(t, &Insert{Table: "orders", Values: []core.Row{
		{core.IntegerValue(100), core.IntegerValue(1), core.FloatValue(9.5)},
		{core.IntegerValue(101), core.IntegerValue(2), core.FloatValue(20)},
		{core.IntegerValue(102), core.IntegerValue(7), core.FloatValue(1)},
		{core.IntegerValue(103), core.NullValue(), core.FloatValue(1)},
	}})

	res := db.exec1(t, &Select{
		Table: "users",
		Join:  &Join{Table: "orders", LeftColumn: "users.id", RightColumn: "user_id"},
	})
	require.Len(t, res.Rows, 2)
	assert.Equal(t, []string{"users.id", "users.name", "orders.id", "orders.user_id", "orders.amount"}, res.Columns)
	for _, r := range res.Rows {
		assert.True(t, r[0].Equal(r[3]))
	}
	st := db.exec.Stats()
	assert.Equal(t, uint64(1), st.Joins)
	assert.Equal(t, uint64(4), st.JoinRightRows)
	assert.Equal(t, uint64(2), st.JoinRightMatched, "orders 102 and 103 have no user")

	res = db.exec1(t, &Select{
		Table:      "users",
		Projection: []string{"name", "amount"},
		Join:       &Join{Table: "orders", LeftColumn: "id", RightColumn: "orders.user_id"},
		Filter:     Compare{Op: OpGt, Left: Col{Name: "amount"}, Right: Lit{Value: core.IntegerValue(10)}},
	})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, core.VarcharValue("bob"), res.Rows[0][0])

	_, err := db.exec.Execute(context.Background(), &Select{
		Table:      "users",
		Projection: []string{"id"},
		Join:       &Join{Table: "orders", LeftColumn: "id", RightColumn: "user_id"},
	})
	assert.True(t, IsKind(err, KindColumnNotFound), "unqualified id is ambiguous: %v", err)

	_, err = db.exec.Execute(context.Background(), &Select{
		Table: "users",
		Join:  &Join{Table: "orders", LeftColumn: "users.name", RightColumn: "user_id"},
	})
	assert.True(t, IsKind(err, KindTypeMismatch), "got %v", err)
}

func TestExecutor_FloatKeySignedZero(t *testing.T) {
	db := newTestDB(t, nil)
	db.exec1(t, &CreateTable{Name: "readings", Columns: []catalog.Column{
		{Name: "id", Type: catalog.Float, PrimaryKey: true},
		{Name: "label", Type: catalog.Varchar},
	}})
	db.exec1(t, &Insert{Table: "readings", Values: []core.Row{
		{core.FloatValue(math.Copysign(0, -1)), core.VarcharValue("neg")},
		{core.FloatValue(1), core.VarcharValue("one")},
	}})

	for _, filter := range []Expr{
		eq("id", core.FloatValue(0)),
		eq("id", core.IntegerValue(0)),
		Compare{Op: OpLe, Left: ParseCol("id"), Right: Lit{Value: core.FloatValue(0)}},
	} {
		res := db.exec1(t, &Select{Table: "readings", Projection: []string{"label"}, Filter: filter})
		require.Len(t, res.Rows, 1, "filter %s", filter)
		assert.Equal(t, core.VarcharValue("neg"), res.Rows[0][0])
	}

	_, err := db.exec.Execute(context.Background(), &Insert{Table: "readings", Values: []core.Row{
		{core.FloatValue(0), core.VarcharValue("pos")},
	}})
	assert.True(t, IsKind(err, KindDuplicateKey), "got %v", err)
}

func TestExecutor_FilterSortLimit(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)
	for i := int64(1); i <= 8; i++ {
		category := "even"
		if i%2 == 1 {
			category = "odd"
		}
		db.exec1(t, &Insert{Table: "products", Values: []core.Row{product(i, "p", category, float64(10-i))}})
	}

	testCases := []struct {
		name string
		sel  *Select
		want []int64
	}{
		{"point lookup", &Select{Table: "products", Filter: eq("id", core.IntegerValue(7))}, []int64{7}},
		{"missing point", &Select{Table: "products", Filter: eq("id", core.IntegerValue(70))}, []int64{}},
		{"conflicting points", &Select{Table: "products", Filter: And{eq("id", core.IntegerValue(1)), eq("id", core.IntegerValue(2))}}, []int64{}},
		{"key range", &Select{Table: "products", Filter: And{
			Compare{Op: OpGe, Left: Col{Name: "id"}, Right: Lit{Value: core.IntegerValue(3)}},
			Compare{Op: OpLt, Left: Lit{Value: core.IntegerValue(6)}, Right: Col{Name: "id"}},
		}}, []int64{7, 8}},
		{"closed range", &Select{Table: "products", Filter: And{
			Compare{Op: OpGt, Left: Col{Name: "id"}, Right: Lit{Value: core.IntegerValue(2)}},
			Compare{Op: OpLe, Left: Col{Name: "id"}, Right: Lit{Value: core.IntegerValue(4)}},
		}}, []int64{3, 4}},
		{"or", &Select{Table: "products", Filter: Or{eq("id", core.IntegerValue(1)), eq("id", core.IntegerValue(8))}}, []int64{1, 8}},
		{"not", &Select{Table: "products", Filter: Not{Compare{Op: OpLe, Left: Col{Name: "id"}, Right: Lit{Value: core.IntegerValue(6)}}}}, []int64{7, 8}},
		{"non key column", &Select{Table: "products", Filter: Compare{Op: OpNe, Left: Col{Name: "category"}, Right: Lit{Value: core.VarcharValue("odd")}}}, []int64{2, 4, 6, 8}},
		{"order by desc with limit", &Select{Table: "products", OrderBy: []OrderKey{{Column: "id", Desc: true}}, Limit: 3}, []int64{8, 7, 6}},
		{"order by two keys", &Select{Table: "products", OrderBy: []OrderKey{{Column: "category"}, {Column: "price"}}, Limit: 2}, []int64{8, 6}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := db.exec1(t, tc.sel)
			assert.Equal(t, tc.want, ids(t, res.Rows))
		})
	}
}

func TestExecutor_NullSemantics(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)
	db.exec1(t, &Insert{Table: "products", Columns: []string{"id", "name"}, Values: []core.Row{
		{core.IntegerValue(1), core.VarcharValue("a")},
	}})
	db.exec1(t, &Insert{Table: "products", Values: []core.Row{product(2, "b", "x", 1)}})

	res := db.exec1(t, &Select{Table: "products", Filter: eq("category", core.NullValue())})
	assert.Empty(t, res.Rows, "comparison with NULL is never true")
	res = db.exec1(t, &Select{Table: "products", Filter: Not{eq("category", core.VarcharValue("x"))}})
	assert.Empty(t, res.Rows, "NOT of NULL is still NULL")
	res = db.exec1(t, &Select{Table: "products", Filter: IsNull{Expr: Col{Name: "category"}}})
	assert.Equal(t, []int64{1}, ids(t, res.Rows))
	assert.Equal(t, core.BooleanValue(true), res.Rows[0][4], "omitted column takes its default")
	res = db.exec1(t, &Select{Table: "products", Filter: IsNull{Expr: Col{Name: "category"}, Negate: true}})
	assert.Equal(t, []int64{2}, ids(t, res.Rows))
}

func TestExecutor_InsertErrors(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)
	db.exec1(t, &Insert{Table: "products", Values: []core.Row{product(1, "a", "x", 1)}})

	testCases := []struct {
		name string
		stmt *Insert
		kind Kind
	}{
		{"duplicate of stored row", &Insert{Table: "products", Values: []core.Row{product(2, "b", "x", 1), product(1, "c", "x", 1)}}, KindDuplicateKey},
		{"duplicate within batch", &Insert{Table: "products", Values: []core.Row{product(3, "b", "x", 1), product(3, "c", "x", 1)}}, KindDuplicateKey},
		{"arity", &Insert{Table: "products", Values: []core.Row{{core.IntegerValue(4)}}}, KindArity},
		{"arity with columns", &Insert{Table: "products", Columns: []string{"id", "name"}, Values: []core.Row{{core.IntegerValue(4)}}}, KindArity},
		{"type", &Insert{Table: "products", Values: []core.Row{{core.VarcharValue("4"), core.VarcharValue("a"), core.NullValue(), core.NullValue(), core.NullValue()}}}, KindTypeMismatch},
		{"not null", &Insert{Table: "products", Columns: []string{"id"}, Values: []core.Row{{core.IntegerValue(4)}}}, KindInvalidValue},
		{"unknown column", &Insert{Table: "products", Columns: []string{"id", "color"}, Values: []core.Row{{core.IntegerValue(4), core.VarcharValue("red")}}}, KindColumnNotFound},
		{"unknown table", &Insert{Table: "nope", Values: []core.Row{{core.IntegerValue(4)}}}, KindTableNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := db.exec.Execute(context.Background(), tc.stmt)
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err), "got %v", err)
			assert.Nil(t, res)
		})
	}

	// nothing from the failed batches was written
	res := db.exec1(t, &Select{Table: "products"})
	assert.Equal(t, []int64{1}, ids(t, res.Rows))
}

func TestExecutor_Update(t *testing.T) {
	db := newTestDB(t, nil)
	db.exec1(t, &CreateTable{Name: "people", Columns: []catalog.Column{
		{Name: "id", Type: catalog.Integer, PrimaryKey: true},
		{Name: "name", Type: catalog.Varchar, NotNull: true},
		{Name: "nickname", Type: catalog.Varchar},
		{Name: "age", Type: catalog.Integer},
	}})
	db.exec1(t, &Insert{Table: "people", Values: []core.Row{
		{core.IntegerValue(1), core.VarcharValue("ann"), core.VarcharValue("annie"), core.IntegerValue(30)},
		{core.IntegerValue(2), core.VarcharValue("ben"), core.NullValue(), core.IntegerValue(40)},
		{core.IntegerValue(3), core.VarcharValue("cid"), core.VarcharValue("c"), core.IntegerValue(50)},
	}})
	ctx := context.Background()

	res := db.exec1(t, &Update{
		Table:       "people",
		Assignments: []Assignment{{Column: "age", Value: Lit{Value: core.IntegerValue(41)}}},
		Filter:      Compare{Op: OpGe, Left: Col{Name: "age"}, Right: Lit{Value: core.IntegerValue(40)}},
	})
	assert.Equal(t, int64(2), res.RowsAffected)
	sel := db.exec1(t, &Select{Table: "people", Projection: []string{"age"}})
	assert.Equal(t, []core.Row{{core.IntegerValue(30)}, {core.IntegerValue(41)}, {core.IntegerValue(41)}}, sel.Rows)

	_, err := db.exec.Execute(ctx, &Update{
		Table:       "people",
		Assignments: []Assignment{{Column: "id", Value: Lit{Value: core.IntegerValue(9)}}},
		Filter:      eq("id", core.IntegerValue(1)),
	})
	assert.True(t, IsKind(err, KindInvalidValue), "primary key change: %v", err)

	// Row 1 succeeds, row 2 has a NULL nickname and name is NOT NULL.
	res, err = db.exec.Execute(ctx, &Update{
		Table:       "people",
		Assignments: []Assignment{{Column: "name", Value: Col{Name: "nickname"}}},
	})
	assert.True(t, IsKind(err, KindInvalidValue), "got %v", err)
	require.NotNil(t, res)
	assert.Equal(t, int64(1), res.RowsAffected)
	sel = db.exec1(t, &Select{Table: "people", Projection: []string{"name"}})
	assert.Equal(t, []core.Row{{core.VarcharValue("annie")}, {core.VarcharValue("ben")}, {core.VarcharValue("cid")}}, sel.Rows)

	_, err = db.exec.Execute(ctx, &Update{Table: "people", Assignments: []Assignment{{Column: "color", Value: Lit{Value: core.NullValue()}}}})
	assert.True(t, IsKind(err, KindColumnNotFound))
	_, err = db.exec.Execute(ctx, &Update{Table: "people", Assignments: []Assignment{{Column: "age", Value: Lit{Value: core.VarcharValue("old")}}}})
	assert.True(t, IsKind(err, KindTypeMismatch))
}

func TestExecutor_DeleteAndDropTable(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)
	for i := int64(1); i <= 5; i++ {
		db.exec1(t, &Insert{Table: "products", Values: []core.Row{product(i, "p", "c", float64(i))}})
	}
	ctx := context.Background()

	res := db.exec1(t, &Delete{Table: "products", Filter: Compare{Op: OpLt, Left: Col{Name: "price"}, Right: Lit{Value: core.IntegerValue(3)}}})
	assert.Equal(t, int64(2), res.RowsAffected)

	res = db.exec1(t, &DropTable{Name: "products"})
	assert.Equal(t, int64(3), res.RowsAffected)
	_, err := db.exec.Execute(ctx, &Select{Table: "products"})
	assert.True(t, IsKind(err, KindTableNotFound))
	_, err = db.exec.Execute(ctx, &DropTable{Name: "products"})
	assert.True(t, IsKind(err, KindTableNotFound))
	db.exec1(t, &DropTable{Name: "products", IfExists: true})

	db.createProducts(t)
	res = db.exec1(t, &Select{Table: "products"})
	assert.Empty(t, res.Rows)

	_, err = db.exec.Execute(ctx, &CreateTable{Name: "products", Columns: []catalog.Column{{Name: "id", Type: catalog.Integer}}})
	assert.True(t, IsKind(err, KindTableExists))
}

func TestExecutor_ExpressionErrors(t *testing.T) {
	db := newTestDB(t, nil)
	db.createProducts(t)
	db.exec1(t, &Insert{Table: "products", Values: []core.Row{product(1, "a", "x", 1)}})
	ctx := context.Background()

	_, err := db.exec.Execute(ctx, &Select{Table: "products", Filter: Compare{Op: OpGt, Left: Col{Name: "name"}, Right: Lit{Value: core.IntegerValue(5)}}})
	assert.True(t, IsKind(err, KindTypeMismatch), "got %v", err)
	_, err = db.exec.Execute(ctx, &Select{Table: "products", Filter: And{Left: Col{Name: "price"}, Right: Lit{Value: core.BooleanValue(true)}}})
	assert.True(t, IsKind(err, KindTypeMismatch), "got %v", err)
	_, err = db.exec.Execute(ctx, &Select{Table: "products", Filter: eq("colour", core.IntegerValue(1))})
	assert.True(t, IsKind(err, KindColumnNotFound), "got %v", err)
	_, err = db.exec.Execute(ctx, &Select{Table: "products", Projection: []string{"colour"}})
	assert.True(t, IsKind(err, KindColumnNotFound), "got %v", err)
	_, err = db.exec.Execute(ctx, &Select{Table: "products", OrderBy: []OrderKey{{Column: "colour"}}})
	assert.True(t, IsKind(err, KindColumnNotFound), "got %v", err)
	_, err = db.exec.Execute(ctx, &Select{Table: "products", Aggregates: []Aggregate{{Func: AggPercentile, Column: "price", Quantile: 2}}})
	assert.True(t, IsKind(err, KindInvalidValue), "got %v", err)

	st := db.exec.Stats()
	assert.Equal(t, uint64(8), st.Statements)
	assert.Equal(t, uint64(6), st.StatementErrors)
	assert.Greater(t, st.LatencyP99, 0.0)
}

type statementRecorder struct {
	mu       sync.Mutex
	payloads []hooks.StatementPayload
	reject   string
}

func (r *statementRecorder) OnEvent(_ context.Context, ev hooks.HookEvent) error {
	p := ev.Payload().(hooks.StatementPayload)
	if ev.Type() == hooks.EventPreStatement {
		if p.Kind == r.reject {
			return errors.New("read only")
		}
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *statementRecorder) Priority() int { return 0 }
func (r *statementRecorder) IsAsync() bool { return false }

func TestExecutor_StatementHooks(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	rec := &statementRecorder{reject: "DELETE"}
	hm.Register(hooks.EventPreStatement, rec)
	hm.Register(hooks.EventPostStatement, rec)
	db := newTestDB(t, hm)
	db.createProducts(t)
	db.exec1(t, &Insert{Table: "products", Values: []core.Row{product(1, "a", "x", 1)}})
	db.exec1(t, &Select{Table: "products"})

	_, err := db.exec.Execute(context.Background(), &Delete{Table: "products"})
	require.Error(t, err)
	res := db.exec1(t, &Select{Table: "products"})
	assert.Len(t, res.Rows, 1, "vetoed delete must not run")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.payloads, 4)
	assert.Equal(t, "CREATE TABLE", rec.payloads[0].Kind)
	assert.Equal(t, "INSERT", rec.payloads[1].Kind)
	assert.Equal(t, int64(1), rec.payloads[1].RowsAffected)
	assert.Equal(t, "SELECT", rec.payloads[2].Kind)
	assert.Equal(t, 1, rec.payloads[2].RowsReturned)
	assert.Equal(t, "products", rec.payloads[2].Table)
}
