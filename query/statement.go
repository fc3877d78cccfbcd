package query

import (
	"github.com/INLOpen/nexusdb/catalog"
	"github.com/INLOpen/nexusdb/core"
)

// Statement is one of CreateTable, DropTable, Insert, Select, Update, Delete.
type Statement interface {
	// Kind names the statement for logs and hooks, e.g. "SELECT".
	Kind() string
	// Target is the table the statement reads or writes.
	Target() string
}

type CreateTable struct {
	Name    string
	Columns []catalog.Column
}

// DropTable removes a table and all of its rows.
type DropTable struct {
	Name     string
	IfExists bool
}

// Insert adds rows. When Columns is empty every row lists all columns in
// declaration order; otherwise omitted columns take their default.
type Insert struct {
	Table   string
	Columns []string
	Values  []core.Row
}

// Join is an inner equi-join of the selected table with Table.
type Join struct {
	Table       string
	LeftColumn  string
	RightColumn string
}

// Select reads rows. An empty Projection selects every column. With GroupBy
// or Aggregates the output is the group columns followed by the aggregates,
// and Projection and OrderBy refer to that output. Filter always applies to
// the input rows.
type Select struct {
	Table      string
	Projection []string
	Filter     Expr
	Join       *Join
	GroupBy    []string
	Aggregates []Aggregate
	OrderBy    []OrderKey
	// Limit caps the result; zero means no limit.
	Limit int
}

// Assignment sets Column to the value of Value, evaluated against the old row.
type Assignment struct {
	Column string
	Value  Expr
}

type Update struct {
	Table       string
	Assignments []Assignment
	Filter      Expr
}

type Delete struct {
	Table  string
	Filter Expr
}

func (s *CreateTable) Kind() string { return "CREATE TABLE" }
func (s *DropTable) Kind() string   { return "DROP TABLE" }
func (s *Insert) Kind() string      { return "INSERT" }
func (s *Select) Kind() string      { return "SELECT" }
func (s *Update) Kind() string      { return "UPDATE" }
func (s *Delete) Kind() string      { return "DELETE" }

func (s *CreateTable) Target() string { return s.Name }
func (s *DropTable) Target() string   { return s.Name }
func (s *Insert) Target() string      { return s.Table }
func (s *Select) Target() string      { return s.Table }
func (s *Update) Target() string      { return s.Table }
func (s *Delete) Target() string      { return s.Table }

// Result is the outcome of a statement.
type Result struct {
	Columns      []string
	Rows         []core.Row
	RowsAffected int64
}
