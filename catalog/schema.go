package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/INLOpen/nexusdb/core"
	"gopkg.in/yaml.v3"
)

// DataType is the declared type of a column. It is stored in the catalog file
// by name, e.g. "VARCHAR".
type DataType core.ValueType

const (
	Integer   = DataType(core.TypeInteger)
	Float     = DataType(core.TypeFloat)
	Varchar   = DataType(core.TypeVarchar)
	Boolean   = DataType(core.TypeBoolean)
	Timestamp = DataType(core.TypeTimestamp)
)

func (t DataType) ValueType() core.ValueType { return core.ValueType(t) }
func (t DataType) String() string            { return core.ValueType(t).String() }

// ParseDataType accepts the type names used in CREATE TABLE, case-insensitively.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTEGER", "INT", "BIGINT":
		return Integer, nil
	case "FLOAT", "DOUBLE", "REAL":
		return Float, nil
	case "VARCHAR", "TEXT", "STRING":
		return Varchar, nil
	case "BOOLEAN", "BOOL":
		return Boolean, nil
	case "TIMESTAMP":
		return Timestamp, nil
	}
	return 0, fmt.Errorf("%w: unknown column type %q", ErrInvalidSchema, s)
}

func (t DataType) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

func (t *DataType) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDataType(node.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Column is one column definition.
type Column struct {
	Name string   `yaml:"name"`
	Type DataType `yaml:"type"`
	// Length bounds VARCHAR values in bytes. Zero is unbounded.
	Length     int  `yaml:"length,omitempty"`
	PrimaryKey bool `yaml:"primary_key,omitempty"`
	NotNull    bool `yaml:"not_null,omitempty"`
	// Default is the literal text of the DEFAULT clause, parsed with the column type.
	Default *string `yaml:"default,omitempty"`
}

// Nullable reports whether NULL may be stored in the column.
func (c *Column) Nullable() bool {
	return !c.NotNull && !c.PrimaryKey
}

// DefaultValue returns the value used when an insert omits the column.
func (c *Column) DefaultValue() (core.Value, error) {
	if c.Default == nil {
		return core.NullValue(), nil
	}
	return ParseLiteral(c.Type, *c.Default)
}

// Table is the schema of one table.
type Table struct {
	ID      uint32   `yaml:"id"`
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`

	pk int
}

// PrimaryKey returns the index of the primary key column: the column marked
// PRIMARY KEY, or the first one.
func (t *Table) PrimaryKey() int { return t.pk }

// ColumnIndex finds a column by name, case-insensitively.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return i, true
		}
	}
	return -1, false
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// init checks the definition and resolves the primary key.
func (t *Table) init() error {
	if t.Name == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidSchema)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrInvalidSchema, t.Name)
	}
	t.pk = -1
	seen := make(map[string]bool, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.Name == "" {
			return fmt.Errorf("%w: table %s column %d has no name", ErrInvalidSchema, t.Name, i)
		}
		lower := strings.ToLower(c.Name)
		if seen[lower] {
			return fmt.Errorf("%w: duplicate column %s in table %s", ErrInvalidSchema, c.Name, t.Name)
		}
		seen[lower] = true
		switch c.Type {
		case Integer, Float, Varchar, Boolean, Timestamp:
		default:
			return fmt.Errorf("%w: column %s has unknown type %d", ErrInvalidSchema, c.Name, c.Type)
		}
		if c.Length < 0 || (c.Length > 0 && c.Type != Varchar) {
			return fmt.Errorf("%w: column %s: length applies to VARCHAR only", ErrInvalidSchema, c.Name)
		}
		if c.PrimaryKey {
			if t.pk >= 0 {
				return fmt.Errorf("%w: table %s has more than one primary key", ErrInvalidSchema, t.Name)
			}
			t.pk = i
		}
		if c.Default != nil {
			v, err := c.DefaultValue()
			if err != nil {
				return fmt.Errorf("%w: column %s default: %v", ErrInvalidSchema, c.Name, err)
			}
			if _, err := c.coerce(v); err != nil {
				return fmt.Errorf("%w: column %s default: %v", ErrInvalidSchema, c.Name, err)
			}
		}
	}
	if t.pk < 0 {
		t.pk = 0
	}
	return nil
}

// Coerce validates row against the schema and converts values to the column
// types: integers widen to FLOAT and TIMESTAMP columns. The input row is not modified.
func (t *Table) Coerce(row core.Row) (core.Row, error) {
	if len(row) != len(t.Columns) {
		return nil, fmt.Errorf("%w: table %s has %d columns, row has %d", ErrArity, t.Name, len(t.Columns), len(row))
	}
	out := make(core.Row, len(row))
	for i := range t.Columns {
		v, err := t.Columns[i].coerce(row[i])
		if err != nil {
			return nil, err
		}
		if v.IsNull() && i == t.pk {
			return nil, fmt.Errorf("%w: primary key %s.%s cannot be NULL", ErrInvalidValue, t.Name, t.Columns[i].Name)
		}
		out[i] = v
	}
	return out, nil
}

// Validate reports whether row fits the schema without conversion errors.
func (t *Table) Validate(row core.Row) error {
	_, err := t.Coerce(row)
	return err
}

func (c *Column) coerce(v core.Value) (core.Value, error) {
	if v.IsNull() {
		if !c.Nullable() {
			return v, fmt.Errorf("%w: column %s is NOT NULL", ErrInvalidValue, c.Name)
		}
		return v, nil
	}
	want := c.Type.ValueType()
	if v.Type() == want {
		if s, ok := v.Varchar(); ok && c.Length > 0 && len(s) > c.Length {
			return v, fmt.Errorf("%w: value for %s is %d bytes, limit is %d", ErrInvalidValue, c.Name, len(s), c.Length)
		}
		return v, nil
	}
	if i, ok := v.Int(); ok {
		switch c.Type {
		case Float:
			return core.FloatValue(float64(i)), nil
		case Timestamp:
			return core.TimestampValue(i), nil
		}
	}
	return v, &core.TypeMismatchError{Left: want, Right: v.Type(), Op: "store " + c.Name + " as"}
}

// ParseLiteral parses the text of a literal as a value of type t. NULL, in
// any case, is the null value.
func ParseLiteral(t DataType, s string) (core.Value, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "NULL") {
		return core.NullValue(), nil
	}
	switch t {
	case Integer:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
		}
		return core.IntegerValue(i), nil
	case Float:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: %q is not a float", ErrInvalidValue, s)
		}
		return core.FloatValue(f), nil
	case Varchar:
		return core.VarcharValue(strings.Trim(s, `'"`)), nil
	case Boolean:
		b, err := strconv.ParseBool(strings.ToLower(strings.Trim(s, `'"`)))
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, s)
		}
		return core.BooleanValue(b), nil
	case Timestamp:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return core.Value{}, fmt.Errorf("%w: %q is not a timestamp", ErrInvalidValue, s)
		}
		return core.TimestampValue(i), nil
	}
	return core.Value{}, fmt.Errorf("%w: unknown type %d", ErrInvalidSchema, t)
}
