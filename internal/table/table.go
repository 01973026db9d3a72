// Package table implements the column-oriented tables used for feature and
// cell annotations and for per-feature result tables.
package table

import (
	"fmt"
	"math"
	"strconv"
)

// Kind is the element type of a column.
type Kind uint8

const (
	Uint8 Kind = iota + 1
	Int32
	Float64
	String
	Nested
)

func (k Kind) String() string {
	switch k {
	case Uint8:
		return "u8"
	case Int32:
		return "i32"
	case Float64:
		return "f64"
	case String:
		return "string"
	case Nested:
		return "table"
	}
	return "unknown"
}

// Column is a single named column. Exactly one of the typed slices is set,
// matching Kind. String columns may carry a validity mask; a false entry is
// a missing value.
type Column struct {
	Name  string
	Kind  Kind
	U8    []uint8
	I32   []int32
	F64   []float64
	Str   []string
	Valid []bool
	Table *Table
}

// Len returns the number of rows in the column.
func (c *Column) Len() int {
	switch c.Kind {
	case Uint8:
		return len(c.U8)
	case Int32:
		return len(c.I32)
	case Float64:
		return len(c.F64)
	case String:
		return len(c.Str)
	case Nested:
		return c.Table.NumRows()
	}
	return 0
}

// IsMissing reports whether row i holds no value. NaN counts as missing in
// float columns.
func (c *Column) IsMissing(i int) bool {
	switch c.Kind {
	case String:
		return c.Valid != nil && !c.Valid[i]
	case Float64:
		return math.IsNaN(c.F64[i])
	}
	return false
}

// Numeric reports whether the column holds numbers.
func (c *Column) Numeric() bool {
	return c.Kind == Uint8 || c.Kind == Int32 || c.Kind == Float64
}

// Float returns row i as a float64; ok is false for non-numeric columns.
func (c *Column) Float(i int) (float64, bool) {
	switch c.Kind {
	case Uint8:
		return float64(c.U8[i]), true
	case Int32:
		return float64(c.I32[i]), true
	case Float64:
		return c.F64[i], true
	}
	return 0, false
}

// Text returns row i rendered as a string; ok is false when the value is
// missing or the column is nested.
func (c *Column) Text(i int) (string, bool) {
	if c.IsMissing(i) {
		return "", false
	}
	switch c.Kind {
	case Uint8:
		return strconv.Itoa(int(c.U8[i])), true
	case Int32:
		return strconv.Itoa(int(c.I32[i])), true
	case Float64:
		return strconv.FormatFloat(c.F64[i], 'g', -1, 64), true
	case String:
		return c.Str[i], true
	}
	return "", false
}

// Strings renders the whole column; missing entries become "".
func (c *Column) Strings() []string {
	out := make([]string, c.Len())
	for i := range out {
		out[i], _ = c.Text(i)
	}
	return out
}

func (c *Column) subset(idx []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	switch c.Kind {
	case Uint8:
		out.U8 = pick(c.U8, idx)
	case Int32:
		out.I32 = pick(c.I32, idx)
	case Float64:
		out.F64 = pick(c.F64, idx)
	case String:
		out.Str = pick(c.Str, idx)
		if c.Valid != nil {
			out.Valid = pick(c.Valid, idx)
		}
	case Nested:
		out.Table = c.Table.SubsetRows(idx)
	}
	return out
}

func pick[T any](x []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

// Table is an ordered collection of equal-length named columns.
type Table struct {
	nrow     int
	columns  []*Column
	index    map[string]int
	RowNames []string
}

// New creates an empty table with nrow rows.
func New(nrow int) *Table {
	return &Table{nrow: nrow, index: make(map[string]int)}
}

func (t *Table) NumRows() int    { return t.nrow }
func (t *Table) NumColumns() int { return len(t.columns) }

// Names returns column names in insertion order.
func (t *Table) Names() []string {
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.Name
	}
	return out
}

// Columns returns the columns in insertion order.
func (t *Table) Columns() []*Column { return t.columns }

// Column looks up a column by name.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.columns[i], true
}

// Has reports whether a column exists.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Set adds or replaces a column. The column length must match the table.
func (t *Table) Set(c *Column) error {
	if c.Len() != t.nrow {
		return fmt.Errorf("column %q has %d rows, table has %d", c.Name, c.Len(), t.nrow)
	}
	if i, ok := t.index[c.Name]; ok {
		t.columns[i] = c
		return nil
	}
	t.index[c.Name] = len(t.columns)
	t.columns = append(t.columns, c)
	return nil
}

func (t *Table) SetUint8(name string, x []uint8) error {
	return t.Set(&Column{Name: name, Kind: Uint8, U8: x})
}

func (t *Table) SetInt32(name string, x []int32) error {
	return t.Set(&Column{Name: name, Kind: Int32, I32: x})
}

func (t *Table) SetFloat64(name string, x []float64) error {
	return t.Set(&Column{Name: name, Kind: Float64, F64: x})
}

func (t *Table) SetString(name string, x []string) error {
	return t.Set(&Column{Name: name, Kind: String, Str: x})
}

// SetNullableString adds a string column where valid[i] == false marks a
// missing entry.
func (t *Table) SetNullableString(name string, x []string, valid []bool) error {
	if len(valid) != len(x) {
		return fmt.Errorf("column %q: validity mask has %d entries, want %d", name, len(valid), len(x))
	}
	return t.Set(&Column{Name: name, Kind: String, Str: x, Valid: valid})
}

func (t *Table) SetTable(name string, x *Table) error {
	return t.Set(&Column{Name: name, Kind: Nested, Table: x})
}

// Remove drops a column if present.
func (t *Table) Remove(name string) {
	i, ok := t.index[name]
	if !ok {
		return
	}
	t.columns = append(t.columns[:i], t.columns[i+1:]...)
	delete(t.index, name)
	for j := i; j < len(t.columns); j++ {
		t.index[t.columns[j].Name] = j
	}
}

// SubsetRows returns a new table holding rows idx in that order.
func (t *Table) SubsetRows(idx []int) *Table {
	out := New(len(idx))
	for _, c := range t.columns {
		sub := c.subset(idx)
		out.index[sub.Name] = len(out.columns)
		out.columns = append(out.columns, sub)
	}
	if t.RowNames != nil {
		out.RowNames = pick(t.RowNames, idx)
	}
	return out
}

// Clone returns a shallow copy whose column list can be modified without
// affecting t.
func (t *Table) Clone() *Table {
	out := New(t.nrow)
	for _, c := range t.columns {
		out.index[c.Name] = len(out.columns)
		out.columns = append(out.columns, c)
	}
	out.RowNames = t.RowNames
	return out
}

// Rbind stacks tables row-wise, matching columns by name. A column missing
// from some table is filled with missing values; columns whose kinds disagree
// across tables are widened to float64 or string.
func Rbind(tables []*Table) (*Table, error) {
	total := 0
	var order []string
	kinds := map[string]Kind{}
	present := map[string]int{}
	for _, t := range tables {
		total += t.nrow
		for _, c := range t.columns {
			present[c.Name]++
			k, seen := kinds[c.Name]
			if !seen {
				order = append(order, c.Name)
				kinds[c.Name] = c.Kind
				continue
			}
			kinds[c.Name] = widen(k, c.Kind)
		}
	}
	for name, k := range kinds {
		// integers cannot represent a gap
		if present[name] < len(tables) && (k == Int32 || k == Uint8) {
			kinds[name] = Float64
		}
	}

	out := New(total)
	for _, name := range order {
		kind := kinds[name]
		if kind == Nested {
			return nil, fmt.Errorf("cannot row-bind nested column %q", name)
		}
		col := &Column{Name: name, Kind: kind}
		for _, t := range tables {
			src, ok := t.Column(name)
			appendRows(col, src, ok, t.nrow)
		}
		if err := out.Set(col); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func widen(a, b Kind) Kind {
	if a == b {
		return a
	}
	if a == String || b == String || a == Nested || b == Nested {
		return String
	}
	if a == Float64 || b == Float64 {
		return Float64
	}
	return Int32
}

func appendRows(dst, src *Column, present bool, n int) {
	switch dst.Kind {
	case String:
		if dst.Valid == nil {
			dst.Valid = make([]bool, len(dst.Str))
			for i := range dst.Valid {
				dst.Valid[i] = true
			}
		}
		for i := 0; i < n; i++ {
			if !present {
				dst.Str = append(dst.Str, "")
				dst.Valid = append(dst.Valid, false)
				continue
			}
			s, ok := src.Text(i)
			dst.Str = append(dst.Str, s)
			dst.Valid = append(dst.Valid, ok)
		}
	case Float64:
		for i := 0; i < n; i++ {
			v := math.NaN()
			if present {
				v, _ = src.Float(i)
			}
			dst.F64 = append(dst.F64, v)
		}
	case Int32:
		for i := 0; i < n; i++ {
			var v float64
			if present {
				v, _ = src.Float(i)
			}
			dst.I32 = append(dst.I32, int32(v))
		}
	case Uint8:
		for i := 0; i < n; i++ {
			var v uint8
			if present {
				v = src.U8[i]
			}
			dst.U8 = append(dst.U8, v)
		}
	}
}

