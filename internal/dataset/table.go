// Package dataset provides the column-named feature table the experiment
// stages exchange, backed by a dense gonum matrix.
//
// Tables are values: Select, Rows, Concat and the other operations return new
// tables and never mutate their receiver, so a table handed to one stage can
// be shared with the next without copying.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrColumnMismatch is returned when two tables that must share a column
// layout do not.
var ErrColumnMismatch = errors.New("column mismatch")

// Table is an ordered set of named float64 columns. Missing values are NaN.
type Table struct {
	columns []string
	index   map[string]int
	rows    int
	// data is nil when the table has no rows or no columns; gonum does not
	// allow zero-sized dense matrices.
	data *mat.Dense
}

// NewTable builds a table from row-major values. Every row must have one
// value per column.
func NewTable(columns []string, rows [][]float64) (*Table, error) {
	t, err := newEmpty(columns, len(rows))
	if err != nil {
		return nil, err
	}
	if t.data == nil {
		return t, nil
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(r), len(columns))
		}
		t.data.SetRow(i, r)
	}
	return t, nil
}

// FromDense wraps m (without copying) as a table with the given columns.
// A nil m is an empty table.
func FromDense(columns []string, m *mat.Dense) (*Table, error) {
	if m == nil {
		return newEmpty(columns, 0)
	}
	r, c := m.Dims()
	if c != len(columns) {
		return nil, fmt.Errorf("matrix has %d columns, want %d", c, len(columns))
	}
	t, err := newEmpty(columns, 0)
	if err != nil {
		return nil, err
	}
	t.rows = r
	t.data = m
	return t, nil
}

func newEmpty(columns []string, rows int) (*Table, error) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if _, dup := index[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		index[c] = i
	}
	t := &Table{
		columns: append([]string(nil), columns...),
		index:   index,
		rows:    rows,
	}
	if rows > 0 && len(columns) > 0 {
		t.data = mat.NewDense(rows, len(columns), nil)
	}
	return t, nil
}

// Columns returns a copy of the column names in order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int { return t.rows }

// NumCols returns the number of columns.
func (t *Table) NumCols() int { return len(t.columns) }

// Shape returns [rows, cols], the form recorded in diagnostics.
func (t *Table) Shape() [2]int {
	if t == nil {
		return [2]int{0, 0}
	}
	return [2]int{t.rows, len(t.columns)}
}

// HasColumn reports whether name is a column of t.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	if j, ok := t.index[name]; ok {
		return j
	}
	return -1
}

// At returns the value at row i, column j.
func (t *Table) At(i, j int) float64 {
	return t.data.At(i, j)
}

// Row returns a copy of row i.
func (t *Table) Row(i int) []float64 {
	out := make([]float64, len(t.columns))
	if t.data != nil {
		mat.Row(out, i, t.data)
	}
	return out
}

// ColAt returns a copy of column j.
func (t *Table) ColAt(j int) []float64 {
	out := make([]float64, t.rows)
	if t.data != nil {
		mat.Col(out, j, t.data)
	}
	return out
}

// Col returns a copy of the named column.
func (t *Table) Col(name string) ([]float64, error) {
	j, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	return t.ColAt(j), nil
}

// Dense returns a copy of the underlying matrix, or nil for an empty table.
func (t *Table) Dense() *mat.Dense {
	if t.data == nil {
		return nil
	}
	return mat.DenseCopyOf(t.data)
}

// Select returns a table with exactly the named columns, in the given order.
func (t *Table) Select(columns []string) (*Table, error) {
	idx := make([]int, len(columns))
	for k, c := range columns {
		j, ok := t.index[c]
		if !ok {
			return nil, fmt.Errorf("select: unknown column %q", c)
		}
		idx[k] = j
	}
	out, err := newEmpty(columns, t.rows)
	if err != nil {
		return nil, err
	}
	if out.data == nil {
		return out, nil
	}
	for i := 0; i < t.rows; i++ {
		for k, j := range idx {
			out.data.Set(i, k, t.data.At(i, j))
		}
	}
	return out, nil
}

// Drop returns a table without the named columns. Unknown names are ignored.
func (t *Table) Drop(columns []string) *Table {
	drop := make(map[string]bool, len(columns))
	for _, c := range columns {
		drop[c] = true
	}
	keep := make([]string, 0, len(t.columns))
	for _, c := range t.columns {
		if !drop[c] {
			keep = append(keep, c)
		}
	}
	out, _ := t.Select(keep)
	return out
}

// Rows returns a table made of the given row indices, in that order.
func (t *Table) Rows(idx []int) *Table {
	out, _ := newEmpty(t.columns, len(idx))
	if out.data == nil {
		return out
	}
	for k, i := range idx {
		out.data.SetRow(k, t.Row(i))
	}
	return out
}

// ReplaceColumn returns a copy of t where the named column holds values.
func (t *Table) ReplaceColumn(name string, values []float64) (*Table, error) {
	j, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	if len(values) != t.rows {
		return nil, fmt.Errorf("column %q: got %d values, want %d", name, len(values), t.rows)
	}
	out, _ := newEmpty(t.columns, t.rows)
	if out.data == nil {
		return out, nil
	}
	out.data.Copy(t.data)
	out.data.SetCol(j, values)
	return out, nil
}

// Map returns a copy of t with fn applied to every cell.
func (t *Table) Map(fn func(i, j int, v float64) float64) *Table {
	out, _ := newEmpty(t.columns, t.rows)
	if out.data == nil {
		return out
	}
	out.data.Apply(fn, t.data)
	return out
}

// SameColumns reports whether a and b have identical columns in identical order.
func SameColumns(a, b *Table) bool {
	if len(a.columns) != len(b.columns) {
		return false
	}
	for i := range a.columns {
		if a.columns[i] != b.columns[i] {
			return false
		}
	}
	return true
}

// Concat stacks tables vertically. All tables must share the first table's
// columns; nil tables are skipped.
func Concat(tables ...*Table) (*Table, error) {
	var first *Table
	total := 0
	for _, t := range tables {
		if t == nil {
			continue
		}
		if first == nil {
			first = t
		} else if !SameColumns(first, t) {
			return nil, fmt.Errorf("concat: %w: %v vs %v", ErrColumnMismatch, first.columns, t.columns)
		}
		total += t.rows
	}
	if first == nil {
		return nil, errors.New("concat: no tables")
	}
	out, _ := newEmpty(first.columns, total)
	if out.data == nil {
		return out, nil
	}
	offset := 0
	for _, t := range tables {
		if t == nil || t.data == nil {
			continue
		}
		r := t.rows
		out.data.Slice(offset, offset+r, 0, len(first.columns)).(*mat.Dense).Copy(t.data)
		offset += r
	}
	return out, nil
}

// TakeLabels returns y[idx[0]], y[idx[1]], ...
func TakeLabels(y []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for k, i := range idx {
		out[k] = y[i]
	}
	return out
}

// ConcatLabels joins label vectors in order; nil vectors contribute nothing.
func ConcatLabels(ys ...[]float64) []float64 {
	n := 0
	for _, y := range ys {
		n += len(y)
	}
	out := make([]float64, 0, n)
	for _, y := range ys {
		out = append(out, y...)
	}
	return out
}

// UniqueLabels returns the distinct non-NaN values of y in ascending order.
func UniqueLabels(y []float64) []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, v := range y {
		if math.IsNaN(v) || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}
