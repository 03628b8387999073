// Package cleaner is the default data cleaner for experiments. It is fit once
// on the training split and then replays the same column selection and
// imputation on every other split and at inference time.
package cleaner

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hyperstage/internal/dataset"
)

// ErrNotFitted is returned by Transform before FitTransform.
var ErrNotFitted = errors.New("cleaner is not fitted")

// Cleaner drops unusable columns and imputes missing values with the
// training median.
type Cleaner struct {
	columns  []string
	medians  map[string]float64
	unusable []string
	drop     map[string]bool
}

// New returns an unfitted cleaner.
func New() *Cleaner {
	return &Cleaner{drop: make(map[string]bool)}
}

// FitTransform learns the column set and medians from x and returns the
// cleaned training split. Rows with a NaN label are removed.
func (c *Cleaner) FitTransform(x *dataset.Table, y []float64) (*dataset.Table, []float64, error) {
	if x.NumRows() != len(y) {
		return nil, nil, fmt.Errorf("fit: %d rows for %d labels", x.NumRows(), len(y))
	}
	x, y = dropUnlabeled(x, y)
	if x.NumRows() == 0 {
		return nil, nil, errors.New("fit: no labeled rows")
	}

	c.columns = nil
	c.unusable = nil
	c.drop = make(map[string]bool)
	c.medians = make(map[string]float64)
	for j, name := range x.Columns() {
		vals := finite(x.ColAt(j))
		if len(vals) == 0 || constant(vals) {
			c.unusable = append(c.unusable, name)
			continue
		}
		sort.Float64s(vals)
		c.medians[name] = stat.Quantile(0.5, stat.Empirical, vals, nil)
		c.columns = append(c.columns, name)
	}
	if len(c.columns) == 0 {
		return nil, nil, errors.New("fit: every column is empty or constant")
	}

	out, err := c.Transform(x)
	if err != nil {
		return nil, nil, err
	}
	return out, y, nil
}

// Transform applies the fitted column set and imputation to x. A nil table
// passes through.
func (c *Cleaner) Transform(x *dataset.Table) (*dataset.Table, error) {
	if c.medians == nil {
		return nil, ErrNotFitted
	}
	if x == nil {
		return nil, nil
	}
	cols := c.Columns()
	sel, err := x.Select(cols)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	medians := make([]float64, len(cols))
	for j, name := range cols {
		medians[j] = c.medians[name]
	}
	return sel.Map(func(_, j int, v float64) float64 {
		if math.IsNaN(v) {
			return medians[j]
		}
		return v
	}), nil
}

// TransformLabeled is Transform for a labeled split; rows with a NaN label
// are removed.
func (c *Cleaner) TransformLabeled(x *dataset.Table, y []float64) (*dataset.Table, []float64, error) {
	if x == nil {
		return nil, nil, nil
	}
	if x.NumRows() != len(y) {
		return nil, nil, fmt.Errorf("transform: %d rows for %d labels", x.NumRows(), len(y))
	}
	x, y = dropUnlabeled(x, y)
	out, err := c.Transform(x)
	if err != nil {
		return nil, nil, err
	}
	return out, y, nil
}

// AppendDropColumns adds columns that Transform must leave out from now on.
// Repeated and unknown names are harmless.
func (c *Cleaner) AppendDropColumns(columns []string) {
	for _, name := range columns {
		c.drop[name] = true
	}
}

// Columns returns the columns Transform emits, in input order.
func (c *Cleaner) Columns() []string {
	out := make([]string, 0, len(c.columns))
	for _, name := range c.columns {
		if !c.drop[name] {
			out = append(out, name)
		}
	}
	return out
}

// DroppedColumns returns the columns discarded at fit time as empty or
// constant, followed by the appended drop list (sorted).
func (c *Cleaner) DroppedColumns() []string {
	out := append([]string(nil), c.unusable...)
	extra := make([]string, 0, len(c.drop))
	for name := range c.drop {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func dropUnlabeled(x *dataset.Table, y []float64) (*dataset.Table, []float64) {
	keep := make([]int, 0, len(y))
	for i, v := range y {
		if !math.IsNaN(v) {
			keep = append(keep, i)
		}
	}
	if len(keep) == len(y) {
		return x, y
	}
	return x.Rows(keep), dataset.TakeLabels(y, keep)
}

func finite(vals []float64) []float64 {
	out := vals[:0]
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func constant(vals []float64) bool {
	for _, v := range vals[1:] {
		if v != vals[0] {
			return false
		}
	}
	return true
}
