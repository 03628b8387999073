// Package collinearity prunes redundant features. Columns whose Spearman
// rank correlation reaches a threshold are linked into clusters and only the
// first column of each cluster survives.
package collinearity

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hyperstage/internal/dataset"
)

// DefaultThreshold is the absolute correlation at which two columns are
// considered redundant.
const DefaultThreshold = 0.9

// Link is one pair of correlated columns.
type Link struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Correlation float64 `json:"correlation"`
}

// Result lists the correlated pairs and the split of columns into kept and
// dropped, both in input column order.
type Result struct {
	Linkage  []Link   `json:"linkage"`
	Remained []string `json:"remained"`
	Dropped  []string `json:"dropped"`
}

// Selector clusters columns by rank correlation.
type Selector struct {
	Threshold float64
}

// New returns a selector; a non-positive threshold means DefaultThreshold.
func New(threshold float64) *Selector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Selector{Threshold: threshold}
}

// Select computes the clusters of x's columns.
func (s *Selector) Select(x *dataset.Table) (Result, error) {
	if x == nil || x.NumCols() == 0 {
		return Result{}, errors.New("collinearity: no columns")
	}
	cols := x.Columns()
	ranks := make([][]float64, len(cols))
	for j := range cols {
		ranks[j] = rank(x.ColAt(j))
	}

	g := simple.NewUndirectedGraph()
	for j := range cols {
		g.AddNode(simple.Node(j))
	}
	var res Result
	for i := 0; i < len(cols); i++ {
		for j := i + 1; j < len(cols); j++ {
			rho := stat.Correlation(ranks[i], ranks[j], nil)
			if math.IsNaN(rho) || math.Abs(rho) < s.Threshold {
				continue
			}
			res.Linkage = append(res.Linkage, Link{A: cols[i], B: cols[j], Correlation: rho})
			g.SetEdge(g.NewEdge(simple.Node(i), simple.Node(j)))
		}
	}

	keep := make([]bool, len(cols))
	for _, component := range topo.ConnectedComponents(g) {
		first := component[0].ID()
		for _, n := range component[1:] {
			if n.ID() < first {
				first = n.ID()
			}
		}
		keep[first] = true
	}
	for j, name := range cols {
		if keep[j] {
			res.Remained = append(res.Remained, name)
		} else {
			res.Dropped = append(res.Dropped, name)
		}
	}
	return res, nil
}

// rank returns fractional ranks (ties share their average rank). NaN sorts
// last.
func rank(vals []float64) []float64 {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	less := func(a, b float64) bool {
		if math.IsNaN(a) {
			return false
		}
		return math.IsNaN(b) || a < b
	}
	sort.SliceStable(idx, func(a, b int) bool { return less(vals[idx[a]], vals[idx[b]]) })

	out := make([]float64, len(vals))
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && !less(vals[idx[start]], vals[idx[end]]) && !less(vals[idx[end]], vals[idx[start]]) {
			end++
		}
		avg := float64(start+end+1) / 2
		for k := start; k < end; k++ {
			out[idx[k]] = avg
		}
		start = end
	}
	return out
}
