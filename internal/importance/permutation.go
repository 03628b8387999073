// Package importance computes permutation feature importance: how much a
// score drops when one column is shuffled.
package importance

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/estimator"
)

// Result holds per-column importances aligned with Columns.
type Result struct {
	Columns []string  `json:"columns"`
	Mean    []float64 `json:"importances_mean"`
	Std     []float64 `json:"importances_std"`
}

// Below returns the columns whose mean importance is strictly below
// threshold, in column order.
func (r Result) Below(threshold float64) []string {
	var out []string
	for j, c := range r.Columns {
		if r.Mean[j] < threshold {
			out = append(out, c)
		}
	}
	return out
}

// Permutation is the permutation importance evaluator.
type Permutation struct {
	Seed uint64
}

// NewPermutation returns an evaluator whose shuffles are seeded by seed.
func NewPermutation(seed uint64) *Permutation {
	return &Permutation{Seed: seed}
}

// Compute scores every estimator on (x, y), then re-scores it nRepeats times
// per column with that column shuffled. The importance of a column is the
// baseline score minus the shuffled score, pooled across estimators and
// repeats.
func (p *Permutation) Compute(ctx context.Context, estimators []estimator.Estimator, x *dataset.Table, y []float64, scorer *estimator.Scorer, nRepeats int) (Result, error) {
	if len(estimators) == 0 {
		return Result{}, errors.New("importance: no estimators")
	}
	if x == nil || x.NumRows() == 0 {
		return Result{}, errors.New("importance: no rows")
	}
	if x.NumRows() != len(y) {
		return Result{}, fmt.Errorf("importance: %d rows for %d labels", x.NumRows(), len(y))
	}
	if nRepeats < 1 {
		nRepeats = 1
	}

	cols := x.Columns()
	samples := make([][]float64, len(cols))
	for e, est := range estimators {
		baseline, err := estimator.Score(scorer, est, x, y)
		if err != nil {
			return Result{}, fmt.Errorf("importance: estimator %d baseline: %w", e, err)
		}
		rng := rand.New(rand.NewPCG(p.Seed, uint64(e)))
		for j, name := range cols {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			orig := x.ColAt(j)
			shuffled := make([]float64, len(orig))
			for r := 0; r < nRepeats; r++ {
				for k, i := range rng.Perm(len(orig)) {
					shuffled[k] = orig[i]
				}
				permuted, err := x.ReplaceColumn(name, shuffled)
				if err != nil {
					return Result{}, err
				}
				s, err := estimator.Score(scorer, est, permuted, y)
				if err != nil {
					return Result{}, fmt.Errorf("importance: estimator %d column %q: %w", e, name, err)
				}
				samples[j] = append(samples[j], baseline-s)
			}
		}
	}

	res := Result{Columns: cols, Mean: make([]float64, len(cols)), Std: make([]float64, len(cols))}
	for j := range cols {
		res.Mean[j], res.Std[j] = stat.PopMeanStdDev(samples[j], nil)
	}
	return res, nil
}
