// Package drift finds features whose distribution differs between the
// training and test sets, and carves evaluation holdouts that look like the
// test set.
//
// Each column is scored with the two-sample Kolmogorov-Smirnov statistic
// (the largest distance between the empirical CDFs of its train and test
// values), so a score of 0 means identical distributions and 1 means fully
// separated ones.
package drift

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hyperstage/internal/dataset"
)

const (
	DefaultThreshold      = 0.6
	DefaultMaxRemoveRatio = 0.5
)

// ErrNotFitted is returned by TrainTestSplit before Fit.
var ErrNotFitted = errors.New("drift detector is not fitted")

// Round is one removal step of FeatureSelection.
type Round struct {
	Removed   string  `json:"removed"`
	Score     float64 `json:"score"`
	Remaining int     `json:"remaining"`
}

// Selection is the outcome of FeatureSelection.
type Selection struct {
	Kept    []string           `json:"kept"`
	History []Round            `json:"history"`
	Scores  map[string]float64 `json:"scores"`
}

// Detector is the KS-based drift detector.
type Detector struct {
	Threshold      float64
	MaxRemoveRatio float64

	columns []string
	scores  map[string]float64
	test    *dataset.Table
}

// New returns a detector. Non-positive arguments select the defaults.
func New(threshold, maxRemoveRatio float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxRemoveRatio <= 0 {
		maxRemoveRatio = DefaultMaxRemoveRatio
	}
	return &Detector{Threshold: threshold, MaxRemoveRatio: maxRemoveRatio}
}

// Fit scores every column of train against the same column of test.
func (d *Detector) Fit(train, test *dataset.Table) error {
	if train == nil || test == nil {
		return errors.New("drift: fit needs both train and test")
	}
	if !dataset.SameColumns(train, test) {
		return fmt.Errorf("drift: %w", dataset.ErrColumnMismatch)
	}
	d.columns = train.Columns()
	d.scores = make(map[string]float64, len(d.columns))
	for j, name := range d.columns {
		d.scores[name] = ksStatistic(train.ColAt(j), test.ColAt(j))
	}
	d.test = test
	return nil
}

// Scores returns a copy of the per-column scores from the last Fit.
func (d *Detector) Scores() map[string]float64 {
	out := make(map[string]float64, len(d.scores))
	for k, v := range d.scores {
		out[k] = v
	}
	return out
}

// FeatureSelection fits the detector and then removes, one column per
// round, the most drifted column while its score exceeds Threshold. At most
// MaxRemoveRatio of the columns are removed and at least one is kept.
func (d *Detector) FeatureSelection(train, test *dataset.Table) (Selection, error) {
	if err := d.Fit(train, test); err != nil {
		return Selection{}, err
	}
	kept := append([]string(nil), d.columns...)
	maxRemove := int(math.Floor(d.MaxRemoveRatio * float64(len(kept))))

	var history []Round
	for len(history) < maxRemove && len(kept) > 1 {
		worst := 0
		for j := 1; j < len(kept); j++ {
			if d.scores[kept[j]] > d.scores[kept[worst]] {
				worst = j
			}
		}
		score := d.scores[kept[worst]]
		if !(score > d.Threshold) {
			break
		}
		removed := kept[worst]
		kept = append(kept[:worst:worst], kept[worst+1:]...)
		history = append(history, Round{Removed: removed, Score: score, Remaining: len(kept)})
	}
	return Selection{Kept: kept, History: history, Scores: d.Scores()}, nil
}

// TrainTestSplit holds out the testSize fraction of rows of x closest (in
// standardized distance) to the centroid of the fitted test set. Both
// returned splits keep the original row order.
func (d *Detector) TrainTestSplit(x *dataset.Table, y []float64, testSize float64) (trainX, evalX *dataset.Table, trainY, evalY []float64, err error) {
	if d.test == nil {
		return nil, nil, nil, nil, ErrNotFitted
	}
	n := x.NumRows()
	if n != len(y) {
		return nil, nil, nil, nil, fmt.Errorf("drift split: %d rows for %d labels", n, len(y))
	}
	if n < 2 {
		return nil, nil, nil, nil, fmt.Errorf("drift split: need at least 2 rows, got %d", n)
	}
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, nil, nil, fmt.Errorf("drift split: test size must be in (0, 1), got %v", testSize)
	}
	test, err := d.test.Select(x.Columns())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("drift split: %w", err)
	}

	centroid := make([]float64, x.NumCols())
	scale := make([]float64, x.NumCols())
	for j := range centroid {
		centroid[j] = stat.Mean(finite(test.ColAt(j)), nil)
		_, std := stat.PopMeanStdDev(finite(x.ColAt(j)), nil)
		scale[j] = 1
		if std > 0 {
			scale[j] = std
		}
	}

	dist := make([]float64, n)
	for i := 0; i < n; i++ {
		for j, c := range centroid {
			v := x.At(i, j)
			if math.IsNaN(v) || math.IsNaN(c) {
				continue
			}
			z := (v - c) / scale[j]
			dist[i] += z * z
		}
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })

	nEval := int(math.Ceil(testSize * float64(n)))
	nEval = min(max(nEval, 1), n-1)
	evalIdx := append([]int(nil), order[:nEval]...)
	trainIdx := append([]int(nil), order[nEval:]...)
	sort.Ints(evalIdx)
	sort.Ints(trainIdx)

	return x.Rows(trainIdx), x.Rows(evalIdx), dataset.TakeLabels(y, trainIdx), dataset.TakeLabels(y, evalIdx), nil
}

func ksStatistic(a, b []float64) float64 {
	a, b = finite(a), finite(b)
	sort.Float64s(a)
	sort.Float64s(b)
	return stat.KolmogorovSmirnov(a, nil, b, nil)
}

func finite(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
