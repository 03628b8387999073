// Package ensemble builds weighted ensembles by greedy forward selection:
// starting from nothing, each round adds (with replacement) the member whose
// inclusion gives the best score for the averaged prediction.
package ensemble

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/estimator"
)

// ErrNotFitted is returned by predictions before Fit.
var ErrNotFitted = errors.New("ensemble is not fitted")

// Greedy is a greedy-selection ensemble over fitted members.
type Greedy struct {
	Task    estimator.Task
	Scorer  *estimator.Scorer
	Size    int
	Members []estimator.Estimator

	classes []float64
	weights []float64
	picks   []int
	scores  []float64
}

// NewGreedy returns an unfitted ensemble that will run size selection rounds.
func NewGreedy(task estimator.Task, scorer *estimator.Scorer, members []estimator.Estimator, size int) *Greedy {
	if size < 1 {
		size = 1
	}
	return &Greedy{Task: task, Scorer: scorer, Size: size, Members: members}
}

// Fit selects members against labels y. With oof (one matrix per member,
// rows aligned with y) the out-of-fold predictions are used and x is
// ignored; otherwise every member predicts x.
func (g *Greedy) Fit(x *dataset.Table, y []float64, oof []*mat.Dense) error {
	if len(g.Members) == 0 {
		return errors.New("ensemble: no members")
	}
	if g.Task.IsClassification() {
		classes, err := memberClasses(g.Members)
		if err != nil {
			return err
		}
		g.classes = classes
	}

	preds, err := g.memberPredictions(x, oof)
	if err != nil {
		return err
	}
	for m, p := range preds {
		if r, _ := p.Dims(); r != len(y) {
			return fmt.Errorf("ensemble: member %d has %d prediction rows for %d labels", m, r, len(y))
		}
	}

	counts := make([]int, len(preds))
	r, c := preds[0].Dims()
	sum := mat.NewDense(r, c, nil)
	var candidate mat.Dense
	g.picks = g.picks[:0]
	g.scores = g.scores[:0]
	for round := 1; round <= g.Size; round++ {
		best, bestScore := -1, 0.0
		for m, p := range preds {
			candidate.Add(sum, p)
			candidate.Scale(1/float64(round), &candidate)
			s, err := g.Scorer.Score(y, g.prediction(&candidate))
			if err != nil {
				return fmt.Errorf("ensemble: round %d member %d: %w", round, m, err)
			}
			if best < 0 || s > bestScore {
				best, bestScore = m, s
			}
		}
		sum.Add(sum, preds[best])
		counts[best]++
		g.picks = append(g.picks, best)
		g.scores = append(g.scores, bestScore)
	}

	g.weights = make([]float64, len(counts))
	for m, n := range counts {
		g.weights[m] = float64(n) / float64(g.Size)
	}
	return nil
}

func (g *Greedy) memberPredictions(x *dataset.Table, oof []*mat.Dense) ([]*mat.Dense, error) {
	if oof != nil {
		if len(oof) != len(g.Members) {
			return nil, fmt.Errorf("ensemble: %d oof matrices for %d members", len(oof), len(g.Members))
		}
		for m, p := range oof {
			if p == nil {
				return nil, fmt.Errorf("ensemble: member %d has no oof predictions", m)
			}
		}
		return oof, nil
	}
	if x == nil {
		return nil, errors.New("ensemble: no features to fit on")
	}
	preds := make([]*mat.Dense, len(g.Members))
	for m, est := range g.Members {
		p, err := g.predictMember(est, x)
		if err != nil {
			return nil, fmt.Errorf("ensemble: member %d: %w", m, err)
		}
		preds[m] = p
	}
	return preds, nil
}

func (g *Greedy) predictMember(est estimator.Estimator, x *dataset.Table) (*mat.Dense, error) {
	if g.Task.IsClassification() {
		pe := est.(estimator.ProbaEstimator)
		return pe.PredictProba(x)
	}
	v, err := est.Predict(x)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(len(v), 1, v), nil
}

func (g *Greedy) prediction(avg *mat.Dense) estimator.Prediction {
	if g.Task.IsClassification() {
		return estimator.FromProba(avg, g.classes)
	}
	r, _ := avg.Dims()
	v := make([]float64, r)
	mat.Col(v, 0, avg)
	return estimator.Prediction{Values: v}
}

// memberClasses checks that every member is a classifier over the same
// classes and returns them.
func memberClasses(members []estimator.Estimator) ([]float64, error) {
	var classes []float64
	for m, est := range members {
		pe, ok := est.(estimator.ProbaEstimator)
		if !ok {
			return nil, fmt.Errorf("ensemble: member %d does not predict probabilities", m)
		}
		c := pe.Classes()
		if classes == nil {
			classes = c
			continue
		}
		if len(c) != len(classes) {
			return nil, fmt.Errorf("ensemble: member %d has %d classes, want %d", m, len(c), len(classes))
		}
		for i := range c {
			if c[i] != classes[i] {
				return nil, fmt.Errorf("ensemble: member %d class mapping differs", m)
			}
		}
	}
	return classes, nil
}

// Weights returns each member's share of the selection rounds.
func (g *Greedy) Weights() []float64 { return append([]float64(nil), g.weights...) }

// Picks returns the member chosen in each round.
func (g *Greedy) Picks() []int { return append([]int(nil), g.picks...) }

// Scores returns the best score after each round.
func (g *Greedy) Scores() []float64 { return append([]float64(nil), g.scores...) }

// Classes returns the class mapping of PredictProba columns; nil for
// regression.
func (g *Greedy) Classes() []float64 { return append([]float64(nil), g.classes...) }

// PredictProba returns the weighted average of member probabilities.
func (g *Greedy) PredictProba(x *dataset.Table) (*mat.Dense, error) {
	if !g.Task.IsClassification() {
		return nil, errors.New("ensemble: probabilities need a classification task")
	}
	return g.blend(x)
}

// Predict returns the most probable class, or the weighted average for
// regression.
func (g *Greedy) Predict(x *dataset.Table) ([]float64, error) {
	avg, err := g.blend(x)
	if err != nil {
		return nil, err
	}
	return g.prediction(avg).Values, nil
}

func (g *Greedy) blend(x *dataset.Table) (*mat.Dense, error) {
	if g.weights == nil {
		return nil, ErrNotFitted
	}
	var out *mat.Dense
	for m, w := range g.weights {
		if w == 0 {
			continue
		}
		p, err := g.predictMember(g.Members[m], x)
		if err != nil {
			return nil, fmt.Errorf("ensemble: member %d: %w", m, err)
		}
		if out == nil {
			r, c := p.Dims()
			out = mat.NewDense(r, c, nil)
		}
		var scaled mat.Dense
		scaled.Scale(w, p)
		out.Add(out, &scaled)
	}
	return out, nil
}
