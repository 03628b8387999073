package estimator

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/hyperstage/internal/dataset"
)

// ErrNotFitted is returned by a model used before Fit.
var ErrNotFitted = errors.New("estimator is not fitted")

// Estimator is a fitted model. Predict selects the columns it was trained
// on by name, so x may carry extra columns.
type Estimator interface {
	Predict(x *dataset.Table) ([]float64, error)
}

// ProbaEstimator is a fitted classifier. PredictProba returns one row per
// input row and one column per entry of Classes.
type ProbaEstimator interface {
	Estimator
	PredictProba(x *dataset.Table) (*mat.Dense, error)
	Classes() []float64
}

// Model is an estimator that can be (re)fitted.
type Model interface {
	Estimator
	Fit(x *dataset.Table, y []float64) error
}

// Prediction is everything a scorer may look at for one set of rows.
type Prediction struct {
	// Values holds the predicted class (classification) or value (regression).
	Values []float64
	// Proba is rows x len(Classes); nil for regression.
	Proba   *mat.Dense
	Classes []float64
}

// Evaluate runs est over x. A ProbaEstimator that reports no classes is
// treated as a regressor.
func Evaluate(est Estimator, x *dataset.Table) (Prediction, error) {
	if pe, ok := est.(ProbaEstimator); ok && len(pe.Classes()) > 0 {
		proba, err := pe.PredictProba(x)
		if err != nil {
			return Prediction{}, err
		}
		return FromProba(proba, pe.Classes()), nil
	}
	v, err := est.Predict(x)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{Values: v}, nil
}

// FromProba builds a classification prediction, taking the most probable
// class per row (ties go to the earlier class).
func FromProba(proba *mat.Dense, classes []float64) Prediction {
	p := Prediction{Proba: proba, Classes: append([]float64(nil), classes...)}
	if proba == nil {
		return p
	}
	r, c := proba.Dims()
	p.Values = make([]float64, r)
	for i := 0; i < r; i++ {
		best := 0
		for j := 1; j < c; j++ {
			if proba.At(i, j) > proba.At(i, best) {
				best = j
			}
		}
		p.Values[i] = classes[best]
	}
	return p
}

// Score evaluates est on (x, y) with the named scorer.
func Score(scorer *Scorer, est Estimator, x *dataset.Table, y []float64) (float64, error) {
	p, err := Evaluate(est, x)
	if err != nil {
		return 0, fmt.Errorf("predict: %w", err)
	}
	return scorer.Score(y, p)
}

// PositiveProba returns the probability column of classes[1] for a binary
// classifier.
func PositiveProba(proba *mat.Dense) ([]float64, error) {
	if proba == nil {
		return nil, errors.New("no probabilities")
	}
	r, c := proba.Dims()
	if c != 2 {
		return nil, fmt.Errorf("positive class probability needs 2 classes, got %d", c)
	}
	out := make([]float64, r)
	mat.Col(out, 1, proba)
	return out, nil
}
