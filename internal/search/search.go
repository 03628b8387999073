// Package search holds the contract between the experiment and a
// hyperparameter search engine, plus GridEngine, a small engine that sweeps
// a parameter grid of linear models.
//
// A Session is one search run. The experiment asks the Engine for a fresh
// Session before every search, so the trials of an earlier search stay
// readable on the old session while a new one runs.
package search

import (
	"context"
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/estimator"
)

var (
	// ErrNoTrials is returned when a session has not produced any trial.
	ErrNoTrials = errors.New("search produced no trials")
	// ErrUnknownModel is returned by LoadEstimator for a reference the
	// session does not hold.
	ErrUnknownModel = errors.New("unknown model reference")
	// ErrNoEvalSet is returned when a search without cross-validation has no
	// eval split to score on.
	ErrNoEvalSet = errors.New("search needs an eval set when cross-validation is off")
)

// Params is the hyperparameter assignment of one trial.
type Params struct {
	L2           float64 `json:"l2"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	MaxIter      int     `json:"max_iter,omitempty"`
}

// Trial is the result of evaluating one candidate.
type Trial struct {
	ID       int     `json:"id"`
	Reward   float64 `json:"reward"`
	ModelRef string  `json:"model_ref"`
	Params   Params  `json:"params"`
	// OOF holds out-of-fold predictions aligned with the train rows of the
	// search request: one column per class, or one column for regression.
	// Nil when the trial did not run cross-validation.
	OOF *mat.Dense `json:"-"`
}

// Request is the data handed to Session.Search.
type Request struct {
	TrainX   *dataset.Table
	TrainY   []float64
	EvalX    *dataset.Table
	EvalY    []float64
	CV       bool
	NumFolds int
}

// Session is one search run and the estimators it materialized.
type Session interface {
	// Search blocks until every candidate has been evaluated.
	Search(ctx context.Context, req Request) error
	BestTrial() (Trial, error)
	// TopTrials returns at most k trials by reward descending; ties keep
	// the engine's order.
	TopTrials(k int) []Trial
	LoadEstimator(ctx context.Context, ref string) (estimator.Estimator, error)
	// FinalTrain fits the trial's configuration on x, y from scratch.
	FinalTrain(ctx context.Context, trial Trial, x *dataset.Table, y []float64) (estimator.Estimator, error)
}

// Engine hands out fresh sessions.
type Engine interface {
	NewSession() Session
}

// RankTrials sorts trials by reward descending, keeping the given order for
// equal rewards. NaN rewards sort last.
func RankTrials(trials []Trial) {
	sort.SliceStable(trials, func(i, j int) bool {
		a, b := trials[i].Reward, trials[j].Reward
		if math.IsNaN(a) {
			return false
		}
		return math.IsNaN(b) || a > b
	})
}
