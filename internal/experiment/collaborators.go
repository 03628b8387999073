package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hyperstage/internal/collinearity"
	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/drift"
	"github.com/banshee-data/hyperstage/internal/estimator"
	"github.com/banshee-data/hyperstage/internal/importance"
	"github.com/banshee-data/hyperstage/internal/monitoring"
	"github.com/banshee-data/hyperstage/internal/search"
)

// DataCleaner is fit once on the training split and replayed on the others.
type DataCleaner interface {
	FitTransform(x *dataset.Table, y []float64) (*dataset.Table, []float64, error)
	Transform(x *dataset.Table) (*dataset.Table, error)
	TransformLabeled(x *dataset.Table, y []float64) (*dataset.Table, []float64, error)
	// AppendDropColumns is additive and idempotent.
	AppendDropColumns(columns []string)
}

// DriftDetector scores train/test drift and builds test-like holdouts.
type DriftDetector interface {
	Fit(train, test *dataset.Table) error
	TrainTestSplit(x *dataset.Table, y []float64, testSize float64) (trainX, evalX *dataset.Table, trainY, evalY []float64, err error)
	FeatureSelection(train, test *dataset.Table) (drift.Selection, error)
}

// CollinearitySelector groups redundant columns.
type CollinearitySelector interface {
	Select(x *dataset.Table) (collinearity.Result, error)
}

// ImportanceEvaluator computes feature importance averaged over estimators.
type ImportanceEvaluator interface {
	Compute(ctx context.Context, estimators []estimator.Estimator, x *dataset.Table, y []float64, scorer *estimator.Scorer, nRepeats int) (importance.Result, error)
}

// EnsembleSelector combines fitted estimators. Fit uses oof (one matrix per
// member, rows aligned with y) when it is non-nil and x otherwise.
type EnsembleSelector interface {
	estimator.ProbaEstimator
	Fit(x *dataset.Table, y []float64, oof []*mat.Dense) error
}

// EnsembleFactory builds an unfitted ensemble over members.
type EnsembleFactory func(task estimator.Task, scorer *estimator.Scorer, members []estimator.Estimator, size int) EnsembleSelector

// Reporter renders optional visual diagnostics. Failures and panics are
// logged and never abort the experiment.
type Reporter interface {
	PseudoLabelProba(proba []float64, threshold float64) error
	Importances(res importance.Result) error
	DriftScores(scores map[string]float64) error
}

// Collaborators are the components an Experiment drives. Search,
// NewCleaner and NewEnsemble are required; a nil Drift, Collinearity or
// Importance disables the stages that need it.
type Collaborators struct {
	NewCleaner   func() DataCleaner
	Search       search.Engine
	Drift        DriftDetector
	Collinearity CollinearitySelector
	Importance   ImportanceEvaluator
	NewEnsemble  EnsembleFactory

	Reporter Reporter
	Sink     monitoring.Sink
	Metrics  *monitoring.StageMetrics
}

func (c Collaborators) validate() error {
	switch {
	case c.NewCleaner == nil:
		return errors.New("no data cleaner factory")
	case c.Search == nil:
		return errors.New("no search engine")
	case c.NewEnsemble == nil:
		return errors.New("no ensemble factory")
	}
	return nil
}

// report calls fn and turns an error or panic into a log line followed by
// fallback, which should log a textual summary instead.
func (e *Experiment) report(what string, fn func(Reporter) error, fallback func()) {
	if e.deps.Reporter == nil {
		fallback()
		return
	}
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn(e.deps.Reporter)
	}()
	if err != nil {
		logf("reporting %s failed: %v", what, err)
		fallback()
	}
}

// summarize renders a distribution as text for logs.
func summarize(vals []float64) string {
	if len(vals) == 0 {
		return "empty"
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean, std := stat.MeanStdDev(vals, nil)
	return fmt.Sprintf("n=%d min=%.4f mean=%.4f std=%.4f max=%.4f", len(vals), lo, mean, std, hi)
}
