package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/hyperstage/internal/cleaner"
	"github.com/banshee-data/hyperstage/internal/collinearity"
	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/drift"
	"github.com/banshee-data/hyperstage/internal/ensemble"
	"github.com/banshee-data/hyperstage/internal/estimator"
	"github.com/banshee-data/hyperstage/internal/importance"
	"github.com/banshee-data/hyperstage/internal/monitoring"
	"github.com/banshee-data/hyperstage/internal/search"
)

// sigmoidModel predicts P(class 1) = sigmoid(scale * first column).
type sigmoidModel struct {
	scale float64
}

func (m sigmoidModel) Classes() []float64 { return []float64{0, 1} }

func (m sigmoidModel) PredictProba(x *dataset.Table) (*mat.Dense, error) {
	col := x.ColAt(0)
	out := mat.NewDense(len(col), 2, nil)
	for i, v := range col {
		p := 1 / (1 + math.Exp(-m.scale*v))
		out.Set(i, 0, 1-p)
		out.Set(i, 1, p)
	}
	return out, nil
}

func (m sigmoidModel) Predict(x *dataset.Table) ([]float64, error) {
	p, err := m.PredictProba(x)
	if err != nil {
		return nil, err
	}
	return estimator.FromProba(p, m.Classes()).Values, nil
}

// fakeEngine hands out sessions that "train" sigmoid models and record every
// request they see.
type fakeEngine struct {
	scale   float64
	nTrials int
	oof     bool
	err     error

	mu       sync.Mutex
	sessions []*fakeSession
}

func (e *fakeEngine) NewSession() search.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeSession{engine: e, models: make(map[string]estimator.Estimator)}
	e.sessions = append(e.sessions, s)
	return s
}

func (e *fakeEngine) requests() []search.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []search.Request
	for _, s := range e.sessions {
		if s.searched {
			out = append(out, s.req)
		}
	}
	return out
}

type fakeSession struct {
	engine   *fakeEngine
	searched bool
	req      search.Request
	trials   []search.Trial
	models   map[string]estimator.Estimator

	// Shape of the data the last FinalTrain call refit on.
	finalRows, finalLabels int
}

func (s *fakeSession) Search(ctx context.Context, req search.Request) error {
	if s.engine.err != nil {
		return s.engine.err
	}
	if !req.CV && req.EvalX == nil {
		return search.ErrNoEvalSet
	}
	s.searched = true
	s.req = req
	n := s.engine.nTrials
	if n < 1 {
		n = 3
	}
	for i := 0; i < n; i++ {
		m := sigmoidModel{scale: s.engine.scale / float64(i+1)}
		ref := fmt.Sprintf("model-%d", i)
		t := search.Trial{ID: i, Reward: -float64(i), ModelRef: ref}
		if req.CV && s.engine.oof {
			oof, err := m.PredictProba(req.TrainX)
			if err != nil {
				return err
			}
			t.OOF = oof
		}
		s.models[ref] = m
		s.trials = append(s.trials, t)
	}
	return nil
}

func (s *fakeSession) BestTrial() (search.Trial, error) {
	if len(s.trials) == 0 {
		return search.Trial{}, search.ErrNoTrials
	}
	return s.trials[0], nil
}

func (s *fakeSession) TopTrials(k int) []search.Trial {
	if k > len(s.trials) {
		k = len(s.trials)
	}
	return append([]search.Trial(nil), s.trials[:k]...)
}

func (s *fakeSession) LoadEstimator(_ context.Context, ref string) (estimator.Estimator, error) {
	m, ok := s.models[ref]
	if !ok {
		return nil, search.ErrUnknownModel
	}
	return m, nil
}

func (s *fakeSession) FinalTrain(_ context.Context, t search.Trial, x *dataset.Table, y []float64) (estimator.Estimator, error) {
	s.finalRows, s.finalLabels = x.NumRows(), len(y)
	return s.LoadEstimator(context.Background(), t.ModelRef)
}

// fixedImportance reports the given mean importance per column; columns not
// listed get 1.
type fixedImportance map[string]float64

func (f fixedImportance) Compute(_ context.Context, _ []estimator.Estimator, x *dataset.Table, _ []float64, _ *estimator.Scorer, _ int) (importance.Result, error) {
	res := importance.Result{Columns: x.Columns()}
	for _, c := range res.Columns {
		v, ok := f[c]
		if !ok {
			v = 1
		}
		res.Mean = append(res.Mean, v)
		res.Std = append(res.Std, 0)
	}
	return res, nil
}

type recordingReporter struct {
	proba       []float64
	importances *importance.Result
	drift       map[string]float64
}

func (r *recordingReporter) PseudoLabelProba(p []float64, _ float64) error {
	r.proba = p
	return nil
}

func (r *recordingReporter) Importances(res importance.Result) error {
	r.importances = &res
	return nil
}

func (r *recordingReporter) DriftScores(s map[string]float64) error {
	r.drift = s
	return nil
}

type panickingReporter struct{}

func (panickingReporter) PseudoLabelProba([]float64, float64) error { panic("no display") }
func (panickingReporter) Importances(importance.Result) error       { return errors.New("disk full") }
func (panickingReporter) DriftScores(map[string]float64) error      { panic("no display") }

// unlabeledGreedy is a greedy ensemble that exposes no class mapping.
type unlabeledGreedy struct {
	*ensemble.Greedy
}

func (unlabeledGreedy) Classes() []float64 { return nil }

func unlabeledFactory(task estimator.Task, scorer *estimator.Scorer, members []estimator.Estimator, size int) EnsembleSelector {
	return unlabeledGreedy{ensemble.NewGreedy(task, scorer, members, size)}
}

func greedyFactory(task estimator.Task, scorer *estimator.Scorer, members []estimator.Estimator, size int) EnsembleSelector {
	return ensemble.NewGreedy(task, scorer, members, size)
}

func defaultDeps(engine search.Engine) Collaborators {
	return Collaborators{
		NewCleaner:   func() DataCleaner { return cleaner.New() },
		Search:       engine,
		Drift:        drift.New(0, 0),
		Collinearity: collinearity.New(0.9),
		Importance:   importance.NewPermutation(1),
		NewEnsemble:  greedyFactory,
		Sink:         monitoring.NewMemorySink(),
	}
}

// binaryTables builds a separable binary problem. signal carries the label,
// noise cycles independently of it, twin is 2*signal and shift is
// offset by 100 in the test table.
func binaryTables(t *testing.T, nTrain, nTest int) (train *dataset.Table, y []float64, test *dataset.Table) {
	t.Helper()
	cols := []string{"signal", "noise", "twin", "shift"}
	build := func(n int, shift float64) ([][]float64, []float64) {
		rows := make([][]float64, n)
		labels := make([]float64, n)
		for i := 0; i < n; i++ {
			label := float64(i % 2)
			signal := (2*label - 1) * (1 + float64(i%5)*0.1)
			rows[i] = []float64{signal, float64(i % 7), 2 * signal, float64(i%11) + shift}
			labels[i] = label
		}
		return rows, labels
	}
	trRows, y := build(nTrain, 0)
	teRows, _ := build(nTest, 100)
	train, err := dataset.NewTable(cols, trRows)
	require.NoError(t, err)
	test, err = dataset.NewTable(cols, teRows)
	require.NoError(t, err)
	return train, y, test
}

func baseOptions() Options {
	o := DefaultOptions()
	o.DriftDetection = false
	o.TwoStageImportanceSelection = false
	o.EnsembleSize = 1
	return o
}
