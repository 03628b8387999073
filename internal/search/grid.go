package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/estimator"
	"github.com/banshee-data/hyperstage/internal/monitoring"
	"github.com/banshee-data/hyperstage/internal/split"
)

var logf = monitoring.Prefixed("search")

// GridConfig configures a GridEngine.
type GridConfig struct {
	Task   estimator.Task
	Scorer *estimator.Scorer
	// L2 penalties to try. Required.
	L2 []float64
	// LearningRates only apply to classification; regression uses the
	// closed-form ridge solution.
	LearningRates []float64
	MaxIter       int
	MaxParallel   int
	// Seed drives the cross-validation folds.
	Seed uint64
}

// GridEngine evaluates the full cartesian product of its parameter grid.
type GridEngine struct {
	cfg        GridConfig
	candidates []Params
}

// NewGridEngine validates cfg and expands the grid.
func NewGridEngine(cfg GridConfig) (*GridEngine, error) {
	if cfg.Scorer == nil {
		return nil, errors.New("grid engine: no scorer")
	}
	if !cfg.Scorer.Supports(cfg.Task) {
		return nil, fmt.Errorf("grid engine: scorer %q does not support %s", cfg.Scorer.Name, cfg.Task)
	}
	if len(cfg.L2) == 0 {
		return nil, errors.New("grid engine: empty l2 grid")
	}
	if cfg.MaxIter < 1 {
		cfg.MaxIter = 300
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	var candidates []Params
	if cfg.Task.IsClassification() {
		if len(cfg.LearningRates) == 0 {
			return nil, errors.New("grid engine: classification needs learning rates")
		}
		for _, l2 := range cfg.L2 {
			for _, lr := range cfg.LearningRates {
				candidates = append(candidates, Params{L2: l2, LearningRate: lr, MaxIter: cfg.MaxIter})
			}
		}
	} else {
		for _, l2 := range cfg.L2 {
			candidates = append(candidates, Params{L2: l2})
		}
	}
	return &GridEngine{cfg: cfg, candidates: candidates}, nil
}

// Candidates returns the expanded grid in evaluation order.
func (e *GridEngine) Candidates() []Params {
	return append([]Params(nil), e.candidates...)
}

// NewSession returns an empty session.
func (e *GridEngine) NewSession() Session {
	return &GridSession{engine: e, models: make(map[string]estimator.Model)}
}

// GridSession is one sweep of a GridEngine.
type GridSession struct {
	engine *GridEngine

	mu     sync.RWMutex
	trials []Trial
	models map[string]estimator.Model
}

func (s *GridSession) newModel(p Params) estimator.Model {
	if s.engine.cfg.Task.IsClassification() {
		return estimator.NewLogistic(p.L2, p.LearningRate, p.MaxIter)
	}
	return estimator.NewRidge(p.L2)
}

// Search evaluates every candidate, at most MaxParallel at a time. The first
// failing candidate cancels the rest and its error is returned.
func (s *GridSession) Search(ctx context.Context, req Request) error {
	n := req.TrainX.NumRows()
	if n != len(req.TrainY) {
		return fmt.Errorf("search: %d train rows for %d labels", n, len(req.TrainY))
	}
	if !req.CV && req.EvalX == nil {
		return ErrNoEvalSet
	}

	var folds [][]int
	if req.CV {
		var err error
		folds, err = split.KFold(n, req.TrainY, req.NumFolds, s.engine.cfg.Seed, s.engine.cfg.Task.IsClassification())
		if err != nil {
			return fmt.Errorf("search: folds: %w", err)
		}
	}

	start := time.Now()
	candidates := s.engine.candidates
	trials := make([]Trial, len(candidates))
	models := make([]estimator.Model, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.engine.cfg.MaxParallel)
	for i, p := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			trial, model, err := s.evaluate(p, req, folds)
			if err != nil {
				return fmt.Errorf("search: candidate %d %+v: %w", i+1, p, err)
			}
			trial.ID = i + 1
			trials[i] = trial
			models[i] = model
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	RankTrials(trials)
	s.mu.Lock()
	s.trials = trials
	for _, t := range trials {
		s.models[t.ModelRef] = models[t.ID-1]
	}
	s.mu.Unlock()

	logf("evaluated %d candidates (cv=%v) in %v, best reward %.6f",
		len(trials), req.CV, time.Since(start).Round(time.Millisecond), trials[0].Reward)
	return nil
}

// evaluate scores one candidate and returns the model fitted on the full
// train split.
func (s *GridSession) evaluate(p Params, req Request, folds [][]int) (Trial, estimator.Model, error) {
	trial := Trial{ModelRef: uuid.New().String(), Params: p}
	scorer := s.engine.cfg.Scorer

	if req.CV {
		oof, pred, err := s.outOfFold(p, req, folds)
		if err != nil {
			return Trial{}, nil, err
		}
		reward, err := scorer.Score(req.TrainY, pred)
		if err != nil {
			return Trial{}, nil, err
		}
		trial.Reward = reward
		trial.OOF = oof
	}

	model := s.newModel(p)
	if err := model.Fit(req.TrainX, req.TrainY); err != nil {
		return Trial{}, nil, err
	}
	if !req.CV {
		reward, err := estimator.Score(scorer, model, req.EvalX, req.EvalY)
		if err != nil {
			return Trial{}, nil, err
		}
		trial.Reward = reward
	}
	return trial, model, nil
}

// outOfFold fits one model per fold and predicts the held-out rows. For
// classification the columns follow the classes of the whole train split so
// a fold that misses a class still lines up.
func (s *GridSession) outOfFold(p Params, req Request, folds [][]int) (*mat.Dense, estimator.Prediction, error) {
	n := len(req.TrainY)
	task := s.engine.cfg.Task
	var classes []float64
	width := 1
	if task.IsClassification() {
		classes = dataset.UniqueLabels(req.TrainY)
		width = len(classes)
	}
	col := make(map[float64]int, len(classes))
	for j, c := range classes {
		col[c] = j
	}

	oof := mat.NewDense(n, width, nil)
	for _, fold := range folds {
		fitIdx := split.Complement(n, fold)
		model := s.newModel(p)
		if err := model.Fit(req.TrainX.Rows(fitIdx), dataset.TakeLabels(req.TrainY, fitIdx)); err != nil {
			return nil, estimator.Prediction{}, err
		}
		held := req.TrainX.Rows(fold)
		if !task.IsClassification() {
			v, err := model.Predict(held)
			if err != nil {
				return nil, estimator.Prediction{}, err
			}
			for k, i := range fold {
				oof.Set(i, 0, v[k])
			}
			continue
		}
		pe := model.(estimator.ProbaEstimator)
		proba, err := pe.PredictProba(held)
		if err != nil {
			return nil, estimator.Prediction{}, err
		}
		for j, c := range pe.Classes() {
			dst := col[c]
			for k, i := range fold {
				oof.Set(i, dst, proba.At(k, j))
			}
		}
	}

	if task.IsClassification() {
		return oof, estimator.FromProba(oof, classes), nil
	}
	v := make([]float64, n)
	mat.Col(v, 0, oof)
	return oof, estimator.Prediction{Values: v}, nil
}

// BestTrial returns the highest-reward trial.
func (s *GridSession) BestTrial() (Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.trials) == 0 {
		return Trial{}, ErrNoTrials
	}
	return s.trials[0], nil
}

// TopTrials returns the k best trials.
func (s *GridSession) TopTrials(k int) []Trial {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k = min(k, len(s.trials))
	if k <= 0 {
		return nil
	}
	return append([]Trial(nil), s.trials[:k]...)
}

// LoadEstimator returns the model fitted on the full train split for ref.
func (s *GridSession) LoadEstimator(ctx context.Context, ref string) (estimator.Estimator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, ref)
	}
	return m, nil
}

// FinalTrain fits trial's parameters on x, y.
func (s *GridSession) FinalTrain(ctx context.Context, trial Trial, x *dataset.Table, y []float64) (estimator.Estimator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model := s.newModel(trial.Params)
	if err := model.Fit(x, y); err != nil {
		return nil, fmt.Errorf("final train of trial %d: %w", trial.ID, err)
	}
	return model, nil
}
