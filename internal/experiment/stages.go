package experiment

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/hyperstage/internal/config"
	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/estimator"
	"github.com/banshee-data/hyperstage/internal/importance"
	"github.com/banshee-data/hyperstage/internal/search"
	"github.com/banshee-data/hyperstage/internal/split"
)

func (e *Experiment) cleanAndSplit(ctx context.Context, st State) (State, error) {
	sp := st.Splits
	if e.opts.CV && sp.EvalX != nil {
		evalX, err := sp.EvalX.Select(sp.TrainX.Columns())
		if err != nil {
			return State{}, err
		}
		merged, err := dataset.Concat(sp.TrainX, evalX)
		if err != nil {
			return State{}, err
		}
		logf("cross-validation enabled: merging %d eval rows into train", evalX.NumRows())
		sp.TrainX, sp.TrainY = merged, dataset.ConcatLabels(sp.TrainY, sp.EvalY)
		sp.EvalX, sp.EvalY = nil, nil
	}

	cleaner := e.deps.NewCleaner()
	trainX, trainY, err := cleaner.FitTransform(sp.TrainX, sp.TrainY)
	if err != nil {
		return State{}, fmt.Errorf("fit cleaner: %w", err)
	}
	var testX, evalX *dataset.Table
	var evalY []float64
	if sp.TestX != nil {
		if testX, err = cleaner.Transform(sp.TestX); err != nil {
			return State{}, fmt.Errorf("clean test: %w", err)
		}
	}
	if sp.EvalX != nil {
		if evalX, evalY, err = cleaner.TransformLabeled(sp.EvalX, sp.EvalY); err != nil {
			return State{}, fmt.Errorf("clean eval: %w", err)
		}
	}

	if evalX == nil && !e.opts.CV {
		if trainX, evalX, trainY, evalY, err = e.holdout(st.Task, trainX, trainY, testX); err != nil {
			return State{}, fmt.Errorf("eval split: %w", err)
		}
	}

	st.Splits = SplitState{TrainX: trainX, TrainY: trainY, EvalX: evalX, EvalY: evalY, TestX: testX}
	st.Cleaner = cleaner
	st.OriginalFeatures = trainX.Columns()
	st.SelectedFeatures = trainX.Columns()

	e.emit(StageCleanSplit, "train_shape", trainX.Shape())
	e.emit(StageCleanSplit, "eval_shape", evalX.Shape())
	e.emit(StageCleanSplit, "test_shape", testX.Shape())
	return st, nil
}

// holdout carves the eval split out of train, test-like when adversarial
// validation is configured and possible, stratified-random otherwise.
func (e *Experiment) holdout(task estimator.Task, x *dataset.Table, y []float64, test *dataset.Table) (trainX, evalX *dataset.Table, trainY, evalY []float64, err error) {
	if e.opts.TrainTestSplitStrategy == config.StrategyAdversarialValidation {
		if test != nil && e.deps.Drift != nil {
			if err := e.deps.Drift.Fit(x, test); err != nil {
				return nil, nil, nil, nil, err
			}
			logf("splitting eval set by adversarial validation")
			return e.deps.Drift.TrainTestSplit(x, y, e.opts.EvalSize)
		}
		logf("adversarial validation needs a test set and drift detector, using a random split")
	}
	trIdx, evIdx, err := split.TrainTestSplit(x.NumRows(), y, e.opts.EvalSize, e.opts.RandomState, task.IsClassification())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return x.Rows(trIdx), x.Rows(evIdx), dataset.TakeLabels(y, trIdx), dataset.TakeLabels(y, evIdx), nil
}

func (e *Experiment) dropCollinear(ctx context.Context, st State) (State, error) {
	if !e.opts.DropFeatureWithCollinearity {
		e.skip(StageCollinearity, "disabled")
		return st, nil
	}
	if e.deps.Collinearity == nil {
		e.skip(StageCollinearity, "no collinearity selector")
		return st, nil
	}
	res, err := e.deps.Collinearity.Select(st.Splits.TrainX)
	if err != nil {
		return State{}, err
	}
	next, err := st.narrow(res.Remained)
	if err != nil {
		return State{}, err
	}
	next.Collinearity = &res
	e.emit(StageCollinearity, "linkage", res.Linkage)
	e.emit(StageCollinearity, "remained", res.Remained)
	e.emit(StageCollinearity, "dropped", res.Dropped)
	return next, nil
}

func (e *Experiment) detectDrift(ctx context.Context, st State) (State, error) {
	switch {
	case !e.opts.DriftDetection:
		e.skip(StageDrift, "disabled")
		return st, nil
	case st.Splits.TestX == nil:
		e.skip(StageDrift, "no test set")
		return st, nil
	case e.deps.Drift == nil:
		e.skip(StageDrift, "no drift detector")
		return st, nil
	}
	sel, err := e.deps.Drift.FeatureSelection(st.Splits.TrainX, st.Splits.TestX)
	if err != nil {
		return State{}, err
	}
	next, err := st.narrow(sel.Kept)
	if err != nil {
		return State{}, err
	}
	next.Drift = &sel
	e.emit(StageDrift, "no_drift_features", next.SelectedFeatures)
	e.emit(StageDrift, "history", sel.History)
	e.emit(StageDrift, "scores", sel.Scores)
	e.report("drift scores", func(r Reporter) error { return r.DriftScores(sel.Scores) }, func() {
		logf("drift scores: %v", sel.Scores)
	})
	return next, nil
}

// runSearch runs a fresh session over the current splits and makes it the
// active one.
func (e *Experiment) runSearch(ctx context.Context, stage string, st State) (State, error) {
	sp := st.Splits
	session := e.deps.Search.NewSession()
	err := session.Search(ctx, search.Request{
		TrainX:   sp.TrainX,
		TrainY:   sp.TrainY,
		EvalX:    sp.EvalX,
		EvalY:    sp.EvalY,
		CV:       e.opts.CV,
		NumFolds: e.opts.NumFolds,
	})
	if err != nil {
		return State{}, err
	}
	best, err := session.BestTrial()
	if err != nil {
		return State{}, err
	}
	st.Session = session
	e.emit(stage, "best_reward", best.Reward)
	e.emit(stage, "best_params", best.Params)
	return st, nil
}

func (e *Experiment) baseSearch(ctx context.Context, st State) (State, error) {
	return e.runSearch(ctx, StageBaseSearch, st)
}

func (e *Experiment) pseudoLabel(ctx context.Context, st State) (State, error) {
	switch {
	case !e.opts.PseudoLabeling:
		e.skip(StagePseudoLabel, "disabled")
		return st, nil
	case st.Splits.TestX == nil:
		e.skip(StagePseudoLabel, "no test set")
		return st, nil
	case st.Task == estimator.TaskRegression:
		e.skip(StagePseudoLabel, "regression task")
		return st, nil
	case st.Task == estimator.TaskMulticlass:
		e.skip(StagePseudoLabel, "multiclass tasks select no pseudo labels")
		return st, nil
	}

	ens, _, err := e.fitEnsemble(ctx, StagePseudoLabel, st, e.opts.pseudoEnsembleSize())
	if errors.Is(err, ErrNoEvalSet) {
		e.skip(StagePseudoLabel, "no out-of-fold predictions and no eval set")
		return st, nil
	}
	if err != nil {
		return State{}, err
	}
	proba, err := ens.PredictProba(st.Splits.TestX)
	if err != nil {
		return State{}, fmt.Errorf("score test set: %w", err)
	}
	positive, err := estimator.PositiveProba(proba)
	if err != nil {
		return State{}, err
	}
	classes := ens.Classes()
	if len(classes) != 2 {
		classes = []float64{0, 1}
	}
	threshold := e.opts.PseudoLabelingProbaThreshold
	pos, neg := SelectPseudoLabels(positive, threshold)

	stats := &PseudoLabelStats{Threshold: threshold, Positive: len(pos), Negative: len(neg)}
	next := st
	next.PseudoLabel = stats
	if len(pos)+len(neg) > 0 {
		rows := append(append([]int(nil), pos...), neg...)
		y := make([]float64, 0, len(rows))
		for range pos {
			y = append(y, classes[1])
		}
		for range neg {
			y = append(y, classes[0])
		}
		next.Splits.Pseudo = &PseudoLabelSet{
			X:        st.Splits.TestX.Rows(rows),
			Y:        y,
			Positive: len(pos),
			Negative: len(neg),
		}
	}

	e.emit(StagePseudoLabel, "pseudo_shape", next.Splits.Pseudo.shape())
	e.emit(StagePseudoLabel, "positive", stats.Positive)
	e.emit(StagePseudoLabel, "negative", stats.Negative)
	e.emit(StagePseudoLabel, "threshold", threshold)
	e.report("pseudo label probabilities", func(r Reporter) error { return r.PseudoLabelProba(positive, threshold) }, func() {
		logf("pseudo label probabilities: %s", summarize(positive))
	})
	return next, nil
}

func (p *PseudoLabelSet) shape() [2]int {
	if p == nil {
		return [2]int{0, 0}
	}
	return p.X.Shape()
}

func (e *Experiment) selectByImportance(ctx context.Context, st State) (State, error) {
	if !e.opts.TwoStageImportanceSelection {
		e.skip(StageImportance, "disabled")
		return st, nil
	}
	if e.deps.Importance == nil {
		e.skip(StageImportance, "no importance evaluator")
		return st, nil
	}

	x, y, source := st.Splits.EvalX, st.Splits.EvalY, "eval"
	if x == nil {
		if !e.opts.CV {
			return State{}, ErrNoEvalSet
		}
		x, y, source = st.Splits.TrainX, st.Splits.TrainY, "train"
	}
	ests, _, err := e.loadTop(ctx, st.Session, e.opts.NEstFeatureImportance)
	if err != nil {
		return State{}, err
	}
	res, err := e.deps.Importance.Compute(ctx, ests, x, y, st.Scorer, e.opts.ImportanceNRepeats)
	if err != nil {
		return State{}, err
	}

	unselected := res.Below(e.opts.ImportanceThreshold)
	if len(unselected) >= len(st.SelectedFeatures) {
		keep := mostImportant(res)
		logf("every feature is below importance threshold %g, keeping %q", e.opts.ImportanceThreshold, keep)
		unselected = difference(unselected, []string{keep})
	}
	next, err := st.narrow(difference(st.SelectedFeatures, unselected))
	if err != nil {
		return State{}, err
	}
	next.UnselectedFeatures = unselected
	next.Importance = &res

	means := make(map[string]float64, len(res.Columns))
	for j, c := range res.Columns {
		means[c] = res.Mean[j]
	}
	e.emit(StageImportance, "importance_source", source)
	e.emit(StageImportance, "importances", means)
	e.emit(StageImportance, "selected", next.SelectedFeatures)
	e.emit(StageImportance, "unselected", unselected)
	e.report("feature importances", func(r Reporter) error { return r.Importances(res) }, func() {
		logf("feature importances: %v", means)
	})
	return next, nil
}

func mostImportant(res importance.Result) string {
	best := 0
	for j := range res.Mean {
		if res.Mean[j] > res.Mean[best] {
			best = j
		}
	}
	return res.Columns[best]
}

func (e *Experiment) twoStageSearch(ctx context.Context, st State) (State, error) {
	if len(st.UnselectedFeatures) == 0 && st.Splits.Pseudo == nil {
		e.skip(StageTwoStageSearch, "no feature was dropped and no pseudo label was produced")
		e.emit(StageTwoStageSearch, "skipped", "no feature was dropped and no pseudo label was produced")
		return st, nil
	}

	sp := st.Splits
	if p := sp.Pseudo; p != nil {
		if e.opts.PseudoLabelingResplit {
			allX, err := dataset.Concat(sp.TrainX, p.X, sp.EvalX)
			if err != nil {
				return State{}, err
			}
			allY := dataset.ConcatLabels(sp.TrainY, p.Y, sp.EvalY)
			trIdx, evIdx, err := split.TrainTestSplit(allX.NumRows(), allY, e.opts.EvalSize, e.opts.RandomState, st.Task.IsClassification())
			if err != nil {
				return State{}, err
			}
			sp.TrainX, sp.TrainY = allX.Rows(trIdx), dataset.TakeLabels(allY, trIdx)
			sp.EvalX, sp.EvalY = allX.Rows(evIdx), dataset.TakeLabels(allY, evIdx)
		} else {
			merged, err := dataset.Concat(sp.TrainX, p.X)
			if err != nil {
				return State{}, err
			}
			sp.TrainX, sp.TrainY = merged, dataset.ConcatLabels(sp.TrainY, p.Y)
		}
		sp.Pseudo = nil
		e.emit(StageTwoStageSearch, "train_shape", sp.TrainX.Shape())
		e.emit(StageTwoStageSearch, "eval_shape", sp.EvalX.Shape())
	}
	st.Splits = sp
	return e.runSearch(ctx, StageTwoStageSearch, st)
}

func (e *Experiment) ensemble(ctx context.Context, st State) (State, error) {
	ens, members, err := e.fitEnsemble(ctx, StageEnsemble, st, e.opts.EnsembleSize)
	if err != nil {
		return State{}, err
	}
	ids := make([]int, len(members))
	for i, t := range members {
		ids[i] = t.ID
	}
	e.emit(StageEnsemble, "members", ids)
	if w, ok := ens.(interface{ Weights() []float64 }); ok {
		e.emit(StageEnsemble, "weights", w.Weights())
	}
	st.Estimator = ens
	return st, nil
}

func (e *Experiment) loadEstimator(ctx context.Context, st State) (State, error) {
	best, err := st.Session.BestTrial()
	if err != nil {
		return State{}, err
	}
	var est estimator.Estimator
	if e.opts.RetrainOnWholeData {
		x, err := dataset.Concat(st.Splits.TrainX, st.Splits.EvalX)
		if err != nil {
			return State{}, err
		}
		y := dataset.ConcatLabels(st.Splits.TrainY, st.Splits.EvalY)
		if est, err = st.Session.FinalTrain(ctx, best, x, y); err != nil {
			return State{}, err
		}
		logf("retrained trial %d on %d rows", best.ID, x.NumRows())
	} else if est, err = st.Session.LoadEstimator(ctx, best.ModelRef); err != nil {
		return State{}, err
	}
	e.emit(StageLoadEstimator, "trial", best.ID)
	e.emit(StageLoadEstimator, "retrained", e.opts.RetrainOnWholeData)
	st.Estimator = est
	return st, nil
}

// loadTop materializes the estimators of the k best trials.
func (e *Experiment) loadTop(ctx context.Context, session search.Session, k int) ([]estimator.Estimator, []search.Trial, error) {
	if session == nil {
		return nil, nil, errors.New("no search session")
	}
	trials := session.TopTrials(k)
	if len(trials) == 0 {
		return nil, nil, search.ErrNoTrials
	}
	ests := make([]estimator.Estimator, len(trials))
	for i, t := range trials {
		est, err := session.LoadEstimator(ctx, t.ModelRef)
		if err != nil {
			return nil, nil, fmt.Errorf("load trial %d: %w", t.ID, err)
		}
		ests[i] = est
	}
	return ests, trials, nil
}

// fitEnsemble builds a greedy ensemble over the k best trials of the active
// session. Under cross-validation the members are the trials that recorded
// out-of-fold predictions and the eval split is not needed; otherwise the
// members are fitted against the eval split.
func (e *Experiment) fitEnsemble(ctx context.Context, stage string, st State, k int) (EnsembleSelector, []search.Trial, error) {
	ests, trials, err := e.loadTop(ctx, st.Session, k)
	if err != nil {
		return nil, nil, err
	}

	var oofEsts []estimator.Estimator
	var oofTrials []search.Trial
	var oofs []*mat.Dense
	if e.opts.CV {
		for i, t := range trials {
			if t.OOF == nil {
				continue
			}
			if r, _ := t.OOF.Dims(); r != len(st.Splits.TrainY) {
				return nil, nil, fmt.Errorf("trial %d has %d oof rows for %d train rows", t.ID, r, len(st.Splits.TrainY))
			}
			oofEsts = append(oofEsts, ests[i])
			oofTrials = append(oofTrials, t)
			oofs = append(oofs, t.OOF)
		}
	}

	if len(oofs) > 0 {
		ens := e.deps.NewEnsemble(st.Task, st.Scorer, oofEsts, k)
		if err := ens.Fit(nil, st.Splits.TrainY, oofs); err != nil {
			return nil, nil, err
		}
		e.emit(stage, "ensemble_source", "oof")
		return ens, oofTrials, nil
	}

	if st.Splits.EvalX == nil {
		return nil, nil, fmt.Errorf("ensemble without out-of-fold predictions: %w", ErrNoEvalSet)
	}
	ens := e.deps.NewEnsemble(st.Task, st.Scorer, ests, k)
	if err := ens.Fit(st.Splits.EvalX, st.Splits.EvalY, nil); err != nil {
		return nil, nil, err
	}
	e.emit(stage, "ensemble_source", "eval")
	return ens, trials, nil
}
