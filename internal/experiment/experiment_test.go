package experiment

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hyperstage/internal/config"
	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/estimator"
	"github.com/banshee-data/hyperstage/internal/monitoring"
	"github.com/banshee-data/hyperstage/internal/search"
)

func TestSelectPseudoLabels(t *testing.T) {
	tests := []struct {
		name      string
		proba     []float64
		threshold float64
		wantPos   []int
		wantNeg   []int
	}{
		{"mixed", []float64{0.1, 0.5, 0.85, 0.95}, 0.8, []int{2, 3}, []int{0}},
		{"nothing confident", []float64{0.3, 0.5, 0.7}, 0.8, nil, nil},
		{"bounds are strict", []float64{0.8, 0.2}, 0.8, nil, nil},
		{"all negative", []float64{0.01, 0.02}, 0.9, nil, []int{0, 1}},
		{"empty", nil, 0.8, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, neg := SelectPseudoLabels(tt.proba, tt.threshold)
			assert.Equal(t, tt.wantPos, pos)
			assert.Equal(t, tt.wantNeg, neg)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	engine := &fakeEngine{scale: 5}

	_, err := New(baseOptions(), defaultDeps(engine))
	require.NoError(t, err)

	bad := baseOptions()
	bad.Mode = "three-stage"
	_, err = New(bad, defaultDeps(engine))
	assert.Error(t, err)

	deps := defaultDeps(engine)
	deps.Search = nil
	_, err = New(baseOptions(), deps)
	assert.Error(t, err)

	deps = defaultDeps(engine)
	deps.NewEnsemble = nil
	_, err = New(baseOptions(), deps)
	assert.Error(t, err)
}

func TestTrain_OneStageBinaryEndToEnd(t *testing.T) {
	train, y, _ := binaryTables(t, 60, 1)
	test, testY, _ := binaryTables(t, 20, 1)
	scorer, err := estimator.LookupScorer(estimator.ScorerNegLogLoss, estimator.TaskBinary)
	require.NoError(t, err)
	engine, err := search.NewGridEngine(search.GridConfig{
		Task:          estimator.TaskBinary,
		Scorer:        scorer,
		L2:            []float64{0.01, 1},
		LearningRates: []float64{0.1, 0.5},
		MaxIter:       200,
		MaxParallel:   2,
		Seed:          9527,
	})
	require.NoError(t, err)

	deps := defaultDeps(engine)
	sink := deps.Sink.(*monitoring.MemorySink)
	e, err := New(baseOptions(), deps)
	require.NoError(t, err)

	p, err := e.Train(context.Background(), Input{TrainX: train, TrainY: y, TestX: test})
	require.NoError(t, err)

	assert.Equal(t, train.Columns(), p.Features)
	assert.Equal(t, estimator.TaskBinary, p.Task)
	assert.Equal(t, []float64{0, 1}, p.Classes())
	assert.False(t, math.IsNaN(p.Summary.BestReward))

	pred, err := p.Predict(test)
	require.NoError(t, err)
	require.Len(t, pred, test.NumRows())
	correct := 0
	for i, v := range pred {
		if v == testY[i] {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, 18)

	proba, err := p.PredictProba(test)
	require.NoError(t, err)
	r, c := proba.Dims()
	assert.Equal(t, [2]int{test.NumRows(), 2}, [2]int{r, c})

	shape, ok := sink.Lookup(StageCleanSplit, "eval_shape")
	require.True(t, ok)
	assert.Equal(t, [2]int{18, 4}, shape)
	_, ok = sink.Lookup(StageLoadEstimator, "trial")
	assert.True(t, ok)
}

func TestTrain_ColumnConsistencyAndShrinkage(t *testing.T) {
	train, y, test := binaryTables(t, 60, 30)
	engine := &fakeEngine{scale: 5}
	deps := defaultDeps(engine)
	deps.Importance = fixedImportance{"noise": 0}
	rep := &recordingReporter{}
	deps.Reporter = rep
	sink := deps.Sink.(*monitoring.MemorySink)

	opts := baseOptions()
	opts.Mode = config.ModeTwoStage
	opts.DropFeatureWithCollinearity = true
	opts.DriftDetection = true
	opts.TwoStageImportanceSelection = true
	e, err := New(opts, deps)
	require.NoError(t, err)

	p, err := e.Train(context.Background(), Input{TrainX: train, TrainY: y, TestX: test})
	require.NoError(t, err)

	reqs := engine.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"signal", "noise"}, reqs[0].TrainX.Columns())
	assert.Equal(t, []string{"signal"}, reqs[1].TrainX.Columns())
	for _, r := range reqs {
		assert.Equal(t, r.TrainX.Columns(), r.EvalX.Columns())
		assert.Equal(t, r.TrainX.NumRows(), len(r.TrainY))
		assert.Equal(t, r.EvalX.NumRows(), len(r.EvalY))
	}

	assert.Equal(t, []string{"signal"}, p.Features)
	assert.Equal(t, []string{"signal", "noise", "twin", "shift"}, p.Summary.OriginalFeatures)
	assert.Equal(t, []string{"noise"}, p.Summary.UnselectedFeatures)
	require.NotNil(t, p.Summary.Collinearity)
	assert.Equal(t, []string{"twin"}, p.Summary.Collinearity.Dropped)
	require.NotNil(t, p.Summary.Drift)
	assert.Equal(t, "shift", p.Summary.Drift.History[0].Removed)

	kept, ok := sink.Lookup(StageDrift, "no_drift_features")
	require.True(t, ok)
	assert.Equal(t, []string{"signal", "noise"}, kept)
	dropped, ok := sink.Lookup(StageCompose, "dropped_features")
	require.True(t, ok)
	assert.Equal(t, []string{"noise", "twin", "shift"}, dropped)

	assert.Contains(t, rep.drift, "shift")
	require.NotNil(t, rep.importances)

	// The pipeline accepts raw tables with every original column.
	pred, err := p.Predict(test)
	require.NoError(t, err)
	assert.Len(t, pred, test.NumRows())
}

func TestTrain_TwoStageSkipRule(t *testing.T) {
	tests := []struct {
		name         string
		dropFeature  bool
		confident    bool
		wantSearches int
	}{
		{"nothing changed", false, false, 1},
		{"feature dropped", true, false, 2},
		{"pseudo labels", false, true, 2},
		{"both", true, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			train, y, test := binaryTables(t, 40, 20)
			engine := &fakeEngine{scale: 0}
			if tt.confident {
				engine.scale = 10
			}
			deps := defaultDeps(engine)
			deps.Importance = fixedImportance{}
			if tt.dropFeature {
				deps.Importance = fixedImportance{"noise": 0}
			}
			sink := deps.Sink.(*monitoring.MemorySink)

			opts := baseOptions()
			opts.Mode = config.ModeTwoStage
			opts.TwoStageImportanceSelection = true
			opts.PseudoLabeling = true
			e, err := New(opts, deps)
			require.NoError(t, err)

			p, err := e.Train(context.Background(), Input{TrainX: train, TrainY: y, TestX: test})
			require.NoError(t, err)

			reqs := engine.requests()
			require.Len(t, reqs, tt.wantSearches)
			_, skipped := sink.Lookup(StageTwoStageSearch, "skipped")
			assert.Equal(t, tt.wantSearches == 1, skipped)

			require.NotNil(t, p.Summary.PseudoLabel)
			if tt.confident {
				assert.Equal(t, 10, p.Summary.PseudoLabel.Positive)
				assert.Equal(t, 10, p.Summary.PseudoLabel.Negative)
				assert.Equal(t, len(reqs[0].TrainY)+20, len(reqs[1].TrainY))
				assert.Equal(t, reqs[0].EvalY, reqs[1].EvalY, "pseudo rows only extend train")
			} else {
				assert.Zero(t, p.Summary.PseudoLabel.Positive+p.Summary.PseudoLabel.Negative)
			}
		})
	}
}

func TestTrain_PseudoLabelResplit(t *testing.T) {
	train, y, test := binaryTables(t, 40, 20)
	engine := &fakeEngine{scale: 10}
	deps := defaultDeps(engine)
	opts := baseOptions()
	opts.Mode = config.ModeTwoStage
	opts.PseudoLabeling = true
	opts.PseudoLabelingResplit = true
	e, err := New(opts, deps)
	require.NoError(t, err)

	_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y, TestX: test})
	require.NoError(t, err)

	reqs := engine.requests()
	require.Len(t, reqs, 2)
	before := len(reqs[0].TrainY) + len(reqs[0].EvalY)
	after := len(reqs[1].TrainY) + len(reqs[1].EvalY)
	assert.Equal(t, before+20, after)
	assert.Equal(t, 18, len(reqs[1].EvalY), "eval is redrawn at eval_size from the pooled rows")
}

func TestTrain_PseudoLabelResplitUnderCrossValidation(t *testing.T) {
	train, y, test := binaryTables(t, 40, 20)
	engine := &fakeEngine{scale: 10, oof: true}
	opts := baseOptions()
	opts.Mode = config.ModeTwoStage
	opts.CV = true
	opts.PseudoLabeling = true
	opts.PseudoLabelingResplit = true
	e, err := New(opts, defaultDeps(engine))
	require.NoError(t, err)

	_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y, TestX: test})
	require.NoError(t, err)

	reqs := engine.requests()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].EvalX)
	require.NotNil(t, reqs[1].EvalX, "pooled rows are split into a fresh train/eval partition")
	pooled := 40 + 20
	nEval := int(math.Ceil(opts.EvalSize * float64(pooled)))
	assert.Equal(t, nEval, len(reqs[1].EvalY))
	assert.Equal(t, nEval, reqs[1].EvalX.NumRows())
	assert.Equal(t, pooled-nEval, len(reqs[1].TrainY))
	assert.True(t, reqs[1].CV)
}

func TestTrain_PseudoLabelWithoutClassMapping(t *testing.T) {
	train, y, test := binaryTables(t, 40, 20)
	engine := &fakeEngine{scale: 10}
	deps := defaultDeps(engine)
	deps.NewEnsemble = unlabeledFactory
	opts := baseOptions()
	opts.Mode = config.ModeTwoStage
	opts.PseudoLabeling = true
	e, err := New(opts, deps)
	require.NoError(t, err)

	p, err := e.Train(context.Background(), Input{TrainX: train, TrainY: y, TestX: test})
	require.NoError(t, err)
	require.NotNil(t, p.Summary.PseudoLabel)
	assert.Equal(t, 10, p.Summary.PseudoLabel.Positive)
	assert.Equal(t, 10, p.Summary.PseudoLabel.Negative)

	reqs := engine.requests()
	require.Len(t, reqs, 2)
	base := len(reqs[0].TrainY)
	require.Len(t, reqs[1].TrainY, base+20)
	want := append(repeat(1, 10), repeat(0, 10)...)
	if diff := cmp.Diff(want, reqs[1].TrainY[base:]); diff != "" {
		t.Errorf("pseudo labels default to 0/1 (-want +got):\n%s", diff)
	}
}

func TestTrain_PseudoLabelSkippedWithoutEnsembleSource(t *testing.T) {
	train, y, test := binaryTables(t, 40, 20)
	engine := &fakeEngine{scale: 10}
	deps := defaultDeps(engine)
	sink := deps.Sink.(*monitoring.MemorySink)
	opts := baseOptions()
	opts.Mode = config.ModeTwoStage
	opts.CV = true
	opts.PseudoLabeling = true
	e, err := New(opts, deps)
	require.NoError(t, err)

	p, err := e.Train(context.Background(), Input{TrainX: train, TrainY: y, TestX: test})
	require.NoError(t, err)
	assert.Nil(t, p.Summary.PseudoLabel)
	_, ok := sink.Lookup(StagePseudoLabel, "positive")
	assert.False(t, ok)
	assert.Len(t, engine.requests(), 1, "no pseudo labels, so no refinement search")
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTrain_DeterministicSplit(t *testing.T) {
	train, y, _ := binaryTables(t, 50, 1)
	run := func(seed uint64) search.Request {
		engine := &fakeEngine{scale: 5}
		opts := baseOptions()
		opts.RandomState = seed
		e, err := New(opts, defaultDeps(engine))
		require.NoError(t, err)
		_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y})
		require.NoError(t, err)
		reqs := engine.requests()
		require.Len(t, reqs, 1)
		return reqs[0]
	}
	noise := func(x *dataset.Table) []float64 {
		v, err := x.Col("noise")
		require.NoError(t, err)
		return v
	}

	a, b := run(7), run(7)
	if diff := cmp.Diff(noise(a.EvalX), noise(b.EvalX)); diff != "" {
		t.Errorf("eval rows differ between runs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(a.TrainY, b.TrainY); diff != "" {
		t.Errorf("train labels differ between runs (-first +second):\n%s", diff)
	}

	c := run(8)
	assert.NotEqual(t, noise(a.EvalX), noise(c.EvalX))
}

func TestTrain_CrossValidation(t *testing.T) {
	train, y, test := binaryTables(t, 40, 10)
	evalX, evalY, _ := binaryTables(t, 12, 1)

	t.Run("ensemble from out-of-fold predictions", func(t *testing.T) {
		engine := &fakeEngine{scale: 5, oof: true}
		deps := defaultDeps(engine)
		sink := deps.Sink.(*monitoring.MemorySink)
		opts := baseOptions()
		opts.CV = true
		opts.EnsembleSize = 3
		e, err := New(opts, deps)
		require.NoError(t, err)

		p, err := e.Train(context.Background(), Input{TrainX: train, TrainY: y, EvalX: evalX, EvalY: evalY, TestX: test})
		require.NoError(t, err)

		reqs := engine.requests()
		require.Len(t, reqs, 1)
		assert.Nil(t, reqs[0].EvalX)
		assert.Len(t, reqs[0].TrainY, 52, "eval rows are merged into train")

		src, ok := sink.Lookup(StageEnsemble, "ensemble_source")
		require.True(t, ok)
		assert.Equal(t, "oof", src)

		pred, err := p.Predict(test)
		require.NoError(t, err)
		assert.Len(t, pred, test.NumRows())
	})

	t.Run("no out-of-fold predictions and no eval", func(t *testing.T) {
		engine := &fakeEngine{scale: 5}
		opts := baseOptions()
		opts.CV = true
		opts.EnsembleSize = 3
		e, err := New(opts, defaultDeps(engine))
		require.NoError(t, err)

		_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoEvalSet)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageEnsemble, se.Stage)
	})

	t.Run("importance falls back to train", func(t *testing.T) {
		engine := &fakeEngine{scale: 5, oof: true}
		deps := defaultDeps(engine)
		deps.Importance = fixedImportance{"noise": 0}
		sink := deps.Sink.(*monitoring.MemorySink)
		opts := baseOptions()
		opts.CV = true
		opts.Mode = config.ModeTwoStage
		opts.TwoStageImportanceSelection = true
		e, err := New(opts, deps)
		require.NoError(t, err)

		_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y})
		require.NoError(t, err)
		src, ok := sink.Lookup(StageImportance, "importance_source")
		require.True(t, ok)
		assert.Equal(t, "train", src)
	})
}

func TestFitEnsemble_NeedsEvalWithoutCV(t *testing.T) {
	train, y, _ := binaryTables(t, 20, 1)
	engine := &fakeEngine{scale: 5}
	e, err := New(baseOptions(), defaultDeps(engine))
	require.NoError(t, err)
	session := engine.NewSession()
	require.NoError(t, session.Search(context.Background(), search.Request{TrainX: train, TrainY: y, EvalX: train, EvalY: y}))

	st := State{
		Splits:  SplitState{TrainX: train, TrainY: y},
		Task:    estimator.TaskBinary,
		Session: session,
	}
	st.Scorer, err = estimator.LookupScorer(estimator.ScorerNegLogLoss, estimator.TaskBinary)
	require.NoError(t, err)

	_, _, err = e.fitEnsemble(context.Background(), StageEnsemble, st, 3)
	assert.ErrorIs(t, err, ErrNoEvalSet)
}

func TestTrain_ImportanceKeepsOneFeature(t *testing.T) {
	train, y, _ := binaryTables(t, 40, 1)
	engine := &fakeEngine{scale: 5}
	deps := defaultDeps(engine)
	deps.Importance = fixedImportance{"signal": -0.5, "noise": -1, "twin": -1, "shift": -1}
	opts := baseOptions()
	opts.Mode = config.ModeTwoStage
	opts.TwoStageImportanceSelection = true
	e, err := New(opts, deps)
	require.NoError(t, err)

	p, err := e.Train(context.Background(), Input{TrainX: train, TrainY: y})
	require.NoError(t, err)
	assert.Equal(t, []string{"signal"}, p.Features)
	assert.Equal(t, []string{"noise", "twin", "shift"}, p.Summary.UnselectedFeatures)
}

func TestTrain_AdversarialSplit(t *testing.T) {
	train, y, test := binaryTables(t, 60, 20)
	opts := baseOptions()
	opts.TrainTestSplitStrategy = config.StrategyAdversarialValidation

	for _, in := range []Input{
		{TrainX: train, TrainY: y, TestX: test},
		{TrainX: train, TrainY: y},
	} {
		engine := &fakeEngine{scale: 5}
		e, err := New(opts, defaultDeps(engine))
		require.NoError(t, err)
		_, err = e.Train(context.Background(), in)
		require.NoError(t, err)
		reqs := engine.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, 60, len(reqs[0].TrainY)+len(reqs[0].EvalY))
		assert.NotZero(t, len(reqs[0].EvalY))
	}
}

func TestTrain_RetrainOnWholeData(t *testing.T) {
	train, y, _ := binaryTables(t, 30, 1)
	engine := &fakeEngine{scale: 5}
	deps := defaultDeps(engine)
	sink := deps.Sink.(*monitoring.MemorySink)
	opts := baseOptions()
	opts.RetrainOnWholeData = true
	e, err := New(opts, deps)
	require.NoError(t, err)

	_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y})
	require.NoError(t, err)
	v, ok := sink.Lookup(StageLoadEstimator, "retrained")
	require.True(t, ok)
	assert.Equal(t, true, v)

	require.Len(t, engine.sessions, 1)
	session := engine.sessions[0]
	req := session.req
	assert.Equal(t, len(req.TrainY)+len(req.EvalY), session.finalRows, "refit on train and eval together")
	assert.Equal(t, session.finalRows, session.finalLabels)
	assert.Equal(t, 30, session.finalRows)
}

func TestTrain_StageError(t *testing.T) {
	train, y, _ := binaryTables(t, 30, 1)
	boom := errors.New("search backend down")
	e, err := New(baseOptions(), defaultDeps(&fakeEngine{err: boom}))
	require.NoError(t, err)

	p, err := e.Train(context.Background(), Input{TrainX: train, TrainY: y})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, boom)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageBaseSearch, se.Stage)
}

func TestTrain_AlreadyRunning(t *testing.T) {
	train, y, _ := binaryTables(t, 30, 1)
	e, err := New(baseOptions(), defaultDeps(&fakeEngine{scale: 5}))
	require.NoError(t, err)

	e.running.Lock()
	_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	e.running.Unlock()

	_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y})
	assert.NoError(t, err)
}

func TestTrain_InvalidInput(t *testing.T) {
	train, y, _ := binaryTables(t, 30, 1)
	other, err := dataset.NewTable([]string{"signal"}, [][]float64{{1}})
	require.NoError(t, err)
	e, err := New(baseOptions(), defaultDeps(&fakeEngine{scale: 5}))
	require.NoError(t, err)

	tests := []struct {
		name string
		in   Input
	}{
		{"no train", Input{}},
		{"label count", Input{TrainX: train, TrainY: y[:3]}},
		{"eval without labels", Input{TrainX: train, TrainY: y, EvalX: train}},
		{"test missing columns", Input{TrainX: train, TrainY: y, TestX: other}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Train(context.Background(), tt.in)
			assert.Error(t, err)
		})
	}
}

func TestTrain_ReporterFailuresDoNotAbort(t *testing.T) {
	train, y, test := binaryTables(t, 40, 20)
	engine := &fakeEngine{scale: 10}
	deps := defaultDeps(engine)
	deps.Importance = fixedImportance{"noise": 0}
	deps.Reporter = panickingReporter{}
	opts := baseOptions()
	opts.Mode = config.ModeTwoStage
	opts.DriftDetection = true
	opts.TwoStageImportanceSelection = true
	opts.PseudoLabeling = true
	e, err := New(opts, deps)
	require.NoError(t, err)

	_, err = e.Train(context.Background(), Input{TrainX: train, TrainY: y, TestX: test})
	assert.NoError(t, err)
}
