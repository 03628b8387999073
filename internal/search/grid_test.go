package search

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/estimator"
)

func binaryData(t *testing.T, n int) (*dataset.Table, []float64) {
	t.Helper()
	rows := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		label := float64(i % 2)
		offset := float64(i%5) * 0.1
		rows[i] = []float64{(2*label - 1) * (1 + offset), offset}
		y[i] = label
	}
	x, err := dataset.NewTable([]string{"signal", "offset"}, rows)
	require.NoError(t, err)
	return x, y
}

func binaryEngine(t *testing.T) *GridEngine {
	t.Helper()
	scorer, err := estimator.LookupScorer(estimator.ScorerNegLogLoss, estimator.TaskBinary)
	require.NoError(t, err)
	e, err := NewGridEngine(GridConfig{
		Task:          estimator.TaskBinary,
		Scorer:        scorer,
		L2:            []float64{0.001, 10},
		LearningRates: []float64{0.05, 0.5},
		MaxIter:       100,
		MaxParallel:   2,
		Seed:          9527,
	})
	require.NoError(t, err)
	return e
}

func TestNewGridEngine(t *testing.T) {
	e := binaryEngine(t)
	assert.Len(t, e.Candidates(), 4)
	assert.Equal(t, Params{L2: 0.001, LearningRate: 0.05, MaxIter: 100}, e.Candidates()[0])

	mse, _ := estimator.LookupScorer(estimator.ScorerNegMSE, estimator.TaskRegression)
	_, err := NewGridEngine(GridConfig{Task: estimator.TaskBinary, Scorer: mse, L2: []float64{1}, LearningRates: []float64{1}})
	assert.Error(t, err, "scorer must support the task")

	_, err = NewGridEngine(GridConfig{Task: estimator.TaskRegression, Scorer: mse})
	assert.Error(t, err, "empty grid")

	reg, err := NewGridEngine(GridConfig{Task: estimator.TaskRegression, Scorer: mse, L2: []float64{0.1, 1}, LearningRates: []float64{1, 2}})
	require.NoError(t, err)
	assert.Len(t, reg.Candidates(), 2, "learning rates do not multiply the ridge grid")
}

func TestGridSession_Holdout(t *testing.T) {
	x, y := binaryData(t, 40)
	ex, ey := binaryData(t, 10)
	s := binaryEngine(t).NewSession()
	ctx := context.Background()

	_, err := s.BestTrial()
	assert.ErrorIs(t, err, ErrNoTrials)

	require.NoError(t, s.Search(ctx, Request{TrainX: x, TrainY: y, EvalX: ex, EvalY: ey}))

	top := s.TopTrials(10)
	require.Len(t, top, 4)
	for i := 1; i < len(top); i++ {
		assert.GreaterOrEqual(t, top[i-1].Reward, top[i].Reward)
	}
	for _, tr := range top {
		assert.Nil(t, tr.OOF, "no oof without cv")
		assert.NotEmpty(t, tr.ModelRef)
	}
	best, err := s.BestTrial()
	require.NoError(t, err)
	assert.Equal(t, top[0], best)
	assert.Len(t, s.TopTrials(2), 2)

	est, err := s.LoadEstimator(ctx, best.ModelRef)
	require.NoError(t, err)
	pred, err := est.Predict(ex)
	require.NoError(t, err)
	assert.Equal(t, ey, pred)

	_, err = s.LoadEstimator(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownModel)

	refit, err := s.FinalTrain(ctx, best, x, y)
	require.NoError(t, err)
	_, err = refit.Predict(ex)
	require.NoError(t, err)
}

func TestGridSession_CrossValidation(t *testing.T) {
	x, y := binaryData(t, 30)
	s := binaryEngine(t).NewSession()
	require.NoError(t, s.Search(context.Background(), Request{TrainX: x, TrainY: y, CV: true, NumFolds: 3}))

	for _, tr := range s.TopTrials(4) {
		require.NotNil(t, tr.OOF)
		r, c := tr.OOF.Dims()
		assert.Equal(t, 30, r)
		assert.Equal(t, 2, c)
		for i := 0; i < r; i++ {
			assert.InDelta(t, 1.0, tr.OOF.At(i, 0)+tr.OOF.At(i, 1), 1e-9, "row %d", i)
		}
		assert.False(t, math.IsNaN(tr.Reward))
	}
}

func TestGridSession_Regression(t *testing.T) {
	rows := make([][]float64, 24)
	y := make([]float64, 24)
	for i := range rows {
		a := float64(i)
		rows[i] = []float64{a, float64(i % 4)}
		y[i] = 2*a + 1
	}
	x, _ := dataset.NewTable([]string{"a", "b"}, rows)
	mse, _ := estimator.LookupScorer(estimator.ScorerNegMSE, estimator.TaskRegression)
	e, err := NewGridEngine(GridConfig{Task: estimator.TaskRegression, Scorer: mse, L2: []float64{100, 0.0001}})
	require.NoError(t, err)

	s := e.NewSession()
	require.NoError(t, s.Search(context.Background(), Request{TrainX: x, TrainY: y, CV: true, NumFolds: 4}))
	best, err := s.BestTrial()
	require.NoError(t, err)
	assert.Equal(t, 0.0001, best.Params.L2, "the weakly regularized fit wins on a noiseless line")
	r, c := best.OOF.Dims()
	assert.Equal(t, 24, r)
	assert.Equal(t, 1, c)
}

func TestGridSession_Errors(t *testing.T) {
	x, y := binaryData(t, 10)
	s := binaryEngine(t).NewSession()
	assert.ErrorIs(t, s.Search(context.Background(), Request{TrainX: x, TrainY: y}), ErrNoEvalSet)
	assert.Error(t, s.Search(context.Background(), Request{TrainX: x, TrainY: y[:3], CV: true, NumFolds: 3}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Search(ctx, Request{TrainX: x, TrainY: y, CV: true, NumFolds: 2})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestRankTrials(t *testing.T) {
	trials := []Trial{
		{ID: 1, Reward: 0.5},
		{ID: 2, Reward: math.NaN()},
		{ID: 3, Reward: 0.9},
		{ID: 4, Reward: 0.5},
	}
	RankTrials(trials)
	var ids []int
	for _, tr := range trials {
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []int{3, 1, 4, 2}, ids)
}
