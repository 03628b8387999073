package experiment

import (
	"errors"
	"fmt"

	"github.com/banshee-data/hyperstage/internal/config"
	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/estimator"
)

// Options are the resolved experiment settings. Build them with
// OptionsFromConfig; the zero value is not useful.
type Options struct {
	Mode string
	// Task is inferred from the training labels when empty.
	Task                   estimator.Task
	EvalSize               float64
	TrainTestSplitStrategy string
	CV                     bool
	NumFolds               int
	RandomState            uint64
	// Scorer defaults to the task's default scorer when empty.
	Scorer string

	DropFeatureWithCollinearity bool
	DriftDetection              bool

	TwoStageImportanceSelection bool
	NEstFeatureImportance       int
	ImportanceThreshold         float64
	ImportanceNRepeats          int

	PseudoLabeling               bool
	PseudoLabelingProbaThreshold float64
	PseudoLabelingResplit        bool

	EnsembleSize       int
	RetrainOnWholeData bool
}

// DefaultOptions returns the options of the canonical default configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultExperimentConfig())
}

// OptionsFromConfig resolves every setting of c, falling back to defaults.
func OptionsFromConfig(c *config.ExperimentConfig) Options {
	return Options{
		Mode:                         c.GetMode(),
		Task:                         estimator.Task(c.GetTask()),
		EvalSize:                     c.GetEvalSize(),
		TrainTestSplitStrategy:       c.GetTrainTestSplitStrategy(),
		CV:                           c.GetCV(),
		NumFolds:                     c.GetNumFolds(),
		RandomState:                  c.GetRandomState(),
		Scorer:                       c.GetScorer(),
		DropFeatureWithCollinearity:  c.GetDropFeatureWithCollinearity(),
		DriftDetection:               c.GetDriftDetection(),
		TwoStageImportanceSelection:  c.GetTwoStageImportanceSelection(),
		NEstFeatureImportance:        c.GetNEstFeatureImportance(),
		ImportanceThreshold:          c.GetImportanceThreshold(),
		ImportanceNRepeats:           c.GetImportanceNRepeats(),
		PseudoLabeling:               c.GetPseudoLabeling(),
		PseudoLabelingProbaThreshold: c.GetPseudoLabelingProbaThreshold(),
		PseudoLabelingResplit:        c.GetPseudoLabelingResplit(),
		EnsembleSize:                 c.GetEnsembleSize(),
		RetrainOnWholeData:           c.GetRetrainOnWholeData(),
	}
}

// TwoStage reports whether the refinement stages run.
func (o Options) TwoStage() bool { return o.Mode == config.ModeTwoStage }

// Validate rejects settings no stage could honour.
func (o Options) Validate() error {
	switch o.Mode {
	case config.ModeOneStage, config.ModeTwoStage:
	default:
		return fmt.Errorf("unknown mode %q", o.Mode)
	}
	if o.Task != "" {
		if _, err := estimator.ParseTask(string(o.Task)); err != nil {
			return err
		}
	}
	switch o.TrainTestSplitStrategy {
	case "", config.StrategyAdversarialValidation:
	default:
		return fmt.Errorf("unknown train_test_split_strategy %q", o.TrainTestSplitStrategy)
	}
	if !(o.EvalSize > 0 && o.EvalSize < 1) {
		return fmt.Errorf("eval_size must be in (0, 1), got %v", o.EvalSize)
	}
	if o.CV && o.NumFolds < 2 {
		return fmt.Errorf("num_folds must be at least 2 with cross-validation, got %d", o.NumFolds)
	}
	if !(o.PseudoLabelingProbaThreshold > 0.5 && o.PseudoLabelingProbaThreshold < 1) {
		return fmt.Errorf("pseudo_labeling_proba_threshold must be in (0.5, 1), got %v", o.PseudoLabelingProbaThreshold)
	}
	if o.NEstFeatureImportance < 1 {
		return fmt.Errorf("n_est_feature_importance must be positive, got %d", o.NEstFeatureImportance)
	}
	if o.ImportanceNRepeats < 1 {
		return fmt.Errorf("importance_n_repeats must be positive, got %d", o.ImportanceNRepeats)
	}
	if o.RetrainOnWholeData && o.EnsembleSize > 1 {
		return fmt.Errorf("retrain_on_whole_data requires ensemble_size <= 1, got %d", o.EnsembleSize)
	}
	return nil
}

// pseudoEnsembleSize is the number of top trials behind the pseudo-labeling
// ensemble.
func (o Options) pseudoEnsembleSize() int {
	if o.EnsembleSize <= 0 {
		return 10
	}
	return o.EnsembleSize
}

// ResolveTask returns the configured task, or infers one from y.
func ResolveTask(o Options, y []float64) (estimator.Task, error) {
	if o.Task != "" {
		return estimator.ParseTask(string(o.Task))
	}
	return estimator.InferTask(y)
}

// ResolveScorer returns the configured scorer, or the task default.
func ResolveScorer(o Options, task estimator.Task) (*estimator.Scorer, error) {
	name := o.Scorer
	if name == "" {
		name = estimator.DefaultScorerName(task)
	}
	return estimator.LookupScorer(name, task)
}

// Input is the data of one Train call. EvalX/EvalY and TestX are optional.
type Input struct {
	TrainX *dataset.Table
	TrainY []float64
	EvalX  *dataset.Table
	EvalY  []float64
	TestX  *dataset.Table
}

// Validate checks row counts and that eval and test carry every training
// column.
func (in Input) Validate() error {
	if in.TrainX == nil || in.TrainX.NumRows() == 0 {
		return errors.New("no training rows")
	}
	if in.TrainX.NumRows() != len(in.TrainY) {
		return fmt.Errorf("train has %d rows but %d labels", in.TrainX.NumRows(), len(in.TrainY))
	}
	if (in.EvalX == nil) != (in.EvalY == nil) {
		return errors.New("eval features and eval labels must be given together")
	}
	if in.EvalX != nil {
		if in.EvalX.NumRows() != len(in.EvalY) {
			return fmt.Errorf("eval has %d rows but %d labels", in.EvalX.NumRows(), len(in.EvalY))
		}
		if err := hasColumns(in.EvalX, in.TrainX.Columns()); err != nil {
			return fmt.Errorf("eval: %w", err)
		}
	}
	if in.TestX != nil {
		if err := hasColumns(in.TestX, in.TrainX.Columns()); err != nil {
			return fmt.Errorf("test: %w", err)
		}
	}
	return nil
}

func hasColumns(t *dataset.Table, cols []string) error {
	for _, c := range cols {
		if !t.HasColumn(c) {
			return fmt.Errorf("%w: missing column %q", dataset.ErrColumnMismatch, c)
		}
	}
	return nil
}
