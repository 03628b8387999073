package config

// GetMode returns the mode value or the default.
func (c *ExperimentConfig) GetMode() string {
	if c.Mode == nil || *c.Mode == "" {
		return ModeOneStage
	}
	return *c.Mode
}

// GetTask returns the configured task, or "" to infer it from the labels.
func (c *ExperimentConfig) GetTask() string {
	if c.Task == nil {
		return ""
	}
	return *c.Task
}

// GetEvalSize returns the eval_size value or the default.
func (c *ExperimentConfig) GetEvalSize() float64 {
	if c.EvalSize == nil {
		return 0.3
	}
	return *c.EvalSize
}

// GetTrainTestSplitStrategy returns the split strategy, "" for random.
func (c *ExperimentConfig) GetTrainTestSplitStrategy() string {
	if c.TrainTestSplitStrategy == nil {
		return ""
	}
	return *c.TrainTestSplitStrategy
}

// GetCV returns the cv value or the default.
func (c *ExperimentConfig) GetCV() bool {
	if c.CV == nil {
		return false
	}
	return *c.CV
}

// GetNumFolds returns the num_folds value or the default.
func (c *ExperimentConfig) GetNumFolds() int {
	if c.NumFolds == nil {
		return 3
	}
	return *c.NumFolds
}

// GetRandomState returns the random_state value or the default.
func (c *ExperimentConfig) GetRandomState() uint64 {
	if c.RandomState == nil {
		return 9527
	}
	return *c.RandomState
}

// GetScorer returns the configured scorer name, "" for the task default.
func (c *ExperimentConfig) GetScorer() string {
	if c.Scorer == nil {
		return ""
	}
	return *c.Scorer
}

// GetDropFeatureWithCollinearity returns the drop_feature_with_collinearity value or the default.
func (c *ExperimentConfig) GetDropFeatureWithCollinearity() bool {
	if c.DropFeatureWithCollinearity == nil {
		return false
	}
	return *c.DropFeatureWithCollinearity
}

// GetCollinearityThreshold returns the collinearity_threshold value or the default.
func (c *ExperimentConfig) GetCollinearityThreshold() float64 {
	if c.CollinearityThreshold == nil {
		return 0.9
	}
	return *c.CollinearityThreshold
}

// GetDriftDetection returns the drift_detection value or the default.
func (c *ExperimentConfig) GetDriftDetection() bool {
	if c.DriftDetection == nil {
		return true
	}
	return *c.DriftDetection
}

// GetDriftThreshold returns the drift_threshold value or the default.
func (c *ExperimentConfig) GetDriftThreshold() float64 {
	if c.DriftThreshold == nil {
		return 0.6
	}
	return *c.DriftThreshold
}

// GetDriftMaxRemoveRatio returns the drift_max_remove_ratio value or the default.
func (c *ExperimentConfig) GetDriftMaxRemoveRatio() float64 {
	if c.DriftMaxRemoveRatio == nil {
		return 0.5
	}
	return *c.DriftMaxRemoveRatio
}

// GetTwoStageImportanceSelection returns the two_stage_importance_selection value or the default.
func (c *ExperimentConfig) GetTwoStageImportanceSelection() bool {
	if c.TwoStageImportanceSelection == nil {
		return true
	}
	return *c.TwoStageImportanceSelection
}

// GetNEstFeatureImportance returns the n_est_feature_importance value or the default.
func (c *ExperimentConfig) GetNEstFeatureImportance() int {
	if c.NEstFeatureImportance == nil {
		return 10
	}
	return *c.NEstFeatureImportance
}

// GetImportanceThreshold returns the importance_threshold value or the default.
func (c *ExperimentConfig) GetImportanceThreshold() float64 {
	if c.ImportanceThreshold == nil {
		return 1e-5
	}
	return *c.ImportanceThreshold
}

// GetImportanceNRepeats returns the importance_n_repeats value or the default.
func (c *ExperimentConfig) GetImportanceNRepeats() int {
	if c.ImportanceNRepeats == nil {
		return 5
	}
	return *c.ImportanceNRepeats
}

// GetPseudoLabeling returns the pseudo_labeling value or the default.
func (c *ExperimentConfig) GetPseudoLabeling() bool {
	if c.PseudoLabeling == nil {
		return false
	}
	return *c.PseudoLabeling
}

// GetPseudoLabelingProbaThreshold returns the pseudo_labeling_proba_threshold value or the default.
func (c *ExperimentConfig) GetPseudoLabelingProbaThreshold() float64 {
	if c.PseudoLabelingProbaThreshold == nil {
		return 0.8
	}
	return *c.PseudoLabelingProbaThreshold
}

// GetPseudoLabelingResplit returns the pseudo_labeling_resplit value or the default.
func (c *ExperimentConfig) GetPseudoLabelingResplit() bool {
	if c.PseudoLabelingResplit == nil {
		return false
	}
	return *c.PseudoLabelingResplit
}

// GetEnsembleSize returns the ensemble_size value or the default.
func (c *ExperimentConfig) GetEnsembleSize() int {
	if c.EnsembleSize == nil {
		return 7
	}
	return *c.EnsembleSize
}

// GetRetrainOnWholeData returns the retrain_on_whole_data value or the default.
func (c *ExperimentConfig) GetRetrainOnWholeData() bool {
	if c.RetrainOnWholeData == nil {
		return false
	}
	return *c.RetrainOnWholeData
}

// GetSearchL2Grid returns the search.l2_grid range or the default.
func (c *ExperimentConfig) GetSearchL2Grid() string {
	if c.Search == nil || c.Search.L2Grid == nil || *c.Search.L2Grid == "" {
		return "0.001:1:0.25"
	}
	return *c.Search.L2Grid
}

// GetSearchLearningRates returns the search.learning_rates list or the default.
func (c *ExperimentConfig) GetSearchLearningRates() []float64 {
	if c.Search == nil || len(c.Search.LearningRates) == 0 {
		return []float64{0.05, 0.2}
	}
	return c.Search.LearningRates
}

// GetSearchMaxIter returns the search.max_iter value or the default.
func (c *ExperimentConfig) GetSearchMaxIter() int {
	if c.Search == nil || c.Search.MaxIter == nil {
		return 300
	}
	return *c.Search.MaxIter
}

// GetSearchMaxParallel returns the search.max_parallel value or the default.
func (c *ExperimentConfig) GetSearchMaxParallel() int {
	if c.Search == nil || c.Search.MaxParallel == nil {
		return 4
	}
	return *c.Search.MaxParallel
}
