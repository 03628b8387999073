package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical experiment defaults file.
// The Get* accessors below must agree with it.
const DefaultConfigPath = "config/experiment.defaults.json"

// Experiment modes.
const (
	ModeOneStage = "one-stage"
	ModeTwoStage = "two-stage"
)

// StrategyAdversarialValidation selects the drift-aware holdout splitter.
const StrategyAdversarialValidation = "adversarial_validation"

// ExperimentConfig is the root configuration of one experiment. Every field
// is optional; unset fields fall back to the defaults returned by the Get*
// methods, so partial files are safe.
type ExperimentConfig struct {
	Mode                   *string  `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=one-stage two-stage"`
	Task                   *string  `json:"task,omitempty" yaml:"task,omitempty" validate:"omitempty,oneof=binary multiclass regression"`
	EvalSize               *float64 `json:"eval_size,omitempty" yaml:"eval_size,omitempty" validate:"omitempty,gt=0,lt=1"`
	TrainTestSplitStrategy *string  `json:"train_test_split_strategy,omitempty" yaml:"train_test_split_strategy,omitempty" validate:"omitempty,oneof=adversarial_validation"`
	CV                     *bool    `json:"cv,omitempty" yaml:"cv,omitempty"`
	NumFolds               *int     `json:"num_folds,omitempty" yaml:"num_folds,omitempty" validate:"omitempty,gte=2,lte=20"`
	RandomState            *uint64  `json:"random_state,omitempty" yaml:"random_state,omitempty"`
	Scorer                 *string  `json:"scorer,omitempty" yaml:"scorer,omitempty"`

	// Feature pruning
	DropFeatureWithCollinearity *bool    `json:"drop_feature_with_collinearity,omitempty" yaml:"drop_feature_with_collinearity,omitempty"`
	CollinearityThreshold       *float64 `json:"collinearity_threshold,omitempty" yaml:"collinearity_threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
	DriftDetection              *bool    `json:"drift_detection,omitempty" yaml:"drift_detection,omitempty"`
	DriftThreshold              *float64 `json:"drift_threshold,omitempty" yaml:"drift_threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
	DriftMaxRemoveRatio         *float64 `json:"drift_max_remove_ratio,omitempty" yaml:"drift_max_remove_ratio,omitempty" validate:"omitempty,gte=0,lte=1"`

	// Second stage
	TwoStageImportanceSelection  *bool    `json:"two_stage_importance_selection,omitempty" yaml:"two_stage_importance_selection,omitempty"`
	NEstFeatureImportance        *int     `json:"n_est_feature_importance,omitempty" yaml:"n_est_feature_importance,omitempty" validate:"omitempty,gte=1"`
	ImportanceThreshold          *float64 `json:"importance_threshold,omitempty" yaml:"importance_threshold,omitempty"`
	ImportanceNRepeats           *int     `json:"importance_n_repeats,omitempty" yaml:"importance_n_repeats,omitempty" validate:"omitempty,gte=1"`
	PseudoLabeling               *bool    `json:"pseudo_labeling,omitempty" yaml:"pseudo_labeling,omitempty"`
	PseudoLabelingProbaThreshold *float64 `json:"pseudo_labeling_proba_threshold,omitempty" yaml:"pseudo_labeling_proba_threshold,omitempty" validate:"omitempty,gt=0.5,lt=1"`
	PseudoLabelingResplit        *bool    `json:"pseudo_labeling_resplit,omitempty" yaml:"pseudo_labeling_resplit,omitempty"`

	// Final estimator
	EnsembleSize       *int  `json:"ensemble_size,omitempty" yaml:"ensemble_size,omitempty"`
	RetrainOnWholeData *bool `json:"retrain_on_whole_data,omitempty" yaml:"retrain_on_whole_data,omitempty"`

	Search *SearchConfig `json:"search,omitempty" yaml:"search,omitempty"`
}

// SearchConfig configures the built-in grid search engine.
type SearchConfig struct {
	// L2Grid is a "min:max:step" range of L2 penalties.
	L2Grid        *string   `json:"l2_grid,omitempty" yaml:"l2_grid,omitempty"`
	LearningRates []float64 `json:"learning_rates,omitempty" yaml:"learning_rates,omitempty" validate:"omitempty,dive,gt=0"`
	MaxIter       *int      `json:"max_iter,omitempty" yaml:"max_iter,omitempty" validate:"omitempty,gte=1,lte=100000"`
	MaxParallel   *int      `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" validate:"omitempty,gte=1,lte=256"`
}

var configValidate = validator.New()

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyExperimentConfig returns a config with every field unset.
func EmptyExperimentConfig() *ExperimentConfig {
	return &ExperimentConfig{}
}

// DefaultExperimentConfig returns a config with every field set to its
// default, matching DefaultConfigPath.
func DefaultExperimentConfig() *ExperimentConfig {
	return &ExperimentConfig{
		Mode:                         ptrString(ModeOneStage),
		EvalSize:                     ptrFloat64(0.3),
		CV:                           ptrBool(false),
		NumFolds:                     ptrInt(3),
		RandomState:                  ptrUint64(9527),
		DropFeatureWithCollinearity:  ptrBool(false),
		CollinearityThreshold:        ptrFloat64(0.9),
		DriftDetection:               ptrBool(true),
		DriftThreshold:               ptrFloat64(0.6),
		DriftMaxRemoveRatio:          ptrFloat64(0.5),
		TwoStageImportanceSelection:  ptrBool(true),
		NEstFeatureImportance:        ptrInt(10),
		ImportanceThreshold:          ptrFloat64(1e-5),
		ImportanceNRepeats:           ptrInt(5),
		PseudoLabeling:               ptrBool(false),
		PseudoLabelingProbaThreshold: ptrFloat64(0.8),
		PseudoLabelingResplit:        ptrBool(false),
		EnsembleSize:                 ptrInt(7),
		RetrainOnWholeData:           ptrBool(false),
		Search: &SearchConfig{
			L2Grid:        ptrString("0.001:1:0.25"),
			LearningRates: []float64{0.05, 0.2},
			MaxIter:       ptrInt(300),
			MaxParallel:   ptrInt(4),
		},
	}
}

// LoadExperimentConfig loads a config from a .json, .yaml or .yml file and
// validates it. Fields omitted from the file keep their defaults.
func LoadExperimentConfig(path string) (*ExperimentConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyExperimentConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *ExperimentConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadExperimentConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks field ranges and enumerations. Cross-field rules that
// depend on the input data are checked by the experiment itself.
func (c *ExperimentConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return err
	}
	if c.Search != nil && c.Search.L2Grid != nil && *c.Search.L2Grid != "" {
		if err := validateRange(*c.Search.L2Grid); err != nil {
			return fmt.Errorf("invalid search.l2_grid %q: %w", *c.Search.L2Grid, err)
		}
	}
	if c.GetRetrainOnWholeData() && c.GetEnsembleSize() > 1 {
		return fmt.Errorf("retrain_on_whole_data requires ensemble_size <= 1, got %d", c.GetEnsembleSize())
	}
	return nil
}

// validateRange accepts "min:max:step" or a comma-separated value list.
func validateRange(s string) error {
	if !strings.Contains(s, ":") {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			if _, err := strconv.ParseFloat(p, 64); err != nil {
				return fmt.Errorf("invalid number %q", p)
			}
		}
		return nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return fmt.Errorf("expected min:max:step")
	}
	var vals [3]float64
	for i, p := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &vals[i]); err != nil {
			return fmt.Errorf("invalid number %q", p)
		}
	}
	if vals[2] <= 0 {
		return fmt.Errorf("step must be positive")
	}
	if vals[0] > vals[1] {
		return fmt.Errorf("min must not exceed max")
	}
	return nil
}
