// Package estimator defines what the experiment needs from a fitted model,
// the scorers used to rank and ensemble them, and two small gonum-backed
// model families (ridge and multinomial logistic regression) used by the
// grid search engine.
package estimator

import (
	"fmt"
	"math"

	"github.com/banshee-data/hyperstage/internal/dataset"
)

// Task is the learning task of an experiment.
type Task string

const (
	TaskBinary     Task = "binary"
	TaskMulticlass Task = "multiclass"
	TaskRegression Task = "regression"
)

// maxClassLabels bounds how many distinct integer labels InferTask still
// treats as classes.
const maxClassLabels = 20

// IsClassification reports whether t is binary or multiclass.
func (t Task) IsClassification() bool {
	return t == TaskBinary || t == TaskMulticlass
}

// ParseTask validates a task name.
func ParseTask(s string) (Task, error) {
	switch Task(s) {
	case TaskBinary, TaskMulticlass, TaskRegression:
		return Task(s), nil
	}
	return "", fmt.Errorf("unknown task %q", s)
}

// InferTask guesses the task from the labels: two distinct values is binary,
// a small set of integer values is multiclass, anything else regression.
func InferTask(y []float64) (Task, error) {
	classes := dataset.UniqueLabels(y)
	switch {
	case len(classes) < 2:
		return "", fmt.Errorf("need at least two distinct labels, got %d", len(classes))
	case len(classes) == 2:
		return TaskBinary, nil
	}
	for _, c := range classes {
		if c != math.Trunc(c) {
			return TaskRegression, nil
		}
	}
	if len(classes) <= maxClassLabels {
		return TaskMulticlass, nil
	}
	return TaskRegression, nil
}

// DefaultScorerName returns the scorer used when none is configured.
func DefaultScorerName(t Task) string {
	if t == TaskRegression {
		return ScorerNegMSE
	}
	return ScorerNegLogLoss
}
