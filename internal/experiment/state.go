package experiment

import (
	"errors"
	"fmt"

	"github.com/banshee-data/hyperstage/internal/collinearity"
	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/drift"
	"github.com/banshee-data/hyperstage/internal/estimator"
	"github.com/banshee-data/hyperstage/internal/importance"
	"github.com/banshee-data/hyperstage/internal/search"
)

// PseudoLabelSet holds confidently classified test rows with their assigned
// labels. The first Positive rows are positives, the remaining Negative rows
// negatives.
type PseudoLabelSet struct {
	X        *dataset.Table
	Y        []float64
	Positive int
	Negative int
}

// SplitState is the data every stage reads and rewrites. Eval, test and
// pseudo splits are optional.
type SplitState struct {
	TrainX *dataset.Table
	TrainY []float64
	EvalX  *dataset.Table
	EvalY  []float64
	TestX  *dataset.Table
	Pseudo *PseudoLabelSet
}

// Restrict returns a copy of s in which every present split holds exactly
// columns, in that order.
func (s SplitState) Restrict(columns []string) (SplitState, error) {
	out := s
	var err error
	if out.TrainX, err = selectOpt(s.TrainX, columns); err != nil {
		return SplitState{}, fmt.Errorf("train: %w", err)
	}
	if out.EvalX, err = selectOpt(s.EvalX, columns); err != nil {
		return SplitState{}, fmt.Errorf("eval: %w", err)
	}
	if out.TestX, err = selectOpt(s.TestX, columns); err != nil {
		return SplitState{}, fmt.Errorf("test: %w", err)
	}
	if s.Pseudo != nil {
		px, err := selectOpt(s.Pseudo.X, columns)
		if err != nil {
			return SplitState{}, fmt.Errorf("pseudo: %w", err)
		}
		p := *s.Pseudo
		p.X = px
		out.Pseudo = &p
	}
	return out, nil
}

func selectOpt(t *dataset.Table, columns []string) (*dataset.Table, error) {
	if t == nil {
		return nil, nil
	}
	return t.Select(columns)
}

// Check verifies that every present split has exactly the selected columns
// and as many labels as rows.
func (s SplitState) Check(selected []string) error {
	if s.TrainX == nil {
		return errors.New("train split is missing")
	}
	if err := checkSplit("train", s.TrainX, selected); err != nil {
		return err
	}
	if s.TrainX.NumRows() != len(s.TrainY) {
		return fmt.Errorf("train has %d rows but %d labels", s.TrainX.NumRows(), len(s.TrainY))
	}
	if s.EvalX != nil {
		if err := checkSplit("eval", s.EvalX, selected); err != nil {
			return err
		}
		if s.EvalX.NumRows() != len(s.EvalY) {
			return fmt.Errorf("eval has %d rows but %d labels", s.EvalX.NumRows(), len(s.EvalY))
		}
	} else if s.EvalY != nil {
		return errors.New("eval labels without eval features")
	}
	if s.TestX != nil {
		if err := checkSplit("test", s.TestX, selected); err != nil {
			return err
		}
	}
	if p := s.Pseudo; p != nil {
		if err := checkSplit("pseudo", p.X, selected); err != nil {
			return err
		}
		if p.X.NumRows() != len(p.Y) || p.Positive+p.Negative != len(p.Y) {
			return fmt.Errorf("pseudo has %d rows, %d labels, %d+%d positive/negative",
				p.X.NumRows(), len(p.Y), p.Positive, p.Negative)
		}
	}
	return nil
}

func checkSplit(name string, t *dataset.Table, selected []string) error {
	cols := t.Columns()
	if len(cols) != len(selected) {
		return fmt.Errorf("%s has %d columns, selected features has %d", name, len(cols), len(selected))
	}
	for i := range cols {
		if cols[i] != selected[i] {
			return fmt.Errorf("%s column %d is %q, want %q", name, i, cols[i], selected[i])
		}
	}
	return nil
}

// PseudoLabelStats summarizes a pseudo-labeling pass.
type PseudoLabelStats struct {
	Threshold float64 `json:"threshold"`
	Positive  int     `json:"positive"`
	Negative  int     `json:"negative"`
}

// State is threaded through the stages. Each stage returns a new State and
// leaves its input untouched.
type State struct {
	Splits SplitState
	Task   estimator.Task
	Scorer *estimator.Scorer

	OriginalFeatures   []string
	SelectedFeatures   []string
	UnselectedFeatures []string

	Cleaner   DataCleaner
	Session   search.Session
	Estimator estimator.Estimator

	Collinearity *collinearity.Result
	Drift        *drift.Selection
	Importance   *importance.Result
	PseudoLabel  *PseudoLabelStats
}

// narrow restricts st to the selected features that appear in keep. The
// result is always a subset of the current selection in its original order.
func (st State) narrow(keep []string) (State, error) {
	in := make(map[string]bool, len(keep))
	for _, c := range keep {
		in[c] = true
	}
	selected := make([]string, 0, len(st.SelectedFeatures))
	for _, c := range st.SelectedFeatures {
		if in[c] {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return State{}, errors.New("no features left")
	}
	splits, err := st.Splits.Restrict(selected)
	if err != nil {
		return State{}, err
	}
	st.Splits = splits
	st.SelectedFeatures = selected
	return st, nil
}

// difference returns the entries of a not in b, in a's order.
func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, c := range b {
		in[c] = true
	}
	var out []string
	for _, c := range a {
		if !in[c] {
			out = append(out, c)
		}
	}
	return out
}
