package experiment

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/hyperstage/internal/collinearity"
	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/drift"
	"github.com/banshee-data/hyperstage/internal/estimator"
	"github.com/banshee-data/hyperstage/internal/importance"
)

// Summary is what a run learned about the data, kept alongside the pipeline.
type Summary struct {
	OriginalFeatures   []string             `json:"original_features"`
	SelectedFeatures   []string             `json:"selected_features"`
	UnselectedFeatures []string             `json:"unselected_features,omitempty"`
	Collinearity       *collinearity.Result `json:"collinearity,omitempty"`
	Drift              *drift.Selection     `json:"drift,omitempty"`
	Importance         *importance.Result   `json:"importance,omitempty"`
	PseudoLabel        *PseudoLabelStats    `json:"pseudo_label,omitempty"`
	BestReward         float64              `json:"best_reward"`
}

func summaryOf(st State) Summary {
	s := Summary{
		OriginalFeatures:   st.OriginalFeatures,
		SelectedFeatures:   st.SelectedFeatures,
		UnselectedFeatures: st.UnselectedFeatures,
		Collinearity:       st.Collinearity,
		Drift:              st.Drift,
		Importance:         st.Importance,
		PseudoLabel:        st.PseudoLabel,
		BestReward:         math.NaN(),
	}
	if st.Session != nil {
		if best, err := st.Session.BestTrial(); err == nil {
			s.BestReward = best.Reward
		}
	}
	return s
}

// Pipeline is the deployable result of an experiment: the fitted cleaner
// followed by the final estimator. It accepts raw tables with the original
// training columns.
type Pipeline struct {
	Cleaner   DataCleaner
	Estimator estimator.Estimator
	// Features are the columns the estimator consumes.
	Features []string
	Task     estimator.Task
	Summary  Summary
}

func (p *Pipeline) clean(x *dataset.Table) (*dataset.Table, error) {
	cx, err := p.Cleaner.Transform(x)
	if err != nil {
		return nil, fmt.Errorf("clean: %w", err)
	}
	return cx.Select(p.Features)
}

// Predict cleans x and predicts it.
func (p *Pipeline) Predict(x *dataset.Table) ([]float64, error) {
	cx, err := p.clean(x)
	if err != nil {
		return nil, err
	}
	return p.Estimator.Predict(cx)
}

// PredictProba cleans x and returns class probabilities.
func (p *Pipeline) PredictProba(x *dataset.Table) (*mat.Dense, error) {
	pe, ok := p.Estimator.(estimator.ProbaEstimator)
	if !ok || len(pe.Classes()) == 0 {
		return nil, errors.New("pipeline estimator does not predict probabilities")
	}
	cx, err := p.clean(x)
	if err != nil {
		return nil, err
	}
	return pe.PredictProba(cx)
}

// Classes returns the class labels of PredictProba columns, or nil.
func (p *Pipeline) Classes() []float64 {
	if pe, ok := p.Estimator.(estimator.ProbaEstimator); ok {
		return pe.Classes()
	}
	return nil
}
