package estimator

import (
	"fmt"
	"sort"
	"sync"
)

// Built-in scorer names.
const (
	ScorerNegLogLoss = "neg_log_loss"
	ScorerAccuracy   = "accuracy"
	ScorerROCAUC     = "roc_auc"
	ScorerNegMSE     = "neg_mean_squared_error"
	ScorerR2         = "r2"
)

// Scorer describes a registered metric. Every scorer is greater-is-better.
type Scorer struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// NeedsProba marks scorers that read Prediction.Proba.
	NeedsProba bool   `json:"needs_proba"`
	Tasks      []Task `json:"tasks"`
	// Score computes the metric of p against the true labels y.
	Score func(y []float64, p Prediction) (float64, error) `json:"-"`
}

// Supports reports whether the scorer applies to task t.
func (s *Scorer) Supports(t Task) bool {
	for _, st := range s.Tasks {
		if st == t {
			return true
		}
	}
	return false
}

// ScorerRegistry holds registered scorers.
type ScorerRegistry struct {
	mu      sync.RWMutex
	scorers map[string]*Scorer
}

// NewScorerRegistry creates an empty registry.
func NewScorerRegistry() *ScorerRegistry {
	return &ScorerRegistry{scorers: make(map[string]*Scorer)}
}

// Register adds s, replacing any scorer with the same name.
func (r *ScorerRegistry) Register(s *Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[s.Name] = s
}

// Get retrieves a scorer by name.
func (r *ScorerRegistry) Get(name string) (*Scorer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[name]
	return s, ok
}

// List returns the registered scorer names, sorted.
func (r *ScorerRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scorers))
	for name := range r.scorers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultScorerRegistry returns a registry pre-loaded with the built-in scorers.
func DefaultScorerRegistry() *ScorerRegistry {
	reg := NewScorerRegistry()
	classification := []Task{TaskBinary, TaskMulticlass}
	reg.Register(&Scorer{
		Name:        ScorerNegLogLoss,
		Description: "Negated mean cross-entropy of the true class probability.",
		NeedsProba:  true,
		Tasks:       classification,
		Score:       negLogLoss,
	})
	reg.Register(&Scorer{
		Name:        ScorerAccuracy,
		Description: "Fraction of rows whose predicted class matches the label.",
		Tasks:       classification,
		Score:       accuracy,
	})
	reg.Register(&Scorer{
		Name:        ScorerROCAUC,
		Description: "Area under the ROC curve of the positive class probability.",
		NeedsProba:  true,
		Tasks:       []Task{TaskBinary},
		Score:       rocAUC,
	})
	reg.Register(&Scorer{
		Name:        ScorerNegMSE,
		Description: "Negated mean squared error.",
		Tasks:       []Task{TaskRegression},
		Score:       negMSE,
	})
	reg.Register(&Scorer{
		Name:        ScorerR2,
		Description: "Coefficient of determination.",
		Tasks:       []Task{TaskRegression},
		Score:       r2,
	})
	return reg
}

var defaultScorers = DefaultScorerRegistry()

// LookupScorer resolves name in the default registry and checks it applies to t.
func LookupScorer(name string, t Task) (*Scorer, error) {
	s, ok := defaultScorers.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown scorer %q (available: %v)", name, defaultScorers.List())
	}
	if !s.Supports(t) {
		return nil, fmt.Errorf("scorer %q does not support %s tasks", name, t)
	}
	return s, nil
}
