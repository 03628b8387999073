// Package experiment is the staged experiment controller. Train cleans and
// splits the data, prunes features, drives the search engine once or twice,
// optionally pseudo-labels the test set, and assembles the final pipeline of
// fitted cleaner plus estimator or ensemble.
//
// Stages share one signature, func(ctx, State) (State, error), and run in a
// fixed order chosen from the options. After every stage the controller
// checks that all present splits still carry exactly the selected features
// and that labels stay aligned with rows.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/hyperstage/internal/monitoring"
)

var logf = monitoring.Prefixed("experiment")

// Stage names, as used in errors, diagnostics and metrics.
const (
	StageCleanSplit     = "clean and split data"
	StageCollinearity   = "drop features with multicollinearity"
	StageDrift          = "detect drifting"
	StageBaseSearch     = "first stage search"
	StagePseudoLabel    = "pseudo labeling"
	StageImportance     = "evaluate feature importance"
	StageTwoStageSearch = "two stage search"
	StageEnsemble       = "ensemble"
	StageLoadEstimator  = "load estimator"
	StageCompose        = "compose pipeline"
)

var (
	// ErrAlreadyRunning is returned by Train while another Train call on the
	// same Experiment is in progress.
	ErrAlreadyRunning = errors.New("experiment is already running")
	// ErrNoEvalSet is returned when a stage needs the eval split and there
	// is no fallback.
	ErrNoEvalSet = errors.New("no eval set")
)

// StageError identifies the stage that aborted an experiment.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type stage struct {
	name string
	run  func(context.Context, State) (State, error)
}

// Experiment runs the staged workflow. One Experiment may be trained many
// times, but not concurrently.
type Experiment struct {
	opts Options
	deps Collaborators

	running sync.Mutex
}

// New validates opts and deps.
func New(opts Options, deps Collaborators) (*Experiment, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Experiment{opts: opts, deps: deps}, nil
}

// Options returns the experiment's options.
func (e *Experiment) Options() Options { return e.opts }

func (e *Experiment) stages() []stage {
	list := []stage{
		{StageCleanSplit, e.cleanAndSplit},
		{StageCollinearity, e.dropCollinear},
		{StageDrift, e.detectDrift},
		{StageBaseSearch, e.baseSearch},
	}
	if e.opts.TwoStage() {
		list = append(list,
			stage{StagePseudoLabel, e.pseudoLabel},
			stage{StageImportance, e.selectByImportance},
			stage{StageTwoStageSearch, e.twoStageSearch},
		)
	}
	if e.opts.EnsembleSize > 1 {
		list = append(list, stage{StageEnsemble, e.ensemble})
	} else {
		list = append(list, stage{StageLoadEstimator, e.loadEstimator})
	}
	return list
}

// Train runs every stage and returns the fitted pipeline. Any stage failure
// aborts the run with a *StageError; no partial pipeline is returned.
func (e *Experiment) Train(ctx context.Context, in Input) (*Pipeline, error) {
	if !e.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer e.running.Unlock()

	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	task, err := ResolveTask(e.opts, in.TrainY)
	if err != nil {
		return nil, err
	}
	scorer, err := ResolveScorer(e.opts, task)
	if err != nil {
		return nil, err
	}

	st := State{
		Splits: SplitState{
			TrainX: in.TrainX,
			TrainY: in.TrainY,
			EvalX:  in.EvalX,
			EvalY:  in.EvalY,
			TestX:  in.TestX,
		},
		Task:   task,
		Scorer: scorer,
	}
	logf("training %s task, mode %s, scorer %s", task, e.opts.Mode, scorer.Name)

	for _, s := range e.stages() {
		if st, err = e.runStage(ctx, s, st); err != nil {
			return nil, err
		}
	}
	return e.compose(st)
}

func (e *Experiment) runStage(ctx context.Context, s stage, st State) (State, error) {
	start := time.Now()
	next, err := s.run(ctx, st)
	if err == nil {
		if cerr := next.Splits.Check(next.SelectedFeatures); cerr != nil {
			err = fmt.Errorf("split invariant violated: %w", cerr)
		}
	}
	elapsed := time.Since(start)
	e.deps.Metrics.ObserveStage(s.name, elapsed, err)
	if err != nil {
		logf("stage %q failed after %v: %v", s.name, elapsed.Round(time.Millisecond), err)
		return State{}, &StageError{Stage: s.name, Err: err}
	}
	e.deps.Metrics.SetSelectedFeatures(len(next.SelectedFeatures))
	logf("stage %q done in %v, %d features", s.name, elapsed.Round(time.Millisecond), len(next.SelectedFeatures))
	return next, nil
}

// skip logs and counts a stage that had nothing to do.
func (e *Experiment) skip(stage, reason string) {
	logf("stage %q skipped: %s", stage, reason)
	e.deps.Metrics.ObserveSkip(stage)
}

func (e *Experiment) emit(stage, key string, value interface{}) {
	monitoring.Emit(e.deps.Sink, stage, key, value)
}

// compose hands the overall feature drop list to the cleaner and builds the
// pipeline.
func (e *Experiment) compose(st State) (*Pipeline, error) {
	if st.Cleaner == nil || st.Estimator == nil {
		return nil, &StageError{Stage: StageCompose, Err: errors.New("missing cleaner or estimator")}
	}
	dropped := difference(st.OriginalFeatures, st.SelectedFeatures)
	st.Cleaner.AppendDropColumns(dropped)
	e.emit(StageCompose, "dropped_features", dropped)
	e.emit(StageCompose, "selected_features", st.SelectedFeatures)
	return &Pipeline{
		Cleaner:   st.Cleaner,
		Estimator: st.Estimator,
		Features:  append([]string(nil), st.SelectedFeatures...),
		Task:      st.Task,
		Summary:   summaryOf(st),
	}, nil
}
