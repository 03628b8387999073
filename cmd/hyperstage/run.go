package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/banshee-data/hyperstage/internal/cleaner"
	"github.com/banshee-data/hyperstage/internal/collinearity"
	"github.com/banshee-data/hyperstage/internal/config"
	"github.com/banshee-data/hyperstage/internal/dataset"
	"github.com/banshee-data/hyperstage/internal/drift"
	"github.com/banshee-data/hyperstage/internal/ensemble"
	"github.com/banshee-data/hyperstage/internal/estimator"
	"github.com/banshee-data/hyperstage/internal/experiment"
	"github.com/banshee-data/hyperstage/internal/fsutil"
	"github.com/banshee-data/hyperstage/internal/importance"
	"github.com/banshee-data/hyperstage/internal/monitoring"
	"github.com/banshee-data/hyperstage/internal/report"
	"github.com/banshee-data/hyperstage/internal/runstore"
	"github.com/banshee-data/hyperstage/internal/search"
	"github.com/banshee-data/hyperstage/internal/security"
	"github.com/banshee-data/hyperstage/internal/timeutil"
	"github.com/banshee-data/hyperstage/internal/version"
)

var logf = monitoring.Prefixed("hyperstage")

// Artifacts written next to the diagnostic charts of a run.
const (
	SummaryFile     = "summary.json"
	PredictionsFile = "predictions.csv"
)

type runFlags struct {
	train, eval, test string
	target            string
	configPath        string
	out               string
	dbPath            string
	metricsFile       string
	verbose           bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Train a pipeline on CSV data",
		Long: `Run an experiment: clean and split the training data, select features,
search the model grid and compose the best pipeline. Charts, the run summary
and test-set predictions are written under <out>/<run id>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd.Context(), cmd.OutOrStdout(), fsutil.OSFileSystem{}, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.train, "train", "", "training CSV with a header row")
	flags.StringVar(&f.target, "target", "", "name of the label column")
	flags.StringVar(&f.eval, "eval", "", "optional labelled evaluation CSV")
	flags.StringVar(&f.test, "test", "", "optional unlabelled test CSV")
	flags.StringVarP(&f.configPath, "config", "c", "", "experiment config (.json, .yaml); defaults apply when empty")
	flags.StringVarP(&f.out, "out", "o", "runs", "directory for run artifacts")
	flags.StringVar(&f.dbPath, "db", "", "SQLite run store; runs are not recorded when empty")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "write prometheus stage metrics to this file")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "log every stage diagnostic")
	_ = cmd.MarkFlagRequired("train")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func loadConfig(path string) (*config.ExperimentConfig, error) {
	if path == "" {
		return config.DefaultExperimentConfig(), nil
	}
	return config.LoadExperimentConfig(path)
}

func loadInput(f runFlags) (experiment.Input, error) {
	var in experiment.Input
	var err error
	if in.TrainX, in.TrainY, err = dataset.ReadCSVFile(f.train, f.target); err != nil {
		return in, fmt.Errorf("train: %w", err)
	}
	if f.eval != "" {
		if in.EvalX, in.EvalY, err = dataset.ReadCSVFile(f.eval, f.target); err != nil {
			return in, fmt.Errorf("eval: %w", err)
		}
	}
	if f.test != "" {
		// The test file may still carry the label column; the cleaner only
		// keeps training columns.
		if in.TestX, _, err = dataset.ReadCSVFile(f.test, ""); err != nil {
			return in, fmt.Errorf("test: %w", err)
		}
	}
	return in, nil
}

func newEngine(cfg *config.ExperimentConfig, task estimator.Task, scorer *estimator.Scorer, seed uint64) (*search.GridEngine, error) {
	l2, err := search.ParseParamList(cfg.GetSearchL2Grid())
	if err != nil {
		return nil, fmt.Errorf("search.l2_grid: %w", err)
	}
	return search.NewGridEngine(search.GridConfig{
		Task:          task,
		Scorer:        scorer,
		L2:            l2,
		LearningRates: cfg.GetSearchLearningRates(),
		MaxIter:       cfg.GetSearchMaxIter(),
		MaxParallel:   cfg.GetSearchMaxParallel(),
		Seed:          seed,
	})
}

func newGreedy(task estimator.Task, scorer *estimator.Scorer, members []estimator.Estimator, size int) experiment.EnsembleSelector {
	return ensemble.NewGreedy(task, scorer, members, size)
}

func runExperiment(ctx context.Context, stdout io.Writer, fsys fsutil.FileSystem, f runFlags) error {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	opts := experiment.OptionsFromConfig(cfg)

	in, err := loadInput(f)
	if err != nil {
		return err
	}
	task, err := experiment.ResolveTask(opts, in.TrainY)
	if err != nil {
		return err
	}
	scorer, err := experiment.ResolveScorer(opts, task)
	if err != nil {
		return err
	}
	opts.Task, opts.Scorer = task, scorer.Name

	engine, err := newEngine(cfg, task, scorer, opts.RandomState)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	outDir := filepath.Join(f.out, runID)
	reporter, err := report.New(fsys, outDir)
	if err != nil {
		return err
	}

	sinks := monitoring.MultiSink{}
	if f.verbose {
		sinks = append(sinks, monitoring.LogSink{})
	}
	// Run bookkeeping outlives ctx so interrupted runs are still recorded.
	storeCtx := context.WithoutCancel(ctx)
	var store *runstore.Store
	if f.dbPath != "" {
		if store, err = runstore.Open(f.dbPath, timeutil.RealClock{}); err != nil {
			return fmt.Errorf("open run store: %w", err)
		}
		defer store.Close()

		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := store.StartRun(storeCtx, runstore.Run{
			ID:      runID,
			Mode:    opts.Mode,
			Task:    string(task),
			Scorer:  scorer.Name,
			Config:  cfgJSON,
			Version: version.Version,
		}); err != nil {
			return err
		}
		sinks = append(sinks, store.Sink(runID))
	}

	reg := prometheus.NewRegistry()
	metrics, err := monitoring.NewStageMetrics(reg)
	if err != nil {
		return err
	}

	exp, err := experiment.New(opts, experiment.Collaborators{
		NewCleaner:   func() experiment.DataCleaner { return cleaner.New() },
		Search:       engine,
		Drift:        drift.New(cfg.GetDriftThreshold(), cfg.GetDriftMaxRemoveRatio()),
		Collinearity: collinearity.New(cfg.GetCollinearityThreshold()),
		Importance:   importance.NewPermutation(opts.RandomState),
		NewEnsemble:  newGreedy,
		Reporter:     reporter,
		Sink:         sinks,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	logf("run %s: %s %s experiment, scorer %s", runID, opts.Mode, task, scorer.Name)
	pipeline, runErr := exp.Train(ctx, in)

	var summary []byte
	if runErr == nil {
		if summary, err = json.MarshalIndent(pipeline.Summary, "", "  "); err != nil {
			logf("run %s: encoding summary: %v", runID, err)
			summary = nil
		}
	}
	if store != nil {
		if err := store.FinishRun(storeCtx, runID, summary, runErr); err != nil {
			logf("run %s: recording outcome: %v", runID, err)
		}
	}
	if f.metricsFile != "" {
		if err := prometheus.WriteToTextfile(f.metricsFile, reg); err != nil {
			logf("writing metrics file: %v", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run %s: %w", runID, runErr)
	}

	if summary != nil {
		if err := writeArtifact(fsys, outDir, SummaryFile, func(w io.Writer) error {
			_, err := w.Write(append(summary, '\n'))
			return err
		}); err != nil {
			return err
		}
	}
	if in.TestX != nil {
		if err := writeArtifact(fsys, outDir, PredictionsFile, func(w io.Writer) error {
			return writePredictions(w, pipeline, in.TestX)
		}); err != nil {
			return err
		}
	}

	printf(stdout, "run:       %s\n", runID)
	printf(stdout, "task:      %s (%s)\n", task, scorer.Name)
	printf(stdout, "reward:    %.6g\n", pipeline.Summary.BestReward)
	printf(stdout, "features:  %d of %d [%s]\n",
		len(pipeline.Summary.SelectedFeatures), len(pipeline.Summary.OriginalFeatures),
		strings.Join(pipeline.Summary.SelectedFeatures, ", "))
	printf(stdout, "artifacts: %s\n", outDir)
	return nil
}

func writeArtifact(fsys fsutil.FileSystem, dir, name string, fn func(io.Writer) error) error {
	path, err := security.ArtifactPath(dir, name)
	if err != nil {
		return err
	}
	w, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := fn(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return w.Close()
}

// writePredictions writes one row per test row: the prediction followed by
// one probability column per class when the pipeline is a classifier.
func writePredictions(w io.Writer, p *experiment.Pipeline, x *dataset.Table) error {
	pred, err := p.Predict(x)
	if err != nil {
		return err
	}
	header := []string{"prediction"}
	classes := p.Classes()
	var probaRow func(i int) []float64
	if len(classes) > 0 {
		proba, err := p.PredictProba(x)
		if err != nil {
			return err
		}
		for _, c := range classes {
			header = append(header, "proba_"+formatFloat(c))
		}
		probaRow = func(i int) []float64 { return proba.RawRowView(i) }
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for i, v := range pred {
		record[0] = formatFloat(v)
		if probaRow != nil {
			for j, pv := range probaRow(i) {
				record[j+1] = formatFloat(pv)
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
