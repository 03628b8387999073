// Package report renders experiment diagnostics into a run's artifact
// directory: a PNG histogram of pseudo-label probabilities (gonum/plot) and
// HTML bar charts of feature importances and drift scores (go-echarts).
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/hyperstage/internal/fsutil"
	"github.com/banshee-data/hyperstage/internal/importance"
	"github.com/banshee-data/hyperstage/internal/security"
)

// Artifact file names.
const (
	PseudoLabelFile = "pseudo_label_proba.png"
	ImportanceFile  = "feature_importance.html"
	DriftFile       = "drift_scores.html"
)

const histogramBins = 20

// Reporter writes charts into one directory. It is safe for concurrent use.
type Reporter struct {
	fs  fsutil.FileSystem
	dir string
	// AssetsHost overrides where rendered pages load echarts from.
	AssetsHost string

	mu      sync.Mutex
	written []string
}

// New creates dir on fsys and returns a Reporter writing into it.
func New(fsys fsutil.FileSystem, dir string) (*Reporter, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	return &Reporter{fs: fsys, dir: dir}, nil
}

// Written returns the paths of the artifacts written so far.
func (r *Reporter) Written() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.written...)
}

func (r *Reporter) write(name string, fn func(io.Writer) error) error {
	path, err := security.ArtifactPath(r.dir, name)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}
	w, err := r.fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := buf.WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	r.mu.Lock()
	r.written = append(r.written, path)
	r.mu.Unlock()
	return nil
}

// PseudoLabelProba plots the distribution of positive-class probabilities
// with the two confidence cut-offs marked.
func (r *Reporter) PseudoLabelProba(proba []float64, threshold float64) error {
	vals := make(plotter.Values, 0, len(proba))
	for _, p := range proba {
		if !math.IsNaN(p) {
			vals = append(vals, p)
		}
	}
	if len(vals) == 0 {
		return errors.New("no probabilities to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Pseudo-label probabilities (n=%d, threshold=%g)", len(vals), threshold)
	p.X.Label.Text = "P(positive)"
	p.Y.Label.Text = "Rows"
	p.X.Min, p.X.Max = 0, 1

	hist, err := plotter.NewHist(vals, histogramBins)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	hist.FillColor = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	p.Add(hist)

	top := 0.0
	for _, b := range hist.Bins {
		top = math.Max(top, b.Weight)
	}
	for _, cut := range []float64{1 - threshold, threshold} {
		line, err := plotter.NewLine(plotter.XYs{{X: cut, Y: 0}, {X: cut, Y: top}})
		if err != nil {
			return fmt.Errorf("threshold line: %w", err)
		}
		line.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
	}

	return r.write(PseudoLabelFile, func(w io.Writer) error {
		wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
		if err != nil {
			return err
		}
		_, err = wt.WriteTo(w)
		return err
	})
}

// Importances renders mean permutation importance per feature, largest
// first, with the standard deviation in the tooltip.
func (r *Reporter) Importances(res importance.Result) error {
	if len(res.Columns) == 0 {
		return errors.New("no importances to plot")
	}
	idx := make([]int, len(res.Columns))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return res.Mean[idx[a]] > res.Mean[idx[b]] })

	names := make([]string, len(idx))
	data := make([]opts.BarData, len(idx))
	for k, j := range idx {
		names[k] = res.Columns[j]
		std := 0.0
		if j < len(res.Std) {
			std = res.Std[j]
		}
		data[k] = opts.BarData{
			Name:  fmt.Sprintf("%s ± %.4g", res.Columns[j], std),
			Value: res.Mean[j],
		}
	}
	bar := r.bar("Feature importance", fmt.Sprintf("permutation, %d features", len(names)))
	bar.SetXAxis(names).AddSeries("importance", data)
	return r.write(ImportanceFile, func(w io.Writer) error { return r.render(w, bar) })
}

// DriftScores renders the drift score of every scored feature, sorted by
// name.
func (r *Reporter) DriftScores(scores map[string]float64) error {
	if len(scores) == 0 {
		return errors.New("no drift scores to plot")
	}
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)
	data := make([]opts.BarData, len(names))
	for i, name := range names {
		data[i] = opts.BarData{Value: scores[name]}
	}
	bar := r.bar("Feature drift", "Kolmogorov-Smirnov statistic, train vs test")
	bar.SetXAxis(names).AddSeries("drift", data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return r.write(DriftFile, func(w io.Writer) error { return r.render(w, bar) })
}

func (r *Reporter) bar(title, subtitle string) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "600px", AssetsHost: r.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	return bar
}

func (r *Reporter) render(w io.Writer, chart components.Charter) error {
	page := components.NewPage()
	if r.AssetsHost != "" {
		page.SetAssetsHost(r.AssetsHost)
	}
	page.AddCharts(chart)
	return page.Render(w)
}
