package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StageMetrics tracks per-stage timings and outcomes of experiment runs.
type StageMetrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	features prometheus.Gauge
}

// NewStageMetrics creates the collectors and registers them on reg. A nil
// registerer leaves them unregistered, which is what tests usually want.
func NewStageMetrics(reg prometheus.Registerer) (*StageMetrics, error) {
	m := &StageMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hyperstage",
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each experiment stage.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperstage",
			Name:      "stage_failures_total",
			Help:      "Experiment stages that returned an error.",
		}, []string{"stage"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperstage",
			Name:      "stage_skipped_total",
			Help:      "Experiment stages that ran as a no-op.",
		}, []string{"stage"}),
		features: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hyperstage",
			Name:      "selected_features",
			Help:      "Size of the selected feature set after the latest stage.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.duration, m.failures, m.skipped, m.features} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveStage records the duration of one stage and whether it failed.
func (m *StageMetrics) ObserveStage(stage string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		m.failures.WithLabelValues(stage).Inc()
	}
}

// ObserveSkip counts a stage that was entered but had nothing to do.
func (m *StageMetrics) ObserveSkip(stage string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(stage).Inc()
}

// SetSelectedFeatures updates the selected feature gauge.
func (m *StageMetrics) SetSelectedFeatures(n int) {
	if m == nil {
		return
	}
	m.features.Set(float64(n))
}
