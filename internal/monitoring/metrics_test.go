package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewStageMetrics(reg)
	require.NoError(t, err)

	m.ObserveStage("ensemble", 20*time.Millisecond, nil)
	m.ObserveStage("ensemble", 10*time.Millisecond, errors.New("load failed"))
	m.ObserveSkip("two stage search")
	m.SetSelectedFeatures(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("ensemble")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("two stage search")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.features))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestStageMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewStageMetrics(reg)
	require.NoError(t, err)
	_, err = NewStageMetrics(reg)
	assert.Error(t, err)
}

func TestStageMetrics_NilSafe(t *testing.T) {
	var m *StageMetrics
	m.ObserveStage("x", time.Second, nil)
	m.ObserveSkip("x")
	m.SetSelectedFeatures(1)
}
