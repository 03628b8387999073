package report

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hyperstage/internal/fsutil"
	"github.com/banshee-data/hyperstage/internal/importance"
)

func newReporter(t *testing.T) (*Reporter, *fsutil.MemoryFileSystem) {
	t.Helper()
	mfs := fsutil.NewMemoryFileSystem()
	r, err := New(mfs, "/runs/run-1")
	require.NoError(t, err)
	return r, mfs
}

func TestPseudoLabelProba(t *testing.T) {
	r, mfs := newReporter(t)
	proba := []float64{0.02, 0.1, 0.4, 0.5, 0.55, 0.85, 0.9, 0.97, 0.99}

	require.NoError(t, r.PseudoLabelProba(proba, 0.8))

	data, err := mfs.ReadFile(filepath.Join("/runs/run-1", PseudoLabelFile))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")), "output is a PNG")
	assert.Equal(t, []string{filepath.Join("/runs/run-1", PseudoLabelFile)}, r.Written())
}

func TestPseudoLabelProba_Degenerate(t *testing.T) {
	r, _ := newReporter(t)
	assert.Error(t, r.PseudoLabelProba(nil, 0.8))
	assert.NoError(t, r.PseudoLabelProba([]float64{0.5, 0.5, 0.5}, 0.8), "a single-valued distribution still plots")
}

func TestImportances(t *testing.T) {
	r, mfs := newReporter(t)
	res := importance.Result{
		Columns: []string{"age", "income", "zip"},
		Mean:    []float64{0.01, 0.2, -0.001},
		Std:     []float64{0.001, 0.02, 0.0005},
	}
	require.NoError(t, r.Importances(res))

	data, err := mfs.ReadFile(filepath.Join("/runs/run-1", ImportanceFile))
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "Feature importance")
	assert.Less(t, strings.Index(html, "income"), strings.Index(html, "zip"), "sorted by importance")

	assert.Error(t, r.Importances(importance.Result{}))
}

func TestDriftScores(t *testing.T) {
	r, mfs := newReporter(t)
	require.NoError(t, r.DriftScores(map[string]float64{"shift": 1, "age": 0.05}))

	data, err := mfs.ReadFile(filepath.Join("/runs/run-1", DriftFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "shift")

	assert.Error(t, r.DriftScores(nil))
}
