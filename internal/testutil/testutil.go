// Package testutil provides shared test helpers and CSV fixtures.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// WriteFile writes content to name inside dir and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// CSV renders a header and rows as CSV text. Rows are formatted with %g
// precision; NaN becomes an empty cell.
func CSV(header []string, rows [][]float64) string {
	var b strings.Builder
	b.WriteString(strings.Join(header, ","))
	b.WriteByte('\n')
	for _, row := range rows {
		for j, v := range row {
			if j > 0 {
				b.WriteByte(',')
			}
			if !math.IsNaN(v) {
				b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// BinaryHeader is the header of BinaryRows.
var BinaryHeader = []string{"signal", "noise", "label"}

// BinaryRows returns n deterministic rows of a separable binary problem:
// label is 1 exactly when signal is positive, and noise carries no
// information. offset shifts the sequence so train and test files differ.
func BinaryRows(n, offset int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		k := i + offset
		signal := float64(k%7) - 3 + 0.5
		noise := float64((k*5)%11) / 10
		label := 0.0
		if signal > 0 {
			label = 1
		}
		rows[i] = []float64{signal, noise, label}
	}
	return rows
}
