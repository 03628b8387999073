package dataset

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// missingTokens are cell values read as NaN.
var missingTokens = map[string]bool{
	"":     true,
	"na":   true,
	"nan":  true,
	"null": true,
	"?":    true,
}

// ReadCSV reads a header-first numeric CSV. When target is non-empty that
// column is returned as labels and removed from the table; a missing target
// column is an error. Missing cells become NaN.
func ReadCSV(r io.Reader, target string) (*Table, []float64, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	header = append([]string(nil), header...)
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	targetIdx := -1
	columns := make([]string, 0, len(header))
	for i, h := range header {
		if target != "" && h == target {
			targetIdx = i
			continue
		}
		columns = append(columns, h)
	}
	if target != "" && targetIdx < 0 {
		return nil, nil, fmt.Errorf("target column %q not found in header", target)
	}

	var rows [][]float64
	var labels []float64
	line := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, nil, fmt.Errorf("line %d: got %d fields, want %d", line, len(rec), len(header))
		}
		row := make([]float64, 0, len(columns))
		for i, s := range rec {
			v, err := parseCell(s)
			if err != nil {
				return nil, nil, fmt.Errorf("line %d, column %q: %w", line, header[i], err)
			}
			if i == targetIdx {
				labels = append(labels, v)
				continue
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}

	t, err := NewTable(columns, rows)
	if err != nil {
		return nil, nil, err
	}
	return t, labels, nil
}

// ReadCSVFile opens path and calls ReadCSV.
func ReadCSVFile(path, target string) (*Table, []float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	t, y, err := ReadCSV(f, target)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, y, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if missingTokens[strings.ToLower(s)] {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}
