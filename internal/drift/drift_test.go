package drift

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/hyperstage/internal/dataset"
)

// driftTables returns train/test tables where "shifted" is fully separated,
// "partial" half overlaps and "stable" is identical.
func driftTables(t *testing.T) (*dataset.Table, *dataset.Table) {
	t.Helper()
	cols := []string{"stable", "shifted", "partial", "stable2"}
	var trainRows, testRows [][]float64
	for i := 0; i < 10; i++ {
		v := float64(i)
		trainRows = append(trainRows, []float64{v, v, v, -v})
		testRows = append(testRows, []float64{v, v + 100, v + 5, -v})
	}
	train, err := dataset.NewTable(cols, trainRows)
	if err != nil {
		t.Fatal(err)
	}
	test, err := dataset.NewTable(cols, testRows)
	if err != nil {
		t.Fatal(err)
	}
	return train, test
}

func TestFit_Scores(t *testing.T) {
	train, test := driftTables(t)
	d := New(0, 0)
	if err := d.Fit(train, test); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	want := map[string]float64{"stable": 0, "shifted": 1, "partial": 0.5, "stable2": 0}
	if diff := cmp.Diff(want, d.Scores()); diff != "" {
		t.Errorf("scores (-want +got):\n%s", diff)
	}
}

func TestFeatureSelection(t *testing.T) {
	train, test := driftTables(t)

	sel, err := New(0.6, 0.5).FeatureSelection(train, test)
	if err != nil {
		t.Fatalf("FeatureSelection: %v", err)
	}
	if diff := cmp.Diff([]string{"stable", "partial", "stable2"}, sel.Kept); diff != "" {
		t.Errorf("kept (-want +got):\n%s", diff)
	}
	wantHistory := []Round{{Removed: "shifted", Score: 1, Remaining: 3}}
	if diff := cmp.Diff(wantHistory, sel.History); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}

	// a low threshold removes partial too, capped at half the columns
	sel, err = New(0.1, 0.5).FeatureSelection(train, test)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"stable", "stable2"}, sel.Kept); diff != "" {
		t.Errorf("kept with low threshold (-want +got):\n%s", diff)
	}

	// the cap stops after one removal
	sel, _ = New(0.1, 0.25).FeatureSelection(train, test)
	if len(sel.History) != 1 {
		t.Errorf("history = %+v, want one round", sel.History)
	}
}

func TestFeatureSelection_NeverRemovesLastColumn(t *testing.T) {
	train, _ := dataset.NewTable([]string{"x"}, [][]float64{{1}, {2}})
	test, _ := dataset.NewTable([]string{"x"}, [][]float64{{10}, {20}})
	sel, err := New(0.1, 1).FeatureSelection(train, test)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"x"}, sel.Kept); diff != "" {
		t.Errorf("kept (-want +got):\n%s", diff)
	}
}

func TestTrainTestSplit(t *testing.T) {
	cols := []string{"a"}
	x, _ := dataset.NewTable(cols, [][]float64{{0}, {9}, {1}, {8}, {2}, {10}})
	y := []float64{0, 1, 0, 1, 0, 1}
	test, _ := dataset.NewTable(cols, [][]float64{{9}, {10}})

	d := New(0, 0)
	if _, _, _, _, err := d.TrainTestSplit(x, y, 0.3); !errors.Is(err, ErrNotFitted) {
		t.Fatalf("expected ErrNotFitted, got %v", err)
	}
	if err := d.Fit(x, test); err != nil {
		t.Fatal(err)
	}
	trX, evX, trY, evY, err := d.TrainTestSplit(x, y, 0.3)
	if err != nil {
		t.Fatalf("TrainTestSplit: %v", err)
	}
	// ceil(0.3*6)=2 rows closest to 9.5: 9 and 10, in original order
	if diff := cmp.Diff([]float64{9, 10}, evX.ColAt(0)); diff != "" {
		t.Errorf("eval rows (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 1}, evY); diff != "" {
		t.Errorf("eval labels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0, 1, 8, 2}, trX.ColAt(0)); diff != "" {
		t.Errorf("train rows (-want +got):\n%s", diff)
	}
	if len(trY) != trX.NumRows() {
		t.Errorf("train labels %d != rows %d", len(trY), trX.NumRows())
	}
}

func TestFit_ColumnMismatch(t *testing.T) {
	a, _ := dataset.NewTable([]string{"a"}, [][]float64{{1}})
	b, _ := dataset.NewTable([]string{"b"}, [][]float64{{1}})
	if err := New(0, 0).Fit(a, b); !errors.Is(err, dataset.ErrColumnMismatch) {
		t.Errorf("expected ErrColumnMismatch, got %v", err)
	}
}
