package estimator

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

const probaEps = 1e-15

func checkLen(y []float64, p Prediction) error {
	if len(y) == 0 {
		return errors.New("no rows to score")
	}
	if len(p.Values) != len(y) {
		return fmt.Errorf("%d predictions for %d labels", len(p.Values), len(y))
	}
	return nil
}

func classIndex(classes []float64) map[float64]int {
	idx := make(map[float64]int, len(classes))
	for i, c := range classes {
		idx[c] = i
	}
	return idx
}

func negLogLoss(y []float64, p Prediction) (float64, error) {
	if p.Proba == nil {
		return 0, errors.New("neg_log_loss needs probabilities")
	}
	if r, _ := p.Proba.Dims(); r != len(y) || len(y) == 0 {
		return 0, fmt.Errorf("%d probability rows for %d labels", r, len(y))
	}
	idx := classIndex(p.Classes)
	total := 0.0
	for i, label := range y {
		prob := probaEps
		if j, ok := idx[label]; ok {
			prob = math.Min(math.Max(p.Proba.At(i, j), probaEps), 1-probaEps)
		}
		total += math.Log(prob)
	}
	return total / float64(len(y)), nil
}

func accuracy(y []float64, p Prediction) (float64, error) {
	if err := checkLen(y, p); err != nil {
		return 0, err
	}
	hit := 0
	for i := range y {
		if y[i] == p.Values[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(y)), nil
}

func rocAUC(y []float64, p Prediction) (float64, error) {
	if len(p.Classes) != 2 {
		return 0, fmt.Errorf("roc_auc needs a binary prediction, got %d classes", len(p.Classes))
	}
	scores, err := PositiveProba(p.Proba)
	if err != nil {
		return 0, err
	}
	if len(scores) != len(y) {
		return 0, fmt.Errorf("%d scores for %d labels", len(scores), len(y))
	}
	positive := make([]bool, len(y))
	nPos := 0
	for i, label := range y {
		positive[i] = label == p.Classes[1]
		if positive[i] {
			nPos++
		}
	}
	if nPos == 0 || nPos == len(y) {
		return 0, errors.New("roc_auc is undefined with a single class present")
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })
	sortedScores := make([]float64, len(order))
	sortedClasses := make([]bool, len(order))
	for k, i := range order {
		sortedScores[k] = scores[i]
		sortedClasses[k] = positive[i]
	}
	tpr, fpr, _ := stat.ROC(nil, sortedScores, sortedClasses, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}

func negMSE(y []float64, p Prediction) (float64, error) {
	if err := checkLen(y, p); err != nil {
		return 0, err
	}
	sum := 0.0
	for i := range y {
		d := y[i] - p.Values[i]
		sum += d * d
	}
	return -sum / float64(len(y)), nil
}

func r2(y []float64, p Prediction) (float64, error) {
	if err := checkLen(y, p); err != nil {
		return 0, err
	}
	mean := stat.Mean(y, nil)
	var ssRes, ssTot float64
	for i := range y {
		ssRes += (y[i] - p.Values[i]) * (y[i] - p.Values[i])
		ssTot += (y[i] - mean) * (y[i] - mean)
	}
	if ssTot == 0 {
		if floats.EqualApprox(y, p.Values, 1e-12) {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}
