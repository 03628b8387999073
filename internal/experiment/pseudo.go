package experiment

// SelectPseudoLabels splits positive-class probabilities into confident
// positives (p > threshold) and confident negatives (p < 1 - threshold).
// Indices are ascending; rows in between are in neither slice.
func SelectPseudoLabels(proba []float64, threshold float64) (positive, negative []int) {
	for i, p := range proba {
		switch {
		case p > threshold:
			positive = append(positive, i)
		case p < 1-threshold:
			negative = append(negative, i)
		}
	}
	return positive, negative
}
