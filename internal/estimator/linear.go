package estimator

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hyperstage/internal/dataset"
)

// scaler standardizes columns to zero mean and unit variance. Constant
// columns keep scale 1; NaN cells map to the column mean.
type scaler struct {
	mean  []float64
	scale []float64
}

func fitScaler(m *mat.Dense) scaler {
	r, c := m.Dims()
	s := scaler{mean: make([]float64, c), scale: make([]float64, c)}
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		finite := col[:0:0]
		for _, v := range col {
			if !math.IsNaN(v) {
				finite = append(finite, v)
			}
		}
		s.scale[j] = 1
		if len(finite) == 0 {
			continue
		}
		mean, std := stat.PopMeanStdDev(finite, nil)
		s.mean[j] = mean
		if std > 0 {
			s.scale[j] = std
		}
	}
	return s
}

func (s scaler) apply(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	out.Apply(func(_, j int, v float64) float64 {
		if math.IsNaN(v) {
			return 0
		}
		return (v - s.mean[j]) / s.scale[j]
	}, out)
	return out
}

// design selects the model's columns from x and standardizes them.
func design(x *dataset.Table, columns []string, s scaler) (*mat.Dense, error) {
	sel, err := x.Select(columns)
	if err != nil {
		return nil, err
	}
	d := sel.Dense()
	if d == nil {
		return nil, fmt.Errorf("empty input: shape %v", sel.Shape())
	}
	return s.apply(d), nil
}

func trainingMatrix(x *dataset.Table, y []float64) (*mat.Dense, error) {
	if x.NumRows() != len(y) {
		return nil, fmt.Errorf("%d rows for %d labels", x.NumRows(), len(y))
	}
	d := x.Dense()
	if d == nil {
		return nil, fmt.Errorf("cannot fit on empty table %v", x.Shape())
	}
	return d, nil
}

// Ridge is L2-regularized least squares on standardized features.
type Ridge struct {
	Alpha float64

	columns   []string
	scaler    scaler
	coef      *mat.VecDense
	intercept float64
}

// NewRidge returns an unfitted ridge regressor.
func NewRidge(alpha float64) *Ridge {
	return &Ridge{Alpha: alpha}
}

// Fit solves (XᵀX + αI)β = Xᵀ(y - ȳ).
func (m *Ridge) Fit(x *dataset.Table, y []float64) error {
	raw, err := trainingMatrix(x, y)
	if err != nil {
		return err
	}
	m.columns = x.Columns()
	m.scaler = fitScaler(raw)
	xs := m.scaler.apply(raw)
	_, p := xs.Dims()

	m.intercept = stat.Mean(y, nil)
	centered := make([]float64, len(y))
	copy(centered, y)
	floats.AddConst(-m.intercept, centered)

	var gram mat.Dense
	gram.Mul(xs.T(), xs)
	for j := 0; j < p; j++ {
		gram.Set(j, j, gram.At(j, j)+m.Alpha)
	}
	var rhs mat.VecDense
	rhs.MulVec(xs.T(), mat.NewVecDense(len(centered), centered))

	var coef mat.VecDense
	if err := coef.SolveVec(&gram, &rhs); err != nil {
		return fmt.Errorf("ridge solve: %w", err)
	}
	m.coef = &coef
	return nil
}

// Predict returns the fitted values for x.
func (m *Ridge) Predict(x *dataset.Table) ([]float64, error) {
	if m.coef == nil {
		return nil, ErrNotFitted
	}
	xs, err := design(x, m.columns, m.scaler)
	if err != nil {
		return nil, err
	}
	var out mat.VecDense
	out.MulVec(xs, m.coef)
	vals := make([]float64, out.Len())
	for i := range vals {
		vals[i] = out.AtVec(i) + m.intercept
	}
	return vals, nil
}

// Logistic is multinomial (softmax) logistic regression fitted by full-batch
// gradient descent with an L2 penalty. Binary problems use two classes.
type Logistic struct {
	L2           float64
	LearningRate float64
	MaxIter      int

	columns []string
	scaler  scaler
	classes []float64
	weights *mat.Dense // features x classes
	bias    []float64
}

// NewLogistic returns an unfitted logistic classifier.
func NewLogistic(l2, learningRate float64, maxIter int) *Logistic {
	return &Logistic{L2: l2, LearningRate: learningRate, MaxIter: maxIter}
}

// Fit runs MaxIter gradient steps from zero weights.
func (m *Logistic) Fit(x *dataset.Table, y []float64) error {
	raw, err := trainingMatrix(x, y)
	if err != nil {
		return err
	}
	classes := dataset.UniqueLabels(y)
	if len(classes) < 2 {
		return errors.New("logistic regression needs at least two classes")
	}
	if m.LearningRate <= 0 || m.MaxIter < 1 {
		return fmt.Errorf("invalid learning rate %v or iterations %d", m.LearningRate, m.MaxIter)
	}
	m.columns = x.Columns()
	m.classes = classes
	m.scaler = fitScaler(raw)
	xs := m.scaler.apply(raw)
	n, p := xs.Dims()
	k := len(classes)

	idx := classIndex(classes)
	target := mat.NewDense(n, k, nil)
	for i, label := range y {
		j, ok := idx[label]
		if !ok {
			return fmt.Errorf("row %d: label is NaN", i)
		}
		target.Set(i, j, 1)
	}

	w := mat.NewDense(p, k, nil)
	b := make([]float64, k)
	var scores, grad, penalty mat.Dense
	gradB := make([]float64, k)
	invN := 1 / float64(n)
	for iter := 0; iter < m.MaxIter; iter++ {
		scores.Mul(xs, w)
		softmaxRows(&scores, b)
		scores.Sub(&scores, target)

		grad.Mul(xs.T(), &scores)
		grad.Scale(invN, &grad)
		penalty.Scale(m.L2, w)
		grad.Add(&grad, &penalty)
		grad.Scale(m.LearningRate, &grad)
		w.Sub(w, &grad)

		for j := 0; j < k; j++ {
			gradB[j] = 0
			for i := 0; i < n; i++ {
				gradB[j] += scores.At(i, j)
			}
			b[j] -= m.LearningRate * gradB[j] * invN
		}
	}
	m.weights = w
	m.bias = b
	return nil
}

// softmaxRows adds bias to every row of s and replaces each row with its
// softmax.
func softmaxRows(s *mat.Dense, bias []float64) {
	r, c := s.Dims()
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, s)
		floats.Add(row, bias)
		mx := floats.Max(row)
		sum := 0.0
		for j := range row {
			row[j] = math.Exp(row[j] - mx)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
		s.SetRow(i, row)
	}
}

// Classes returns the class labels in probability column order.
func (m *Logistic) Classes() []float64 {
	return append([]float64(nil), m.classes...)
}

// PredictProba returns class probabilities for x.
func (m *Logistic) PredictProba(x *dataset.Table) (*mat.Dense, error) {
	if m.weights == nil {
		return nil, ErrNotFitted
	}
	xs, err := design(x, m.columns, m.scaler)
	if err != nil {
		return nil, err
	}
	var scores mat.Dense
	scores.Mul(xs, m.weights)
	softmaxRows(&scores, m.bias)
	return &scores, nil
}

// Predict returns the most probable class per row.
func (m *Logistic) Predict(x *dataset.Table) ([]float64, error) {
	proba, err := m.PredictProba(x)
	if err != nil {
		return nil, err
	}
	return FromProba(proba, m.classes).Values, nil
}
