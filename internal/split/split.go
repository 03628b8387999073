// Package split produces reproducible row partitions: the train/eval holdout
// and the k folds used for out-of-fold predictions. Every function is a pure
// function of its inputs and seed.
package split

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// ErrTooFewRows is returned when a partition would leave a side empty.
var ErrTooFewRows = errors.New("too few rows to split")

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// TrainTestSplit partitions row indices 0..n-1 into train and test. The test
// side holds ceil(testSize*n) rows, clamped so neither side is empty. When
// stratify is set, y must have n entries and each label keeps (by largest
// remainder) its share of the test side. The returned slices are shuffled
// deterministically by seed.
func TrainTestSplit(n int, y []float64, testSize float64, seed uint64, stratify bool) (train, test []int, err error) {
	if n < 2 {
		return nil, nil, fmt.Errorf("%w: %d", ErrTooFewRows, n)
	}
	if testSize <= 0 || testSize >= 1 {
		return nil, nil, fmt.Errorf("test size must be in (0, 1), got %v", testSize)
	}
	if stratify && len(y) != n {
		return nil, nil, fmt.Errorf("stratify: got %d labels for %d rows", len(y), n)
	}

	nTest := int(math.Ceil(testSize * float64(n)))
	if nTest < 1 {
		nTest = 1
	}
	if nTest > n-1 {
		nTest = n - 1
	}

	rng := newRand(seed)

	if !stratify {
		perm := rng.Perm(n)
		test = append(test, perm[:nTest]...)
		train = append(train, perm[nTest:]...)
		return train, test, nil
	}

	groups, keys := groupByLabel(y)
	quota := allocate(nTest, n, keys, groups)
	for _, k := range keys {
		g := groups[k]
		rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
		test = append(test, g[:quota[k]]...)
		train = append(train, g[quota[k]:]...)
	}
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(test), func(i, j int) { test[i], test[j] = test[j], test[i] })
	return train, test, nil
}

// KFold returns k disjoint folds covering 0..n-1, each sorted ascending.
// With stratify each label is dealt round-robin across folds so class
// proportions match.
func KFold(n int, y []float64, k int, seed uint64, stratify bool) ([][]int, error) {
	if k < 2 {
		return nil, fmt.Errorf("k must be at least 2, got %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("%w: %d rows for %d folds", ErrTooFewRows, n, k)
	}
	if stratify && len(y) != n {
		return nil, fmt.Errorf("stratify: got %d labels for %d rows", len(y), n)
	}

	rng := newRand(seed)
	folds := make([][]int, k)
	deal := func(idx []int, offset int) int {
		for _, i := range idx {
			folds[offset%k] = append(folds[offset%k], i)
			offset++
		}
		return offset
	}

	if stratify {
		groups, keys := groupByLabel(y)
		offset := 0
		for _, key := range keys {
			g := groups[key]
			rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
			offset = deal(g, offset)
		}
	} else {
		deal(rng.Perm(n), 0)
	}

	for _, f := range folds {
		sort.Ints(f)
	}
	return folds, nil
}

// Complement returns the indices of 0..n-1 not in fold, ascending.
func Complement(n int, fold []int) []int {
	in := make([]bool, n)
	for _, i := range fold {
		in[i] = true
	}
	out := make([]int, 0, n-len(fold))
	for i := 0; i < n; i++ {
		if !in[i] {
			out = append(out, i)
		}
	}
	return out
}

func groupByLabel(y []float64) (map[float64][]int, []float64) {
	groups := make(map[float64][]int)
	for i, v := range y {
		groups[v] = append(groups[v], i)
	}
	keys := make([]float64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	return groups, keys
}

// allocate distributes nTest test rows across labels proportionally using
// the largest remainder method; ties go to the smaller label.
func allocate(nTest, n int, keys []float64, groups map[float64][]int) map[float64]int {
	quota := make(map[float64]int, len(keys))
	type rem struct {
		key  float64
		frac float64
	}
	rems := make([]rem, 0, len(keys))
	assigned := 0
	for _, k := range keys {
		exact := float64(nTest) * float64(len(groups[k])) / float64(n)
		q := int(math.Floor(exact))
		quota[k] = q
		assigned += q
		rems = append(rems, rem{key: k, frac: exact - float64(q)})
	}
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].frac > rems[j].frac })
	for i := 0; assigned < nTest && i < len(rems); i++ {
		k := rems[i].key
		if quota[k] < len(groups[k]) {
			quota[k]++
			assigned++
		}
	}
	return quota
}
