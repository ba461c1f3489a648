package stats

import (
	"math"
	"slices"

	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Float | constraints.Integer
}

// Returns (mean, variance) of the given samples.
func MeanVar[T Number](samples []T) (float64, float64) {
	mean := Mean(samples)
	variance := Variance(samples, mean)
	return mean, variance
}

// Returns the mean of the given samples, or NaN if there are none.
func Mean[T Number](samples []T) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range samples {
		sum += float64(v)
	}
	return sum / float64(len(samples))
}

// Returns the population variance of the given samples.
func Variance[T Number](samples []T, mean float64) float64 {
	sum := 0.0
	for _, v := range samples {
		diff := float64(v) - mean
		sum += diff * diff
	}
	return sum / float64(len(samples))
}

// Returns the population standard deviation of the given samples.
func StdDev[T Number](samples []T) float64 {
	return math.Sqrt(Variance(samples, Mean(samples)))
}

// Returns the largest sample, or zero if there are none.
func Max[T constraints.Ordered](samples []T) T {
	var m T
	for i, v := range samples {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}

// Returns the smallest sample, or zero if there are none.
func Min[T constraints.Ordered](samples []T) T {
	var m T
	for i, v := range samples {
		if i == 0 || v < m {
			m = v
		}
	}
	return m
}

// Percentile returns the q-th percentile (0..100) of samples, using linear
// interpolation between the two closest ranks. This is the same as numpy's default.
// Returns NaN if samples is empty.
func Percentile[T Number](samples []T, q float64) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(samples))
	for i, v := range samples {
		sorted[i] = float64(v)
	}
	slices.Sort(sorted)
	return percentileSorted(sorted, q)
}

// Percentiles is Percentile for several q at once, sorting only once.
func Percentiles[T Number](samples []T, qs ...float64) []float64 {
	out := make([]float64, len(qs))
	if len(samples) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	sorted := make([]float64, len(samples))
	for i, v := range samples {
		sorted[i] = float64(v)
	}
	slices.Sort(sorted)
	for i, q := range qs {
		out[i] = percentileSorted(sorted, q)
	}
	return out
}

func percentileSorted(sorted []float64, q float64) float64 {
	q = math.Max(0, math.Min(100, q))
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
