// Package diversity prunes a set of candidate frames down to a smaller set that is spread out
// in embedding space.
package diversity

import (
	"math/rand/v2"
	"runtime"
	"sort"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/frameselect/pkg/tensor"
	"golang.org/x/sync/errgroup"
)

// Epsilon is added to the norm when normalizing representations
const Epsilon = 1e-8

// Below this many points, the serial distance loop is faster than spinning up goroutines
const parallelThreshold = 64

// KeepCount is the number of frames to keep after pruning n candidates.
// With no target (target <= 0), we keep half.
func KeepCount(n, target int) int {
	if target > 0 {
		return min(target, n)
	}
	return max(n/2, 1)
}

// Representations builds one L2-normalized vector per frame, from the mean of its patch embeddings
func Representations(E *tensor.Tensor3, frames []int) [][]float32 {
	reps := make([][]float32, len(frames))
	for i, f := range frames {
		v := E.MeanPatch(f)
		tensor.L2Normalize(v, Epsilon)
		reps[i] = v
	}
	return reps
}

// FarthestPoints picks k of the points by greedy farthest-point sampling, and returns their
// indices in ascending order. The first point is chosen by rng. If k >= len(points), all indices
// are returned.
func FarthestPoints(points [][]float32, k int, rng *rand.Rand) []int {
	n := len(points)
	if k >= n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	if k <= 0 {
		return []int{}
	}

	dist := PairwiseDistances(points)
	selected := []int{rng.IntN(n)}
	isSelected := make([]bool, n)
	isSelected[selected[0]] = true

	// minDist[i] is the distance from i to its nearest selected point
	minDist := make([]float32, n)
	copy(minDist, dist[selected[0]])

	for len(selected) < k {
		best := -1
		for i := 0; i < n; i++ {
			if isSelected[i] {
				continue
			}
			if best == -1 || minDist[i] > minDist[best] {
				best = i
			}
		}
		selected = append(selected, best)
		isSelected[best] = true
		for i := 0; i < n; i++ {
			minDist[i] = min(minDist[i], dist[best][i])
		}
	}

	sort.Ints(selected)
	return selected
}

// PairwiseDistances returns the NxN Euclidean distance matrix of points.
// Rows are computed in parallel for large inputs.
func PairwiseDistances(points [][]float32) [][]float32 {
	n := len(points)
	if n < parallelThreshold {
		return pairwiseDistancesNaive(points)
	}
	dist := allocSquare(n)
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for j := 0; j < n; j++ {
				dist[i][j] = euclidean(points[i], points[j])
			}
			return nil
		})
	}
	g.Wait()
	return dist
}

func pairwiseDistancesNaive(points [][]float32) [][]float32 {
	n := len(points)
	dist := allocSquare(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := euclidean(points[i], points[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	return dist
}

func allocSquare(n int) [][]float32 {
	backing := make([]float32, n*n)
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = backing[i*n : (i+1)*n]
	}
	return rows
}

func euclidean(a, b []float32) float32 {
	sum := float32(0)
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math32.Sqrt(sum)
}
