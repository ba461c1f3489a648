package diversity

import (
	"math/rand/v2"
	"testing"

	"github.com/cyclopcam/frameselect/pkg/tensor"
	"github.com/stretchr/testify/require"
)

func randomPoints(rng *rand.Rand, n, d int) [][]float32 {
	pts := make([][]float32, n)
	for i := range pts {
		pts[i] = make([]float32, d)
		for j := range pts[i] {
			pts[i][j] = rng.Float32()
		}
	}
	return pts
}

func TestKeepCount(t *testing.T) {
	require.Equal(t, 5, KeepCount(10, 0))
	require.Equal(t, 1, KeepCount(1, 0))
	require.Equal(t, 3, KeepCount(10, 3))
	require.Equal(t, 10, KeepCount(10, 30))
}

func TestFarthestPointsAll(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	pts := randomPoints(rng, 4, 3)
	require.Equal(t, []int{0, 1, 2, 3}, FarthestPoints(pts, 4, rng))
	require.Equal(t, []int{0, 1, 2, 3}, FarthestPoints(pts, 10, rng))
}

func TestFarthestPointsSubset(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 9))
	for _, n := range []int{5, 20, 100} {
		pts := randomPoints(rng, n, 8)
		for _, k := range []int{1, 2, n / 2, n - 1} {
			sel := FarthestPoints(pts, k, rng)
			require.Len(t, sel, k)
			for i := 1; i < len(sel); i++ {
				require.Less(t, sel[i-1], sel[i])
			}
		}
	}
}

func TestFarthestPointsSpread(t *testing.T) {
	// Two tight clusters far apart. Picking 2 must take one from each.
	pts := [][]float32{{0, 0}, {0.01, 0}, {0, 0.01}, {10, 10}, {10.01, 10}}
	for seed := uint64(0); seed < 10; seed++ {
		sel := FarthestPoints(pts, 2, rand.New(rand.NewPCG(seed, 0)))
		require.Len(t, sel, 2)
		require.Less(t, sel[0], 3)
		require.GreaterOrEqual(t, sel[1], 3)
	}

	// Duplicates still yield unique indices
	dup := [][]float32{{1, 1}, {1, 1}, {1, 1}}
	sel := FarthestPoints(dup, 2, rand.New(rand.NewPCG(0, 0)))
	require.Len(t, sel, 2)
	require.NotEqual(t, sel[0], sel[1])
}

func TestPairwiseDistances(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	pts := randomPoints(rng, parallelThreshold+5, 6)
	fast := PairwiseDistances(pts)
	naive := pairwiseDistancesNaive(pts)
	require.Len(t, fast, len(pts))
	for i := range pts {
		require.Equal(t, float32(0), fast[i][i])
		for j := range pts {
			require.InDelta(t, naive[i][j], fast[i][j], 1e-6)
		}
	}
	require.InDelta(t, 5.0, pairwiseDistancesNaive([][]float32{{0, 0}, {3, 4}})[0][1], 1e-6)
}

func TestRepresentations(t *testing.T) {
	E := tensor.New(3, 2, 2)
	copy(E.Frame(1), []float32{1, 0, 5, 0})
	copy(E.Frame(2), []float32{0, 2, 0, 4})
	reps := Representations(E, []int{1, 2})
	require.Len(t, reps, 2)
	require.InDelta(t, 1.0, reps[0][0], 1e-5)
	require.InDelta(t, 0.0, reps[0][1], 1e-5)
	require.InDelta(t, 1.0, reps[1][1], 1e-5)
}
