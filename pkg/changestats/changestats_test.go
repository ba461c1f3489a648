package changestats

import (
	"math"
	"testing"

	"github.com/cyclopcam/frameselect/pkg/tensor"
	"github.com/stretchr/testify/require"
)

// Build embeddings [len(diffs)+1, P, 1] whose per-patch change at transition i is diffs[i][p]
func fromDiffs(diffs [][]float32) *tensor.Tensor3 {
	P := len(diffs[0])
	E := tensor.New(len(diffs)+1, P, 1)
	for i, row := range diffs {
		for p, d := range row {
			E.Patch(i+1, p)[0] = E.Patch(i, p)[0] + d
		}
	}
	return E
}

func TestCompute(t *testing.T) {
	E := fromDiffs([][]float32{
		{0.5, 0.5, 0.5, 0.5, 0.5},
		{5, 0, 0, 0, 0},
		{0.5, 0.5, 0.5, 0.5, 0.5},
	})
	s, err := Compute(E)
	require.NoError(t, err)
	require.Equal(t, 3, s.Raw.Len())
	require.Equal(t, 3, len(s.Raw.Concentration))
	require.Equal(t, 3, len(s.Raw.Entropy))

	require.InDelta(t, 0.5, s.Raw.TotalChange[0], 1e-6)
	require.InDelta(t, 1.0, s.Raw.TotalChange[1], 1e-6)
	require.InDelta(t, 1.0, s.Raw.Concentration[0], 1e-5)
	require.InDelta(t, 5.0, s.Raw.Concentration[1], 1e-5)
	require.InDelta(t, math.Log(5), s.Raw.Entropy[0], 1e-5)
	require.InDelta(t, 0.0, s.Raw.Entropy[1], 1e-5)

	// Smoothed starts out equal to raw
	require.Equal(t, s.Raw, s.Smoothed)
}

func TestComputeMultiDim(t *testing.T) {
	E := tensor.New(2, 1, 2)
	copy(E.Patch(1, 0), []float32{3, 4})
	s, err := Compute(E)
	require.NoError(t, err)
	require.InDelta(t, 5.0, s.Raw.TotalChange[0], 1e-6)
}

func TestComputeZeroChange(t *testing.T) {
	E := tensor.New(6, 4, 3)
	for i := 0; i < 6; i++ {
		for p := 0; p < 4; p++ {
			copy(E.Patch(i, p), []float32{0.1, 0.2, 0.3})
		}
	}
	s, err := Compute(E)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.Equal(t, float32(0), s.Raw.TotalChange[i])
		require.Equal(t, float32(0), s.Raw.Concentration[i])
		require.InDelta(t, 0, s.Raw.Entropy[i], 1e-6)
	}
}

func TestComputeTooFew(t *testing.T) {
	_, err := Compute(tensor.New(1, 4, 3))
	require.ErrorIs(t, err, ErrTooFewFrames)
}

func TestSmooth(t *testing.T) {
	x := []float32{1, 2, 3, 10, 3}
	require.Equal(t, x, Smooth(x, 1))
	require.Equal(t, x, Smooth(x, 0))

	// numpy: np.convolve(np.pad(x, 1, mode='edge'), np.ones(3)/3, mode='valid')
	s3 := Smooth(x, 3)
	require.Len(t, s3, len(x))
	expect3 := []float32{4.0 / 3, 2, 5, 16.0 / 3, 16.0 / 3}
	for i := range expect3 {
		require.InDelta(t, expect3[i], s3[i], 1e-5)
	}

	// even window: np.convolve(np.pad(x, 2, mode='edge'), np.ones(4)/4, mode='valid')[:5]
	s4 := Smooth(x, 4)
	require.Len(t, s4, len(x))
	expect4 := []float32{1.25, 1.75, 4, 4.5, 4.75}
	for i := range expect4 {
		require.InDelta(t, expect4[i], s4[i], 1e-5)
	}

	// window longer than the signal
	s9 := Smooth([]float32{2, 4}, 9)
	require.Len(t, s9, 2)
}

func TestApplySmoothingFromRaw(t *testing.T) {
	E := fromDiffs([][]float32{
		{1, 0}, {0, 0}, {4, 0}, {0, 2}, {1, 1},
	})
	s, err := Compute(E)
	require.NoError(t, err)
	raw := append([]float32(nil), s.Raw.TotalChange...)

	s.ApplySmoothing(3)
	once := append([]float32(nil), s.Smoothed.TotalChange...)
	s.ApplySmoothing(3)
	require.Equal(t, once, s.Smoothed.TotalChange)
	require.Equal(t, raw, s.Raw.TotalChange)
	require.Equal(t, 3, s.Window)

	s.ApplySmoothing(1)
	require.Equal(t, s.Raw, s.Smoothed)
}

func TestSummary(t *testing.T) {
	E := fromDiffs([][]float32{{1}, {3}})
	s, err := Compute(E)
	require.NoError(t, err)
	sum := s.Summary()
	require.InDelta(t, 2.0, sum.TotalChange.Mean, 1e-6)
	require.InDelta(t, 1.0, sum.TotalChange.StdDev, 1e-6)
	require.NotEmpty(t, sum.String())
}
