package tensor

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	a := New(3, 4, 5)
	for i := range a.Data {
		a.Data[i] = float32(i)*0.25 - 3
	}
	var buf bytes.Buffer
	require.NoError(t, a.Encode(&buf))
	require.Equal(t, SizeBytes(a.Shape), int64(buf.Len()))

	b, err := Decode(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.True(t, a.Equal(b))
	require.Equal(t, float32(-3), b.Patch(0, 0)[0])
	require.Equal(t, a.Patch(2, 3), b.Patch(2, 3))
}

func TestDecodeCorrupt(t *testing.T) {
	a := New(2, 2, 2)
	var buf bytes.Buffer
	require.NoError(t, a.Encode(&buf))
	raw := buf.Bytes()

	// Truncated payload
	_, err := Decode(bytes.NewReader(raw[:len(raw)-3]), -1)
	require.Error(t, err)

	// Size mismatch
	_, err = Decode(bytes.NewReader(raw), int64(len(raw)+4))
	require.True(t, errors.Is(err, ErrBadShape))

	// Bad magic
	bad := append([]byte{}, raw...)
	bad[0] = 'x'
	_, err = Decode(bytes.NewReader(bad), -1)
	require.True(t, errors.Is(err, ErrBadMagic))
}

func TestFromFramesAndMean(t *testing.T) {
	frames := [][][]float32{
		{{1, 2}, {3, 4}},
		{{0, 0}, {2, 2}},
	}
	tn, err := FromFrames(frames)
	require.NoError(t, err)
	require.Equal(t, [3]int{2, 2, 2}, tn.Shape)
	require.Equal(t, []float32{2, 3}, tn.MeanPatch(0))
	require.Equal(t, []float32{1, 1}, tn.MeanPatch(1))

	_, err = FromFrames([][][]float32{{{1, 2}}, {{1}}})
	require.True(t, errors.Is(err, ErrBadShape))
}

func TestL2Normalize(t *testing.T) {
	v := []float32{3, 4}
	L2Normalize(v, 0)
	require.InDelta(t, 0.6, v[0], 1e-6)
	require.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	L2Normalize(zero, 1e-8)
	require.Equal(t, []float32{0, 0}, zero)
}
