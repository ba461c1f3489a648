package embedder

import (
	"context"
	"fmt"

	"github.com/chewxy/math32"
)

// PatchStats is a deterministic, model-free backend. It divides the input into square patches,
// and describes each patch by its colour statistics and gradient energy.
// It is useful on hosts without an inference service, and in tests.
type PatchStats struct {
	inputSize int
	patchSize int
}

// PatchStatsModel is the model identifier reported by PatchStats
const PatchStatsModel = "patchstats16"

// Features per patch: mean RGB, stddev RGB, horizontal and vertical gradient energy
const patchStatsDim = 8

func NewPatchStats(inputSize int) (*PatchStats, error) {
	const patchSize = 16
	if inputSize < patchSize || inputSize%patchSize != 0 {
		return nil, fmt.Errorf("PatchStats input size must be a multiple of %v, not %v", patchSize, inputSize)
	}
	return &PatchStats{
		inputSize: inputSize,
		patchSize: patchSize,
	}, nil
}

func (b *PatchStats) Info() BackendInfo {
	n := b.inputSize / b.patchSize
	return BackendInfo{
		Model:     PatchStatsModel,
		InputSize: b.inputSize,
		Patches:   n * n,
		Dim:       patchStatsDim,
	}
}

func (b *PatchStats) Close() error {
	return nil
}

func (b *PatchStats) Embed(ctx context.Context, batch [][]float32, normalize bool) ([][][]float32, error) {
	size := b.inputSize
	plane := size * size
	out := make([][][]float32, len(batch))
	for i, img := range batch {
		if len(img) != 3*plane {
			return nil, fmt.Errorf("Image %v has %v values, expected %v", i, len(img), 3*plane)
		}
		out[i] = b.embedOne(img)
	}
	if normalize {
		L2NormalizePatches(out)
	}
	return out, nil
}

func (b *PatchStats) embedOne(img []float32) [][]float32 {
	size := b.inputSize
	ps := b.patchSize
	plane := size * size
	n := size / ps
	inv := 1 / float32(ps*ps)
	patches := make([][]float32, 0, n*n)
	for py := 0; py < n; py++ {
		for px := 0; px < n; px++ {
			f := make([]float32, patchStatsDim)
			for c := 0; c < 3; c++ {
				sum, sum2 := float32(0), float32(0)
				for y := py * ps; y < (py+1)*ps; y++ {
					row := img[c*plane+y*size:]
					for x := px * ps; x < (px+1)*ps; x++ {
						v := row[x]
						sum += v
						sum2 += v * v
					}
				}
				mean := sum * inv
				f[c] = mean
				f[3+c] = math32.Sqrt(max(sum2*inv-mean*mean, 0))
			}
			// Gradient energy of the green channel, as a cheap luma stand-in
			g := img[plane : 2*plane]
			gx, gy := float32(0), float32(0)
			for y := py * ps; y < (py+1)*ps; y++ {
				for x := px * ps; x < (px+1)*ps; x++ {
					if x+1 < size {
						gx += math32.Abs(g[y*size+x+1] - g[y*size+x])
					}
					if y+1 < size {
						gy += math32.Abs(g[(y+1)*size+x] - g[y*size+x])
					}
				}
			}
			f[6] = gx * inv
			f[7] = gy * inv
			patches = append(patches, f)
		}
	}
	return patches
}
