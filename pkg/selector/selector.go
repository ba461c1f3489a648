// Package selector turns smoothed change signals into a list of frame indices.
// Everything here is a pure function of its inputs.
package selector

import (
	"github.com/cyclopcam/frameselect/pkg/changestats"
	"github.com/cyclopcam/frameselect/pkg/stats"
)

// Threshold values, in signal units
type Thresholds struct {
	Concentration float32 `json:"concentration"`
	TotalChange   float32 `json:"totalChange"`
	Entropy       float32 `json:"entropy"`
}

// ComputeThresholds returns the percentiles of each smoothed signal, as given by params
func ComputeThresholds(sig *changestats.Series, params Params) Thresholds {
	return Thresholds{
		Concentration: float32(stats.Percentile(sig.Concentration, params.ConcentrationPercentile)),
		TotalChange:   float32(stats.Percentile(sig.TotalChange, params.TotalChangePercentile)),
		Entropy:       float32(stats.Percentile(sig.Entropy, params.EntropyPercentile)),
	}
}

// Select returns ascending frame indices in [1, T-1].
// The result is empty (never nil) when no transition passes the thresholds.
func Select(sig *changestats.Series, params Params) []int {
	if sig.Len() == 0 {
		return []int{}
	}
	return SelectWithThresholds(sig, ComputeThresholds(sig, params), params)
}

// SelectWithThresholds is Select with absolute thresholds instead of percentiles.
func SelectWithThresholds(sig *changestats.Series, th Thresholds, params Params) []int {
	conc := sig.Concentration
	total := sig.TotalChange
	entropy := sig.Entropy

	// Transition i is attributed to frame i+1, where the new state becomes visible.
	// A transition with no change at all is never a candidate, regardless of thresholds.
	candidates := []int{}
	for i := range conc {
		if conc[i] >= th.Concentration && total[i] >= th.TotalChange && entropy[i] <= th.Entropy && total[i] > 0 {
			candidates = append(candidates, i+1)
		}
	}

	// Local maximum of concentration. Equal neighbours keep the candidate.
	window := params.EffectiveLocalMaxWindow()
	peaks := []int{}
	for _, frame := range candidates {
		t := frame - 1
		isPeak := true
		for off := -window; off <= window && isPeak; off++ {
			nb := t + off
			if off == 0 || nb < 0 || nb >= len(conc) {
				continue
			}
			if conc[t] < conc[nb] {
				isPeak = false
			}
		}
		if isPeak {
			peaks = append(peaks, frame)
		}
	}

	return EnforceSpacing(peaks, params.MinSpacing)
}

// EnforceSpacing greedily keeps ascending frames that are at least minSpacing past the last kept frame.
// The first frame is always kept.
func EnforceSpacing(frames []int, minSpacing int) []int {
	kept := []int{}
	for _, f := range frames {
		if len(kept) == 0 || f-kept[len(kept)-1] >= minSpacing {
			kept = append(kept, f)
		}
	}
	return kept
}

// AutoCalibrationSteps is the descending schedule of concentration percentiles tried by AutoCalibrate
var AutoCalibrationSteps = []float64{95, 90, 85, 80, 75, 70, 65, 60, 55, 50, 45, 40, 35, 30, 25, 20, 15, 10, 5}

// AutoCalibrate lowers the concentration percentile step by step, and stops at the first step
// that yields at most target frames. If no step does, the result of the last step is returned.
// Returns the selection and the concentration percentile that produced it.
func AutoCalibrate(sig *changestats.Series, params Params, target int) ([]int, float64) {
	var selected []int
	var percentile float64
	for _, p := range AutoCalibrationSteps {
		params.ConcentrationPercentile = p
		selected = Select(sig, params)
		percentile = p
		if len(selected) <= target {
			break
		}
	}
	return selected, percentile
}
