// Package changestats turns a sequence of per-frame patch embeddings into three scalar
// signals per transition (total change, concentration, entropy).
package changestats

import (
	"errors"
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/frameselect/pkg/stats"
	"github.com/cyclopcam/frameselect/pkg/tensor"
)

// Epsilon guards every division and log
const Epsilon = 1e-8

var ErrTooFewFrames = errors.New("Need at least 2 frames to compute change")

// Series holds one value per transition, for each of the three signals.
// Transition i is the change from frame i to frame i+1.
type Series struct {
	TotalChange   []float32 `json:"totalChange"`
	Concentration []float32 `json:"concentration"`
	Entropy       []float32 `json:"entropy"`
}

func (s *Series) Len() int {
	return len(s.TotalChange)
}

// Signals owns the raw signals of one session, and the most recent smoothing of them.
type Signals struct {
	Raw      Series
	Smoothed Series
	Window   int
}

// Compute derives raw change signals from E [T,P,D], and initializes Smoothed to Raw.
func Compute(E *tensor.Tensor3) (*Signals, error) {
	T, P, D := E.Frames(), E.Patches(), E.Dim()
	if T < 2 {
		return nil, fmt.Errorf("%w (have %v)", ErrTooFewFrames, T)
	}
	if P == 0 || D == 0 {
		return nil, fmt.Errorf("Embeddings have no patches or no features: %v", E.Shape)
	}
	n := T - 1
	raw := Series{
		TotalChange:   make([]float32, n),
		Concentration: make([]float32, n),
		Entropy:       make([]float32, n),
	}
	diff := make([]float32, P)
	for i := 0; i < n; i++ {
		PatchChange(E, i, diff)
		raw.TotalChange[i], raw.Concentration[i], raw.Entropy[i] = summarizeTransition(diff)
	}
	s := &Signals{
		Raw:    raw,
		Window: 1,
	}
	s.Smoothed = s.Raw.clone()
	return s, nil
}

// PatchChange writes the L2 distance of every patch, between frame i and frame i+1, into diff.
// len(diff) must equal E.Patches().
func PatchChange(E *tensor.Tensor3, i int, diff []float32) {
	for p := range diff {
		a := E.Patch(i, p)
		b := E.Patch(i+1, p)
		sum := float32(0)
		for k := range a {
			d := b[k] - a[k]
			sum += d * d
		}
		diff[p] = math32.Sqrt(sum)
	}
}

// Returns (total, concentration, entropy) of one transition's patch distances
func summarizeTransition(diff []float32) (float32, float32, float32) {
	sum := float32(0)
	max := float32(0)
	for _, d := range diff {
		sum += d
		if d > max {
			max = d
		}
	}
	mean := sum / float32(len(diff))
	conc := max / (mean + Epsilon)
	entropy := float32(0)
	for _, d := range diff {
		q := d / (sum + Epsilon)
		entropy -= q * math32.Log(q+Epsilon)
	}
	return mean, conc, entropy
}

// ApplySmoothing recomputes Smoothed from Raw with window w.
// We never smooth an already smoothed signal.
func (s *Signals) ApplySmoothing(w int) {
	if w < 1 {
		w = 1
	}
	s.Window = w
	s.Smoothed = Series{
		TotalChange:   Smooth(s.Raw.TotalChange, w),
		Concentration: Smooth(s.Raw.Concentration, w),
		Entropy:       Smooth(s.Raw.Entropy, w),
	}
}

// Smooth is a centered moving average of width w.
// The signal is padded by w/2 on both sides with its edge values, so the output has the same length
// as the input. For even w, the window leans one sample to the left.
// w <= 1 returns a copy of signal.
func Smooth(signal []float32, w int) []float32 {
	out := make([]float32, len(signal))
	if w <= 1 || len(signal) == 0 {
		copy(out, signal)
		return out
	}
	pad := w / 2
	n := len(signal)
	at := func(j int) float32 {
		j -= pad
		if j < 0 {
			j = 0
		} else if j >= n {
			j = n - 1
		}
		return signal[j]
	}
	for i := 0; i < n; i++ {
		sum := float32(0)
		for k := 0; k < w; k++ {
			sum += at(i + k)
		}
		out[i] = sum / float32(w)
	}
	return out
}

func (s Series) clone() Series {
	return Series{
		TotalChange:   append([]float32(nil), s.TotalChange...),
		Concentration: append([]float32(nil), s.Concentration...),
		Entropy:       append([]float32(nil), s.Entropy...),
	}
}

// SignalSummary is the mean and standard deviation of one signal
type SignalSummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

type Summary struct {
	TotalChange   SignalSummary `json:"totalChange"`
	Concentration SignalSummary `json:"concentration"`
	Entropy       SignalSummary `json:"entropy"`
}

func summarize(x []float32) SignalSummary {
	mean, variance := stats.MeanVar(x)
	return SignalSummary{Mean: mean, StdDev: math.Sqrt(variance)}
}

// Summary describes the raw signals
func (s *Signals) Summary() Summary {
	return Summary{
		TotalChange:   summarize(s.Raw.TotalChange),
		Concentration: summarize(s.Raw.Concentration),
		Entropy:       summarize(s.Raw.Entropy),
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("total change %.4f ± %.4f, concentration %.3f ± %.3f, entropy %.3f ± %.3f",
		s.TotalChange.Mean, s.TotalChange.StdDev,
		s.Concentration.Mean, s.Concentration.StdDev,
		s.Entropy.Mean, s.Entropy.StdDev)
}
