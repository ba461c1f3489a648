package engine

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"

	"github.com/cyclopcam/frameselect/pkg/changestats"
	"github.com/cyclopcam/frameselect/pkg/diversity"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/frameselect/pkg/selector"
	"github.com/google/uuid"
)

// SelectRequest is one round of selection within a session
type SelectRequest struct {
	Params      selector.Params `json:"params"`
	TargetCount int             `json:"targetCount" validate:"gte=0"` // If > 0, auto-calibrate the concentration percentile
	Diversity   bool            `json:"diversity"`                    // Prune with farthest-point sampling
	Seed        *uint64         `json:"seed,omitempty"`               // Seed for the first diversity point. Random if nil.
}

// Selection is the outcome of a selection round
type Selection struct {
	Frames                  []int               `json:"frames"` // Final selection, after diversity and overrides
	Auto                    []int               `json:"auto"`   // Automatic selection, before overrides
	Added                   []int               `json:"added"`  // Relative to the previous round
	Removed                 []int               `json:"removed"`
	Thresholds              selector.Thresholds `json:"thresholds"`
	ConcentrationPercentile float64             `json:"concentrationPercentile"` // Differs from the request when auto-calibrating
}

// Session is the in-memory state of one frames directory: its embeddings, the signals
// derived from them, and the current selection. It is safe for concurrent use.
type Session struct {
	ID         string
	FramesDir  string
	Frames     []framecat.Frame
	Embeddings *Embeddings

	lock      sync.Mutex
	signals   *changestats.Signals
	overrides *selector.Overrides
	request   SelectRequest
	auto      []int
	selected  []int
}

func NewSession(frames []framecat.Frame, emb *Embeddings) (*Session, error) {
	if emb.Tensor.Frames() != len(frames) {
		return nil, fmt.Errorf("Embeddings have %v frames, but the catalog has %v", emb.Tensor.Frames(), len(frames))
	}
	sig, err := changestats.Compute(emb.Tensor)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:         uuid.NewString(),
		FramesDir:  filepath.Dir(frames[0].Path),
		Frames:     frames,
		Embeddings: emb,
		signals:    sig,
		overrides:  selector.NewOverrides(),
		auto:       []int{},
		selected:   []int{},
	}, nil
}

// Signals returns a copy of the raw and smoothed signals
func (s *Session) Signals() changestats.Signals {
	s.lock.Lock()
	defer s.lock.Unlock()
	return *s.signals
}

func (s *Session) Summary() changestats.Summary {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.signals.Summary()
}

// Selected returns the current final selection
func (s *Session) Selected() []int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]int{}, s.selected...)
}

func (s *Session) Request() SelectRequest {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.request
}

func (s *Session) Overrides() map[int]selector.ForceState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.overrides.All()
}

// Select runs a selection round. Smoothing is only recomputed when the temporal window changes.
func (s *Session) Select(req SelectRequest) (*Selection, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	if req.TargetCount < 0 {
		return nil, fmt.Errorf("Invalid target count %v", req.TargetCount)
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	if req.Params.TemporalWindow != s.signals.Window {
		s.signals.ApplySmoothing(req.Params.TemporalWindow)
	}
	sm := &s.signals.Smoothed

	var auto []int
	params := req.Params
	if req.TargetCount > 0 {
		auto, params.ConcentrationPercentile = selector.AutoCalibrate(sm, params, req.TargetCount)
	} else {
		auto = selector.Select(sm, params)
	}

	if req.Diversity && len(auto) > 1 {
		reps := diversity.Representations(s.Embeddings.Tensor, auto)
		keep := diversity.KeepCount(len(auto), req.TargetCount)
		seed := rand.Uint64()
		if req.Seed != nil {
			seed = *req.Seed
		}
		picked := diversity.FarthestPoints(reps, keep, rand.New(rand.NewPCG(seed, seed)))
		pruned := make([]int, len(picked))
		for i, p := range picked {
			pruned[i] = auto[p]
		}
		auto = pruned
	}

	s.request = req
	s.auto = auto
	sel := s.finish()
	sel.Thresholds = selector.ComputeThresholds(sm, params)
	sel.ConcentrationPercentile = params.ConcentrationPercentile
	return sel, nil
}

// ToggleForce cycles the force state of a frame, and re-applies the overrides to the
// current automatic selection.
func (s *Session) ToggleForce(frame int) (selector.ForceState, *Selection, error) {
	if frame < 0 || frame >= len(s.Frames) {
		return 0, nil, fmt.Errorf("Frame %v out of range [0, %v)", frame, len(s.Frames))
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	state := s.overrides.Toggle(frame)
	sel := s.finish()
	sel.ConcentrationPercentile = s.request.Params.ConcentrationPercentile
	return state, sel, nil
}

// Apply overrides, and diff against the previous round. Must be called with lock held.
func (s *Session) finish() *Selection {
	final := s.overrides.Apply(s.auto)
	added, removed := selector.Diff(s.selected, final)
	s.selected = final
	return &Selection{
		Frames:  append([]int{}, final...),
		Auto:    append([]int{}, s.auto...),
		Added:   added,
		Removed: removed,
	}
}

// SelectedFrames returns the catalog entries of the current selection
func (s *Session) SelectedFrames() []framecat.Frame {
	sel := s.Selected()
	out := make([]framecat.Frame, len(sel))
	for i, idx := range sel {
		out[i] = s.Frames[idx]
	}
	return out
}
