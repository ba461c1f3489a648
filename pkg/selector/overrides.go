package selector

import (
	"fmt"
	"sort"
)

// ForceState is a manual decision about one frame, which trumps the automatic selection
type ForceState int

const (
	ForceNeutral  ForceState = iota // Follow the automatic selection
	ForceSelect                     // Always selected
	ForceUnselect                   // Never selected
)

func (f ForceState) String() string {
	switch f {
	case ForceNeutral:
		return "neutral"
	case ForceSelect:
		return "select"
	case ForceUnselect:
		return "unselect"
	}
	return fmt.Sprintf("ForceState(%d)", int(f))
}

func (f ForceState) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Toggle cycles neutral -> select -> unselect -> neutral
func (f ForceState) Toggle() ForceState {
	switch f {
	case ForceNeutral:
		return ForceSelect
	case ForceSelect:
		return ForceUnselect
	}
	return ForceNeutral
}

// Overrides holds the manual force state of frames. The zero value is not usable; use NewOverrides.
type Overrides struct {
	state map[int]ForceState
}

func NewOverrides() *Overrides {
	return &Overrides{state: map[int]ForceState{}}
}

func (o *Overrides) Get(frame int) ForceState {
	return o.state[frame]
}

func (o *Overrides) Set(frame int, f ForceState) {
	if f == ForceNeutral {
		delete(o.state, frame)
	} else {
		o.state[frame] = f
	}
}

// Toggle advances the force state of frame, and returns the new state
func (o *Overrides) Toggle(frame int) ForceState {
	next := o.Get(frame).Toggle()
	o.Set(frame, next)
	return next
}

func (o *Overrides) Clear() {
	o.state = map[int]ForceState{}
}

// All returns a copy of every non-neutral state
func (o *Overrides) All() map[int]ForceState {
	all := make(map[int]ForceState, len(o.state))
	for k, v := range o.state {
		all[k] = v
	}
	return all
}

// Apply returns (auto ∪ forced) − unforced, in ascending order
func (o *Overrides) Apply(auto []int) []int {
	set := map[int]bool{}
	for _, f := range auto {
		set[f] = true
	}
	for f, s := range o.state {
		switch s {
		case ForceSelect:
			set[f] = true
		case ForceUnselect:
			delete(set, f)
		}
	}
	out := make([]int, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

// Diff returns the frames in next that are not in prev (added), and vice versa (removed)
func Diff(prev, next []int) (added, removed []int) {
	inPrev := map[int]bool{}
	for _, f := range prev {
		inPrev[f] = true
	}
	inNext := map[int]bool{}
	for _, f := range next {
		inNext[f] = true
	}
	added = []int{}
	removed = []int{}
	for _, f := range next {
		if !inPrev[f] {
			added = append(added, f)
		}
	}
	for _, f := range prev {
		if !inNext[f] {
			removed = append(removed, f)
		}
	}
	sort.Ints(added)
	sort.Ints(removed)
	return
}
