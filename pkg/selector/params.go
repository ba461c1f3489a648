package selector

import (
	"fmt"

	"github.com/cyclopcam/frameselect/pkg/validation"
)

// Params governs candidate selection. It has no effect on embeddings or the cache.
type Params struct {
	ConcentrationPercentile float64 `json:"concentrationPercentile" validate:"gte=0,lte=100"`
	TotalChangePercentile   float64 `json:"totalChangePercentile" validate:"gte=0,lte=100"`
	EntropyPercentile       float64 `json:"entropyPercentile" validate:"gte=0,lte=100"`
	TemporalWindow          int     `json:"temporalWindow" validate:"gte=1"`
	MinSpacing              int     `json:"minSpacing" validate:"gte=1"`
	LocalMaxWindow          int     `json:"localMaxWindow" validate:"gte=0"` // 0 = same as MinSpacing
}

func NewParams() Params {
	return Params{
		ConcentrationPercentile: 90,
		TotalChangePercentile:   60,
		EntropyPercentile:       40,
		TemporalWindow:          5,
		MinSpacing:              5,
	}
}

func (p *Params) Validate() error {
	return validation.Struct(p)
}

// EffectiveLocalMaxWindow is the half-width of the local maximum test
func (p *Params) EffectiveLocalMaxWindow() int {
	if p.LocalMaxWindow > 0 {
		return p.LocalMaxWindow
	}
	return p.MinSpacing
}

func (p Params) String() string {
	return fmt.Sprintf("conc p%g, total p%g, entropy p%g, window %v, spacing %v, local max ±%v",
		p.ConcentrationPercentile, p.TotalChangePercentile, p.EntropyPercentile, p.TemporalWindow, p.MinSpacing, p.EffectiveLocalMaxWindow())
}
