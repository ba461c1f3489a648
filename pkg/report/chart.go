package report

import (
	"fmt"
	"io"

	"github.com/cyclopcam/frameselect/pkg/changestats"
	"github.com/cyclopcam/frameselect/pkg/stats"
	"github.com/fogleman/gg"
)

type rgb struct{ r, g, b float64 }

var (
	colorTotal         = rgb{0.2, 0.4, 0.9}
	colorConcentration = rgb{0.9, 0.25, 0.2}
	colorEntropy       = rgb{0.2, 0.7, 0.3}
)

const chartMargin = 30

// RenderChart draws the three smoothed signals (each scaled to its own min..max), with a vertical
// marker at every selected frame, and encodes the result as PNG.
func RenderChart(w io.Writer, smoothed *changestats.Series, selected []int, width, height int) error {
	dc, err := drawChart(smoothed, selected, width, height)
	if err != nil {
		return err
	}
	return dc.EncodePNG(w)
}

// SaveChart is RenderChart to a file
func SaveChart(filename string, smoothed *changestats.Series, selected []int, width, height int) error {
	dc, err := drawChart(smoothed, selected, width, height)
	if err != nil {
		return err
	}
	return dc.SavePNG(filename)
}

func drawChart(smoothed *changestats.Series, selected []int, width, height int) (*gg.Context, error) {
	if width <= 2*chartMargin || height <= 2*chartMargin {
		return nil, fmt.Errorf("Chart size %v x %v is too small", width, height)
	}
	n := smoothed.Len()
	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	plotW := float64(width - 2*chartMargin)
	plotH := float64(height - 2*chartMargin)
	// Frame f sits at transition f-1, so x spans frames 0..n
	xOf := func(frame int) float64 {
		if n == 0 {
			return chartMargin
		}
		return chartMargin + plotW*float64(frame)/float64(n)
	}

	dc.SetRGB(0.8, 0.8, 0.8)
	dc.SetLineWidth(1)
	for _, f := range selected {
		x := xOf(f)
		dc.DrawLine(x, chartMargin, x, chartMargin+plotH)
	}
	dc.Stroke()

	dc.SetRGB(0.3, 0.3, 0.3)
	dc.DrawRectangle(chartMargin, chartMargin, plotW, plotH)
	dc.Stroke()

	series := []struct {
		name   string
		values []float32
		color  rgb
	}{
		{"total change", smoothed.TotalChange, colorTotal},
		{"concentration", smoothed.Concentration, colorConcentration},
		{"entropy", smoothed.Entropy, colorEntropy},
	}
	for si, s := range series {
		lo := float64(stats.Min(s.values))
		hi := float64(stats.Max(s.values))
		span := hi - lo
		if span == 0 {
			span = 1
		}
		dc.SetRGB(s.color.r, s.color.g, s.color.b)
		dc.SetLineWidth(1.5)
		for i, v := range s.values {
			x := xOf(i + 1)
			y := chartMargin + plotH*(1-(float64(v)-lo)/span)
			if i == 0 {
				dc.MoveTo(x, y)
			} else {
				dc.LineTo(x, y)
			}
		}
		dc.Stroke()
		dc.DrawString(s.name, chartMargin+float64(si)*120, chartMargin-10)
	}

	dc.SetRGB(0, 0, 0)
	dc.DrawString(fmt.Sprintf("%v frames, %v selected", n+1, len(selected)), chartMargin, float64(height)-10)
	return dc, nil
}
