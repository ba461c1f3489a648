package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/frameselect/pkg/changestats"
	"github.com/cyclopcam/frameselect/pkg/framecat"
)

type WriteOptions struct {
	Overwrite   bool // Replace the output of a previous run
	Chart       bool // Also write ChartFilename
	ChartWidth  int  // Zero means 1200
	ChartHeight int  // Zero means 500
}

// Write produces the complete output of a selection in dir: the selected frames, the metrics
// CSV, and optionally the chart.
func Write(dir string, frames []framecat.Frame, smoothed *changestats.Series, selected []int, opts WriteOptions) error {
	if err := PrepareOutputDir(dir, opts.Overwrite); err != nil {
		return err
	}
	picked := make([]framecat.Frame, 0, len(selected))
	for _, idx := range selected {
		if idx < 0 || idx >= len(frames) {
			return fmt.Errorf("Selected frame %v is out of range", idx)
		}
		picked = append(picked, frames[idx])
	}
	if err := CopyFrames(picked, dir); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, MetricsFilename))
	if err != nil {
		return err
	}
	err = WriteMetricsCSV(f, frames, smoothed, selected)
	if errClose := f.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		return fmt.Errorf("Failed to write metrics: %w", err)
	}

	if opts.Chart {
		width, height := opts.ChartWidth, opts.ChartHeight
		if width == 0 {
			width = 1200
		}
		if height == 0 {
			height = 500
		}
		if err := SaveChart(filepath.Join(dir, ChartFilename), smoothed, selected, width, height); err != nil {
			return fmt.Errorf("Failed to write chart: %w", err)
		}
	}
	return nil
}
