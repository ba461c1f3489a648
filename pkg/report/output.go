// Package report writes the results of a selection: copied frames, a metrics CSV, and a chart.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/frameselect/pkg/iox"
)

var ErrOutputNotEmpty = errors.New("Output directory is not empty")

// Files that we consider to be the output of a previous run
var outputExtensions = []string{".jpg", ".jpeg", ".png", ".csv"}

const MetricsFilename = "frame_metrics.csv"
const ChartFilename = "signals.png"

func isOutputFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range outputExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// PrepareOutputDir creates dir if necessary. If dir already holds the output of a previous run,
// then we fail with ErrOutputNotEmpty, unless overwrite is true, in which case those files are deleted.
func PrepareOutputDir(dir string, overwrite bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("Failed to create output directory %v: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	existing := []string{}
	for _, e := range entries {
		if e.Type().IsRegular() && isOutputFile(e.Name()) {
			existing = append(existing, e.Name())
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if !overwrite {
		return fmt.Errorf("%w: %v has %v image or CSV files. Use --overwrite to replace them", ErrOutputNotEmpty, dir, len(existing))
	}
	for _, name := range existing {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("Failed to clear output directory: %w", err)
		}
	}
	return nil
}

// CopyFrames copies frames into dir, keeping their filenames and modification times
func CopyFrames(frames []framecat.Frame, dir string) error {
	for _, f := range frames {
		if err := iox.CopyFile(f.Path, filepath.Join(dir, f.Filename())); err != nil {
			return fmt.Errorf("Failed to copy %v: %w", f.Filename(), err)
		}
	}
	return nil
}
