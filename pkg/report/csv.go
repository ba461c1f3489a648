package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/cyclopcam/frameselect/pkg/changestats"
	"github.com/cyclopcam/frameselect/pkg/framecat"
)

var metricsHeader = []string{"frame_index", "frame_number", "filename", "total_change", "concentration", "entropy", "selected"}

// WriteMetricsCSV writes one row per frame. Frame i carries the smoothed metrics of transition i-1,
// so the first frame has empty metric cells.
func WriteMetricsCSV(w io.Writer, frames []framecat.Frame, smoothed *changestats.Series, selected []int) error {
	isSelected := map[int]bool{}
	for _, s := range selected {
		isSelected[s] = true
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(metricsHeader); err != nil {
		return err
	}
	for i, f := range frames {
		number, ok := f.Number()
		if !ok {
			number = f.DisplayNumber()
		}
		tc, conc, ent := "", "", ""
		if i > 0 && i-1 < smoothed.Len() {
			tc = formatFloat(smoothed.TotalChange[i-1])
			conc = formatFloat(smoothed.Concentration[i-1])
			ent = formatFloat(smoothed.Entropy[i-1])
		}
		sel := "no"
		if isSelected[i] {
			sel = "yes"
		}
		row := []string{strconv.Itoa(i), strconv.Itoa(number), f.Filename(), tc, conc, ent, sel}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}
