package embedstore

import (
	"fmt"
	"time"

	"github.com/cyclopcam/frameselect/pkg/kibi"
)

// FormatInfo describes an entry on one line, for cache pickers and log output
func FormatInfo(e *Entry) string {
	c := e.Meta.Config
	norm := "raw"
	if c.Normalize {
		norm = "L2"
	}
	size := "missing array"
	if !e.Broken {
		size = kibi.Format(e.ArraySize)
	}
	return fmt.Sprintf("%v @%v, %v/%v, %v, %v frames %v, %v, %v",
		c.Model, c.InputSize, c.Transform.Mode, c.Transform.Alignment, norm,
		e.Meta.FrameCount, e.Meta.EmbeddingShape, size, formatAge(time.Since(e.ModifiedAt)))
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return "just now"
	} else if d < time.Hour {
		return fmt.Sprintf("%v minutes ago", int(d.Minutes()))
	} else if d < 48*time.Hour {
		return fmt.Sprintf("%v hours ago", int(d.Hours()))
	}
	return fmt.Sprintf("%v days ago", int(d.Hours()/24))
}
