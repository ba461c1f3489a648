// Package framecat builds the ordered list of frames in a directory.
// The catalog is cheap to build, so we rebuild it on every run instead of persisting it.
package framecat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SupportedExtensions are compared against the lower-cased file extension
var SupportedExtensions = []string{".jpg", ".jpeg", ".png"}

// We need at least one transition, so fewer than 2 frames is an error
var ErrEmptyCatalog = errors.New("Need at least 2 frames")

// Frame is one image in a sorted frame directory
type Frame struct {
	Index int    // 0-based position in the sorted catalog
	Path  string // Full path to the image file
}

// Filename returns the base name of the frame file
func (f Frame) Filename() string {
	return filepath.Base(f.Path)
}

// DisplayNumber is the 1-based frame number shown to humans
func (f Frame) DisplayNumber() int {
	return f.Index + 1
}

// Number returns the integer prefix of the filename, if there is one.
// Capture tools name frames like "0042_20231215_143045.jpg".
// This is informational only. Ordering is always by filename.
func (f Frame) Number() (int, bool) {
	return ParseNumber(f.Filename())
}

// ParseNumber extracts the integer before the first underscore of a filename.
// The extension is not stripped, so "0042.jpg" has no frame number.
func ParseNumber(filename string) (int, bool) {
	prefix, _, _ := strings.Cut(filename, "_")
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsSupported returns true if the filename has an image extension that we can decode
func IsSupported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Scan lists the frames in dir, sorted by filename.
func Scan(dir string) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("Failed to read frame directory %v: %w", dir, err)
	}
	names := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsSupported(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) < 2 {
		return nil, fmt.Errorf("%w in %v (found %v)", ErrEmptyCatalog, dir, len(names))
	}
	frames := make([]Frame, len(names))
	for i, name := range names {
		frames[i] = Frame{
			Index: i,
			Path:  filepath.Join(dir, name),
		}
	}
	return frames, nil
}

// Filenames returns the base names of the frames, in catalog order
func Filenames(frames []Frame) []string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Filename()
	}
	return names
}
