// Package kibi formats and parses byte sizes in powers of 1024
package kibi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidSize = errors.New("Invalid byte size")

var units = []string{"bytes", "KB", "MB", "GB", "TB", "PB"}

// Format returns eg "512 bytes", "1.5 MB", "24.0 GB"
func Format(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%v bytes", b)
	}
	v := float64(b)
	u := 0
	for v >= 1024 && u < len(units)-1 {
		v /= 1024
		u++
	}
	return fmt.Sprintf("%.1f %v", v, units[u])
}

// Parse accepts a number with an optional unit, such as "2 GB", "1.5g", "300mb", or "4096".
// Units are case insensitive, and the trailing 'b' is optional.
func Parse(s string) (int64, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	end := 0
	for end < len(v) && (v[end] == '.' || (v[end] >= '0' && v[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("%w '%v'", ErrInvalidSize, s)
	}
	num, err := strconv.ParseFloat(v[:end], 64)
	if err != nil {
		return 0, fmt.Errorf("%w '%v'", ErrInvalidSize, s)
	}
	suffix := strings.TrimSpace(v[end:])
	multiplier := float64(1)
	switch suffix {
	case "", "b", "bytes":
	case "k", "kb":
		multiplier = 1 << 10
	case "m", "mb":
		multiplier = 1 << 20
	case "g", "gb":
		multiplier = 1 << 30
	case "t", "tb":
		multiplier = 1 << 40
	default:
		return 0, fmt.Errorf("%w '%v'", ErrInvalidSize, s)
	}
	return int64(num * multiplier), nil
}
