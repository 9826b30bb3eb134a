// Package units formats and parses the human readable quantities used on the
// command line and in the report.
package units

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var ErrInvalid = errors.New("invalid quantity")

// FormatBinary formats a byte count with IEC prefixes, e.g. "1.5 MiB".
func FormatBinary(n float64) string {
	if n < 0 || math.IsNaN(n) {
		n = 0
	}

	return humanize.IBytes(uint64(n))
}

// FormatMetric formats a count with SI prefixes and two decimals, e.g.
// "12.30k".
func FormatMetric(n float64) string {
	v, prefix := humanize.ComputeSI(n)

	return fmt.Sprintf("%.2f%s", v, prefix)
}

var timeUnits = []struct {
	scale  float64
	suffix string
}{
	{1, "us"},
	{1e3, "ms"},
	{1e6, "s"},
	{60e6, "m"},
	{3600e6, "h"},
}

// FormatTimeUs formats a duration given in microseconds, e.g. "1.25ms".
func FormatTimeUs(us float64) string {
	u := timeUnits[0]
	for _, next := range timeUnits[1:] {
		if math.Abs(us) < next.scale {
			break
		}
		u = next
	}

	return fmt.Sprintf("%.2f%s", us/u.scale, u.suffix)
}

// ParseMetric parses a non-negative count with an optional SI suffix such
// as "10k" or "1.5M".
func ParseMetric(s string) (uint64, error) {
	v, unit, err := humanize.ParseSI(strings.TrimSpace(s))
	if err != nil || unit != "" || v < 0 || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}

	return uint64(math.Round(v)), nil
}

// ParseDuration accepts Go duration syntax ("10s", "1m30s") and bare numbers,
// which are taken as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%w: negative duration %q", ErrInvalid, s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: negative duration %q", ErrInvalid, s)
	}

	return d, nil
}
