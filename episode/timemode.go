package episode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"gopkg.in/guregu/null.v3"
)

// TimeMode says how time values in the export are to be read. It is always
// configured explicitly, never inferred from the data.
type TimeMode string

const (
	// Relative exports (anonymised) carry offsets: admin times in seconds,
	// series times in hours, both from an arbitrary origin.
	Relative TimeMode = "relative"
	// Absolute exports carry wall-clock timestamps.
	Absolute TimeMode = "absolute"
)

// Units of relative time values.
const (
	AdminUnit  = time.Second
	SeriesUnit = time.Hour
)

// ParseTimeMode validates a configured mode string.
func ParseTimeMode(s string) (TimeMode, error) {
	switch m := TimeMode(strings.ToLower(strings.TrimSpace(s))); m {
	case Relative, Absolute:
		return m, nil
	}
	return "", fmt.Errorf("time mode must be %q or %q, got %q", Relative, Absolute, s)
}

// Micros converts a raw time value to microseconds. In relative mode the
// value is a number (or numeric string) of unit. In absolute mode a JSON
// string is a timestamp read with dateparse and a JSON number is Unix
// seconds; the result is Unix microseconds. JSON null and blank strings give
// an invalid result without error. Values that are not finite or do not fit
// in int64 microseconds are errors.
func (m TimeMode) Micros(raw json.RawMessage, unit time.Duration) (null.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return null.Int{}, nil
	}
	s, jsonNull, err := ScalarString(raw)
	if err != nil {
		return null.Int{}, err
	}
	if jsonNull {
		return null.Int{}, nil
	}
	if raw[0] == '"' {
		return m.MicrosString(s, unit)
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return null.Int{}, fmt.Errorf("time %s is not a number", raw)
	}
	switch m {
	case Relative:
		return scaleMicros(v, unit)
	case Absolute:
		return scaleMicros(v, time.Second)
	}
	return null.Int{}, fmt.Errorf("time mode %q not configured", string(m))
}

// MicrosString is Micros for a value that was a JSON string. In absolute
// mode it is always parsed as a timestamp, never as Unix seconds.
func (m TimeMode) MicrosString(s string, unit time.Duration) (null.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return null.Int{}, nil
	}

	switch m {
	case Relative:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return null.Int{}, fmt.Errorf("relative time %q: %w", s, err)
		}
		return scaleMicros(v, unit)

	case Absolute:
		t, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return null.Int{}, fmt.Errorf("absolute time %q: %w", s, err)
		}
		if y := t.Year(); y < minYear || y > maxYear {
			return null.Int{}, fmt.Errorf("absolute time %q: year %d out of range", s, y)
		}
		return null.IntFrom(t.UnixMicro()), nil
	}
	return null.Int{}, fmt.Errorf("time mode %q not configured", string(m))
}

const (
	minYear = 1
	maxYear = 9999
)

// scaleMicros converts v units to microseconds.
func scaleMicros(v float64, unit time.Duration) (null.Int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return null.Int{}, fmt.Errorf("time %v is not finite", v)
	}
	us := math.Round(v * float64(unit/time.Microsecond))
	// float64(math.MaxInt64) rounds up to 2^63, which is itself out of range
	if us >= math.MaxInt64 || us < math.MinInt64 {
		return null.Int{}, fmt.Errorf("time %v %s out of range", v, unit)
	}
	return null.IntFrom(int64(us)), nil
}
