package extract

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
	"gopkg.in/guregu/null.v3"

	"ccdinspect/fieldspec"
)

// Description summarises a field table.
type Description struct {
	// Rows counts every observation, null values included.
	Rows int
	// Count counts non-null values.
	Count int
	// Unique counts distinct non-null values.
	Unique  int
	Coerced int

	// Continuous only.
	Min, Q1, Median, Q3, Max null.Float
	Mean, Std                null.Float

	// Temporal only.
	First, Last null.Time
}

// LevelCount is one category level with its frequency. Pct is N over all
// observations, nulls included.
type LevelCount struct {
	Level string
	N     int
	Pct   float64
}

// variant is the per-kind behaviour of a field table. The set is closed.
type variant interface {
	kind() fieldspec.Kind
	// coerce reads a non-blank raw value. ok is false when it cannot be
	// read; the returned value is then null.
	coerce(raw string) (v Value, ok bool)
	describe(rows []Observation) Description
	tabulate(rows []Observation) []LevelCount
}

var variants = map[fieldspec.Kind]variant{
	fieldspec.Continuous:  continuous{},
	fieldspec.Categorical: categorical{},
	fieldspec.Temporal:    temporal{},
}

func baseDescription(rows []Observation) Description {
	d := Description{Rows: len(rows)}
	seen := make(map[string]bool)
	for _, r := range rows {
		if r.Coerced {
			d.Coerced++
		}
		if r.Value.IsNull() {
			continue
		}
		d.Count++
		seen[r.Value.String()] = true
	}
	d.Unique = len(seen)
	return d
}

type continuous struct{}

func (continuous) kind() fieldspec.Kind { return fieldspec.Continuous }

func (continuous) coerce(raw string) (Value, bool) {
	f, err := cast.ToFloat64E(strings.TrimSpace(raw))
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, false
	}
	return Value{Num: null.FloatFrom(f)}, true
}

func (continuous) describe(rows []Observation) Description {
	d := baseDescription(rows)
	vals := make([]float64, 0, d.Count)
	for _, r := range rows {
		if r.Value.Num.Valid {
			vals = append(vals, r.Value.Num.Float64)
		}
	}
	if len(vals) == 0 {
		return d
	}
	sort.Float64s(vals)
	d.Min = null.FloatFrom(vals[0])
	d.Q1 = null.FloatFrom(quantile(vals, 0.25))
	d.Median = null.FloatFrom(quantile(vals, 0.5))
	d.Q3 = null.FloatFrom(quantile(vals, 0.75))
	d.Max = null.FloatFrom(vals[len(vals)-1])
	m := mean(vals)
	d.Mean = null.FloatFrom(m)
	if len(vals) > 1 {
		d.Std = null.FloatFrom(stddev(vals, m))
	}
	return d
}

func (continuous) tabulate([]Observation) []LevelCount { return nil }

type categorical struct{}

func (categorical) kind() fieldspec.Kind { return fieldspec.Categorical }

func (categorical) coerce(raw string) (Value, bool) {
	return Value{Text: null.StringFrom(raw)}, true
}

func (categorical) describe(rows []Observation) Description {
	return baseDescription(rows)
}

func (categorical) tabulate(rows []Observation) []LevelCount {
	counts := make(map[string]int)
	for _, r := range rows {
		if r.Value.Text.Valid {
			counts[r.Value.Text.String]++
		}
	}
	out := make([]LevelCount, 0, len(counts))
	for lvl, n := range counts {
		out = append(out, LevelCount{Level: lvl, N: n, Pct: float64(n) / float64(len(rows))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

type temporal struct{}

func (temporal) kind() fieldspec.Kind { return fieldspec.Temporal }

var clockLayouts = []string{"15:04:05", "15:04"}

func (temporal) coerce(raw string) (Value, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Value{At: null.TimeFrom(t)}, true
		}
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return Value{}, false
	}
	return Value{At: null.TimeFrom(t.UTC())}, true
}

func (temporal) describe(rows []Observation) Description {
	d := baseDescription(rows)
	for _, r := range rows {
		if !r.Value.At.Valid {
			continue
		}
		t := r.Value.At.Time
		if !d.First.Valid || t.Before(d.First.Time) {
			d.First = null.TimeFrom(t)
		}
		if !d.Last.Valid || t.After(d.Last.Time) {
			d.Last = null.TimeFrom(t)
		}
	}
	return d
}

func (temporal) tabulate([]Observation) []LevelCount { return nil }

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// stddev is the sample standard deviation (n-1 denominator).
func stddev(vals []float64, m float64) float64 {
	var ss float64
	for _, v := range vals {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}
