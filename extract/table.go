package extract

import (
	"sort"
	"strconv"
	"time"

	"gopkg.in/guregu/null.v3"

	"ccdinspect/fieldspec"
)

// Value is a coerced observation value. Only the member matching the
// table's Kind is used; all members are null for blank, coerced and
// placeholder rows.
type Value struct {
	Num  null.Float  // Continuous
	Text null.String // Categorical
	At   null.Time   // Temporal
}

// IsNull reports whether no member is set.
func (v Value) IsNull() bool {
	return !v.Num.Valid && !v.Text.Valid && !v.At.Valid
}

// String formats the value for display; null gives "".
func (v Value) String() string {
	switch {
	case v.Num.Valid:
		return strconv.FormatFloat(v.Num.Float64, 'f', -1, 64)
	case v.Text.Valid:
		return v.Text.String
	case v.At.Valid:
		return v.At.Time.UTC().Format(time.RFC3339)
	}
	return ""
}

// Observation is one row of an extracted field table.
type Observation struct {
	EpisodeKey string
	SiteID     string
	EpisodeID  string
	Value      Value
	// Time is set for time-series fields, microseconds as stored by the
	// normalizer.
	Time null.Int
	Meta null.String
	// ByVar is the grouping value, always taken from the info table.
	ByVar null.String
	// Missing marks a placeholder for an episode without observations.
	Missing bool
	// Coerced marks a non-blank value that could not be read as the
	// field's type.
	Coerced bool
}

// FieldTable is the extracted long-format table of one field. It is not
// modified after Extract returns; Filter and Observed build new tables.
type FieldTable struct {
	Entry      fieldspec.Entry
	Kind       fieldspec.Kind
	By         string
	TimeSeries bool
	Rows       []Observation
	// Coerced counts rows with Coerced set.
	Coerced int

	v variant
}

func (ft *FieldTable) derive(rows []Observation) *FieldTable {
	return &FieldTable{
		Entry:      ft.Entry,
		Kind:       ft.Kind,
		By:         ft.By,
		TimeSeries: ft.TimeSeries,
		Rows:       rows,
		Coerced:    countCoerced(rows),
		v:          ft.v,
	}
}

// Filter returns the rows whose grouping value equals level.
func (ft *FieldTable) Filter(level string) *FieldTable {
	var rows []Observation
	for _, r := range ft.Rows {
		if r.ByVar.Valid && r.ByVar.String == level {
			rows = append(rows, r)
		}
	}
	return ft.derive(rows)
}

// Observed drops placeholder rows. On a table extracted with DropMissing
// false this gives the same rows as extracting with DropMissing true.
func (ft *FieldTable) Observed() *FieldTable {
	rows := make([]Observation, 0, len(ft.Rows))
	for _, r := range ft.Rows {
		if !r.Missing {
			rows = append(rows, r)
		}
	}
	return ft.derive(rows)
}

// ByLevels returns the distinct non-null grouping values, sorted.
func (ft *FieldTable) ByLevels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range ft.Rows {
		if r.ByVar.Valid && !seen[r.ByVar.String] {
			seen[r.ByVar.String] = true
			out = append(out, r.ByVar.String)
		}
	}
	sort.Strings(out)
	return out
}

// Levels returns the distinct non-null values, sorted. For categorical
// fields these are the category levels, derived only from what was
// observed.
func (ft *FieldTable) Levels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range ft.Rows {
		if r.Value.IsNull() {
			continue
		}
		s := r.Value.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// EpisodeKeys returns the distinct episode keys with at least one
// observation, in row order.
func (ft *FieldTable) EpisodeKeys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range ft.Rows {
		if r.Missing || seen[r.EpisodeKey] {
			continue
		}
		seen[r.EpisodeKey] = true
		out = append(out, r.EpisodeKey)
	}
	return out
}

// Len returns the number of rows, placeholders included.
func (ft *FieldTable) Len() int { return len(ft.Rows) }

// Describe summarises the non-placeholder rows.
func (ft *FieldTable) Describe() Description {
	return ft.v.describe(observed(ft.Rows))
}

// Tabulate counts the rows per level. Only categorical fields have levels;
// other kinds return nil.
func (ft *FieldTable) Tabulate() []LevelCount {
	return ft.v.tabulate(observed(ft.Rows))
}

func observed(rows []Observation) []Observation {
	out := make([]Observation, 0, len(rows))
	for _, r := range rows {
		if !r.Missing {
			out = append(out, r)
		}
	}
	return out
}

func countCoerced(rows []Observation) int {
	n := 0
	for _, r := range rows {
		if r.Coerced {
			n++
		}
	}
	return n
}
