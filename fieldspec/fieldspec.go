// Package fieldspec holds the data dictionary that describes every clinical
// field code: its declared datatype, display label and whether it is recorded
// as a time series.
package fieldspec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownField is returned when a field code is not in the spec.
	ErrUnknownField = errors.New("unknown field code")
	// ErrUnknownDatatype is returned for datatype strings outside the closed set.
	ErrUnknownDatatype = errors.New("unrecognised datatype")
)

// Datatype is the declared type of a field as written in the dictionary.
type Datatype string

const (
	Numeric     Datatype = "numeric"
	Text        Datatype = "text"
	List        Datatype = "list"
	ListLogical Datatype = "list / logical"
	Logical     Datatype = "logical"
	Date        Datatype = "date"
	Time        Datatype = "time"
	DateTime    Datatype = "date/time"
)

// ParseDatatype maps a dictionary string onto the closed Datatype set.
// Matching ignores case and surrounding space.
func ParseDatatype(s string) (Datatype, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "datetime":
		return DateTime, nil
	case "list/logical":
		return ListLogical, nil
	}
	d := Datatype(norm)
	if _, ok := kindByDatatype[d]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDatatype, s)
	}
	return d, nil
}

// Kind is the analysis variant a datatype is handled as.
type Kind int

const (
	Continuous Kind = iota + 1
	Categorical
	Temporal
)

func (k Kind) String() string {
	switch k {
	case Continuous:
		return "continuous"
	case Categorical:
		return "categorical"
	case Temporal:
		return "datetime"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var kindByDatatype = map[Datatype]Kind{
	Numeric:     Continuous,
	Text:        Categorical,
	List:        Categorical,
	ListLogical: Categorical,
	Logical:     Categorical,
	Date:        Temporal,
	Time:        Temporal,
	DateTime:    Temporal,
}

// Kind returns the variant for d. Unknown datatypes return 0.
func (d Datatype) Kind() Kind {
	return kindByDatatype[d]
}

// Entry is one field of the dictionary.
type Entry struct {
	Code       string
	Datatype   Datatype
	Label      string
	TimeSeries bool
	DtCode     string // code of the paired time column for 2D items
	MetaCode   string
}

// Kind is shorthand for e.Datatype.Kind().
func (e Entry) Kind() Kind {
	return e.Datatype.Kind()
}

// Spec is an immutable field dictionary keyed by field code. It is safe to
// share between goroutines.
type Spec struct {
	entries map[string]Entry
	codes   []string
}

// New builds a Spec from entries. Duplicate codes and unknown datatypes are
// rejected.
func New(entries []Entry) (*Spec, error) {
	s := &Spec{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.Code == "" {
			return nil, errors.New("field spec entry without code")
		}
		if _, dup := s.entries[e.Code]; dup {
			return nil, fmt.Errorf("duplicate field code %s", e.Code)
		}
		if e.Datatype.Kind() == 0 {
			return nil, fmt.Errorf("field %s: %w: %q", e.Code, ErrUnknownDatatype, string(e.Datatype))
		}
		s.entries[e.Code] = e
		s.codes = append(s.codes, e.Code)
	}
	sort.Strings(s.codes)
	return s, nil
}

// Lookup returns the entry for code.
func (s *Spec) Lookup(code string) (Entry, error) {
	e, ok := s.entries[code]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownField, code)
	}
	return e, nil
}

// Codes returns every field code in sorted order.
func (s *Spec) Codes() []string {
	out := make([]string, len(s.codes))
	copy(out, s.codes)
	return out
}

// Len returns the number of fields.
func (s *Spec) Len() int { return len(s.codes) }

// Select returns the sorted codes whose datatype is one of dts. With no
// datatypes every code is returned.
func (s *Spec) Select(dts ...Datatype) []string {
	if len(dts) == 0 {
		return s.Codes()
	}
	want := make(map[Datatype]bool, len(dts))
	for _, d := range dts {
		want[d] = true
	}
	var out []string
	for _, c := range s.codes {
		if want[s.entries[c].Datatype] {
			out = append(out, c)
		}
	}
	return out
}
