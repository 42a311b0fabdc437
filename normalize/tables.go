// Package normalize flattens the episode store into three long-format tables:
// the info table (one row per episode), 1D items and 2D items.
package normalize

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/guregu/null.v3"

	"ccdinspect/episode"
)

var (
	// ErrDuplicateEpisode means two episodes share a key. It is fatal for the
	// whole run.
	ErrDuplicateEpisode = errors.New("duplicate episode key")
	// ErrIntegrity means an item row references an episode that is not in
	// the info table.
	ErrIntegrity = errors.New("item references unknown episode")
)

// Data members promoted to the info table rather than treated as items.
const (
	ColPID   = episode.ColPID
	ColSpell = episode.ColSpell
	// ColEpisodeKey exposes the concatenated key as an info column.
	ColEpisodeKey = "episode_key"
)

// InfoRow is one episode with its administrative fields and no item data.
// Times are microseconds; see episode.TimeMode.
type InfoRow struct {
	EpisodeKey string
	SiteID     string
	EpisodeID  string
	NHSNumber  null.String
	PASNumber  null.String
	Admission  null.Int
	Discharge  null.Int
	ParseFile  null.String
	ParseTime  null.Int
	PID        null.String
	Spell      null.String
}

// InfoColumns lists the info columns usable as key or grouping columns.
var InfoColumns = []string{
	ColEpisodeKey,
	episode.ColSiteID,
	episode.ColEpisodeID,
	episode.ColNHSNumber,
	episode.ColPASNumber,
	episode.ColParseFile,
	ColPID,
	ColSpell,
}

// Column returns the value of a string-valued info column. ok is false for
// names that are not info columns.
func (r *InfoRow) Column(name string) (v null.String, ok bool) {
	switch name {
	case ColEpisodeKey:
		return null.StringFrom(r.EpisodeKey), true
	case episode.ColSiteID:
		return null.StringFrom(r.SiteID), true
	case episode.ColEpisodeID:
		return null.StringFrom(r.EpisodeID), true
	case episode.ColNHSNumber:
		return r.NHSNumber, true
	case episode.ColPASNumber:
		return r.PASNumber, true
	case episode.ColParseFile:
		return r.ParseFile, true
	case ColPID:
		return r.PID, true
	case ColSpell:
		return r.Spell, true
	}
	return null.String{}, false
}

// IsInfoColumn reports whether name can be read with InfoRow.Column.
func IsInfoColumn(name string) bool {
	for _, c := range InfoColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Item1D is a scalar observation. At most one exists per episode and field.
type Item1D struct {
	FieldCode  string
	EpisodeKey string
	SiteID     string
	EpisodeID  string
	Value      string
}

// Item2D is one point of a time series. Rows are neither unique nor sorted.
type Item2D struct {
	FieldCode  string
	EpisodeKey string
	SiteID     string
	EpisodeID  string
	Value      string
	Time       int64 // microseconds, see episode.TimeMode
	Meta       null.String
}

// Source is read access to the normalized tables. Implementations must be
// safe for concurrent use.
type Source interface {
	InfoTable(ctx context.Context) ([]InfoRow, error)
	Select1D(ctx context.Context, code string) ([]Item1D, error)
	Select2D(ctx context.Context, code string) ([]Item2D, error)
}

// Tables is the in-memory output of Normalize. It is never modified after
// construction and implements Source.
type Tables struct {
	Mode       episode.TimeMode
	KeyColumns []string
	Info       []InfoRow
	Items1D    []Item1D
	Items2D    []Item2D

	idx1D map[string][]int
	idx2D map[string][]int
}

// NewTables wraps already built tables, e.g. ones loaded back from a store.
func NewTables(mode episode.TimeMode, keyCols []string, info []InfoRow, items1D []Item1D, items2D []Item2D) *Tables {
	t := &Tables{
		Mode:       mode,
		KeyColumns: keyCols,
		Info:       info,
		Items1D:    items1D,
		Items2D:    items2D,
	}
	t.index()
	return t
}

func (t *Tables) index() {
	t.idx1D = make(map[string][]int)
	for i := range t.Items1D {
		c := t.Items1D[i].FieldCode
		t.idx1D[c] = append(t.idx1D[c], i)
	}
	t.idx2D = make(map[string][]int)
	for i := range t.Items2D {
		c := t.Items2D[i].FieldCode
		t.idx2D[c] = append(t.idx2D[c], i)
	}
}

// InfoTable returns a copy of the info rows.
func (t *Tables) InfoTable(ctx context.Context) ([]InfoRow, error) {
	out := make([]InfoRow, len(t.Info))
	copy(out, t.Info)
	return out, nil
}

// Select1D returns the 1D rows for code in table order.
func (t *Tables) Select1D(ctx context.Context, code string) ([]Item1D, error) {
	idx := t.idx1D[code]
	out := make([]Item1D, len(idx))
	for i, j := range idx {
		out[i] = t.Items1D[j]
	}
	return out, nil
}

// Select2D returns the 2D rows for code in table order.
func (t *Tables) Select2D(ctx context.Context, code string) ([]Item2D, error) {
	idx := t.idx2D[code]
	out := make([]Item2D, len(idx))
	for i, j := range idx {
		out[i] = t.Items2D[j]
	}
	return out, nil
}

// FieldCodes returns the distinct codes present in the 1D and 2D tables.
func (t *Tables) FieldCodes() (oneD, twoD []string) {
	for c := range t.idx1D {
		oneD = append(oneD, c)
	}
	for c := range t.idx2D {
		twoD = append(twoD, c)
	}
	return oneD, twoD
}

// CheckIntegrity verifies that info keys are unique and that every item row
// references an episode in the info table.
func CheckIntegrity(t *Tables) error {
	keys := make(map[string]bool, len(t.Info))
	for i := range t.Info {
		k := t.Info[i].EpisodeKey
		if keys[k] {
			return fmt.Errorf("%w: %s", ErrDuplicateEpisode, k)
		}
		keys[k] = true
	}
	for i := range t.Items1D {
		if r := &t.Items1D[i]; !keys[r.EpisodeKey] {
			return fmt.Errorf("%w: 1D %s episode %s", ErrIntegrity, r.FieldCode, r.EpisodeKey)
		}
	}
	for i := range t.Items2D {
		if r := &t.Items2D[i]; !keys[r.EpisodeKey] {
			return fmt.Errorf("%w: 2D %s episode %s", ErrIntegrity, r.FieldCode, r.EpisodeKey)
		}
	}
	return nil
}
