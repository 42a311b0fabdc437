// Package extract pulls the observations of a single field out of the
// normalized tables, coerces them to the field's declared type and attaches
// the episode-level grouping variable.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/guregu/null.v3"

	"ccdinspect/episode"
	"ccdinspect/fieldspec"
	"ccdinspect/normalize"
)

// ErrUnknownColumn is returned when the grouping variable is not an info
// table column.
var ErrUnknownColumn = errors.New("unknown grouping column")

// Options select how a field is extracted.
type Options struct {
	// By names the info column used as grouping variable. Empty means none.
	By string
	// Coerce overrides the field's declared kind when non-zero.
	Coerce fieldspec.Kind
	// DropMissing omits episodes without any observation. When false every
	// info-table episode appears at least once.
	DropMissing bool
}

// DefaultOptions groups by site and drops missing episodes.
func DefaultOptions() Options {
	return Options{By: episode.ColSiteID, DropMissing: true}
}

// Extractor is the long-lived context for field extraction. It holds the
// spec and the info table, loaded once, and is safe for concurrent use.
type Extractor struct {
	spec *fieldspec.Spec
	src  normalize.Source
	info []normalize.InfoRow
	pos  map[string]int
}

// New loads the info table from src and returns an Extractor over it.
func New(ctx context.Context, spec *fieldspec.Spec, src normalize.Source) (*Extractor, error) {
	if spec == nil {
		return nil, errors.New("extract: nil field spec")
	}
	info, err := src.InfoTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("load info table: %w", err)
	}
	x := &Extractor{
		spec: spec,
		src:  src,
		info: info,
		pos:  make(map[string]int, len(info)),
	}
	for i := range info {
		k := info[i].EpisodeKey
		if _, dup := x.pos[k]; dup {
			return nil, fmt.Errorf("%w: %s", normalize.ErrDuplicateEpisode, k)
		}
		x.pos[k] = i
	}
	return x, nil
}

// Info returns a copy of the info table.
func (x *Extractor) Info() []normalize.InfoRow {
	out := make([]normalize.InfoRow, len(x.info))
	copy(out, x.info)
	return out
}

// Check validates a code and options without reading any item rows.
func (x *Extractor) Check(code string, opts Options) (fieldspec.Entry, fieldspec.Kind, error) {
	entry, err := x.spec.Lookup(code)
	if err != nil {
		return fieldspec.Entry{}, 0, err
	}
	if opts.By != "" && !normalize.IsInfoColumn(opts.By) {
		return fieldspec.Entry{}, 0, fmt.Errorf("%w: %q", ErrUnknownColumn, opts.By)
	}
	kind := entry.Kind()
	if opts.Coerce != 0 {
		kind = opts.Coerce
	}
	if _, ok := variants[kind]; !ok {
		return fieldspec.Entry{}, 0, fmt.Errorf("field %s: cannot coerce to %v", code, kind)
	}
	return entry, kind, nil
}

// Extract returns the observation table for code. Rows follow info-table
// episode order; rows of an episode keep their table order. Rows whose
// episode is not in the info table come last with a null grouping value.
func (x *Extractor) Extract(ctx context.Context, code string, opts Options) (*FieldTable, error) {
	entry, kind, err := x.Check(code, opts)
	if err != nil {
		return nil, err
	}
	v := variants[kind]

	raw, err := x.selectRows(ctx, entry)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]int)
	var orphans []int
	for i := range raw {
		if _, ok := x.pos[raw[i].EpisodeKey]; !ok {
			orphans = append(orphans, i)
			continue
		}
		byKey[raw[i].EpisodeKey] = append(byKey[raw[i].EpisodeKey], i)
	}

	ft := &FieldTable{
		Entry:      entry,
		Kind:       kind,
		By:         opts.By,
		TimeSeries: entry.TimeSeries,
		v:          v,
	}
	emit := func(r rawRow, byVar null.String) {
		obs := Observation{
			EpisodeKey: r.EpisodeKey,
			SiteID:     r.SiteID,
			EpisodeID:  r.EpisodeID,
			Time:       r.Time,
			Meta:       r.Meta,
			ByVar:      byVar,
		}
		if strings.TrimSpace(r.Value) != "" {
			val, ok := v.coerce(r.Value)
			obs.Value = val
			obs.Coerced = !ok
		}
		ft.Rows = append(ft.Rows, obs)
	}

	for i := range x.info {
		info := &x.info[i]
		byVar := x.byValue(info, opts.By)
		idx := byKey[info.EpisodeKey]
		if len(idx) == 0 {
			if !opts.DropMissing {
				ft.Rows = append(ft.Rows, Observation{
					EpisodeKey: info.EpisodeKey,
					SiteID:     info.SiteID,
					EpisodeID:  info.EpisodeID,
					ByVar:      byVar,
					Missing:    true,
				})
			}
			continue
		}
		for _, j := range idx {
			emit(raw[j], byVar)
		}
	}
	for _, j := range orphans {
		emit(raw[j], null.String{})
	}

	ft.Coerced = countCoerced(ft.Rows)
	return ft, nil
}

func (x *Extractor) byValue(info *normalize.InfoRow, by string) null.String {
	if by == "" {
		return null.String{}
	}
	v, _ := info.Column(by)
	return v
}

type rawRow struct {
	EpisodeKey string
	SiteID     string
	EpisodeID  string
	Value      string
	Time       null.Int
	Meta       null.String
}

func (x *Extractor) selectRows(ctx context.Context, entry fieldspec.Entry) ([]rawRow, error) {
	if !entry.TimeSeries {
		items, err := x.src.Select1D(ctx, entry.Code)
		if err != nil {
			return nil, fmt.Errorf("select 1D %s: %w", entry.Code, err)
		}
		out := make([]rawRow, len(items))
		for i, it := range items {
			out[i] = rawRow{
				EpisodeKey: it.EpisodeKey,
				SiteID:     it.SiteID,
				EpisodeID:  it.EpisodeID,
				Value:      it.Value,
			}
		}
		return out, nil
	}

	items, err := x.src.Select2D(ctx, entry.Code)
	if err != nil {
		return nil, fmt.Errorf("select 2D %s: %w", entry.Code, err)
	}
	out := make([]rawRow, len(items))
	for i, it := range items {
		out[i] = rawRow{
			EpisodeKey: it.EpisodeKey,
			SiteID:     it.SiteID,
			EpisodeID:  it.EpisodeID,
			Value:      it.Value,
			Time:       null.IntFrom(it.Time),
			Meta:       it.Meta,
		}
	}
	return out, nil
}
