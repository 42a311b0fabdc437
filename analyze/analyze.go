// Package analyze computes per-episode missingness and time-series gap
// statistics for an extracted field.
package analyze

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gopkg.in/guregu/null.v3"

	"ccdinspect/extract"
	"ccdinspect/normalize"
)

// ErrIntegrity is returned when an extracted row references an episode that
// is not in the info table.
var ErrIntegrity = errors.New("observation references episode missing from info table")

// Gap is a per-episode delay. It is invalid for episodes without the
// observations needed to compute it.
type Gap struct {
	D     time.Duration
	Valid bool
}

// Hours returns the gap in decimal hours.
func (g Gap) Hours() null.Float {
	if !g.Valid {
		return null.Float{}
	}
	return null.FloatFrom(g.D.Hours())
}

// MissRow is the missingness record of one episode for one field.
type MissRow struct {
	EpisodeKey string
	SiteID     string
	EpisodeID  string
	ByVar      null.String
	Missing    bool
	// N is the number of observations of the episode.
	N int

	// Time series only.
	GapStart  Gap
	GapStop   Gap
	GapPeriod Gap
}

// MissTable has one row per info-table episode, in info-table order.
type MissTable struct {
	FieldCode  string
	TimeSeries bool
	Rows       []MissRow
}

// Analyze builds the missingness table of ft against info. Gap statistics
// are computed only when timeSeries is set.
func Analyze(ft *extract.FieldTable, info []normalize.InfoRow, timeSeries bool) (*MissTable, error) {
	keys := make(map[string]int, len(info))
	for i := range info {
		keys[info[i].EpisodeKey] = i
	}

	var bad []string
	for _, k := range ft.EpisodeKeys() {
		if _, ok := keys[k]; !ok {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("%w: field %s, %d episodes, first %s",
			ErrIntegrity, ft.Entry.Code, len(bad), bad[0])
	}

	// observed points per episode
	points := make(map[string][]int64)
	counts := make(map[string]int)
	for _, r := range ft.Rows {
		if r.Missing {
			continue
		}
		counts[r.EpisodeKey]++
		if timeSeries && r.Time.Valid {
			points[r.EpisodeKey] = append(points[r.EpisodeKey], r.Time.Int64)
		}
	}
	mt := &MissTable{
		FieldCode:  ft.Entry.Code,
		TimeSeries: timeSeries,
		Rows:       make([]MissRow, len(info)),
	}
	var gaps map[string]episodeGaps
	if timeSeries {
		gaps = computeGaps(points)
	}
	for i := range info {
		in := &info[i]
		row := MissRow{
			EpisodeKey: in.EpisodeKey,
			SiteID:     in.SiteID,
			EpisodeID:  in.EpisodeID,
			N:          counts[in.EpisodeKey],
		}
		if ft.By != "" {
			row.ByVar, _ = in.Column(ft.By)
		}
		row.Missing = row.N == 0
		if g, ok := gaps[in.EpisodeKey]; ok {
			row.GapStart = between(in.Admission, null.IntFrom(g.first))
			row.GapStop = between(null.IntFrom(g.last), in.Discharge)
			row.GapPeriod = g.period
		}
		mt.Rows[i] = row
	}
	return mt, nil
}

type episodeGaps struct {
	first, last int64
	period      Gap
}

type point struct {
	key string
	at  int64
}

// computeGaps sorts all points by episode and time once, then walks them
// with a one-row lag.
func computeGaps(points map[string][]int64) map[string]episodeGaps {
	var all []point
	for k, ts := range points {
		for _, t := range ts {
			all = append(all, point{k, t})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].key != all[j].key {
			return all[i].key < all[j].key
		}
		return all[i].at < all[j].at
	})

	out := make(map[string]episodeGaps, len(points))
	var diffs []int64
	for i := 0; i < len(all); {
		j := i
		diffs = diffs[:0]
		for j+1 < len(all) && all[j+1].key == all[i].key {
			diffs = append(diffs, all[j+1].at-all[j].at)
			j++
		}
		g := episodeGaps{first: all[i].at, last: all[j].at}
		if len(diffs) > 0 {
			g.period = Gap{D: microsDuration(median(diffs)), Valid: true}
		}
		out[all[i].key] = g
		i = j + 1
	}
	return out
}

// between returns to - from when both ends are known.
func between(from, to null.Int) Gap {
	if !from.Valid || !to.Valid {
		return Gap{}
	}
	return Gap{D: microsDuration(float64(to.Int64 - from.Int64)), Valid: true}
}

func median(vals []int64) float64 {
	s := make([]int64, len(vals))
	copy(s, vals)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	n := len(s)
	if n%2 == 1 {
		return float64(s[n/2])
	}
	return (float64(s[n/2-1]) + float64(s[n/2])) / 2
}

func microsDuration(us float64) time.Duration {
	return time.Duration(math.Round(us * float64(time.Microsecond)))
}

// MissingFraction is the share of episodes flagged missing; null for an
// empty table.
func (mt *MissTable) MissingFraction() null.Float {
	if len(mt.Rows) == 0 {
		return null.Float{}
	}
	n := 0
	for _, r := range mt.Rows {
		if r.Missing {
			n++
		}
	}
	return null.FloatFrom(float64(n) / float64(len(mt.Rows)))
}

// MeanGapStart averages the valid gap_start values, in hours.
func (mt *MissTable) MeanGapStart() null.Float {
	return mt.meanGap(func(r *MissRow) Gap { return r.GapStart })
}

// MeanGapStop averages the valid gap_stop values, in hours.
func (mt *MissTable) MeanGapStop() null.Float {
	return mt.meanGap(func(r *MissRow) Gap { return r.GapStop })
}

// MeanGapPeriod averages the valid per-episode median periods, in hours.
func (mt *MissTable) MeanGapPeriod() null.Float {
	return mt.meanGap(func(r *MissRow) Gap { return r.GapPeriod })
}

func (mt *MissTable) meanGap(get func(*MissRow) Gap) null.Float {
	var sum time.Duration
	n := 0
	for i := range mt.Rows {
		if g := get(&mt.Rows[i]); g.Valid {
			sum += g.D
			n++
		}
	}
	if n == 0 {
		return null.Float{}
	}
	return null.FloatFrom(sum.Hours() / float64(n))
}

// Observed returns the keys of episodes with at least one observation.
func (mt *MissTable) Observed() []string {
	var out []string
	for _, r := range mt.Rows {
		if !r.Missing {
			out = append(out, r.EpisodeKey)
		}
	}
	return out
}

// Missing returns the keys of episodes flagged missing.
func (mt *MissTable) Missing() []string {
	var out []string
	for _, r := range mt.Rows {
		if r.Missing {
			out = append(out, r.EpisodeKey)
		}
	}
	return out
}
