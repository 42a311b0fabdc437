package analyze

import (
	"errors"
	"fmt"
	"sort"

	"ccdinspect/extract"
	"ccdinspect/normalize"
)

// Level is the analysis of one grouping level: the field table and info
// table filtered to the level, and the missingness table computed on them.
type Level struct {
	Value string
	Field *extract.FieldTable
	Info  []normalize.InfoRow
	Miss  *MissTable
}

// InfoLevels returns the distinct non-null values of column by in the info
// table, sorted.
func InfoLevels(info []normalize.InfoRow, by string) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range info {
		v, ok := info[i].Column(by)
		if !ok || !v.Valid || seen[v.String] {
			continue
		}
		seen[v.String] = true
		out = append(out, v.String)
	}
	sort.Strings(out)
	return out
}

// AnalyzeByLevel reruns Analyze independently for each grouping level of
// the info table. Levels without any observation are included. Episodes
// with a null grouping value belong to no level.
func AnalyzeByLevel(ft *extract.FieldTable, info []normalize.InfoRow) ([]Level, error) {
	if ft.By == "" {
		return nil, errors.New("analyze by level: field table has no grouping variable")
	}
	if !normalize.IsInfoColumn(ft.By) {
		return nil, fmt.Errorf("%w: %q", extract.ErrUnknownColumn, ft.By)
	}

	// every observed key must be known before the split hides it
	if _, err := Analyze(ft.Observed(), info, false); err != nil {
		return nil, err
	}

	levels := InfoLevels(info, ft.By)
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		var sub []normalize.InfoRow
		for i := range info {
			if v, _ := info[i].Column(ft.By); v.Valid && v.String == lvl {
				sub = append(sub, info[i])
			}
		}
		fl := ft.Filter(lvl)
		mt, err := Analyze(fl, sub, ft.TimeSeries)
		if err != nil {
			return nil, err
		}
		out = append(out, Level{Value: lvl, Field: fl, Info: sub, Miss: mt})
	}
	return out, nil
}
