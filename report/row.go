// Package report runs extraction and missingness analysis over many fields
// and collects the results into one flat table.
package report

import (
	"strconv"

	"gopkg.in/guregu/null.v3"
)

// LevelHeader labels the field-level aggregate row of a categorical field.
const LevelHeader = "header"

// Columns is the fixed output column order.
var Columns = []string{
	"field_code",
	"by_level",
	"label",
	"level",
	"count",
	"nunique",
	"n",
	"pct",
	"min",
	"25%",
	"50%",
	"75%",
	"max",
	"mean",
	"std",
	"coerced_values",
	"miss_by_episode",
	"gap_period",
	"gap_start",
	"gap_stop",
}

// Row is one (field, grouping level, category level) line of the report.
// Gap columns are mean per-episode values in decimal hours.
type Row struct {
	FieldCode string
	ByLevel   null.String
	Label     string
	Level     null.String

	Count   null.Int
	NUnique null.Int
	N       null.Int
	Pct     null.Float

	Min    null.Float
	Q1     null.Float
	Median null.Float
	Q3     null.Float
	Max    null.Float
	Mean   null.Float
	Std    null.Float

	CoercedValues null.Int
	MissByEpisode null.Float
	GapPeriod     null.Float
	GapStart      null.Float
	GapStop       null.Float
}

// Record renders r in Columns order. Nulls are empty strings.
func (r *Row) Record() []string {
	return []string{
		r.FieldCode,
		r.ByLevel.String,
		r.Label,
		r.Level.String,
		fmtInt(r.Count),
		fmtInt(r.NUnique),
		fmtInt(r.N),
		fmtFloat(r.Pct),
		fmtFloat(r.Min),
		fmtFloat(r.Q1),
		fmtFloat(r.Median),
		fmtFloat(r.Q3),
		fmtFloat(r.Max),
		fmtFloat(r.Mean),
		fmtFloat(r.Std),
		fmtInt(r.CoercedValues),
		fmtFloat(r.MissByEpisode),
		fmtFloat(r.GapPeriod),
		fmtFloat(r.GapStart),
		fmtFloat(r.GapStop),
	}
}

// values is Record with native types, for spreadsheet cells.
func (r *Row) values() []any {
	out := []any{r.FieldCode, nullable(r.ByLevel), r.Label, nullable(r.Level)}
	for _, v := range []null.Int{r.Count, r.NUnique, r.N} {
		out = append(out, nullable(v))
	}
	for _, v := range []null.Float{r.Pct, r.Min, r.Q1, r.Median, r.Q3, r.Max, r.Mean, r.Std} {
		out = append(out, nullable(v))
	}
	out = append(out, nullable(r.CoercedValues))
	for _, v := range []null.Float{r.MissByEpisode, r.GapPeriod, r.GapStart, r.GapStop} {
		out = append(out, nullable(v))
	}
	return out
}

func nullable(v any) any {
	switch t := v.(type) {
	case null.String:
		if t.Valid {
			return t.String
		}
	case null.Int:
		if t.Valid {
			return t.Int64
		}
	case null.Float:
		if t.Valid {
			return t.Float64
		}
	}
	return nil
}

func fmtInt(v null.Int) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatInt(v.Int64, 10)
}

func fmtFloat(v null.Float) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}
