package extract

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"ccdinspect/episode"
	"ccdinspect/fieldspec"
	"ccdinspect/normalize"
)

func testSpec(t *testing.T) *fieldspec.Spec {
	t.Helper()
	spec, err := fieldspec.New([]fieldspec.Entry{
		{Code: "X", Datatype: fieldspec.Numeric, Label: "Weight"},
		{Code: "SEX", Datatype: fieldspec.List, Label: "Sex"},
		{Code: "HR", Datatype: fieldspec.Numeric, Label: "Heart rate", TimeSeries: true, DtCode: "HR_T"},
		{Code: "DOB", Datatype: fieldspec.Date, Label: "Date of birth"},
		{Code: "UNUSED", Datatype: fieldspec.Numeric, Label: "Never recorded"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return spec
}

func testExtractor(t *testing.T, export string) *Extractor {
	t.Helper()
	tables, _, err := normalize.Normalize(context.Background(),
		episode.NewReader(strings.NewReader(export)), normalize.Options{Mode: episode.Relative})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	x, err := New(context.Background(), testSpec(t), tables)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return x
}

const scenarioExport = `[
  {"site_id":"S1","episode_id":"A","t_admission":0,"t_discharge":360000,
   "data":{"X":"5","SEX":"M","DOB":"1950-03-01",
           "HR":{"item2d":["80","82","x"],"time":[40,10,20]}}},
  {"site_id":"S1","episode_id":"B","t_admission":0,"t_discharge":3600,
   "data":{"SEX":"F"}},
  {"site_id":"S2","episode_id":"C","t_admission":0,"t_discharge":7200,
   "data":{"X":"abc","SEX":"M","DOB":"not a date",
           "HR":{"item2d":["60"],"time":[1]}}}
]`

func values(ft *FieldTable) []string {
	out := make([]string, len(ft.Rows))
	for i, r := range ft.Rows {
		out[i] = r.Value.String()
	}
	return out
}

func TestExtractScenario(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	opts := DefaultOptions()
	opts.DropMissing = false

	ft, err := x.Extract(context.Background(), "X", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(ft.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(ft.Rows))
	}

	a, b, c := ft.Rows[0], ft.Rows[1], ft.Rows[2]
	if a.EpisodeKey != "S1A" || !a.Value.Num.Valid || a.Value.Num.Float64 != 5 {
		t.Errorf("A = %+v, want 5.0", a)
	}
	if b.EpisodeKey != "S1B" || !b.Missing || !b.Value.IsNull() {
		t.Errorf("B = %+v, want missing placeholder", b)
	}
	if b.ByVar.String != "S1" {
		t.Errorf("placeholder grouping value = %v, want S1", b.ByVar)
	}
	if c.EpisodeKey != "S2C" || !c.Coerced || !c.Value.IsNull() || c.Missing {
		t.Errorf("C = %+v, want coerced null", c)
	}
	if ft.Coerced != 1 {
		t.Errorf("coerced = %d, want 1", ft.Coerced)
	}
}

func TestExtractCoercion(t *testing.T) {
	var b strings.Builder
	b.WriteString("[")
	for i, v := range []string{"3.5", " ", "abc", "7"} {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"site_id":"S","episode_id":"` + string(rune('a'+i)) + `","data":{"X":"` + v + `"}}`)
	}
	b.WriteString("]")

	x := testExtractor(t, b.String())
	ft, err := x.Extract(context.Background(), "X", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	if got, want := values(ft), []string{"3.5", "", "", "7"}; !reflect.DeepEqual(got, want) {
		t.Errorf("values = %q, want %q", got, want)
	}
	if ft.Coerced != 1 {
		t.Errorf("coerced = %d, want 1", ft.Coerced)
	}
	if ft.Rows[1].Coerced {
		t.Error("blank value must not count as coerced")
	}
	if !ft.Rows[2].Coerced {
		t.Error("abc should be coerced")
	}
}

func TestExtractRoundTrip(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	for _, code := range []string{"X", "SEX", "HR", "DOB", "UNUSED"} {
		keep := DefaultOptions()
		keep.DropMissing = false
		full, err := x.Extract(context.Background(), code, keep)
		if err != nil {
			t.Fatal(err)
		}
		dropped, err := x.Extract(context.Background(), code, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		if got := full.Observed().Rows; !reflect.DeepEqual(got, dropped.Rows) && !(len(got) == 0 && len(dropped.Rows) == 0) {
			t.Errorf("%s: observed rows differ\n got %+v\nwant %+v", code, got, dropped.Rows)
		}

		// every info episode is present at least once
		seen := make(map[string]bool)
		for _, r := range full.Rows {
			seen[r.EpisodeKey] = true
		}
		for _, info := range x.Info() {
			if !seen[info.EpisodeKey] {
				t.Errorf("%s: episode %s absent with DropMissing false", code, info.EpisodeKey)
			}
		}
	}
}

func TestExtractIdempotent(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	first, err := x.Extract(context.Background(), "HR", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	second, err := x.Extract(context.Background(), "HR", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Rows, second.Rows) {
		t.Error("repeated extraction differs")
	}
}

func TestExtractTimeSeries(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	ft, err := x.Extract(context.Background(), "HR", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !ft.TimeSeries {
		t.Error("HR should be a time series")
	}
	if len(ft.Rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(ft.Rows))
	}
	for _, r := range ft.Rows {
		if !r.Time.Valid {
			t.Errorf("time series row without time: %+v", r)
		}
	}
	if ft.Coerced != 1 {
		t.Errorf("coerced = %d, want 1", ft.Coerced)
	}

	keep := DefaultOptions()
	keep.DropMissing = false
	full, err := x.Extract(context.Background(), "HR", keep)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range full.Rows {
		if r.Missing && r.Time.Valid {
			t.Errorf("placeholder should have null time: %+v", r)
		}
	}
}

func TestExtractUnknownField(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	_, err := x.Extract(context.Background(), "NOPE", DefaultOptions())
	if !errors.Is(err, fieldspec.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	if !strings.Contains(err.Error(), "NOPE") {
		t.Errorf("error should name the code: %v", err)
	}
}

func TestExtractUnknownGrouping(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	_, err := x.Extract(context.Background(), "X", Options{By: "ward"})
	if !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
	// grouping is never read from the observation table
	_, err = x.Extract(context.Background(), "X", Options{By: "value"})
	if !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn for an item column, got %v", err)
	}
}

func TestExtractNoGrouping(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	ft, err := x.Extract(context.Background(), "SEX", Options{DropMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range ft.Rows {
		if r.ByVar.Valid {
			t.Errorf("grouping value should be null without By: %+v", r)
		}
	}
	if lv := ft.ByLevels(); len(lv) != 0 {
		t.Errorf("ByLevels = %v, want none", lv)
	}
}

func TestCategorical(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	ft, err := x.Extract(context.Background(), "SEX", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if ft.Kind != fieldspec.Categorical {
		t.Errorf("kind = %v", ft.Kind)
	}
	if got := ft.Levels(); !reflect.DeepEqual(got, []string{"F", "M"}) {
		t.Errorf("levels = %v", got)
	}
	if got := ft.ByLevels(); !reflect.DeepEqual(got, []string{"S1", "S2"}) {
		t.Errorf("by levels = %v", got)
	}

	tab := ft.Tabulate()
	want := []LevelCount{{"F", 1, 1.0 / 3}, {"M", 2, 2.0 / 3}}
	if !reflect.DeepEqual(tab, want) {
		t.Errorf("tabulate = %+v, want %+v", tab, want)
	}

	s1 := ft.Filter("S1")
	if len(s1.Rows) != 2 {
		t.Errorf("S1 rows = %d, want 2", len(s1.Rows))
	}
	d := ft.Describe()
	if d.Rows != 3 || d.Count != 3 || d.Unique != 2 || d.Coerced != 0 {
		t.Errorf("describe = %+v", d)
	}
}

func TestCoerceOverride(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	ft, err := x.Extract(context.Background(), "X", Options{Coerce: fieldspec.Categorical, DropMissing: true})
	if err != nil {
		t.Fatal(err)
	}
	if ft.Coerced != 0 {
		t.Errorf("categorical coercion never fails, got %d", ft.Coerced)
	}
	if got := ft.Levels(); !reflect.DeepEqual(got, []string{"5", "abc"}) {
		t.Errorf("levels = %v", got)
	}

	if _, err := x.Extract(context.Background(), "X", Options{Coerce: fieldspec.Kind(99)}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestTemporal(t *testing.T) {
	x := testExtractor(t, scenarioExport)
	ft, err := x.Extract(context.Background(), "DOB", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if ft.Kind != fieldspec.Temporal {
		t.Fatalf("kind = %v", ft.Kind)
	}
	if ft.Coerced != 1 {
		t.Errorf("coerced = %d, want 1", ft.Coerced)
	}
	if got := ft.Rows[0].Value.String(); got != "1950-03-01T00:00:00Z" {
		t.Errorf("DOB = %q", got)
	}
	d := ft.Describe()
	if !d.First.Valid || !d.First.Time.Equal(d.Last.Time) {
		t.Errorf("describe = %+v", d)
	}
	if ft.Tabulate() != nil {
		t.Error("temporal fields have no levels to tabulate")
	}

	v, ok := temporal{}.coerce("08:30")
	if !ok || v.At.Time.Hour() != 8 || v.At.Time.Minute() != 30 {
		t.Errorf("clock time = %+v %v", v, ok)
	}
}

func TestDescribeContinuous(t *testing.T) {
	rows := make([]Observation, 0, 6)
	for _, s := range []string{"1", "2", "3", "4", "abc"} {
		v, ok := continuous{}.coerce(s)
		rows = append(rows, Observation{Value: v, Coerced: !ok})
	}
	rows = append(rows, Observation{})

	d := continuous{}.describe(rows)
	if d.Rows != 6 || d.Count != 4 || d.Coerced != 1 {
		t.Errorf("counts = %+v", d)
	}
	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"min", d.Min.Float64, 1},
		{"25%", d.Q1.Float64, 1.75},
		{"50%", d.Median.Float64, 2.5},
		{"75%", d.Q3.Float64, 3.25},
		{"max", d.Max.Float64, 4},
		{"mean", d.Mean.Float64, 2.5},
		{"std", d.Std.Float64, math.Sqrt(5.0 / 3)},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	single := continuous{}.describe(rows[:1])
	if single.Std.Valid {
		t.Error("std of one value should be null")
	}
	if empty := (continuous{}).describe(nil); empty.Mean.Valid {
		t.Error("empty describe should have null stats")
	}
}

func TestExtractorOrphanRows(t *testing.T) {
	info := []normalize.InfoRow{{EpisodeKey: "S1A", SiteID: "S1", EpisodeID: "A"}}
	items := []normalize.Item1D{
		{FieldCode: "X", EpisodeKey: "S1A", SiteID: "S1", EpisodeID: "A", Value: "1"},
		{FieldCode: "X", EpisodeKey: "S9Z", SiteID: "S9", EpisodeID: "Z", Value: "2"},
	}
	tables := normalize.NewTables(episode.Relative, episode.DefaultKeyColumns, info, items, nil)
	x, err := New(context.Background(), testSpec(t), tables)
	if err != nil {
		t.Fatal(err)
	}
	ft, err := x.Extract(context.Background(), "X", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(ft.Rows) != 2 || ft.Rows[1].EpisodeKey != "S9Z" || ft.Rows[1].ByVar.Valid {
		t.Errorf("orphan row should come last with null grouping: %+v", ft.Rows)
	}
}
