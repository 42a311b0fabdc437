package normalize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ccdinspect/episode"
)

const testExport = `[
  {
    "site_id": "A", "episode_id": 1, "t_admission": 0, "t_discharge": 360000,
    "data": {
      "SEX": "M",
      "HEIGHT": 172.5,
      "HR": {"item2d": ["80", "82", "90"], "time": [10, 20, 40]},
      "pid": 7,
      "spell": 2
    }
  },
  {
    "site_id": "A", "episode_id": 2, "t_admission": 0, "t_discharge": 7200,
    "data": {
      "SEX": "F",
      "HR": {"item2d": ["70"], "time": [1.5], "meta": ["manual"]}
    }
  },
  {
    "site_id": "B", "episode_id": 1, "t_admission": "bad", "t_discharge": 100,
    "data": {
      "HR": {"item2d": ["70", "71"], "time": [1]},
      "TEMP": {"values": [1]},
      "SEX": null
    }
  }
]`

func mustNormalize(t *testing.T, export string, opts Options) (*Tables, *Summary) {
	t.Helper()
	if opts.Mode == "" {
		opts.Mode = episode.Relative
	}
	tables, summary, err := Normalize(context.Background(), episode.NewReader(strings.NewReader(export)), opts)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return tables, summary
}

func TestNormalizeRoutesItems(t *testing.T) {
	tables, summary := mustNormalize(t, testExport, Options{})

	if len(tables.Info) != 3 {
		t.Fatalf("expected 3 info rows, got %d", len(tables.Info))
	}
	if summary.Episodes != 3 {
		t.Errorf("summary episodes = %d, want 3", summary.Episodes)
	}

	// SEX x3 (one null scalar) + HEIGHT
	if len(tables.Items1D) != 4 {
		t.Fatalf("expected 4 1D rows, got %d: %+v", len(tables.Items1D), tables.Items1D)
	}
	// HR: 3 from A1, 1 from A2; B1 is ragged
	if len(tables.Items2D) != 4 {
		t.Fatalf("expected 4 2D rows, got %d", len(tables.Items2D))
	}

	for _, r := range tables.Items1D {
		if r.FieldCode == ColPID || r.FieldCode == ColSpell {
			t.Errorf("%s must not be a 1D item", r.FieldCode)
		}
	}

	a1 := tables.Info[0]
	if a1.EpisodeKey != "A1" {
		t.Errorf("episode key = %q, want A1", a1.EpisodeKey)
	}
	if a1.PID.String != "7" || a1.Spell.String != "2" {
		t.Errorf("pid/spell = %v/%v, want 7/2", a1.PID, a1.Spell)
	}
	if want := int64(100 * time.Hour / time.Microsecond); a1.Discharge.Int64 != want {
		t.Errorf("discharge = %d, want %d", a1.Discharge.Int64, want)
	}

	height, _ := tables.Select1D(context.Background(), "HEIGHT")
	if len(height) != 1 || height[0].Value != "172.5" {
		t.Errorf("HEIGHT rows = %+v", height)
	}

	hr, _ := tables.Select2D(context.Background(), "HR")
	if len(hr) != 4 {
		t.Fatalf("HR rows = %d, want 4", len(hr))
	}
	if hr[1].Time != int64(20*time.Hour/time.Microsecond) {
		t.Errorf("HR[1] time = %d", hr[1].Time)
	}
	if hr[3].Meta.String != "manual" {
		t.Errorf("HR[3] meta = %v, want manual", hr[3].Meta)
	}
	if hr[0].Meta.Valid {
		t.Error("meta should be null when the series has none")
	}

	sex, _ := tables.Select1D(context.Background(), "SEX")
	if len(sex) != 3 || sex[2].Value != "" {
		t.Errorf("null scalar should give an empty value row, got %+v", sex)
	}
}

func TestNormalizeSkipsLocalisedErrors(t *testing.T) {
	tables, summary := mustNormalize(t, testExport, Options{})

	counts := summary.Counts()
	if counts[SkipRagged] != 1 {
		t.Errorf("ragged skips = %d, want 1", counts[SkipRagged])
	}
	if counts[SkipMalformed] != 1 {
		t.Errorf("malformed skips = %d, want 1", counts[SkipMalformed])
	}
	if counts[SkipBadAdminTime] != 1 {
		t.Errorf("bad admin time skips = %d, want 1", counts[SkipBadAdminTime])
	}
	if summary.SkippedEpisodes() != 1 {
		t.Errorf("skipped episodes = %d, want 1", summary.SkippedEpisodes())
	}

	codes, perField := summary.SkippedFields()
	if len(codes) != 2 || perField["HR"] != 1 || perField["TEMP"] != 1 {
		t.Errorf("skipped fields = %v %v", codes, perField)
	}

	// the episode is kept even though its admission time was unreadable
	b1 := tables.Info[2]
	if b1.EpisodeKey != "B1" {
		t.Fatalf("third episode key = %q", b1.EpisodeKey)
	}
	if b1.Admission.Valid {
		t.Error("unreadable admission should be null")
	}
	if !b1.Discharge.Valid {
		t.Error("discharge should survive")
	}
	for _, r := range tables.Items2D {
		if r.EpisodeKey == "B1" {
			t.Errorf("ragged series must not be emitted: %+v", r)
		}
	}
}

func TestNormalizeBadSeriesTime(t *testing.T) {
	export := `[{"site_id":"A","episode_id":1,"data":{"HR":{"item2d":["1","2"],"time":[1,null]}}}]`
	tables, summary := mustNormalize(t, export, Options{})
	if len(tables.Items2D) != 0 {
		t.Errorf("expected no 2D rows, got %d", len(tables.Items2D))
	}
	if summary.Counts()[SkipBadTime] != 1 {
		t.Errorf("bad time skips = %v", summary.Counts())
	}
}

func TestNormalizeDuplicateKeyIsFatal(t *testing.T) {
	export := `[{"site_id":"A","episode_id":1,"data":{}},{"site_id":"A","episode_id":"1","data":{}}]`
	tables, summary, err := Normalize(context.Background(),
		episode.NewReader(strings.NewReader(export)), Options{Mode: episode.Relative})
	if !errors.Is(err, ErrDuplicateEpisode) {
		t.Fatalf("expected ErrDuplicateEpisode, got %v", err)
	}
	if tables != nil || summary != nil {
		t.Error("no tables may be produced on duplicate keys")
	}
}

func TestNormalizeRequiresMode(t *testing.T) {
	_, _, err := Normalize(context.Background(), episode.NewReader(strings.NewReader(`[]`)), Options{})
	if err == nil {
		t.Fatal("expected error without time mode")
	}
}

func TestNormalizeKeyColumns(t *testing.T) {
	tables, _ := mustNormalize(t, testExport, Options{KeyColumns: []string{episode.ColEpisodeID, episode.ColSiteID}})
	if tables.Info[0].EpisodeKey != "1A" {
		t.Errorf("key = %q, want 1A", tables.Info[0].EpisodeKey)
	}

	_, _, err := Normalize(context.Background(), episode.NewReader(strings.NewReader(testExport)),
		Options{Mode: episode.Relative, KeyColumns: []string{ColEpisodeKey}})
	if err == nil {
		t.Error("episode_key cannot build itself")
	}
}

func TestNormalizeExtraKeyColumn(t *testing.T) {
	export := `[{"site_id":"A","episode_id":1,"unit":"ICU1","data":{}},
		{"site_id":"A","episode_id":1,"unit":"ICU2","data":{"pid":9}}]`
	cols := []string{"unit", episode.ColSiteID, episode.ColEpisodeID}
	tables, _ := mustNormalize(t, export, Options{KeyColumns: cols})
	if len(tables.Info) != 2 {
		t.Fatalf("expected 2 episodes, got %d", len(tables.Info))
	}
	if tables.Info[0].EpisodeKey != "ICU1A1" || tables.Info[1].EpisodeKey != "ICU2A1" {
		t.Errorf("keys = %q, %q", tables.Info[0].EpisodeKey, tables.Info[1].EpisodeKey)
	}

	// without the unit the two episodes collide
	_, _, err := Normalize(context.Background(), episode.NewReader(strings.NewReader(export)),
		Options{Mode: episode.Relative})
	if !errors.Is(err, ErrDuplicateEpisode) {
		t.Errorf("expected ErrDuplicateEpisode, got %v", err)
	}

	missing := `[{"site_id":"A","episode_id":1,"unit":"ICU1","data":{}},{"site_id":"B","episode_id":2,"data":{}}]`
	_, _, err = Normalize(context.Background(), episode.NewReader(strings.NewReader(missing)),
		Options{Mode: episode.Relative, KeyColumns: cols})
	if err == nil || !strings.Contains(err.Error(), "B/2") {
		t.Errorf("expected error naming episode B/2, got %v", err)
	}
}

func TestNormalizePIDKeyColumn(t *testing.T) {
	export := `[{"site_id":"A","episode_id":1,"data":{"pid":7}},{"site_id":"A","episode_id":2,"data":{"pid":8}}]`
	tables, _ := mustNormalize(t, export, Options{KeyColumns: []string{ColPID}})
	if tables.Info[0].EpisodeKey != "7" || tables.Info[1].EpisodeKey != "8" {
		t.Errorf("keys = %q, %q", tables.Info[0].EpisodeKey, tables.Info[1].EpisodeKey)
	}
	if tables.Info[0].PID.String != "7" {
		t.Errorf("pid = %v", tables.Info[0].PID)
	}
}

func TestNormalizeMalformedIdentifierIsRecorded(t *testing.T) {
	export := `[{"site_id":"A","episode_id":1,"data":{"pid":{"x":1},"spell":[2],"SEX":"F"}}]`
	tables, summary := mustNormalize(t, export, Options{})
	if tables.Info[0].PID.Valid || tables.Info[0].Spell.Valid {
		t.Errorf("composite identifiers must stay null: %+v", tables.Info[0])
	}
	if n := summary.Counts()[SkipMalformed]; n != 2 {
		t.Errorf("malformed skips = %d, want 2", n)
	}
	if len(tables.Items1D) != 1 {
		t.Errorf("expected SEX only in 1D items, got %+v", tables.Items1D)
	}
}

func TestNormalizeOutOfRangeSeriesTime(t *testing.T) {
	export := `[{"site_id":"A","episode_id":1,"data":{
		"HR":{"item2d":["1","2"],"time":[1e16,2e16]},
		"RR":{"item2d":["1"],"time":["NaN"]}}}]`
	tables, summary := mustNormalize(t, export, Options{})
	if len(tables.Items2D) != 0 {
		t.Errorf("expected no 2D rows, got %+v", tables.Items2D)
	}
	if n := summary.Counts()[SkipBadTime]; n != 2 {
		t.Errorf("bad time skips = %d, want 2", n)
	}
}

func TestNormalizeAbsoluteMode(t *testing.T) {
	export := `[{"site_id":"A","episode_id":1,
		"t_admission":"2017-07-01 08:00:00","t_discharge":"2017-07-02 08:00:00",
		"data":{"HR":{"item2d":["80"],"time":["2017-07-01 09:00:00"]}}}]`
	tables, summary := mustNormalize(t, export, Options{Mode: episode.Absolute})
	if len(summary.Skips) != 0 {
		t.Fatalf("unexpected skips: %+v", summary.Skips)
	}
	adm := time.Date(2017, 7, 1, 8, 0, 0, 0, time.UTC).UnixMicro()
	if tables.Info[0].Admission.Int64 != adm {
		t.Errorf("admission = %d, want %d", tables.Info[0].Admission.Int64, adm)
	}
	if got := tables.Items2D[0].Time - adm; got != int64(time.Hour/time.Microsecond) {
		t.Errorf("first point offset = %d µs, want one hour", got)
	}
}

func TestNormalizeSyntheticSites(t *testing.T) {
	export := `[{"site_id":"X","episode_id":1,"data":{}},{"site_id":"X","episode_id":2,"data":{}},
		{"site_id":"X","episode_id":3,"data":{}}]`
	sites := []string{"S1", "S2"}
	first, _ := mustNormalize(t, export, Options{SyntheticSites: sites, Seed: 42})
	second, _ := mustNormalize(t, export, Options{SyntheticSites: sites, Seed: 42})
	for i := range first.Info {
		s := first.Info[i].SiteID
		if s != "S1" && s != "S2" {
			t.Errorf("site %q not drawn from the list", s)
		}
		if second.Info[i].SiteID != s {
			t.Errorf("same seed should give the same sites")
		}
	}
}

func TestReferentialIntegrity(t *testing.T) {
	tables, _ := mustNormalize(t, testExport, Options{})
	if err := CheckIntegrity(tables); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}

	broken := NewTables(tables.Mode, tables.KeyColumns, tables.Info[:1], tables.Items1D, nil)
	if err := CheckIntegrity(broken); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}

	dup := NewTables(tables.Mode, tables.KeyColumns, append(tables.Info[:1:1], tables.Info[0]), nil, nil)
	if err := CheckIntegrity(dup); !errors.Is(err, ErrDuplicateEpisode) {
		t.Errorf("expected ErrDuplicateEpisode, got %v", err)
	}
}

func TestNormalizeRestartable(t *testing.T) {
	store, err := episode.ReadAll(episode.NewReader(strings.NewReader(testExport)))
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{Mode: episode.Relative}
	first, _, err := Normalize(context.Background(), store.Cursor(), opts)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := Normalize(context.Background(), store.Cursor(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Items1D) != len(second.Items1D) || len(first.Items2D) != len(second.Items2D) {
		t.Fatal("rerunning over the same store must give the same tables")
	}
	for i := range first.Items1D {
		if first.Items1D[i] != second.Items1D[i] {
			t.Errorf("1D row %d differs: %+v vs %+v", i, first.Items1D[i], second.Items1D[i])
		}
	}
}

func TestInfoColumn(t *testing.T) {
	tables, _ := mustNormalize(t, testExport, Options{})
	row := tables.Info[0]
	if v, ok := row.Column(episode.ColSiteID); !ok || v.String != "A" {
		t.Errorf("site_id = %v %v", v, ok)
	}
	if _, ok := row.Column("nope"); ok {
		t.Error("unknown column should not resolve")
	}
	if !IsInfoColumn(ColPID) || IsInfoColumn("HR") {
		t.Error("IsInfoColumn misclassifies")
	}
}
