package fieldspec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testYAML = `
NIHR_HIC_ICU_0108:
  dataItem: Heart rate
  Datatype: numeric
  NHICdtCode: NIHR_HIC_ICU_0107
  NHICmetaCode: null
NIHR_HIC_ICU_0093:
  dataItem: Sex
  Datatype: list
  NHICdtCode: null
NIHR_HIC_ICU_0017:
  dataItem: Height
  Datatype: numeric
NIHR_HIC_ICU_0411:
  dataItem: Date of admission
  Datatype: Date/time
NIHR_HIC_ICU_0126:
  dataItem: Airway
  Datatype: list / logical
  NHICdtCode: NIHR_HIC_ICU_0125
`

func TestParse(t *testing.T) {
	spec, err := Parse(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if spec.Len() != 5 {
		t.Fatalf("expected 5 fields, got %d", spec.Len())
	}

	hr, err := spec.Lookup("NIHR_HIC_ICU_0108")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !hr.TimeSeries {
		t.Error("heart rate should be a time series")
	}
	if hr.DtCode != "NIHR_HIC_ICU_0107" {
		t.Errorf("dt code = %q, want NIHR_HIC_ICU_0107", hr.DtCode)
	}
	if hr.Label != "Heart rate" {
		t.Errorf("label = %q, want Heart rate", hr.Label)
	}
	if hr.Kind() != Continuous {
		t.Errorf("kind = %v, want continuous", hr.Kind())
	}

	sex, _ := spec.Lookup("NIHR_HIC_ICU_0093")
	if sex.TimeSeries {
		t.Error("sex should be 1D")
	}
	if sex.Kind() != Categorical {
		t.Errorf("kind = %v, want categorical", sex.Kind())
	}

	adm, _ := spec.Lookup("NIHR_HIC_ICU_0411")
	if adm.Datatype != DateTime || adm.Kind() != Temporal {
		t.Errorf("admission datatype = %q kind %v", adm.Datatype, adm.Kind())
	}

	airway, _ := spec.Lookup("NIHR_HIC_ICU_0126")
	if airway.Datatype != ListLogical {
		t.Errorf("airway datatype = %q, want list / logical", airway.Datatype)
	}
}

func TestLookupUnknown(t *testing.T) {
	spec, err := New([]Entry{{Code: "A", Datatype: Numeric}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = spec.Lookup("B")
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	if !strings.Contains(err.Error(), "B") {
		t.Errorf("error should name the missing code, got %q", err)
	}
}

func TestParseDatatype(t *testing.T) {
	tests := []struct {
		in   string
		want Datatype
		kind Kind
	}{
		{"numeric", Numeric, Continuous},
		{"text", Text, Categorical},
		{"list", List, Categorical},
		{"list / logical", ListLogical, Categorical},
		{"Logical", Logical, Categorical},
		{"Date", Date, Temporal},
		{"Time", Time, Temporal},
		{"Date/time", DateTime, Temporal},
		{" datetime ", DateTime, Temporal},
	}
	for _, tt := range tests {
		got, err := ParseDatatype(tt.in)
		if err != nil {
			t.Errorf("ParseDatatype(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDatatype(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got.Kind() != tt.kind {
			t.Errorf("%q kind = %v, want %v", tt.in, got.Kind(), tt.kind)
		}
	}

	if _, err := ParseDatatype("blob"); !errors.Is(err, ErrUnknownDatatype) {
		t.Errorf("expected ErrUnknownDatatype, got %v", err)
	}
}

func TestParseRejectsUnknownDatatype(t *testing.T) {
	_, err := Parse(strings.NewReader("X:\n  Datatype: complex\n"))
	if !errors.Is(err, ErrUnknownDatatype) {
		t.Fatalf("expected ErrUnknownDatatype, got %v", err)
	}
}

func TestParseRejectsMissingDatatype(t *testing.T) {
	_, err := Parse(strings.NewReader("X:\n  dataItem: thing\n"))
	if err == nil {
		t.Fatal("expected error for missing Datatype")
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]Entry{{Code: "A", Datatype: Numeric}, {Code: "A", Datatype: Text}})
	if err == nil {
		t.Fatal("expected duplicate code error")
	}
}

func TestSelect(t *testing.T) {
	spec, err := Parse(strings.NewReader(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	got := spec.Select(Numeric)
	want := []string{"NIHR_HIC_ICU_0017", "NIHR_HIC_ICU_0108"}
	if len(got) != len(want) {
		t.Fatalf("Select(numeric) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Select[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := len(spec.Select()); n != 5 {
		t.Errorf("Select() returned %d codes, want 5", n)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.yml")
	if err := os.WriteFile(path, []byte(testYAML), 0644); err != nil {
		t.Fatal(err)
	}
	spec, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if spec.Len() != 5 {
		t.Errorf("expected 5 fields, got %d", spec.Len())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}
