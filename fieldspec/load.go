package fieldspec

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlEntry mirrors one item of the N_DataItems.yml dictionary. Only the
// keys the pipeline reads are decoded.
type yamlEntry struct {
	Datatype     string  `yaml:"Datatype"`
	DataItem     string  `yaml:"dataItem"`
	NHICdtCode   *string `yaml:"NHICdtCode"`
	NHICmetaCode *string `yaml:"NHICmetaCode"`
}

// Load reads a YAML dictionary from path.
func Load(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spec: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML mapping of field code to entry.
func Parse(r io.Reader) (*Spec, error) {
	var raw map[string]yamlEntry
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for code, y := range raw {
		if y.Datatype == "" {
			return nil, fmt.Errorf("field %s: missing Datatype", code)
		}
		dt, err := ParseDatatype(y.Datatype)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", code, err)
		}
		e := Entry{
			Code:     code,
			Datatype: dt,
			Label:    y.DataItem,
		}
		if y.NHICdtCode != nil && *y.NHICdtCode != "" {
			e.TimeSeries = true
			e.DtCode = *y.NHICdtCode
		}
		if y.NHICmetaCode != nil {
			e.MetaCode = *y.NHICmetaCode
		}
		entries = append(entries, e)
	}
	return New(entries)
}
