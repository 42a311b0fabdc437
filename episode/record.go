// Package episode reads the per-episode clinical export and holds it in
// memory as the episode store.
package episode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/guregu/null.v3"
)

// DataKey is the top-level member holding the field-data mapping.
const DataKey = "data"

// Admin column names.
const (
	ColSiteID    = "site_id"
	ColEpisodeID = "episode_id"
	ColNHSNumber = "nhs_number"
	ColPASNumber = "pas_number"
	ColAdmission = "t_admission"
	ColDischarge = "t_discharge"
	ColParseFile = "parse_file"
	ColParseTime = "parse_time"
)

// Data members that identify the episode rather than hold clinical items.
const (
	ColPID   = "pid"
	ColSpell = "spell"
)

// DefaultKeyColumns form the episode key unless configured otherwise.
var DefaultKeyColumns = []string{ColSiteID, ColEpisodeID}

// ErrComposite is returned by ScalarString for objects and arrays.
var ErrComposite = errors.New("value is not a scalar")

// Record is one episode as it appears in the export. Time values are kept
// raw because their unit depends on the run's TimeMode.
type Record struct {
	SiteID    string
	EpisodeID string
	NHSNumber null.String
	PASNumber null.String
	ParseFile null.String

	Admission json.RawMessage
	Discharge json.RawMessage
	ParseTime json.RawMessage

	// Extra holds any other top-level members.
	Extra map[string]json.RawMessage
	// Data maps field code to a scalar (1D) or a series object (2D).
	Data map[string]json.RawMessage
}

// Column returns the string form of an administrative column, the pid or
// spell data member, or any other top-level member holding a scalar.
func (r *Record) Column(name string) (string, bool) {
	switch name {
	case ColSiteID:
		return r.SiteID, true
	case ColEpisodeID:
		return r.EpisodeID, true
	case ColNHSNumber:
		return r.NHSNumber.String, true
	case ColPASNumber:
		return r.PASNumber.String, true
	case ColParseFile:
		return r.ParseFile.String, true
	}
	raw, ok := r.Extra[name]
	if !ok && (name == ColPID || name == ColSpell) {
		raw, ok = r.Data[name]
	}
	if !ok {
		return "", false
	}
	s, _, err := ScalarString(raw)
	if err != nil {
		return "", false
	}
	return s, true
}

// Key concatenates the values of cols to form the episode key.
func (r *Record) Key(cols []string) (string, error) {
	var b strings.Builder
	for _, c := range cols {
		v, ok := r.Column(c)
		if !ok {
			return "", fmt.Errorf("key column %q not found on episode %s/%s", c, r.SiteID, r.EpisodeID)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// UnmarshalJSON splits an episode object into typed admin fields, extras and
// the raw data mapping.
func (r *Record) UnmarshalJSON(b []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return err
	}

	*r = Record{Extra: make(map[string]json.RawMessage)}
	for k, v := range members {
		var err error
		switch k {
		case ColSiteID:
			r.SiteID, _, err = ScalarString(v)
		case ColEpisodeID:
			r.EpisodeID, _, err = ScalarString(v)
		case ColNHSNumber:
			r.NHSNumber, err = nullString(v)
		case ColPASNumber:
			r.PASNumber, err = nullString(v)
		case ColParseFile:
			r.ParseFile, err = nullString(v)
		case ColAdmission:
			r.Admission = v
		case ColDischarge:
			r.Discharge = v
		case ColParseTime:
			r.ParseTime = v
		case DataKey:
			if isNull(v) {
				continue
			}
			if err = json.Unmarshal(v, &r.Data); err != nil {
				err = fmt.Errorf("data is not an object: %w", err)
			}
		default:
			r.Extra[k] = v
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
	}
	return nil
}

// ScalarString renders a JSON scalar as a string. Strings are returned
// unquoted, numbers in their source form, booleans as true/false. A JSON
// null gives "" with jsonNull set. Objects and arrays return ErrComposite.
func ScalarString(raw json.RawMessage) (s string, jsonNull bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return "", true, nil
	}
	switch raw[0] {
	case '{', '[':
		return "", false, ErrComposite
	case '"':
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, false, nil
	}
	// number or boolean literal
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", false, err
	}
	switch t := v.(type) {
	case json.Number:
		return t.String(), false, nil
	case bool:
		if t {
			return "true", false, nil
		}
		return "false", false, nil
	}
	return "", false, fmt.Errorf("unexpected scalar %s", raw)
}

// IsComposite reports whether raw is a JSON object or array.
func IsComposite(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && (raw[0] == '{' || raw[0] == '[')
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func nullString(raw json.RawMessage) (null.String, error) {
	s, blank, err := ScalarString(raw)
	if err != nil {
		return null.String{}, err
	}
	return null.NewString(s, !blank), nil
}
