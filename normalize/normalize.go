package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v3"

	"ccdinspect/episode"
)

const defaultProgressEvery = 1000

// Options control a normalization run.
type Options struct {
	// Mode must be set explicitly.
	Mode episode.TimeMode
	// KeyColumns form the episode key; defaults to site and episode ID.
	KeyColumns []string
	// SyntheticSites, when set, replaces each episode's site with one drawn
	// from the list using Seed. Intended for test data without real sites.
	SyntheticSites []string
	Seed           uint64
	// Logger receives skip warnings and progress; nil discards them.
	Logger *zerolog.Logger
	// ProgressEvery logs progress every N episodes. Zero uses a default,
	// negative disables.
	ProgressEvery int
}

// series is the 2D payload shape in the export.
type series struct {
	Item2D *[]json.RawMessage `json:"item2d"`
	Time   *[]json.RawMessage `json:"time"`
	Meta   *[]json.RawMessage `json:"meta"`
}

type normalizer struct {
	opts    Options
	log     zerolog.Logger
	rng     *rand.Rand
	seen    map[string]bool
	tables  *Tables
	summary *Summary
}

// Normalize reads every episode from src and returns the info, 1D and 2D
// tables. Duplicate episode keys abort the run with ErrDuplicateEpisode and
// no tables. Malformed payloads are skipped per episode and field and
// recorded in the summary.
func Normalize(ctx context.Context, src episode.Source, opts Options) (*Tables, *Summary, error) {
	if _, err := episode.ParseTimeMode(string(opts.Mode)); err != nil {
		return nil, nil, err
	}
	if len(opts.KeyColumns) == 0 {
		opts.KeyColumns = episode.DefaultKeyColumns
	}
	for _, c := range opts.KeyColumns {
		if c == ColEpisodeKey || c == episode.DataKey {
			return nil, nil, fmt.Errorf("%q cannot be a key column", c)
		}
	}
	if opts.ProgressEvery == 0 {
		opts.ProgressEvery = defaultProgressEvery
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	n := &normalizer{
		opts: opts,
		log:  log,
		seen: make(map[string]bool),
		tables: &Tables{
			Mode:       opts.Mode,
			KeyColumns: append([]string(nil), opts.KeyColumns...),
		},
		summary: &Summary{
			RunID:   uuid.New(),
			Mode:    opts.Mode,
			Started: time.Now(),
		},
	}
	if len(opts.SyntheticSites) > 0 {
		n.rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read episode %d: %w", n.summary.Episodes+1, err)
		}
		if err := n.add(rec); err != nil {
			return nil, nil, err
		}
		if opts.ProgressEvery > 0 && n.summary.Episodes%opts.ProgressEvery == 0 {
			n.log.Info().
				Int("episodes", n.summary.Episodes).
				Int("items_1d", len(n.tables.Items1D)).
				Int("items_2d", len(n.tables.Items2D)).
				Msg("normalize progress")
		}
	}

	n.tables.index()
	n.summary.Items1D = len(n.tables.Items1D)
	n.summary.Items2D = len(n.tables.Items2D)
	n.summary.Finished = time.Now()
	return n.tables, n.summary, nil
}

func (n *normalizer) add(rec episode.Record) error {
	if n.rng != nil {
		rec.SiteID = n.opts.SyntheticSites[n.rng.IntN(len(n.opts.SyntheticSites))]
	}

	key, err := rec.Key(n.opts.KeyColumns)
	if err != nil {
		return err
	}
	if n.seen[key] {
		return fmt.Errorf("%w: %s (site %s, episode %s)", ErrDuplicateEpisode, key, rec.SiteID, rec.EpisodeID)
	}
	n.seen[key] = true

	info := InfoRow{
		EpisodeKey: key,
		SiteID:     rec.SiteID,
		EpisodeID:  rec.EpisodeID,
		NHSNumber:  rec.NHSNumber,
		PASNumber:  rec.PASNumber,
		ParseFile:  rec.ParseFile,
	}
	info.PID = n.promote(key, ColPID, rec.Data)
	info.Spell = n.promote(key, ColSpell, rec.Data)
	n.adminTimes(&info, &rec)
	n.tables.Info = append(n.tables.Info, info)
	n.summary.Episodes++

	codes := make([]string, 0, len(rec.Data))
	for code := range rec.Data {
		if code == ColPID || code == ColSpell {
			continue
		}
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		raw := rec.Data[code]
		if episode.IsComposite(raw) {
			n.addSeries(&info, code, raw)
			continue
		}
		v, _, err := episode.ScalarString(raw)
		if err != nil {
			n.skip(info.EpisodeKey, code, SkipMalformed, err.Error())
			continue
		}
		n.tables.Items1D = append(n.tables.Items1D, Item1D{
			FieldCode:  code,
			EpisodeKey: info.EpisodeKey,
			SiteID:     info.SiteID,
			EpisodeID:  info.EpisodeID,
			Value:      v,
		})
	}
	return nil
}

// promote reads an identifier data member into the info table. A member
// that is not a scalar is skipped and recorded.
func (n *normalizer) promote(key, col string, data map[string]json.RawMessage) null.String {
	raw, ok := data[col]
	if !ok {
		return null.String{}
	}
	s, jsonNull, err := episode.ScalarString(raw)
	if err != nil {
		n.skip(key, col, SkipMalformed, err.Error())
		return null.String{}
	}
	return null.NewString(s, !jsonNull)
}

func (n *normalizer) adminTimes(info *InfoRow, rec *episode.Record) {
	set := func(col string, raw json.RawMessage, dst *null.Int) {
		v, err := n.opts.Mode.Micros(raw, episode.AdminUnit)
		if err != nil {
			n.skip(info.EpisodeKey, "", SkipBadAdminTime, col+": "+err.Error())
			return
		}
		*dst = v
	}
	set(episode.ColAdmission, rec.Admission, &info.Admission)
	set(episode.ColDischarge, rec.Discharge, &info.Discharge)
	set(episode.ColParseTime, rec.ParseTime, &info.ParseTime)
}

// addSeries appends the points of one 2D payload. Any structural problem
// drops the whole payload so no partial series is emitted.
func (n *normalizer) addSeries(info *InfoRow, code string, raw json.RawMessage) {
	var s series
	if err := json.Unmarshal(raw, &s); err != nil {
		n.skip(info.EpisodeKey, code, SkipMalformed, err.Error())
		return
	}
	if s.Item2D == nil || s.Time == nil {
		n.skip(info.EpisodeKey, code, SkipMalformed, "series needs item2d and time")
		return
	}
	vals, times := *s.Item2D, *s.Time
	if len(vals) != len(times) {
		n.skip(info.EpisodeKey, code, SkipRagged,
			fmt.Sprintf("%d values, %d times", len(vals), len(times)))
		return
	}
	var meta []json.RawMessage
	if s.Meta != nil {
		meta = *s.Meta
		if len(meta) != len(vals) {
			n.skip(info.EpisodeKey, code, SkipRagged,
				fmt.Sprintf("%d values, %d meta", len(vals), len(meta)))
			return
		}
	}

	rows := make([]Item2D, 0, len(vals))
	for i := range vals {
		v, _, err := episode.ScalarString(vals[i])
		if err != nil {
			n.skip(info.EpisodeKey, code, SkipMalformed, fmt.Sprintf("value %d: %v", i, err))
			return
		}
		at, err := n.opts.Mode.Micros(times[i], episode.SeriesUnit)
		if err == nil && !at.Valid {
			err = errors.New("null time")
		}
		if err != nil {
			n.skip(info.EpisodeKey, code, SkipBadTime, fmt.Sprintf("point %d: %v", i, err))
			return
		}
		row := Item2D{
			FieldCode:  code,
			EpisodeKey: info.EpisodeKey,
			SiteID:     info.SiteID,
			EpisodeID:  info.EpisodeID,
			Value:      v,
			Time:       at.Int64,
		}
		if meta != nil {
			m, isNull, err := episode.ScalarString(meta[i])
			if err != nil {
				n.skip(info.EpisodeKey, code, SkipMalformed, fmt.Sprintf("meta %d: %v", i, err))
				return
			}
			row.Meta = null.NewString(m, !isNull)
		}
		rows = append(rows, row)
	}
	n.tables.Items2D = append(n.tables.Items2D, rows...)
}

func (n *normalizer) skip(key, code string, reason SkipReason, detail string) {
	n.summary.Skips = append(n.summary.Skips, Skip{
		EpisodeKey: key,
		FieldCode:  code,
		Reason:     reason,
		Detail:     detail,
	})
	n.log.Warn().
		Str("episode", key).
		Str("field", code).
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("skipping contribution")
}
