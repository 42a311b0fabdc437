package report

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/guregu/null.v3"

	"ccdinspect/analyze"
	"ccdinspect/extract"
	"ccdinspect/fieldspec"
)

const defaultWorkers = 4

// Options configure an Aggregator.
type Options struct {
	// By is the grouping variable; empty reports each field once.
	By string
	// Workers bounds the fields analysed at once.
	Workers int
	Logger  *zerolog.Logger
}

// Failure records a field that could not be reported.
type Failure struct {
	FieldCode string
	Err       error
}

// Report is the aggregated output of a run.
type Report struct {
	Rows     []Row
	Failures []Failure
	Started  time.Time
	Finished time.Time
}

// Aggregator runs the per-field loop over a shared Extractor.
type Aggregator struct {
	x    *extract.Extractor
	opts Options
	log  zerolog.Logger
}

// NewAggregator returns an Aggregator reading through x.
func NewAggregator(x *extract.Extractor, opts Options) *Aggregator {
	if opts.Workers < 1 {
		opts.Workers = defaultWorkers
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Aggregator{x: x, opts: opts, log: log}
}

func (a *Aggregator) extractOptions() extract.Options {
	return extract.Options{By: a.opts.By, DropMissing: true}
}

// Run reports every code in order. Unknown codes and a bad grouping
// variable fail before any field is analysed. Failures while analysing a
// field are recorded in the report and the remaining fields continue.
func (a *Aggregator) Run(ctx context.Context, codes []string) (*Report, error) {
	for _, code := range codes {
		if _, _, err := a.x.Check(code, a.extractOptions()); err != nil {
			return nil, err
		}
	}

	rep := &Report{Started: time.Now()}
	rows := make([][]Row, len(codes))
	errs := make([]error, len(codes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for i, code := range codes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			r, err := a.Field(ctx, code)
			if err != nil {
				errs[i] = err
				a.log.Error().Err(err).Str("field", code).Msg("field failed")
				return nil
			}
			rows[i] = r
			a.log.Debug().
				Str("field", code).
				Int("rows", len(r)).
				Dur("took", time.Since(start)).
				Msg("field reported")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, code := range codes {
		if errs[i] != nil {
			rep.Failures = append(rep.Failures, Failure{FieldCode: code, Err: errs[i]})
			continue
		}
		rep.Rows = append(rep.Rows, rows[i]...)
	}
	rep.Finished = time.Now()
	a.log.Info().
		Int("fields", len(codes)).
		Int("rows", len(rep.Rows)).
		Int("failed", len(rep.Failures)).
		Dur("took", rep.Finished.Sub(rep.Started)).
		Msg("report complete")
	return rep, nil
}

// Field extracts and analyses one field and returns its report rows.
func (a *Aggregator) Field(ctx context.Context, code string) ([]Row, error) {
	ft, err := a.x.Extract(ctx, code, a.extractOptions())
	if err != nil {
		return nil, err
	}
	info := a.x.Info()

	if ft.By == "" {
		mt, err := analyze.Analyze(ft, info, ft.TimeSeries)
		if err != nil {
			return nil, err
		}
		return fieldRows(ft, mt, null.String{}), nil
	}

	levels, err := analyze.AnalyzeByLevel(ft, info)
	if err != nil {
		return nil, err
	}
	a.log.Debug().
		Str("field", code).
		Int("levels", len(levels)).
		Strs("observed_levels", ft.ByLevels()).
		Msg("grouped")
	var out []Row
	for _, lvl := range levels {
		out = append(out, fieldRows(lvl.Field, lvl.Miss, null.StringFrom(lvl.Value))...)
	}
	return out, nil
}

func fieldRows(ft *extract.FieldTable, mt *analyze.MissTable, byLevel null.String) []Row {
	base := Row{
		FieldCode:     ft.Entry.Code,
		ByLevel:       byLevel,
		Label:         ft.Entry.Label,
		MissByEpisode: mt.MissingFraction(),
	}
	if mt.TimeSeries {
		base.GapPeriod = mt.MeanGapPeriod()
		base.GapStart = mt.MeanGapStart()
		base.GapStop = mt.MeanGapStop()
	}
	d := ft.Describe()

	switch ft.Kind {
	case fieldspec.Continuous:
		row := base
		row.Count = null.IntFrom(int64(d.Count))
		row.Min, row.Q1, row.Median, row.Q3, row.Max = d.Min, d.Q1, d.Median, d.Q3, d.Max
		row.Mean, row.Std = d.Mean, d.Std
		row.CoercedValues = null.IntFrom(int64(d.Coerced))
		return []Row{row}

	case fieldspec.Categorical:
		header := base
		header.Level = null.StringFrom(LevelHeader)
		header.Count = null.IntFrom(int64(d.Rows))
		header.NUnique = null.IntFrom(int64(d.Unique))
		out := []Row{header}
		for _, lc := range ft.Tabulate() {
			out = append(out, Row{
				FieldCode: ft.Entry.Code,
				ByLevel:   byLevel,
				Label:     ft.Entry.Label,
				Level:     null.StringFrom(lc.Level),
				N:         null.IntFrom(int64(lc.N)),
				Pct:       null.FloatFrom(lc.Pct),
			})
		}
		return out

	case fieldspec.Temporal:
		header := base
		header.Level = null.StringFrom(LevelHeader)
		header.Count = null.IntFrom(int64(d.Count))
		header.NUnique = null.IntFrom(int64(d.Unique))
		header.CoercedValues = null.IntFrom(int64(d.Coerced))
		return []Row{header}
	}
	panic(fmt.Sprintf("report: unhandled kind %v", ft.Kind))
}
