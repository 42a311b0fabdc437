// Package store persists the normalized tables and loads them back for
// extraction, as a Parquet directory or in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"gopkg.in/guregu/null.v3"

	"ccdinspect/episode"
	"ccdinspect/normalize"
)

// File names inside a Parquet store directory.
const (
	InfoFile    = "info.parquet"
	Items1DFile = "item_1d.parquet"
	Items2DFile = "item_2d.parquet"
	SkipsFile   = "skips.parquet"
)

// Key-value metadata stored on every file.
const (
	metaTimeMode   = "ccdinspect.time_mode"
	metaKeyColumns = "ccdinspect.key_columns"
	metaRunID      = "ccdinspect.run_id"
	metaStarted    = "ccdinspect.started"
	metaFinished   = "ccdinspect.finished"
)

const (
	writeBatch = 10_000
	readBatch  = 8192
)

type infoRecord struct {
	EpisodeKey string  `parquet:"episode_key"`
	SiteID     string  `parquet:"site_id"`
	EpisodeID  string  `parquet:"episode_id"`
	NHSNumber  *string `parquet:"nhs_number,optional"`
	PASNumber  *string `parquet:"pas_number,optional"`
	Admission  *int64  `parquet:"t_admission,optional"`
	Discharge  *int64  `parquet:"t_discharge,optional"`
	ParseFile  *string `parquet:"parse_file,optional"`
	ParseTime  *int64  `parquet:"parse_time,optional"`
	PID        *string `parquet:"pid,optional"`
	Spell      *string `parquet:"spell,optional"`
}

type item1DRecord struct {
	FieldCode  string `parquet:"field_code,dict"`
	EpisodeKey string `parquet:"episode_key"`
	SiteID     string `parquet:"site_id,dict"`
	EpisodeID  string `parquet:"episode_id"`
	Value      string `parquet:"value"`
}

type skipRecord struct {
	EpisodeKey string  `parquet:"episode_key"`
	FieldCode  *string `parquet:"field_code,optional"`
	Reason     string  `parquet:"reason,dict"`
	Detail     string  `parquet:"detail"`
}

type item2DRecord struct {
	FieldCode  string  `parquet:"field_code,dict"`
	EpisodeKey string  `parquet:"episode_key"`
	SiteID     string  `parquet:"site_id,dict"`
	EpisodeID  string  `parquet:"episode_id"`
	Value      string  `parquet:"value"`
	Time       int64   `parquet:"time"`
	Meta       *string `parquet:"meta,optional"`
}

// WriteParquet writes the three tables of t and the skips of s into dir,
// creating it if needed. Item rows are grouped by field code with the table
// order kept within a field, so a Select returns rows in table order.
func WriteParquet(dir string, t *normalize.Tables, s *normalize.Summary) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	meta := map[string]string{
		metaTimeMode:   string(t.Mode),
		metaKeyColumns: strings.Join(t.KeyColumns, ","),
		metaRunID:      s.RunID.String(),
		metaStarted:    s.Started.UTC().Format(time.RFC3339Nano),
		metaFinished:   s.Finished.UTC().Format(time.RFC3339Nano),
	}

	skips := make([]skipRecord, len(s.Skips))
	for i, sk := range s.Skips {
		skips[i] = skipRecord{
			EpisodeKey: sk.EpisodeKey,
			FieldCode:  null.NewString(sk.FieldCode, sk.FieldCode != "").Ptr(),
			Reason:     string(sk.Reason),
			Detail:     sk.Detail,
		}
	}
	if err := writeFile(filepath.Join(dir, SkipsFile), skips, meta); err != nil {
		return err
	}

	info := make([]infoRecord, len(t.Info))
	for i := range t.Info {
		info[i] = toInfoRecord(&t.Info[i])
	}
	if err := writeFile(filepath.Join(dir, InfoFile), info, meta); err != nil {
		return err
	}

	items1D := make([]item1DRecord, len(t.Items1D))
	for i, r := range t.Items1D {
		items1D[i] = item1DRecord(r)
	}
	sort.SliceStable(items1D, func(i, j int) bool { return items1D[i].FieldCode < items1D[j].FieldCode })
	if err := writeFile(filepath.Join(dir, Items1DFile), items1D, meta); err != nil {
		return err
	}

	items2D := make([]item2DRecord, len(t.Items2D))
	for i, r := range t.Items2D {
		items2D[i] = item2DRecord{
			FieldCode:  r.FieldCode,
			EpisodeKey: r.EpisodeKey,
			SiteID:     r.SiteID,
			EpisodeID:  r.EpisodeID,
			Value:      r.Value,
			Time:       r.Time,
			Meta:       r.Meta.Ptr(),
		}
	}
	sort.SliceStable(items2D, func(i, j int) bool { return items2D[i].FieldCode < items2D[j].FieldCode })
	return writeFile(filepath.Join(dir, Items2DFile), items2D, meta)
}

func writeFile[T any](path string, rows []T, meta map[string]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	opts := []parquet.WriterOption{
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
		parquet.PageBufferSize(8 * 1024),
		parquet.DataPageStatistics(true),
		parquet.CreatedBy("ccdinspect", "1.0", ""),
	}
	for k, v := range meta {
		opts = append(opts, parquet.KeyValueMetadata(k, v))
	}
	writer := parquet.NewGenericWriter[T](file, opts...)

	for start := 0; start < len(rows); start += writeBatch {
		end := min(start+writeBatch, len(rows))
		if _, err := writer.Write(rows[start:end]); err != nil {
			writer.Close()
			file.Close()
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return file.Close()
}

func toInfoRecord(r *normalize.InfoRow) infoRecord {
	return infoRecord{
		EpisodeKey: r.EpisodeKey,
		SiteID:     r.SiteID,
		EpisodeID:  r.EpisodeID,
		NHSNumber:  r.NHSNumber.Ptr(),
		PASNumber:  r.PASNumber.Ptr(),
		Admission:  r.Admission.Ptr(),
		Discharge:  r.Discharge.Ptr(),
		ParseFile:  r.ParseFile.Ptr(),
		ParseTime:  r.ParseTime.Ptr(),
		PID:        r.PID.Ptr(),
		Spell:      r.Spell.Ptr(),
	}
}

func fromInfoRecord(r *infoRecord) normalize.InfoRow {
	return normalize.InfoRow{
		EpisodeKey: r.EpisodeKey,
		SiteID:     r.SiteID,
		EpisodeID:  r.EpisodeID,
		NHSNumber:  null.StringFromPtr(r.NHSNumber),
		PASNumber:  null.StringFromPtr(r.PASNumber),
		Admission:  null.IntFromPtr(r.Admission),
		Discharge:  null.IntFromPtr(r.Discharge),
		ParseFile:  null.StringFromPtr(r.ParseFile),
		ParseTime:  null.IntFromPtr(r.ParseTime),
		PID:        null.StringFromPtr(r.PID),
		Spell:      null.StringFromPtr(r.Spell),
	}
}

// ParquetStore reads a directory written by WriteParquet. Every call opens
// the files afresh, so a store is safe for concurrent use.
type ParquetStore struct {
	dir        string
	mode       episode.TimeMode
	keyColumns []string
	runID      uuid.UUID
	started    time.Time
	finished   time.Time
}

// OpenParquet checks that dir holds the three tables and reads the run
// metadata.
func OpenParquet(dir string) (*ParquetStore, error) {
	for _, name := range []string{InfoFile, Items1DFile, Items2DFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("parquet store %s: %w", dir, err)
		}
	}

	f, err := os.Open(filepath.Join(dir, InfoFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet: %w", err)
	}
	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", InfoFile, err)
	}

	s := &ParquetStore{dir: dir}
	modeStr, _ := pf.Lookup(metaTimeMode)
	if s.mode, err = episode.ParseTimeMode(modeStr); err != nil {
		return nil, fmt.Errorf("%s metadata: %w", InfoFile, err)
	}
	if cols, ok := pf.Lookup(metaKeyColumns); ok && cols != "" {
		s.keyColumns = strings.Split(cols, ",")
	}
	if id, ok := pf.Lookup(metaRunID); ok {
		if s.runID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%s metadata: run id: %w", InfoFile, err)
		}
	}
	if v, ok := pf.Lookup(metaStarted); ok {
		s.started, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := pf.Lookup(metaFinished); ok {
		s.finished, _ = time.Parse(time.RFC3339Nano, v)
	}
	return s, nil
}

// Mode is the time mode the tables were normalized with.
func (s *ParquetStore) Mode() episode.TimeMode { return s.mode }

// KeyColumns are the columns the episode key was built from.
func (s *ParquetStore) KeyColumns() []string { return s.keyColumns }

// RunID identifies the normalization run that wrote the store.
func (s *ParquetStore) RunID() uuid.UUID { return s.runID }

// InfoTable reads every info row.
func (s *ParquetStore) InfoTable(ctx context.Context) ([]normalize.InfoRow, error) {
	var out []normalize.InfoRow
	err := readFile(ctx, filepath.Join(s.dir, InfoFile), func(r *infoRecord) {
		out = append(out, fromInfoRecord(r))
	})
	return out, err
}

// Select1D returns the 1D rows of code. The whole item file is scanned.
func (s *ParquetStore) Select1D(ctx context.Context, code string) ([]normalize.Item1D, error) {
	out := []normalize.Item1D{}
	err := readFile(ctx, filepath.Join(s.dir, Items1DFile), func(r *item1DRecord) {
		if r.FieldCode == code {
			out = append(out, normalize.Item1D(*r))
		}
	})
	return out, err
}

// Select2D returns the 2D rows of code.
func (s *ParquetStore) Select2D(ctx context.Context, code string) ([]normalize.Item2D, error) {
	out := []normalize.Item2D{}
	err := readFile(ctx, filepath.Join(s.dir, Items2DFile), func(r *item2DRecord) {
		if r.FieldCode == code {
			out = append(out, normalize.Item2D{
				FieldCode:  r.FieldCode,
				EpisodeKey: r.EpisodeKey,
				SiteID:     r.SiteID,
				EpisodeID:  r.EpisodeID,
				Value:      r.Value,
				Time:       r.Time,
				Meta:       null.StringFromPtr(r.Meta),
			})
		}
	})
	return out, err
}

// Summary rebuilds the run summary. Stores written without a skips file
// report no skips.
func (s *ParquetStore) Summary(ctx context.Context) (*normalize.Summary, error) {
	sum := &normalize.Summary{
		RunID:    s.runID,
		Mode:     s.mode,
		Started:  s.started,
		Finished: s.finished,
	}
	path := filepath.Join(s.dir, SkipsFile)
	if _, err := os.Stat(path); err == nil {
		err := readFile(ctx, path, func(r *skipRecord) {
			sum.Skips = append(sum.Skips, normalize.Skip{
				EpisodeKey: r.EpisodeKey,
				FieldCode:  null.StringFromPtr(r.FieldCode).String,
				Reason:     normalize.SkipReason(r.Reason),
				Detail:     r.Detail,
			})
		})
		if err != nil {
			return nil, err
		}
	}
	t, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	sum.Episodes = len(t.Info)
	sum.Items1D = len(t.Items1D)
	sum.Items2D = len(t.Items2D)
	return sum, nil
}

// Load reads the whole store back into memory.
func (s *ParquetStore) Load(ctx context.Context) (*normalize.Tables, error) {
	info, err := s.InfoTable(ctx)
	if err != nil {
		return nil, err
	}
	var items1D []normalize.Item1D
	err = readFile(ctx, filepath.Join(s.dir, Items1DFile), func(r *item1DRecord) {
		items1D = append(items1D, normalize.Item1D(*r))
	})
	if err != nil {
		return nil, err
	}
	var items2D []normalize.Item2D
	err = readFile(ctx, filepath.Join(s.dir, Items2DFile), func(r *item2DRecord) {
		items2D = append(items2D, normalize.Item2D{
			FieldCode:  r.FieldCode,
			EpisodeKey: r.EpisodeKey,
			SiteID:     r.SiteID,
			EpisodeID:  r.EpisodeID,
			Value:      r.Value,
			Time:       r.Time,
			Meta:       null.StringFromPtr(r.Meta),
		})
	})
	if err != nil {
		return nil, err
	}
	return normalize.NewTables(s.mode, s.keyColumns, info, items1D, items2D), nil
}

// readFile streams the rows of path in batches and hands each to fn.
func readFile[T any](ctx context.Context, path string, fn func(*T)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open parquet: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	buf := make([]T, readBatch)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		clear(buf)
		n, readErr := reader.Read(buf)
		for i := 0; i < n; i++ {
			fn(&buf[i])
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", filepath.Base(path), readErr)
		}
	}
}
