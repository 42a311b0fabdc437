package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v3"

	"ccdinspect/episode"
	"ccdinspect/normalize"
)

//go:embed schema.sql
var schemaSQL string

// ErrNoRun is returned when a run is not in the database.
var ErrNoRun = errors.New("run not found")

const defaultCopyBatch = 50_000

// Connect opens a pool to connStr and checks it with a ping.
func Connect(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection: %w", err)
	}
	poolConfig.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// InitSchema creates the tables if they do not exist.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// LoadOptions tune SavePG.
type LoadOptions struct {
	// CopyBatch is the number of rows sent per COPY.
	CopyBatch int
	Logger    *zerolog.Logger
}

// SavePG writes one normalization run in a single transaction. A run that
// is already stored is replaced.
func SavePG(ctx context.Context, pool *pgxpool.Pool, t *normalize.Tables, s *normalize.Summary, opts LoadOptions) error {
	start := time.Now()
	if opts.CopyBatch <= 0 {
		opts.CopyBatch = defaultCopyBatch
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, s.RunID); err != nil {
		return fmt.Errorf("delete previous run: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO runs (run_id, time_mode, key_columns, episodes, items_1d, items_2d, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.RunID, string(t.Mode), t.KeyColumns, len(t.Info), len(t.Items1D), len(t.Items2D),
		timeOrNull(s.Started), timeOrNull(s.Finished),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	copier := &batchCopier{tx: tx, batch: opts.CopyBatch, log: log}

	err = copier.copy(ctx, "info",
		[]string{"run_id", "seq", "episode_key", "site_id", "episode_id", "nhs_number", "pas_number",
			"t_admission", "t_discharge", "parse_file", "parse_time", "pid", "spell"},
		len(t.Info), func(i int) []any {
			r := &t.Info[i]
			return []any{s.RunID, int32(i), r.EpisodeKey, r.SiteID, r.EpisodeID,
				textOf(r.NHSNumber), textOf(r.PASNumber), int8Of(r.Admission), int8Of(r.Discharge),
				textOf(r.ParseFile), int8Of(r.ParseTime), textOf(r.PID), textOf(r.Spell)}
		})
	if err != nil {
		return err
	}

	err = copier.copy(ctx, "item_1d",
		[]string{"run_id", "seq", "field_code", "episode_key", "site_id", "episode_id", "value"},
		len(t.Items1D), func(i int) []any {
			r := &t.Items1D[i]
			return []any{s.RunID, int64(i), r.FieldCode, r.EpisodeKey, r.SiteID, r.EpisodeID, sanitizeUTF8(r.Value)}
		})
	if err != nil {
		return err
	}

	err = copier.copy(ctx, "item_2d",
		[]string{"run_id", "seq", "field_code", "episode_key", "site_id", "episode_id", "value", "time", "meta"},
		len(t.Items2D), func(i int) []any {
			r := &t.Items2D[i]
			return []any{s.RunID, int64(i), r.FieldCode, r.EpisodeKey, r.SiteID, r.EpisodeID,
				sanitizeUTF8(r.Value), r.Time, textOf(r.Meta)}
		})
	if err != nil {
		return err
	}

	err = copier.copy(ctx, "skips",
		[]string{"run_id", "episode_key", "field_code", "reason", "detail"},
		len(s.Skips), func(i int) []any {
			sk := &s.Skips[i]
			return []any{s.RunID, sk.EpisodeKey, textOf(null.NewString(sk.FieldCode, sk.FieldCode != "")),
				string(sk.Reason), sanitizeUTF8(sk.Detail)}
		})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Info().
		Str("run_id", s.RunID.String()).
		Int("episodes", len(t.Info)).
		Int("items_1d", len(t.Items1D)).
		Int("items_2d", len(t.Items2D)).
		Dur("took", time.Since(start)).
		Msg("run stored")
	return nil
}

// batchCopier sends rows with COPY in fixed-size batches.
type batchCopier struct {
	tx    pgx.Tx
	batch int
	log   zerolog.Logger
}

func (c *batchCopier) copy(ctx context.Context, table string, cols []string, n int, row func(int) []any) error {
	pending := make([][]any, 0, min(n, c.batch))
	var copied int64
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		k, err := c.tx.CopyFrom(ctx, pgx.Identifier{table}, cols, pgx.CopyFromRows(pending))
		if err != nil {
			return fmt.Errorf("copy %s: %w", table, err)
		}
		copied += k
		pending = pending[:0]
		c.log.Debug().Str("table", table).Int64("rows", copied).Int("of", n).Msg("copy progress")
		return nil
	}
	for i := 0; i < n; i++ {
		pending = append(pending, row(i))
		if len(pending) >= c.batch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// PGStore reads one stored run. It is safe for concurrent use.
type PGStore struct {
	pool       *pgxpool.Pool
	runID      uuid.UUID
	mode       episode.TimeMode
	keyColumns []string
}

// OpenPG returns a store over runID. The zero UUID selects the most
// recently loaded run.
func OpenPG(ctx context.Context, pool *pgxpool.Pool, runID uuid.UUID) (*PGStore, error) {
	var (
		mode string
		cols []string
		row  pgx.Row
	)
	if runID == uuid.Nil {
		row = pool.QueryRow(ctx,
			`SELECT run_id, time_mode, key_columns FROM runs ORDER BY loaded_at DESC LIMIT 1`)
	} else {
		row = pool.QueryRow(ctx,
			`SELECT run_id, time_mode, key_columns FROM runs WHERE run_id = $1`, runID)
	}
	if err := row.Scan(&runID, &mode, &cols); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("query run: %w", err)
	}
	m, err := episode.ParseTimeMode(mode)
	if err != nil {
		return nil, err
	}
	return &PGStore{pool: pool, runID: runID, mode: m, keyColumns: cols}, nil
}

// RunID identifies the stored run.
func (s *PGStore) RunID() uuid.UUID { return s.runID }

// Mode is the time mode of the run.
func (s *PGStore) Mode() episode.TimeMode { return s.mode }

// KeyColumns are the columns the episode key was built from.
func (s *PGStore) KeyColumns() []string { return s.keyColumns }

// InfoTable returns the info rows in their original order.
func (s *PGStore) InfoTable(ctx context.Context) ([]normalize.InfoRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT episode_key, site_id, episode_id, nhs_number, pas_number,
		        t_admission, t_discharge, parse_file, parse_time, pid, spell
		 FROM info WHERE run_id = $1 ORDER BY seq`, s.runID)
	if err != nil {
		return nil, fmt.Errorf("query info: %w", err)
	}
	defer rows.Close()

	var out []normalize.InfoRow
	for rows.Next() {
		var (
			r                         normalize.InfoRow
			nhs, pas, file, pid, spel pgtype.Text
			adm, dis, parsed          pgtype.Int8
		)
		if err := rows.Scan(&r.EpisodeKey, &r.SiteID, &r.EpisodeID, &nhs, &pas,
			&adm, &dis, &file, &parsed, &pid, &spel); err != nil {
			return nil, fmt.Errorf("scan info: %w", err)
		}
		r.NHSNumber, r.PASNumber, r.ParseFile = fromText(nhs), fromText(pas), fromText(file)
		r.PID, r.Spell = fromText(pid), fromText(spel)
		r.Admission, r.Discharge, r.ParseTime = fromInt8(adm), fromInt8(dis), fromInt8(parsed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Select1D returns the 1D rows of code in their original order.
func (s *PGStore) Select1D(ctx context.Context, code string) ([]normalize.Item1D, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field_code, episode_key, site_id, episode_id, value
		 FROM item_1d WHERE run_id = $1 AND field_code = $2 ORDER BY seq`, s.runID, code)
	if err != nil {
		return nil, fmt.Errorf("query item_1d: %w", err)
	}
	defer rows.Close()

	out := []normalize.Item1D{}
	for rows.Next() {
		var r normalize.Item1D
		if err := rows.Scan(&r.FieldCode, &r.EpisodeKey, &r.SiteID, &r.EpisodeID, &r.Value); err != nil {
			return nil, fmt.Errorf("scan item_1d: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Select2D returns the 2D rows of code in their original order.
func (s *PGStore) Select2D(ctx context.Context, code string) ([]normalize.Item2D, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field_code, episode_key, site_id, episode_id, value, time, meta
		 FROM item_2d WHERE run_id = $1 AND field_code = $2 ORDER BY seq`, s.runID, code)
	if err != nil {
		return nil, fmt.Errorf("query item_2d: %w", err)
	}
	defer rows.Close()

	out := []normalize.Item2D{}
	for rows.Next() {
		var (
			r    normalize.Item2D
			meta pgtype.Text
		)
		if err := rows.Scan(&r.FieldCode, &r.EpisodeKey, &r.SiteID, &r.EpisodeID, &r.Value, &r.Time, &meta); err != nil {
			return nil, fmt.Errorf("scan item_2d: %w", err)
		}
		r.Meta = fromText(meta)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SkipCounts returns the stored skip counts per reason.
func (s *PGStore) SkipCounts(ctx context.Context) (map[normalize.SkipReason]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT reason, count(*) FROM skips WHERE run_id = $1 GROUP BY reason`, s.runID)
	if err != nil {
		return nil, fmt.Errorf("query skips: %w", err)
	}
	defer rows.Close()

	out := make(map[normalize.SkipReason]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan skips: %w", err)
		}
		out[normalize.SkipReason(reason)] = n
	}
	return out, rows.Err()
}

// sanitizeUTF8 replaces invalid UTF-8 bytes with spaces.
func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, " ")
}

func textOf(s null.String) pgtype.Text {
	if !s.Valid {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: sanitizeUTF8(s.String), Valid: true}
}

func int8Of(v null.Int) pgtype.Int8 {
	return pgtype.Int8{Int64: v.Int64, Valid: v.Valid}
}

func fromText(t pgtype.Text) null.String {
	return null.NewString(t.String, t.Valid)
}

func fromInt8(v pgtype.Int8) null.Int {
	return null.NewInt(v.Int64, v.Valid)
}

func timeOrNull(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
