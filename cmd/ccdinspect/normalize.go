package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ccdinspect/episode"
	"ccdinspect/normalize"
	"ccdinspect/store"
)

func normalizeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Flatten an episode export into the Parquet store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Input == "" {
				return errors.New("--input is required")
			}
			return a.normalize(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("input", "", "episode export (JSON array, optionally .gz)")
	cmd.Flags().StringSlice("synthetic-sites", nil, "assign these fake site IDs at random")
	cmd.Flags().Uint64("seed", 0, "seed for --synthetic-sites")
	return cmd
}

func (a *app) normalize(ctx context.Context, out io.Writer) error {
	start := time.Now()
	mode, err := a.cfg.Mode()
	if err != nil {
		return err
	}

	r, err := episode.Open(a.cfg.Input)
	if err != nil {
		return err
	}
	defer r.Close()

	tables, summary, err := normalize.Normalize(ctx, r, normalize.Options{
		Mode:           mode,
		KeyColumns:     a.cfg.KeyColumns,
		SyntheticSites: a.cfg.SyntheticSites,
		Seed:           a.cfg.Seed,
		Logger:         &a.log,
	})
	if err != nil {
		return fmt.Errorf("normalize %s: %w", a.cfg.Input, err)
	}
	if err := store.WriteParquet(a.cfg.DataDir, tables, summary); err != nil {
		return err
	}

	printSummary(out, a.cfg.Input, a.cfg.DataDir, summary)
	oneD, twoD := tables.FieldCodes()
	fmt.Fprintf(out, "Fields:    %d 1D, %d 2D\n", len(oneD), len(twoD))
	fmt.Fprintf(out, "Elapsed:   %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func printSummary(out io.Writer, input, dir string, s *normalize.Summary) {
	var size string
	if fi, err := os.Stat(input); err == nil {
		size = fmt.Sprintf(" (%.1f MB)", float64(fi.Size())/1024/1024)
	}
	fmt.Fprintf(out, "Input:     %s%s\n", input, size)
	fmt.Fprintf(out, "Output:    %s\n", dir)
	fmt.Fprintf(out, "Run:       %s\n", s.RunID)
	fmt.Fprintf(out, "Mode:      %s\n", s.Mode)
	fmt.Fprintf(out, "Episodes:  %d\n", s.Episodes)
	fmt.Fprintf(out, "1D items:  %d\n", s.Items1D)
	fmt.Fprintf(out, "2D items:  %d\n", s.Items2D)

	if len(s.Skips) == 0 {
		fmt.Fprintln(out, "Skipped:   none")
		return
	}
	counts := s.Counts()
	fmt.Fprintf(out, "Skipped:   %d contributions from %d episodes\n", len(s.Skips), s.SkippedEpisodes())
	for _, reason := range []normalize.SkipReason{
		normalize.SkipMalformed, normalize.SkipRagged, normalize.SkipBadTime, normalize.SkipBadAdminTime,
	} {
		if n := counts[reason]; n > 0 {
			fmt.Fprintf(out, "  %-16s %d\n", reason, n)
		}
	}
	codes, perField := s.SkippedFields()
	for _, c := range codes {
		fmt.Fprintf(out, "  field %-10s %d\n", c, perField[c])
	}
}
