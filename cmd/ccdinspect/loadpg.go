package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ccdinspect/store"
)

func loadPGCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load-pg",
		Short: "Copy the Parquet store into PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DatabaseURL == "" {
				return errors.New("--database-url is required")
			}
			batch, _ := cmd.Flags().GetInt("batch")
			ctx := cmd.Context()

			s, err := store.OpenParquet(a.cfg.DataDir)
			if err != nil {
				return err
			}
			tables, err := s.Load(ctx)
			if err != nil {
				return err
			}
			summary, err := s.Summary(ctx)
			if err != nil {
				return err
			}

			pool, err := store.Connect(ctx, a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.InitSchema(ctx, pool); err != nil {
				return err
			}
			if err := store.SavePG(ctx, pool, tables, summary, store.LoadOptions{CopyBatch: batch, Logger: &a.log}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded run %s: %d episodes, %d 1D items, %d 2D items\n",
				summary.RunID, summary.Episodes, summary.Items1D, summary.Items2D)
			return nil
		},
	}
	cmd.Flags().Int("batch", 0, "rows per COPY (default 50000)")
	return cmd
}
