package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ccdinspect/config"
	"ccdinspect/normalize"
	"ccdinspect/store"
)

// app carries the state every subcommand shares once flags are parsed.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "ccdinspect",
		Short:         "Normalize CCD episode exports and report field completeness",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("data-dir", "", "directory of the Parquet store")
	pf.String("time-mode", "", "relative or absolute")
	pf.StringSlice("key-columns", nil, "columns forming the episode key")
	pf.String("database-url", "", "PostgreSQL connection string")
	pf.String("run-id", "", "stored run to read from PostgreSQL (default latest)")
	pf.String("log-level", "", "trace, debug, info, warn or error")
	pf.String("log-format", "", "json or console")

	rootCmd.AddCommand(normalizeCmd(a))
	rootCmd.AddCommand(loadPGCmd(a))
	rootCmd.AddCommand(reportCmd(a))
	rootCmd.AddCommand(fieldsCmd(a))
	return rootCmd
}

// load binds the flags of cmd to viper keys and resolves the configuration.
// Only flags the user actually set override env and file values.
func (a *app) load(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "help" || bindErr != nil {
			return
		}
		if f.Changed {
			bindErr = a.v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		}
	})
	if bindErr != nil {
		return fmt.Errorf("bind flags: %w", bindErr)
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

// source opens the normalized tables the report reads from: PostgreSQL
// when a database URL is configured, the Parquet store otherwise. The
// returned func releases it.
func (a *app) source(ctx context.Context) (normalize.Source, func(), error) {
	if a.cfg.DatabaseURL == "" {
		s, err := store.OpenParquet(a.cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		a.log.Info().Str("dir", a.cfg.DataDir).Str("run_id", s.RunID().String()).Msg("reading parquet store")
		return s, func() {}, nil
	}

	runID := uuid.Nil
	if a.cfg.RunID != "" {
		id, err := uuid.Parse(a.cfg.RunID)
		if err != nil {
			return nil, nil, fmt.Errorf("run_id: %w", err)
		}
		runID = id
	}
	pool, err := store.Connect(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.OpenPG(ctx, pool, runID)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	a.log.Info().Str("run_id", s.RunID().String()).Msg("reading postgres store")
	return s, pool.Close, nil
}
