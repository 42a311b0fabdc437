package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ccdinspect/extract"
	"ccdinspect/fieldspec"
	"ccdinspect/report"
)

func reportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report completeness and gap statistics per field",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Spec == "" {
				return errors.New("--spec is required")
			}
			return a.report(cmd.Context(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.String("spec", "", "field specification (YAML)")
	f.String("by", "", "info column to stratify by; empty for none")
	f.StringSlice("fields", nil, "field codes to report (default: all of --datatypes)")
	f.StringSlice("datatypes", nil, "datatypes selecting fields when --fields is empty")
	f.Int("workers", 0, "fields analysed concurrently")
	f.String("report", "", "CSV output path, - for stdout")
	f.String("xlsx", "", "optional XLSX output path")
	return cmd
}

func (a *app) report(ctx context.Context, out io.Writer) error {
	spec, err := fieldspec.Load(a.cfg.Spec)
	if err != nil {
		return err
	}
	codes, err := a.cfg.ReportFields(spec)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return errors.New("no fields selected")
	}

	src, release, err := a.source(ctx)
	if err != nil {
		return err
	}
	defer release()

	x, err := extract.New(ctx, spec, src)
	if err != nil {
		return err
	}
	rep, err := report.NewAggregator(x, report.Options{
		By:      a.cfg.By,
		Workers: a.cfg.Workers,
		Logger:  &a.log,
	}).Run(ctx, codes)
	if err != nil {
		return err
	}

	if a.cfg.Report == "-" {
		if err := report.WriteCSV(os.Stdout, rep.Rows); err != nil {
			return err
		}
	} else if err := report.WriteCSVFile(a.cfg.Report, rep.Rows); err != nil {
		return err
	}
	if a.cfg.XLSX != "" {
		if err := report.WriteXLSX(a.cfg.XLSX, rep); err != nil {
			return err
		}
	}

	if a.cfg.Report != "-" {
		fmt.Fprintf(out, "Fields:    %d (%d failed)\n", len(codes), len(rep.Failures))
		fmt.Fprintf(out, "Rows:      %d\n", len(rep.Rows))
		fmt.Fprintf(out, "Report:    %s\n", a.cfg.Report)
		if a.cfg.XLSX != "" {
			fmt.Fprintf(out, "Workbook:  %s\n", a.cfg.XLSX)
		}
		fmt.Fprintf(out, "Elapsed:   %s\n", rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	}
	if len(rep.Failures) > 0 {
		return fmt.Errorf("%d of %d fields failed", len(rep.Failures), len(codes))
	}
	return nil
}
