package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ccdinspect/fieldspec"
)

func fieldsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "List the fields of a specification",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Spec == "" {
				return errors.New("--spec is required")
			}
			spec, err := fieldspec.Load(a.cfg.Spec)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-15s %-12s %-4s %s\n", "CODE", "DATATYPE", "KIND", "2D", "LABEL")
			for _, code := range spec.Codes() {
				e, _ := spec.Lookup(code)
				series := ""
				if e.TimeSeries {
					series = "yes"
				}
				fmt.Fprintf(out, "%-20s %-15s %-12s %-4s %s\n", e.Code, e.Datatype, e.Kind(), series, e.Label)
			}
			fmt.Fprintf(out, "\n%d fields\n", spec.Len())
			return nil
		},
	}
	cmd.Flags().String("spec", "", "field specification (YAML)")
	return cmd
}
