package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/repsentinel/internal/health"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the pipeline health checks once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			records := a.monitor.Run(ctx)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHECK\tOK\tSEVERITY\tMESSAGE\tSUGGESTED FIX")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", r.CheckName, r.OK, r.Severity, r.Message, r.SuggestedFix)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if !health.Healthy(records) {
				return fmt.Errorf("one or more health checks failed")
			}
			return nil
		},
	}
}
