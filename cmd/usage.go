package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/compresr/usage-monitor/internal/ledger"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show per-principal totals from the local usage ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, false)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			l, err := ledger.Open(ctx, cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			summary, err := l.Summary(ctx)
			if err != nil {
				return err
			}
			totals, err := l.Totals(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"summary": summary, "principals": totals})
			}

			newPrinter(out).header("Usage Ledger")
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PRINCIPAL\tREQUESTS\tINPUT\tOUTPUT\tCOST\tBALANCE\tLAST SEEN")
			for _, t := range totals {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\t%.4f\t%s\n",
					t.PrincipalID, t.Requests, t.InputTokens, t.OutputTokens, t.TotalCost, t.LastBalance,
					t.LastSeen.Local().Format("2006-01-02 15:04"))
			}
			fmt.Fprintf(tw, "TOTAL (%d)\t%d\t%d\t%d\t%.4f\t\t\n",
				summary.Principals, summary.Requests, summary.InputTokens, summary.OutputTokens, summary.TotalCost)
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return cmd
}
