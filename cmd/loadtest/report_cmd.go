package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/loadtest/pkg/reports"
	"github.com/rmax-ai/loadtest/pkg/store"
)

func newReportCmd() *cobra.Command {
	var (
		db         dbOptions
		scenarioID string
		scope      string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print summaries and evaluation outcomes as tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if scope != "" && scope != "per_iteration" && scope != "scenario" {
				return fmt.Errorf("invalid scope %q", scope)
			}
			st, err := db.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			sums, err := st.ListSummaries(ctx, scenarioID)
			if err != nil {
				return err
			}
			results, err := st.ListEvaluations(ctx, store.ResultFilter{ScenarioID: scenarioID, Scope: scope})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Summaries")
			reports.DrawSummaries(out, sums)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Evaluations")
			reports.DrawEvaluations(out, results)
			return nil
		},
	}
	db.bind(cmd)
	cmd.Flags().StringVar(&scenarioID, "scenario", "", "only this scenario")
	cmd.Flags().StringVar(&scope, "scope", "", "only this evaluation scope (per_iteration, scenario)")
	return cmd
}
