package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/loadtest/pkg/client"
)

func newStatusCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the live schedule of a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			c := client.NewClient(endpoint)
			health, err := c.Ping(ctx)
			if err != nil {
				return fmt.Errorf("contacting daemon at %s: %w", endpoint, err)
			}
			list, err := c.Scenarios(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "worker %s: %s\n", health.Worker, health.Status)
			for _, sc := range list {
				next := "-"
				if !sc.NextFireAt.IsZero() {
					next = sc.NextFireAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-24s %-10s %-10s fires=%-4d outstanding=%d next=%s finalized=%t\n",
					sc.ScenarioID, sc.Mode, sc.State, sc.FireCount, sc.Outstanding, next, sc.Finalized)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://127.0.0.1:8090", "daemon base URL")
	return cmd
}
