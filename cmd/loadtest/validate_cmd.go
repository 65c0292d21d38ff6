package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/loadtest/pkg/scenario"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenarios.yaml>",
		Short: "Check a scenario file and list rejected scenarios",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := scenario.LoadFile(args[0])
			if err != nil {
				return err
			}
			scenarios, rejected := file.Build()
			out := cmd.OutOrStdout()
			for _, sc := range scenarios {
				state := "enabled"
				if !sc.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "ok       %s (%s, %s, %d expectations, %s)\n",
					sc.ID, sc.Protocol, sc.Schedule.Mode, len(sc.Expectations), state)
			}
			for _, r := range rejected {
				id := r.ID
				if id == "" {
					id = fmt.Sprintf("#%d", r.Index)
				}
				fmt.Fprintf(out, "rejected %s: %v\n", id, r.Err)
			}
			if len(rejected) > 0 {
				return fmt.Errorf("%d of %d scenarios rejected", len(rejected), len(rejected)+len(scenarios))
			}
			return nil
		},
	}
}
