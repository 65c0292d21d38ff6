package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/loadtest/pkg/reports"
)

func newExportCmd() *cobra.Command {
	var (
		db  dbOptions
		dir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every results table as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := db.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			paths, err := reports.Export(cmd.Context(), st, dir)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	db.bind(cmd)
	cmd.Flags().StringVar(&dir, "out", "reports", "output directory")
	return cmd
}
