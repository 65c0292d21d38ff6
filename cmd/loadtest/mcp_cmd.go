package main

import (
	"github.com/spf13/cobra"

	"github.com/rmax-ai/loadtest/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve daemon results to MCP clients over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return mcp.NewServer(endpoint).Serve()
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://127.0.0.1:8090", "daemon base URL")
	return cmd
}
