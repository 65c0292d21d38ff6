package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rmax-ai/loadtest/pkg/store"
	"github.com/rmax-ai/loadtest/pkg/store/postgres"
)

var (
	Version   = "v0.1.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type dbOptions struct {
	Driver string
	Path   string
}

func (o *dbOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Driver, "db-driver", "sqlite", "database driver (sqlite, postgres)")
	cmd.Flags().StringVar(&o.Path, "db", "loadtest.db", "path to the SQLite database")
}

// open returns the results store. Postgres settings come from DB_* variables.
func (o dbOptions) open(cmd *cobra.Command) (store.Backend, error) {
	switch o.Driver {
	case "sqlite":
		if _, err := os.Stat(o.Path); err != nil {
			return nil, errors.Wrapf(err, "database %s", o.Path)
		}
		return store.NewStore(o.Path)
	case "postgres":
		var cfg postgres.Config
		if err := env.Parse(&cfg); err != nil {
			return nil, errors.Wrap(err, "invalid postgres environment")
		}
		return postgres.Open(cmd.Context(), cfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", o.Driver)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loadtest",
		Short:         "Inspect scenario files and test results",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newMCPCmd())
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
