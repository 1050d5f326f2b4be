package main

import (
	"fmt"

	pgstore "github.com/narvanalabs/deployctl/internal/store/postgres"
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL attempt log schema",
	}

	var target int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openPostgres(cmd)
			if err != nil {
				return err
			}
			defer st.Close()
			return pgstore.MigrateDown(cmd.Context(), st.DB(), target)
		},
	}
	down.Flags().Int64Var(&target, "to", 0, "Target schema version")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := a.openPostgres(cmd)
				if err != nil {
					return err
				}
				defer st.Close()
				return pgstore.Migrate(cmd.Context(), st.DB())
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := a.openPostgres(cmd)
				if err != nil {
					return err
				}
				defer st.Close()
				version, err := pgstore.MigrationVersion(cmd.Context(), st.DB())
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, version)
				return nil
			},
		},
	)
	return cmd
}

// openPostgres connects without applying migrations.
func (a *app) openPostgres(cmd *cobra.Command) (*pgstore.PostgresStore, error) {
	if a.cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg := pgstore.DefaultConfig(a.cfg.DatabaseDSN)
	cfg.AutoMigrate = false
	return pgstore.NewPostgresStore(cmd.Context(), cfg, a.log.Logger)
}
