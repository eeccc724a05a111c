package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/persistence"
	"github.com/spec-kit/referral-service/internal/persistence/migrations"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			pg, err := persistence.NewPostgres(cmd.Context(), s.cfg.Postgres, s.logger)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()

			if err := migrations.RunMigrationsUp(cmd.Context(), pg.PoolHandle(), s.logger); err != nil {
				return err
			}
			version, dirty, err := migrations.Version(cmd.Context(), pg.PoolHandle())
			if err != nil {
				return err
			}
			s.logger.Info("schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	})
	return migrateCmd
}
