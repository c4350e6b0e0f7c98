package main

import (
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := db.RunMigrations(db.GetConnStr(cfg.Database)); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}
