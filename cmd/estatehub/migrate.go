package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the device mirror and readings tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg.Database.AutoMigrate = false
		st, err := openStores(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		logger.Info("Migrations applied",
			zap.String("database", cfg.Database.Driver),
			zap.String("readings", cfg.Readings.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
