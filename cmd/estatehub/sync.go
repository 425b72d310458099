package main

import (
	"fmt"

	"github.com/KevinKickass/EstateHub/internal/cache"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync-devices",
	Short: "Connect to the registry and sync the device roster once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		ctx := cmd.Context()

		st, err := openStores(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		ledgerClient, err := newLedgerClient(cfg.Ledger, logger)
		if err != nil {
			return err
		}
		registryClient, err := newRegistryClient(cfg, rdb, st.devices, ledgerClient, logger)
		if err != nil {
			return err
		}
		if err := registryClient.Connect(ctx); err != nil {
			return err
		}

		n, err := registryClient.SyncDevices(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "synced %d devices\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
