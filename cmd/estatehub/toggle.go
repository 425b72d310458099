package main

import (
	"fmt"
	"strconv"

	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/spf13/cobra"
)

var toggleCmd = &cobra.Command{
	Use:   "toggle <device-id>",
	Short: "Publish a toggle instruction for a device on the command bus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid device id %q: %w", args[0], err)
		}

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		// Publishing only; commands echoed back land in a throwaway mirror.
		scratch := storage.NewMemoryStore()
		busClient, err := newBusClient(cfg, scratch, scratch, logger)
		if err != nil {
			return err
		}
		if err := busClient.Start(cmd.Context()); err != nil {
			return err
		}
		defer busClient.Close()

		if err := busClient.SendInstruction(id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "toggle sent to device %d on %s\n", id, cfg.Hub.CommandTopic())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toggleCmd)
}
