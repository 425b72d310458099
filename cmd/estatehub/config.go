package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if !showSecrets {
			for _, secret := range []*string{
				&cfg.Hub.APIKey,
				&cfg.Database.Password,
				&cfg.Readings.ClickHouse.Password,
				&cfg.Bus.Password,
				&cfg.Ledger.RelayerKey,
			} {
				if *secret != "" {
					*secret = redacted
				}
			}
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	configCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print passwords and keys in clear")
	rootCmd.AddCommand(configCmd)
}
