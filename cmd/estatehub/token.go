package main

import (
	"fmt"

	"github.com/KevinKickass/EstateHub/internal/auth"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate an admin API token and the hash for api.token_hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, hash, err := auth.GenerateToken()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "token:      %s\n", token)
		fmt.Fprintf(out, "token_hash: %s\n", hash)
		fmt.Fprintln(out, "Store the token now, it cannot be recovered from the hash.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
