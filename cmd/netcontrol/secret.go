package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dailytasks/dailytasks-netcontrol/internal/auth"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a random token signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, _ := cmd.Flags().GetInt("bytes")
			out, _ := cmd.Flags().GetString("out")

			secret, err := auth.GenerateSecret(size)
			if err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}

			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), secret)
				return nil
			}
			if err := auth.SaveSecret(out, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret written to %s\n", out)
			fmt.Fprintf(cmd.OutOrStdout(), "Set auth.jwt_secret_file: %s\n", out)
			return nil
		},
	}
	cmd.Flags().Int("bytes", auth.DefaultSecretBytes, "random bytes in the secret")
	cmd.Flags().String("out", "", "write the secret to this file (mode 0600) instead of stdout")
	return cmd
}
