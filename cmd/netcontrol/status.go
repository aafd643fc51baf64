package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dailytasks/dailytasks-netcontrol/internal/mac"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <mac>",
		Short: "Report whether a device is currently admitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			macAddress := args[0]
			if !mac.Valid(macAddress) {
				return fmt.Errorf("invalid MAC address %q", macAddress)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			control, err := newDeviceControl(cmd, cfg, logger, nil)
			if err != nil {
				return err
			}

			state := "blocked"
			if control.Status(cmd.Context(), macAddress) {
				state = "allowed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s on %s: %s\n", mac.Canonical(macAddress), control.Interface(), state)
			return nil
		},
	}
}
