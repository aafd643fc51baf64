package main

import (
	"fmt"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/dailytasks/dailytasks-netcontrol/internal/auth"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	cmd.Flags().String("role", auth.RoleParent, "role claim (parent, kid)")
	cmd.Flags().String("subject", "", "subject claim identifying the account")
	cmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().Bool("qr", false, "also print the token as a QR code for pairing a phone")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	role, _ := cmd.Flags().GetString("role")
	subject, _ := cmd.Flags().GetString("subject")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	showQR, _ := cmd.Flags().GetBool("qr")

	if role != auth.RoleParent && role != auth.RoleKid {
		return fmt.Errorf("unknown role %q", role)
	}
	if ttl < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	if subject == "" {
		subject = role
	}

	jwtService := auth.NewJWTService([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	token, err := jwtService.GenerateToken(subject, role, ttl)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, token)
	if showQR {
		fmt.Fprintln(out)
		qrterminal.GenerateHalfBlock(token, qrterminal.L, out)
	}
	return nil
}
