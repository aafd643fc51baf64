// Package main provides the entry point for the DailyTasks network controller.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dailytasks/dailytasks-netcontrol/internal/config"
	"github.com/dailytasks/dailytasks-netcontrol/internal/logging"
	"github.com/dailytasks/dailytasks-netcontrol/internal/metrics"
	"github.com/dailytasks/dailytasks-netcontrol/internal/network"
)

var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "netcontrol",
		Short:         "Parent-controlled network access for the kids' devices",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to config file (default: ./config/config.yaml)")
	flags.String("interface", "eth0", "network interface admit rules apply to")
	flags.String("runner", config.RunnerLocal, "where iptables runs (local, ssh)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("dev", false, "enable development logging")

	root.AddCommand(
		newServeCmd(),
		newTokenCmd(),
		newSecretCmd(),
		newStatusCmd(),
	)

	return root
}

// loadConfig reads the configuration with the command's flags bound.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newDeviceControl wires the configured runner into a DeviceControl.
func newDeviceControl(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*network.DeviceControl, error) {
	var runner network.Runner
	switch cfg.Firewall.Runner {
	case config.RunnerSSH:
		sshRunner, err := network.NewSSHRunner(network.SSHConfig{
			Address:        cfg.SSH.Address,
			Port:           cfg.SSH.Port,
			Username:       cfg.SSH.Username,
			Password:       cfg.SSH.Password,
			PrivateKey:     cfg.SSH.PrivateKey,
			KnownHostsFile: cfg.SSH.KnownHostsFile,
			DialTimeout:    cfg.SSH.DialTimeout,
		}, logger.Named("ssh"))
		if err != nil {
			return nil, fmt.Errorf("create ssh runner: %w", err)
		}
		if err := sshRunner.TestConnection(cmd.Context()); err != nil {
			// The gateway may come up later; every command dials anew.
			logger.Warn("gateway not reachable yet",
				zap.String("address", cfg.SSH.Address),
				zap.Error(err),
			)
		}
		runner = sshRunner
	default:
		runner = network.NewLocalRunner()
	}

	rules := network.NewIPTables(runner, network.IPTablesConfig{
		Binary:  cfg.Firewall.Binary,
		Chain:   cfg.Firewall.Chain,
		UseSudo: cfg.Firewall.UseSudo,
	})

	return network.NewDeviceControl(rules, cfg.Firewall.Interface, network.Options{
		CommandTimeout: cfg.Firewall.CommandTimeout,
		Metrics:        m,
		Logger:         logger.Named("control"),
	})
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}
