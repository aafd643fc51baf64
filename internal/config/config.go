// Package config loads the controller's startup configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dailytasks/dailytasks-netcontrol/internal/auth"
	"github.com/dailytasks/dailytasks-netcontrol/internal/network"
)

// Runner kinds.
const (
	RunnerLocal = "local"
	RunnerSSH   = "ssh"
)

// Config holds all configuration. It is read once at startup and passed to
// components; nothing reads the environment after Load returns.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Firewall  FirewallConfig  `mapstructure:"firewall"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTSecretFile string `mapstructure:"jwt_secret_file"`
	Issuer        string `mapstructure:"issuer"`
}

// FirewallConfig selects the interface and how iptables is invoked.
type FirewallConfig struct {
	Interface      string        `mapstructure:"interface"`
	Chain          string        `mapstructure:"chain"`
	Binary         string        `mapstructure:"binary"`
	UseSudo        bool          `mapstructure:"use_sudo"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Runner         string        `mapstructure:"runner"`
}

// SSHConfig describes a remote gateway for the ssh runner.
type SSHConfig struct {
	Address        string        `mapstructure:"address"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	PrivateKey     string        `mapstructure:"private_key"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// RateLimitConfig holds per-client request ceilings.
type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window"`
	Max           int           `mapstructure:"max"`
	NetworkWindow time.Duration `mapstructure:"network_window"`
	NetworkMax    int           `mapstructure:"network_max"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `mapstructure:"level"` // "info" means debug in development mode
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// AuditConfig holds the access history settings. An empty DBPath disables it.
type AuditConfig struct {
	DBPath    string        `mapstructure:"db_path"`
	Retention time.Duration `mapstructure:"retention"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":      "server.port",
	"interface": "firewall.interface",
	"runner":    "firewall.runner",
	"log-level": "log.level",
	"dev":       "log.development",
	"audit-db":  "audit.db_path",
}

// Load reads configuration with priority: flags > env > yaml file > defaults.
// If path is empty, ./config/config.yaml is used when present.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("NETCONTROL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Variable names used by existing gateway deployments.
	for key, env := range map[string]string{
		"server.port":        "PORT",
		"auth.jwt_secret":    "JWT_SECRET",
		"firewall.interface": "NETWORK_INTERFACE",
		"log.file":           "LOG_FILE",
	} {
		envKey := "NETCONTROL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" && cfg.Auth.JWTSecretFile != "" {
		secret, err := auth.LoadSecret(cfg.Auth.JWTSecretFile)
		if err != nil {
			return nil, err
		}
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_secret_file", "")
	v.SetDefault("auth.issuer", "dailytasks")

	v.SetDefault("firewall.interface", "eth0")
	v.SetDefault("firewall.chain", "FORWARD")
	v.SetDefault("firewall.binary", "iptables")
	v.SetDefault("firewall.use_sudo", true)
	v.SetDefault("firewall.command_timeout", network.DefaultCommandTimeout)
	v.SetDefault("firewall.runner", RunnerLocal)

	v.SetDefault("ssh.address", "")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.username", "root")
	v.SetDefault("ssh.password", "")
	v.SetDefault("ssh.private_key", "")
	v.SetDefault("ssh.known_hosts_file", "")
	v.SetDefault("ssh.dial_timeout", 10*time.Second)

	v.SetDefault("rate_limit.window", 15*time.Minute)
	v.SetDefault("rate_limit.max", 100)
	v.SetDefault("rate_limit.network_window", time.Minute)
	v.SetDefault("rate_limit.network_max", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")

	v.SetDefault("audit.db_path", "./netcontrol.db")
	v.SetDefault("audit.retention", 90*24*time.Hour)
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if !network.ValidInterface(c.Firewall.Interface) {
		return fmt.Errorf("firewall.interface %q is not a valid interface name", c.Firewall.Interface)
	}
	if c.Firewall.CommandTimeout <= 0 {
		return errors.New("firewall.command_timeout must be positive")
	}
	switch c.Firewall.Runner {
	case RunnerLocal:
	case RunnerSSH:
		if c.SSH.Address == "" {
			return errors.New("ssh.address is required when firewall.runner is ssh")
		}
	default:
		return fmt.Errorf("unknown firewall.runner %q", c.Firewall.Runner)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.Max <= 0 {
		return errors.New("rate_limit.window and rate_limit.max must be positive")
	}
	if c.RateLimit.NetworkWindow <= 0 || c.RateLimit.NetworkMax <= 0 {
		return errors.New("rate_limit.network_window and rate_limit.network_max must be positive")
	}
	return nil
}
