package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds the configuration for a remote gateway reached over SSH.
type SSHConfig struct {
	Address        string // Gateway SSH address (e.g., "192.168.1.1")
	Port           int    // SSH port (default: 22)
	Username       string // SSH username (usually "root")
	Password       string // SSH password
	PrivateKey     string // SSH private key (alternative to password)
	KnownHostsFile string // known_hosts file; empty disables host key checking
	DialTimeout    time.Duration
}

// SSHRunner runs commands on a remote gateway, e.g. an OpenWrt router that
// forwards the kids' WiFi.
type SSHRunner struct {
	config    SSHConfig
	sshConfig *ssh.ClientConfig
	logger    *zap.Logger
}

// NewSSHRunner creates a runner for the gateway described by config.
func NewSSHRunner(config SSHConfig, logger *zap.Logger) (*SSHRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Address == "" {
		return nil, errors.New("ssh address is required")
	}
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Username == "" {
		config.Username = "root"
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var authMethods []ssh.AuthMethod

	if config.Password != "" {
		authMethods = append(authMethods, ssh.Password(config.Password))
	}

	if config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (password or private key required)")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		cb, err := knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("ssh host key checking disabled", zap.String("address", config.Address))
	}

	return &SSHRunner{
		config: config,
		sshConfig: &ssh.ClientConfig{
			User:            config.Username,
			Auth:            authMethods,
			HostKeyCallback: hostKeyCallback,
			Timeout:         config.DialTimeout,
		},
		logger: logger,
	}, nil
}

// Run executes name with args on the gateway and returns stdout. The remote
// side goes through a login shell, so every argument is single-quoted.
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return nil, &CommandError{Command: name, Args: args, ExitCode: -1, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &CommandError{Command: name, Args: args, ExitCode: -1, Err: fmt.Errorf("failed to create SSH session: %w", err)}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(remoteCommand(name, args))
	}()

	select {
	case <-ctx.Done():
		client.Close()
		// The session's copy goroutines write to stderr until Run returns.
		<-done
		return nil, &CommandError{Command: name, Args: args, ExitCode: -1, Stderr: stderr.String(), Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			exitCode := -1
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitStatus()
			}
			return stdout.Bytes(), &CommandError{Command: name, Args: args, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
		}
	}

	return stdout.Bytes(), nil
}

// TestConnection checks that the gateway accepts our credentials.
func (r *SSHRunner) TestConnection(ctx context.Context) error {
	client, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	client.Close()
	r.logger.Info("gateway connection test successful", zap.String("address", r.config.Address))
	return nil
}

func (r *SSHRunner) dial(ctx context.Context) (*ssh.Client, error) {
	addr := net.JoinHostPort(r.config.Address, strconv.Itoa(r.config.Port))

	dialer := net.Dialer{Timeout: r.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH connection failed: %w", err)
	}

	// Bound the handshake; NewClientConn ignores ClientConfig.Timeout.
	_ = conn.SetDeadline(time.Now().Add(r.config.DialTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, r.sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func remoteCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
