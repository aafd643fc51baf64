package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	gatewayUser     = "root"
	gatewayPassword = "gateway-secret"
)

// gatewayServer is an in-process SSH server that answers exec requests with
// a handler standing in for the remote shell.
type gatewayServer struct {
	host    string
	port    int
	handler func(command string, ch ssh.Channel) uint32

	mu       sync.Mutex
	commands []string
}

func newGatewayServer(t *testing.T, handler func(command string, ch ssh.Channel) uint32) *gatewayServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == gatewayUser && string(password) == gatewayPassword {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := &gatewayServer{host: host, port: port, handler: handler}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, config)
		}
	}()
	return s
}

func (s *gatewayServer) serveConn(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		go s.serveSession(ch, requests)
	}
}

func (s *gatewayServer) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		status := s.handler(payload.Command, ch)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func (s *gatewayServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *gatewayServer) runner(t *testing.T, password string) *SSHRunner {
	t.Helper()
	r, err := NewSSHRunner(SSHConfig{
		Address:     s.host,
		Port:        s.port,
		Username:    gatewayUser,
		Password:    password,
		DialTimeout: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	return r
}

func TestSSHRunner_Output(t *testing.T) {
	listing := "Chain FORWARD (policy DROP)\n    0     0 ACCEPT all -- eth0 * 0.0.0.0/0 0.0.0.0/0 MAC 00:11:22:33:44:55\n"
	server := newGatewayServer(t, func(command string, ch ssh.Channel) uint32 {
		ch.Write([]byte(listing))
		return 0
	})

	out, err := server.runner(t, gatewayPassword).Run(context.Background(), "iptables", "-L", "FORWARD", "-v", "-n")
	require.NoError(t, err)

	assert.Equal(t, listing, string(out))
	assert.Equal(t, []string{`'iptables' '-L' 'FORWARD' '-v' '-n'`}, server.Commands())
}

func TestSSHRunner_ExitStatus(t *testing.T) {
	server := newGatewayServer(t, func(command string, ch ssh.Channel) uint32 {
		ch.Stderr().Write([]byte("iptables: Bad rule (does a matching rule exist in that chain?).\n"))
		return 1
	})

	_, err := server.runner(t, gatewayPassword).Run(context.Background(),
		"iptables", "-D", "FORWARD", "-i", "eth0", "-m", "mac", "--mac-source", "00:11:22:33:44:55", "-j", "ACCEPT")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "Bad rule")
}

// The remote command keeps writing to stderr while the caller gives up; run
// with -race to check the runner does not read stderr concurrently.
func TestSSHRunner_Timeout(t *testing.T) {
	server := newGatewayServer(t, func(command string, ch ssh.Channel) uint32 {
		for {
			if _, err := ch.Stderr().Write([]byte("still working\n")); err != nil {
				return 1
			}
			time.Sleep(time.Millisecond)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := server.runner(t, gatewayPassword).Run(ctx, "iptables", "-L")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, cmdErr.ExitCode)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSSHRunner_TestConnection(t *testing.T) {
	server := newGatewayServer(t, func(command string, ch ssh.Channel) uint32 { return 0 })

	assert.NoError(t, server.runner(t, gatewayPassword).TestConnection(context.Background()))
	assert.Error(t, server.runner(t, "wrong").TestConnection(context.Background()))
}

func TestSSHRunner_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	r, err := NewSSHRunner(SSHConfig{Address: "127.0.0.1", Port: addr.Port, Password: "x", DialTimeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "iptables", "-L")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, -1, cmdErr.ExitCode)
}
