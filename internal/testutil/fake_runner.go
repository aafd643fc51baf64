// Package testutil provides test doubles shared across packages.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dailytasks/dailytasks-netcontrol/internal/mac"
	"github.com/dailytasks/dailytasks-netcontrol/internal/network"
)

// Call records one command invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line, for assertions and messages.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// AdmitRule is a simulated ACCEPT rule in the fake chain.
type AdmitRule struct {
	Interface  string
	MACAddress string
}

// FakeRunner implements network.Runner by simulating the iptables mac-match
// commands the controller issues against a single chain. It records every
// call.
type FakeRunner struct {
	mu    sync.Mutex
	Calls []Call
	Rules []AdmitRule

	// Chain defaults to FORWARD.
	Chain string

	// Fail maps an iptables operation flag ("-L", "-A", "-D") to the error
	// that operation returns.
	Fail map[string]error

	// Hook, if set, runs before each command (e.g. to block until cancelled).
	Hook func(ctx context.Context, op string) error
}

// NewFakeRunner creates an empty fake rule table.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Chain: "FORWARD", Fail: make(map[string]error)}
}

// Run implements network.Runner.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, Call{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()

	cmdArgs := args
	if name == "sudo" {
		// sudo -n -- iptables <args>
		if len(cmdArgs) < 3 {
			return nil, fmt.Errorf("unexpected sudo invocation: %v", args)
		}
		cmdArgs = cmdArgs[3:]
	}
	if len(cmdArgs) == 0 {
		return nil, fmt.Errorf("no iptables arguments")
	}

	op := cmdArgs[0]
	if f.Hook != nil {
		if err := f.Hook(ctx, op); err != nil {
			return nil, err
		}
	}
	if err, ok := f.Fail[op]; ok {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch op {
	case "-L":
		return []byte(f.listing()), nil
	case "-A":
		rule, err := parseRule(cmdArgs)
		if err != nil {
			return nil, err
		}
		f.Rules = append(f.Rules, rule)
		return nil, nil
	case "-D":
		rule, err := parseRule(cmdArgs)
		if err != nil {
			return nil, err
		}
		for i, r := range f.Rules {
			if r.Interface == rule.Interface && strings.EqualFold(mac.Canonical(r.MACAddress), mac.Canonical(rule.MACAddress)) {
				f.Rules = append(f.Rules[:i], f.Rules[i+1:]...)
				return nil, nil
			}
		}
		return nil, &network.CommandError{
			Command:  name,
			Args:     args,
			ExitCode: 1,
			Stderr:   "iptables: Bad rule (does a matching rule exist in that chain?).",
		}
	default:
		return nil, fmt.Errorf("unsupported iptables operation %q", op)
	}
}

// Allow seeds an admit rule as if inserted out of band.
func (f *FakeRunner) Allow(iface, macAddress string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rules = append(f.Rules, AdmitRule{Interface: iface, MACAddress: macAddress})
}

// Count returns how many recorded calls used the given iptables operation.
func (f *FakeRunner) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		for _, a := range c.Args {
			if a == op {
				n++
				break
			}
		}
	}
	return n
}

// RuleCount returns the number of admit rules for macAddress.
func (f *FakeRunner) RuleCount(macAddress string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.Rules {
		if strings.EqualFold(mac.Canonical(r.MACAddress), mac.Canonical(macAddress)) {
			n++
		}
	}
	return n
}

// CallCount returns the total number of recorded calls.
func (f *FakeRunner) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

func (f *FakeRunner) listing() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chain %s (policy DROP 0 packets, 0 bytes)\n", f.Chain)
	b.WriteString(" pkts bytes target     prot opt in     out     source               destination\n")
	for _, r := range f.Rules {
		fmt.Fprintf(&b, "    0     0 ACCEPT     all  --  %-6s *       0.0.0.0/0            0.0.0.0/0            MAC %s\n",
			r.Interface, mac.Canonical(r.MACAddress))
	}
	return b.String()
}

// parseRule reads "-A|-D CHAIN -i IFACE -m mac --mac-source MAC -j ACCEPT".
func parseRule(args []string) (AdmitRule, error) {
	var rule AdmitRule
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "-i":
			rule.Interface = args[i+1]
		case "--mac-source":
			rule.MACAddress = args[i+1]
		}
	}
	if rule.Interface == "" || rule.MACAddress == "" {
		return rule, fmt.Errorf("incomplete rule spec: %v", args)
	}
	return rule, nil
}
