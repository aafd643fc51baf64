package network

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"github.com/dailytasks/dailytasks-netcontrol/internal/mac"
)

// RuleTable is the privileged boundary the engine talks to. Implementations
// own how admit rules are queried, inserted and deleted.
type RuleTable interface {
	// HasAdmitRule reports whether an ACCEPT rule for macAddress exists on iface.
	HasAdmitRule(ctx context.Context, iface, macAddress string) (bool, error)

	// InsertAdmitRule appends an ACCEPT rule for macAddress on iface.
	InsertAdmitRule(ctx context.Context, iface, macAddress string) error

	// DeleteAdmitRule removes the ACCEPT rule for macAddress on iface.
	DeleteAdmitRule(ctx context.Context, iface, macAddress string) error
}

// IPTablesConfig selects the binary and chain used for admit rules.
type IPTablesConfig struct {
	Binary  string // default "iptables"
	Chain   string // default "FORWARD"
	UseSudo bool   // prefix commands with "sudo -n --"
}

// IPTables implements RuleTable with the iptables mac match.
type IPTables struct {
	runner Runner
	config IPTablesConfig
}

// NewIPTables creates an iptables rule table driven by runner.
func NewIPTables(runner Runner, config IPTablesConfig) *IPTables {
	if config.Binary == "" {
		config.Binary = "iptables"
	}
	if config.Chain == "" {
		config.Chain = "FORWARD"
	}
	return &IPTables{runner: runner, config: config}
}

// HasAdmitRule lists the chain and looks for a matching ACCEPT rule.
func (t *IPTables) HasAdmitRule(ctx context.Context, iface, macAddress string) (bool, error) {
	out, err := t.run(ctx, "-L", t.config.Chain, "-v", "-n")
	if err != nil {
		return false, err
	}
	return ListingHasAdmitRule(out, iface, macAddress), nil
}

// InsertAdmitRule appends the admit rule. The address is passed verbatim.
func (t *IPTables) InsertAdmitRule(ctx context.Context, iface, macAddress string) error {
	_, err := t.run(ctx, t.ruleSpec("-A", iface, macAddress)...)
	return err
}

// DeleteAdmitRule deletes the admit rule; iptables fails if none matches.
func (t *IPTables) DeleteAdmitRule(ctx context.Context, iface, macAddress string) error {
	_, err := t.run(ctx, t.ruleSpec("-D", iface, macAddress)...)
	return err
}

func (t *IPTables) ruleSpec(op, iface, macAddress string) []string {
	return []string{op, t.config.Chain, "-i", iface, "-m", "mac", "--mac-source", macAddress, "-j", "ACCEPT"}
}

func (t *IPTables) run(ctx context.Context, args ...string) ([]byte, error) {
	if t.config.UseSudo {
		return t.runner.Run(ctx, "sudo", append([]string{"-n", "--", t.config.Binary}, args...)...)
	}
	return t.runner.Run(ctx, t.config.Binary, args...)
}

// ListingHasAdmitRule scans `iptables -L <chain> -v -n` output for an ACCEPT
// rule on iface whose source MAC equals macAddress. Inverted matches
// ("MAC ! xx:...") do not count.
//
// Columns: pkts bytes target prot opt in out source destination [match...].
// Some iptables-nft builds leave the opt column empty.
func ListingHasAdmitRule(listing []byte, iface, macAddress string) bool {
	want := mac.Canonical(macAddress)

	scanner := bufio.NewScanner(bytes.NewReader(listing))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 || fields[2] != "ACCEPT" {
			continue
		}

		in := fields[4]
		if in == "--" && len(fields) >= 9 {
			in = fields[5]
		}
		if in != iface {
			continue
		}

		for i := 0; i < len(fields)-1; i++ {
			if fields[i] != "MAC" {
				continue
			}
			if strings.EqualFold(fields[i+1], want) {
				return true
			}
		}
	}
	return false
}
