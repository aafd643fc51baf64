package network

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/dailytasks/dailytasks-netcontrol/internal/mac"
	"github.com/dailytasks/dailytasks-netcontrol/internal/metrics"
)

// DefaultCommandTimeout bounds every privileged command.
const DefaultCommandTimeout = 5 * time.Second

var (
	// ErrInvalidMAC is returned when an address fails validation inside the
	// engine. Handlers validate first; this is the second line.
	ErrInvalidMAC = errors.New("invalid MAC address")

	// ErrInvalidInterface is returned for an unusable interface name.
	ErrInvalidInterface = errors.New("invalid network interface name")
)

// Linux interface names are at most 15 bytes. '+' is the iptables wildcard.
var interfaceName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@+-]{0,14}$`)

// ValidInterface reports whether name is acceptable as an iptables -i argument.
func ValidInterface(name string) bool {
	return interfaceName.MatchString(name)
}

// Options configures a DeviceControl.
type Options struct {
	CommandTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// DeviceControl grants and revokes forwarding access by hardware address on
// one interface. It keeps no state of its own: every answer comes from the
// rule table.
type DeviceControl struct {
	rules   RuleTable
	iface   string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDeviceControl creates a controller for iface backed by rules.
func NewDeviceControl(rules RuleTable, iface string, opts Options) (*DeviceControl, error) {
	if rules == nil {
		return nil, errors.New("rule table is required")
	}
	if !ValidInterface(iface) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterface, iface)
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &DeviceControl{
		rules:   rules,
		iface:   iface,
		timeout: opts.CommandTimeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

// Interface returns the interface rules are installed on.
func (d *DeviceControl) Interface() string {
	return d.iface
}

// Allow admits macAddress. If an admit rule already exists nothing is
// inserted, so repeated calls leave exactly one rule.
func (d *DeviceControl) Allow(ctx context.Context, macAddress string) error {
	if !mac.Valid(macAddress) {
		return ErrInvalidMAC
	}

	start := time.Now()
	err := d.allow(ctx, macAddress)
	d.observe("allow", start, err)
	if err != nil {
		d.logger.Error("failed to allow device", zap.String("mac", macAddress), zap.Error(err))
		return fmt.Errorf("failed to allow device: %w", err)
	}

	d.logger.Info("device allowed", zap.String("mac", macAddress), zap.String("interface", d.iface))
	return nil
}

func (d *DeviceControl) allow(ctx context.Context, macAddress string) error {
	ctx, cancel := d.commandContext(ctx)
	defer cancel()

	exists, err := d.rules.HasAdmitRule(ctx, d.iface, macAddress)
	if err != nil {
		return err
	}
	if exists {
		d.logger.Debug("admit rule already present", zap.String("mac", macAddress))
		return nil
	}

	return d.rules.InsertAdmitRule(ctx, d.iface, macAddress)
}

// Block revokes macAddress by deleting its admit rule. There is no
// existence check: blocking a device with no rule surfaces the rule table's
// error.
func (d *DeviceControl) Block(ctx context.Context, macAddress string) error {
	if !mac.Valid(macAddress) {
		return ErrInvalidMAC
	}

	ctx, cancel := d.commandContext(ctx)
	defer cancel()

	start := time.Now()
	err := d.rules.DeleteAdmitRule(ctx, d.iface, macAddress)
	d.observe("block", start, err)
	if err != nil {
		d.logger.Error("failed to block device", zap.String("mac", macAddress), zap.Error(err))
		return fmt.Errorf("failed to block device: %w", err)
	}

	d.logger.Info("device blocked", zap.String("mac", macAddress), zap.String("interface", d.iface))
	return nil
}

// Status reports whether macAddress is currently admitted. Query failures
// are logged and reported as blocked.
func (d *DeviceControl) Status(ctx context.Context, macAddress string) bool {
	if !mac.Valid(macAddress) {
		return false
	}

	ctx, cancel := d.commandContext(ctx)
	defer cancel()

	start := time.Now()
	allowed, err := d.rules.HasAdmitRule(ctx, d.iface, macAddress)
	d.observe("status", start, err)
	if err != nil {
		d.logger.Error("failed to get device status", zap.String("mac", macAddress), zap.Error(err))
		return false
	}
	return allowed
}

// commandContext bounds a rule table call by the command timeout only.
// Client disconnects do not cancel it.
func (d *DeviceControl) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
}

func (d *DeviceControl) observe(operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	d.metrics.ObserveOperation(operation, result, time.Since(start))
}
