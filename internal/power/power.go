// Package power implements the Power Controller abstraction: the narrow
// interface the orchestrator uses to recover a host that stopped
// responding to its Remote Channel. There are three variants — ipmi,
// beaker, and none — selected per host from config.HostConfig.PowerKind.
package power

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Probe reports whether the host is still reachable. Reset polls it after
// sending the reset command to confirm the host actually went down, rather
// than trusting the out-of-band call's exit code alone.
type Probe func(ctx context.Context) bool

// resetShutdownDeadline and resetPollInterval bound Reset's post-command
// confirmation poll: give the host up to two minutes to go dark, checking
// every two seconds.
const (
	resetShutdownDeadline = 120 * time.Second
	resetPollInterval     = 2 * time.Second
)

// confirmShutdown polls probe until it reports the host unreachable
// (confirmed shutdown, returns true) or resetShutdownDeadline elapses
// (returns false). A nil probe means the caller has no way to confirm
// shutdown, so Reset can only report that the command was accepted.
func confirmShutdown(ctx context.Context, probe Probe) bool {
	if probe == nil {
		return false
	}
	deadline := time.Now().Add(resetShutdownDeadline)
	for time.Now().Before(deadline) {
		if !probe(ctx) {
			return true
		}
		select {
		case <-time.After(resetPollInterval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// BootDevice identifies where the next power-on should boot from.
type BootDevice string

const (
	BootDeviceDisk BootDevice = "disk"
	BootDeviceNet  BootDevice = "net"
)

// Controller is the Power Controller contract: status, power_on,
// power_off, power_cycle, reset, set_boot_device, get_boot_device,
// health_check. Reset takes an optional liveness probe and reports true
// only once the host's shutdown is confirmed by that probe, not merely
// once the reset command was accepted.
type Controller interface {
	Status(ctx context.Context) (string, error)
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerCycle(ctx context.Context) error
	Reset(ctx context.Context, probe Probe) (bool, error)
	SetBootDevice(ctx context.Context, dev BootDevice) error
	GetBootDevice(ctx context.Context) (BootDevice, error)
	HealthCheck(ctx context.Context) error
}

// ErrNoRecovery is returned by every method of the none controller. Hosts
// with no out-of-band power management cannot be recovered by the
// orchestrator; a hang on such a host ends the session in a halted state
// rather than silently retrying forever.
var ErrNoRecovery = errors.New("no power recovery mechanism configured for this host")

// NoneController is an honest stand-in for hosts with no out-of-band
// management. Every operation fails with ErrNoRecovery instead of
// pretending to succeed.
type NoneController struct{}

func NewNoneController() *NoneController { return &NoneController{} }

func (NoneController) Status(context.Context) (string, error)             { return "", ErrNoRecovery }
func (NoneController) PowerOn(context.Context) error                      { return ErrNoRecovery }
func (NoneController) PowerOff(context.Context) error                     { return ErrNoRecovery }
func (NoneController) PowerCycle(context.Context) error                   { return ErrNoRecovery }
func (NoneController) Reset(context.Context, Probe) (bool, error)         { return false, ErrNoRecovery }
func (NoneController) SetBootDevice(context.Context, BootDevice) error    { return ErrNoRecovery }
func (NoneController) GetBootDevice(context.Context) (BootDevice, error)  { return "", ErrNoRecovery }
func (NoneController) HealthCheck(context.Context) error                 { return ErrNoRecovery }

// Runner is the subset of remote.Channel that power backends need to shell
// out to ipmitool/bkr. Defined locally so this package does not import
// internal/remote, keeping the dependency direction host-manager-ward.
type Runner interface {
	Call(ctx context.Context, program string, args ...string) (Result, error)
}

// Result mirrors remote.Result's shape without importing the remote
// package; hostmanager adapts a remote.Channel to this interface.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// IPMIController drives out-of-band management via ipmitool, executed
// through a Runner (hostmanager wires in the host's own Remote Channel).
type IPMIController struct {
	runner             Runner
	addr, user, pass   string
}

// NewIPMIController builds a Controller that shells out to ipmitool -H
// addr -U user -P pass.
func NewIPMIController(runner Runner, addr, user, pass string) *IPMIController {
	return &IPMIController{runner: runner, addr: addr, user: user, pass: pass}
}

func (c *IPMIController) args(sub ...string) []string {
	base := []string{"-I", "lanplus", "-H", c.addr, "-U", c.user, "-P", c.pass}
	return append(base, sub...)
}

func (c *IPMIController) run(ctx context.Context, sub ...string) (Result, error) {
	res, err := c.runner.Call(ctx, "ipmitool", c.args(sub...)...)
	if err != nil {
		return res, errors.Wrapf(err, "ipmitool %v", sub)
	}
	if res.ExitCode != 0 {
		return res, errors.Errorf("ipmitool %v exited %d: %s", sub, res.ExitCode, res.Stderr)
	}
	return res, nil
}

func (c *IPMIController) Status(ctx context.Context) (string, error) {
	res, err := c.run(ctx, "chassis", "power", "status")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (c *IPMIController) PowerOn(ctx context.Context) error {
	_, err := c.run(ctx, "chassis", "power", "on")
	return err
}

func (c *IPMIController) PowerOff(ctx context.Context) error {
	_, err := c.run(ctx, "chassis", "power", "off")
	return err
}

func (c *IPMIController) PowerCycle(ctx context.Context) error {
	_, err := c.run(ctx, "chassis", "power", "cycle")
	return err
}

// Reset fires chassis power reset, then polls probe (when given) to confirm
// the host actually went down within resetShutdownDeadline.
func (c *IPMIController) Reset(ctx context.Context, probe Probe) (bool, error) {
	if _, err := c.run(ctx, "chassis", "power", "reset"); err != nil {
		return false, err
	}
	return confirmShutdown(ctx, probe), nil
}

func (c *IPMIController) SetBootDevice(ctx context.Context, dev BootDevice) error {
	target := "pxe"
	if dev == BootDeviceDisk {
		target = "disk"
	}
	_, err := c.run(ctx, "chassis", "bootdev", target, "options=persistent")
	return err
}

func (c *IPMIController) GetBootDevice(ctx context.Context) (BootDevice, error) {
	res, err := c.run(ctx, "chassis", "bootparam", "get", "5")
	if err != nil {
		return "", err
	}
	if strings.Contains(res.Stdout, "PXE") {
		return BootDeviceNet, nil
	}
	return BootDeviceDisk, nil
}

func (c *IPMIController) HealthCheck(ctx context.Context) error {
	_, err := c.run(ctx, "chassis", "status")
	return err
}

// BeakerController drives host power through the Beaker lab-automation
// system's bkr CLI, for hosts provisioned out of a shared test lab rather
// than owned bare metal.
type BeakerController struct {
	runner   Runner
	fqdn     string
}

func NewBeakerController(runner Runner, fqdn string) *BeakerController {
	return &BeakerController{runner: runner, fqdn: fqdn}
}

func (c *BeakerController) run(ctx context.Context, sub ...string) (Result, error) {
	args := append([]string{"system-power"}, sub...)
	args = append(args, c.fqdn)
	res, err := c.runner.Call(ctx, "bkr", args...)
	if err != nil {
		return res, errors.Wrapf(err, "bkr system-power %v", sub)
	}
	if res.ExitCode != 0 {
		return res, errors.Errorf("bkr system-power %v exited %d: %s", sub, res.ExitCode, res.Stderr)
	}
	return res, nil
}

func (c *BeakerController) Status(ctx context.Context) (string, error) {
	res, err := c.run(ctx, "--action", "status")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (c *BeakerController) PowerOn(ctx context.Context) error {
	_, err := c.run(ctx, "--action", "on")
	return err
}

func (c *BeakerController) PowerOff(ctx context.Context) error {
	_, err := c.run(ctx, "--action", "off")
	return err
}

func (c *BeakerController) PowerCycle(ctx context.Context) error {
	_, err := c.run(ctx, "--action", "cycle")
	return err
}

// Reset fires system-power --action reset, then polls probe (when given)
// to confirm the host actually went down within resetShutdownDeadline, per
// the lab automation's own reset-and-wait-for-shutdown contract.
func (c *BeakerController) Reset(ctx context.Context, probe Probe) (bool, error) {
	if _, err := c.run(ctx, "--action", "reset"); err != nil {
		return false, err
	}
	return confirmShutdown(ctx, probe), nil
}

func (c *BeakerController) SetBootDevice(ctx context.Context, dev BootDevice) error {
	return errors.New("beaker does not support direct boot-device control; use a netboot loan instead")
}

func (c *BeakerController) GetBootDevice(context.Context) (BootDevice, error) {
	return "", errors.New("beaker does not expose boot-device state")
}

func (c *BeakerController) HealthCheck(ctx context.Context) error {
	_, err := c.run(ctx, "--action", "status")
	return err
}

// NewController builds the Controller named by kind ("ipmi", "beaker",
// "none" or ""), wiring addr/user/pass the way hostmanager resolves them
// from config.HostConfig plus the secrets Resolver.
func NewController(kind string, runner Runner, addr, user, pass string) (Controller, error) {
	switch kind {
	case "ipmi":
		return NewIPMIController(runner, addr, user, pass), nil
	case "beaker":
		return NewBeakerController(runner, addr), nil
	case "none", "":
		return NewNoneController(), nil
	default:
		return nil, fmt.Errorf("unknown power controller kind %q", kind)
	}
}
