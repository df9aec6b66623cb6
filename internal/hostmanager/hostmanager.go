// Package hostmanager binds each configured host to its Remote Channel,
// its Power Controller, and its quarantine breaker, and exposes the small
// surface the phase engine needs: run a phase-scoped command, attempt
// recovery when a host stops responding, and report current health.
package hostmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/kbisect/internal/circuitbreaker"
	"github.com/oriys/kbisect/internal/config"
	"github.com/oriys/kbisect/internal/power"
	"github.com/oriys/kbisect/internal/remote"
	"github.com/oriys/kbisect/internal/secrets"
)

// powerRunner adapts a remote.Channel to power.Runner so IPMI/Beaker
// backends can shell out through the same SSH path used for build/test.
type powerRunner struct {
	ch remote.Channel
}

func (p powerRunner) Call(ctx context.Context, program string, args ...string) (power.Result, error) {
	res, err := p.ch.Call(ctx, program, args...)
	return power.Result{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, err
}

// QuarantineConfig configures the optional per-host breaker; a zero value
// disables quarantine tracking entirely (circuitbreaker.Registry.Get
// returns nil for an invalid Config).
type QuarantineConfig = circuitbreaker.Config

// Manager is one configured, live host: its name, its Remote Channel, its
// Power Controller, and its quarantine breaker (nil if disabled).
type Manager struct {
	Name       string
	Address    string
	SSHUser    string
	Designated bool
	Channel    remote.Channel
	Power      power.Controller
	Breaker    *circuitbreaker.Breaker

	// KernelPath, LibPath, TestScript, KernelConfigDst are the host-local
	// paths bound at roster build time from config.HostConfig; the phase
	// engine passes them to build_kernel/run_test verbatim.
	KernelPath      string
	LibPath         string
	TestScript      string
	KernelConfigDst string
}

// Roster builds a Manager per configured host, resolving any $SECRET:
// references in power credentials through resolver.
type Roster struct {
	managers map[string]*Manager
	order    []string
}

// NewRoster dials nothing eagerly: SSHChannel connects lazily per call, so
// building the roster never blocks on host availability.
func NewRoster(ctx context.Context, hosts []config.HostConfig, resolver *secrets.Resolver, breakers *circuitbreaker.Registry, qcfg QuarantineConfig, dialTimeout time.Duration) (*Roster, error) {
	r := &Roster{managers: make(map[string]*Manager, len(hosts))}

	for _, h := range hosts {
		ch, err := remote.NewSSHChannel(h.Address, h.SSHUser, h.SSHKeyPath, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("host %s: build ssh channel: %w", h.Name, err)
		}

		powerPass := h.PowerSecret
		if resolver != nil && secrets.IsSecretRef(powerPass) {
			resolved, err := resolver.ResolveValue(ctx, powerPass)
			if err != nil {
				return nil, fmt.Errorf("host %s: resolve power secret: %w", h.Name, err)
			}
			powerPass = resolved
		}

		ctrl, err := power.NewController(h.PowerKind, powerRunner{ch: ch}, h.PowerAddress, h.PowerUser, powerPass)
		if err != nil {
			return nil, fmt.Errorf("host %s: build power controller: %w", h.Name, err)
		}

		var breaker *circuitbreaker.Breaker
		if breakers != nil {
			breaker = breakers.Get(h.Name, qcfg)
		}

		r.managers[h.Name] = &Manager{
			Name:            h.Name,
			Address:         h.Address,
			SSHUser:         h.SSHUser,
			Designated:      h.Designated,
			Channel:         ch,
			Power:           ctrl,
			Breaker:         breaker,
			KernelPath:      h.KernelPath,
			LibPath:         h.BisectPath,
			TestScript:      h.TestScript,
			KernelConfigDst: h.KernelConfigDst,
		}
		r.order = append(r.order, h.Name)
	}

	return r, nil
}

// All returns every host manager, in configured order.
func (r *Roster) All() []*Manager {
	out := make([]*Manager, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.managers[name])
	}
	return out
}

// Get returns the named host's Manager, or nil if no such host exists.
func (r *Roster) Get(name string) *Manager {
	return r.managers[name]
}

// Designated returns the single host configured to run `git bisect`.
func (r *Roster) Designated() (*Manager, error) {
	for _, m := range r.managers {
		if m.Designated {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no designated host in roster")
}

// RecordResult feeds a phase outcome into the host's quarantine breaker,
// tagged by which phase produced it. It is purely observational: callers
// must never branch bisection logic on its return value.
func (m *Manager) RecordResult(kind circuitbreaker.Kind, ok bool) {
	if m.Breaker == nil {
		return
	}
	if ok {
		m.Breaker.RecordSuccess()
	} else {
		m.Breaker.RecordFailure(kind)
	}
}

// Quarantined reports whether the breaker currently considers this host
// unhealthy. Used only by QuarantineDiagnosis for log entries; the phase
// engine still dispatches to a quarantined host.
func (m *Manager) Quarantined() bool {
	return m.Breaker != nil && m.Breaker.State() == circuitbreaker.StateOpen
}

// QuarantineDiagnosis describes why a host is currently quarantined, for
// logging and status reporting. Returns "" when the host isn't quarantined
// or the breaker has no dominant failure kind yet.
func (m *Manager) QuarantineDiagnosis() string {
	if !m.Quarantined() {
		return ""
	}
	kind, ok := m.Breaker.DominantFailureKind()
	if !ok {
		return fmt.Sprintf("host %s quarantined", m.Name)
	}
	return fmt.Sprintf("host %s quarantined: repeated %s failures", m.Name, kind)
}

// Recover attempts to bring a non-responsive host back via its Power
// Controller. When the host has no out-of-band management configured the
// returned error wraps power.ErrNoRecovery (errors.Is matches it).
func (m *Manager) Recover(ctx context.Context) error {
	if err := m.Power.PowerCycle(ctx); err != nil {
		return fmt.Errorf("recover host %s: %w", m.Name, err)
	}
	return nil
}

// Close releases the host's Remote Channel.
func (m *Manager) Close() error {
	return m.Channel.Close()
}
