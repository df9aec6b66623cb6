package main

import (
	"context"
	"fmt"

	"github.com/oriys/kbisect/internal/circuitbreaker"
	"github.com/oriys/kbisect/internal/config"
	"github.com/oriys/kbisect/internal/domain"
	"github.com/oriys/kbisect/internal/hostmanager"
	"github.com/oriys/kbisect/internal/logging"
	"github.com/oriys/kbisect/internal/metrics"
	"github.com/oriys/kbisect/internal/observability"
	"github.com/oriys/kbisect/internal/phase"
	"github.com/oriys/kbisect/internal/secrets"
	"github.com/oriys/kbisect/internal/session"
	"github.com/oriys/kbisect/internal/store"
)

// loadConfig loads and validates the YAML document at configFile.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return nil, err
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initObservability wires up structured logging, tracing, and metrics from
// cfg; callers should defer the returned shutdown func.
func initObservability(ctx context.Context, cfg *config.Config) (func(), error) {
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
	}

	return func() { _ = observability.Shutdown(context.Background()) }, nil
}

// buildSecretsResolver resolves $SECRET: references against whichever
// backend cfg.Secrets names. A nil resolver (no error) is returned when the
// postgres backend (or no backend) is selected without a master key; host
// $SECRET: references are then left unresolved.
func buildSecretsResolver(ctx context.Context, cfg *config.Config, pool *store.Store) (*secrets.Resolver, error) {
	switch cfg.Secrets.Backend {
	case "aws-secrets-manager":
		backend, err := secrets.NewAWSSecretsManagerStore(ctx, cfg.Secrets.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("init aws secrets manager: %w", err)
		}
		return secrets.NewResolver(backend), nil
	case "postgres", "":
		if cfg.Secrets.MasterKey == "" {
			return nil, nil
		}
		cipher, err := secrets.NewCipher(cfg.Secrets.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("init secrets cipher: %w", err)
		}
		backend, err := secrets.NewStore(ctx, pool.Pool(), cipher)
		if err != nil {
			return nil, fmt.Errorf("init secrets store: %w", err)
		}
		return secrets.NewResolver(backend), nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
	}
}

func breakerConfig(cfg config.QuarantineConfig) circuitbreaker.Config {
	if !cfg.Enabled {
		return circuitbreaker.Config{}
	}
	return circuitbreaker.Config{
		ErrorPct:       cfg.ErrorPct,
		WindowDuration: cfg.WindowDuration,
		OpenDuration:   cfg.OpenDuration,
		HalfOpenProbes: cfg.HalfOpenProbes,
	}
}

// wireSession builds the store, roster, phase engine, bisect driver, and
// session loop a start/resume command needs, in that dependency order.
func wireSession(ctx context.Context, cfg *config.Config) (*store.Store, *hostmanager.Roster, *session.Loop, error) {
	st, err := store.New(ctx, cfg.Store.DatabaseDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect state store: %w", err)
	}

	resolver, err := buildSecretsResolver(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	breakers := circuitbreaker.NewRegistry()
	roster, err := hostmanager.NewRoster(ctx, cfg.Hosts, resolver, breakers, breakerConfig(cfg.Quarantine), cfg.Timeouts.SSHConnect)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("build host roster: %w", err)
	}

	for _, h := range cfg.Hosts {
		_ = st.CreateHost(ctx, domainHost(h))
	}

	engine := phase.New(st, roster, cfg.Timeouts, cfg.Test, cfg.Metadata, logging.Default())

	designated, err := roster.Designated()
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	driver, err := session.NewDesignatedDriver(roster, designated.KernelPath)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	loop := session.New(st, roster, engine, driver, cfg.Test, logging.Default())
	return st, roster, loop, nil
}

func closeRoster(roster *hostmanager.Roster) {
	for _, m := range roster.All() {
		_ = m.Close()
	}
}

// printSessionSummary reports the terminal state of a session after
// start/resume returns, whatever that state turned out to be.
func printSessionSummary(sess *domain.Session) {
	fmt.Printf("session %s: status=%s\n", sess.ID, sess.Status)
	if sess.ResultCommit != "" {
		fmt.Printf("  first bad commit: %s\n", sess.ResultCommit)
	}
}

// domainHost converts a configured host entry into the persisted Host
// record, one row per roster member, written once at session start so the
// state store's host table mirrors the configuration it ran with.
func domainHost(h config.HostConfig) *domain.Host {
	return &domain.Host{
		ID:              h.Name,
		Name:            h.Name,
		Address:         h.Address,
		SSHUser:         h.SSHUser,
		SSHKeyPath:      h.SSHKeyPath,
		Designated:      h.Designated,
		KernelPath:      h.KernelPath,
		LibPath:         h.BisectPath,
		TestScript:      h.TestScript,
		KernelConfigDst: h.KernelConfigDst,
		PowerKind:       h.PowerKind,
		PowerAddress:    h.PowerAddress,
		PowerUser:       h.PowerUser,
		PowerSecret:     h.PowerSecret,
	}
}
