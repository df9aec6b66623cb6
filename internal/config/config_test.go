package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.GoodCommit = "1111111111111111111111111111111111111111"
	cfg.BadCommit = "2222222222222222222222222222222222222222"
	cfg.Hosts = []HostConfig{
		{Name: "host-a", Address: "10.0.0.1", Designated: true, PowerKind: "ipmi"},
		{Name: "host-b", Address: "10.0.0.2", PowerKind: "none"},
	}
	return cfg
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequiresCommitRange(t *testing.T) {
	cfg := validConfig()
	cfg.BadCommit = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing bad_commit")
	}
}

func TestValidateRequiresExactlyOneDesignatedHost(t *testing.T) {
	cfg := validConfig()
	cfg.Hosts[0].Designated = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: no designated host")
	}

	cfg = validConfig()
	cfg.Hosts[1].Designated = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: two designated hosts")
	}
}

func TestValidateRejectsDuplicateHostNames(t *testing.T) {
	cfg := validConfig()
	cfg.Hosts[1].Name = "host-a"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate host name")
	}
}

func TestValidateRejectsUnknownPowerKind(t *testing.T) {
	cfg := validConfig()
	cfg.Hosts[0].PowerKind = "wall-socket"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown power kind")
	}
}

func TestValidateRequiresScriptForCustomTest(t *testing.T) {
	cfg := validConfig()
	cfg.Test.Type = "custom"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: custom test with no script")
	}
	cfg.Test.Script = "run.sh"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once script is set: %v", err)
	}
}

func TestLoadFromFileResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbisect.yaml")
	doc := `
good_commit: "1111111111111111111111111111111111111111"
bad_commit: "2222222222222222222222222222222222222222"
test:
  type: custom
  script: scripts/run.sh
kernel_config:
  config_file: configs/defconfig
hosts:
  - hostname: host-a
    address: 10.0.0.1
    designated: true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	wantScript := filepath.Join(dir, "scripts/run.sh")
	if cfg.Test.Script != wantScript {
		t.Errorf("test.script = %q, want %q", cfg.Test.Script, wantScript)
	}
	wantConfig := filepath.Join(dir, "configs/defconfig")
	if cfg.KernelConfig.ConfigFile != wantConfig {
		t.Errorf("kernel_config.config_file = %q, want %q", cfg.KernelConfig.ConfigFile, wantConfig)
	}
	// Defaults not present in the document should survive unmarshaling over DefaultConfig.
	if cfg.Timeouts.Build == 0 {
		t.Error("expected default build timeout to survive partial YAML")
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("KBISECT_DATABASE_DSN", "postgres://example/db")
	t.Setenv("KBISECT_LOG_LEVEL", "debug")
	t.Setenv("KBISECT_METRICS_ENABLED", "false")

	LoadFromEnv(cfg)

	if cfg.Store.DatabaseDSN != "postgres://example/db" {
		t.Errorf("DatabaseDSN = %q", cfg.Store.DatabaseDSN)
	}
	if cfg.Observability.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Observability.Logging.Level)
	}
	if cfg.Observability.Metrics.Enabled {
		t.Error("expected metrics disabled after KBISECT_METRICS_ENABLED=false")
	}
}
