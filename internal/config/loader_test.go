package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/grinrelay.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}

	expected := Default()
	if cfg.BindAddress != expected.BindAddress {
		t.Errorf("expected bind_address %q, got %q", expected.BindAddress, cfg.BindAddress)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
[relay]
bind_address = "0.0.0.0:8080"
domain = "relay.example.com"
network = "testnet"
log_level = "debug"
max_slate_bytes = 131072
max_sessions = 500

[relay.broker]
uri = "broker.example.com:5672"
username = "relay"
password = "secret"

[relay.metrics]
enabled = true
address = ":9999"
path = "/custom-metrics"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddress != "0.0.0.0:8080" {
		t.Errorf("bind_address = %q, want '0.0.0.0:8080'", cfg.BindAddress)
	}
	if cfg.Domain != "relay.example.com" {
		t.Errorf("domain = %q, want 'relay.example.com'", cfg.Domain)
	}
	if cfg.Network != NetworkTestnet {
		t.Errorf("network = %q, want 'testnet'", cfg.Network)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", cfg.LogLevel)
	}
	if cfg.MaxSlateBytes != 131072 {
		t.Errorf("max_slate_bytes = %d, want 131072", cfg.MaxSlateBytes)
	}
	if cfg.MaxSessions != 500 {
		t.Errorf("max_sessions = %d, want 500", cfg.MaxSessions)
	}
	if cfg.Broker.URI != "broker.example.com:5672" {
		t.Errorf("broker.uri = %q, want 'broker.example.com:5672'", cfg.Broker.URI)
	}
	if cfg.Broker.Username != "relay" {
		t.Errorf("broker.username = %q, want 'relay'", cfg.Broker.Username)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics.enabled = false, want true")
	}
	if cfg.Metrics.Address != ":9999" {
		t.Errorf("metrics.address = %q, want ':9999'", cfg.Metrics.Address)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	content := `
[relay
domain = "broken
`

	path := createTempConfig(t, content)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestLoadPartialConfig(t *testing.T) {
	content := `
[relay]
domain = "partial.example.com"
`

	path := createTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Domain != "partial.example.com" {
		t.Errorf("domain = %q, want 'partial.example.com'", cfg.Domain)
	}

	defaults := Default()
	if cfg.LogLevel != defaults.LogLevel {
		t.Errorf("log_level = %q, want default %q", cfg.LogLevel, defaults.LogLevel)
	}
	if cfg.MaxSessions != defaults.MaxSessions {
		t.Errorf("max_sessions = %d, want default %d", cfg.MaxSessions, defaults.MaxSessions)
	}
	if cfg.Broker.URI != defaults.Broker.URI {
		t.Errorf("broker.uri = %q, want default %q", cfg.Broker.URI, defaults.Broker.URI)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()

	t.Setenv("BIND_ADDRESS", "0.0.0.0:9000")
	t.Setenv("GRINBOX_DOMAIN", "env.example.com")
	t.Setenv("GRINBOX_NETWORK", "testnet")
	t.Setenv("BROKER_URI", "env-broker:5672")
	t.Setenv("RABBITMQ_DEFAULT_USER", "envuser")
	t.Setenv("RABBITMQ_DEFAULT_PASS", "envpass")

	result := ApplyEnv(cfg)

	if result.BindAddress != "0.0.0.0:9000" {
		t.Errorf("bind_address = %q, want '0.0.0.0:9000'", result.BindAddress)
	}
	if result.Domain != "env.example.com" {
		t.Errorf("domain = %q, want 'env.example.com'", result.Domain)
	}
	if result.Network != NetworkTestnet {
		t.Errorf("network = %q, want 'testnet'", result.Network)
	}
	if result.Broker.URI != "env-broker:5672" {
		t.Errorf("broker.uri = %q, want 'env-broker:5672'", result.Broker.URI)
	}
	if result.Broker.Username != "envuser" {
		t.Errorf("broker.username = %q, want 'envuser'", result.Broker.Username)
	}
	if result.Broker.Password != "envpass" {
		t.Errorf("broker.password = %q, want 'envpass'", result.Broker.Password)
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()

	flags := &Flags{
		BindAddr:  "0.0.0.0:1234",
		Domain:    "flag.example.com",
		Network:   "testnet",
		LogLevel:  "debug",
		BrokerURI: "flag-broker:5672",
	}

	result := ApplyFlags(cfg, flags)

	if result.BindAddress != "0.0.0.0:1234" {
		t.Errorf("bind_address = %q, want '0.0.0.0:1234'", result.BindAddress)
	}
	if result.Domain != "flag.example.com" {
		t.Errorf("domain = %q, want 'flag.example.com'", result.Domain)
	}
	if result.Network != NetworkTestnet {
		t.Errorf("network = %q, want 'testnet'", result.Network)
	}
	if result.LogLevel != "debug" {
		t.Errorf("log_level = %q, want 'debug'", result.LogLevel)
	}
	if result.Broker.URI != "flag-broker:5672" {
		t.Errorf("broker.uri = %q, want 'flag-broker:5672'", result.Broker.URI)
	}
}

func TestApplyFlagsEmptyValuesDoNotOverride(t *testing.T) {
	cfg := Default()
	cfg.Domain = "original.example.com"
	cfg.LogLevel = "warn"

	flags := &Flags{}

	result := ApplyFlags(cfg, flags)

	if result.Domain != "original.example.com" {
		t.Errorf("domain = %q, want 'original.example.com' (should not be overridden)", result.Domain)
	}
	if result.LogLevel != "warn" {
		t.Errorf("log_level = %q, want 'warn' (should not be overridden)", result.LogLevel)
	}
}

func TestFlagPriorityOverEnvAndConfig(t *testing.T) {
	content := `
[relay]
domain = "config.example.com"
log_level = "info"
`
	path := createTempConfig(t, content)

	t.Setenv("GRINBOX_DOMAIN", "env.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg = ApplyEnv(cfg)

	flags := &Flags{Domain: "flag.example.com"}
	result := ApplyFlags(cfg, flags)

	if result.Domain != "flag.example.com" {
		t.Errorf("domain = %q, want 'flag.example.com' (flag should win)", result.Domain)
	}
	if result.LogLevel != "info" {
		t.Errorf("log_level = %q, want 'info' (config value should remain)", result.LogLevel)
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}
