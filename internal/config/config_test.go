package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.BindAddress != "0.0.0.0:3420" {
		t.Errorf("expected bind_address '0.0.0.0:3420', got %q", cfg.BindAddress)
	}

	if cfg.Domain != "grinbox.io" {
		t.Errorf("expected domain 'grinbox.io', got %q", cfg.Domain)
	}

	if cfg.Network != NetworkMainnet {
		t.Errorf("expected network 'mainnet', got %q", cfg.Network)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log_level 'info', got %q", cfg.LogLevel)
	}

	if cfg.MaxSlateBytes != 256*1024 {
		t.Errorf("expected max_slate_bytes 262144, got %d", cfg.MaxSlateBytes)
	}

	if cfg.MaxSessions != 10000 {
		t.Errorf("expected max_sessions 10000, got %d", cfg.MaxSessions)
	}

	if cfg.MaxSubscriptionsPerSession != 16 {
		t.Errorf("expected max_subscriptions_per_session 16, got %d", cfg.MaxSubscriptionsPerSession)
	}

	if cfg.Broker.URI != "127.0.0.1:5672" {
		t.Errorf("expected broker uri '127.0.0.1:5672', got %q", cfg.Broker.URI)
	}

	if cfg.Metrics.Enabled {
		t.Error("expected metrics disabled by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}, wantErr: false},
		{name: "empty bind address", modify: func(c *Config) { c.BindAddress = "" }, wantErr: true},
		{name: "empty domain", modify: func(c *Config) { c.Domain = "" }, wantErr: true},
		{name: "invalid network", modify: func(c *Config) { c.Network = "regtest" }, wantErr: true},
		{name: "valid testnet", modify: func(c *Config) { c.Network = NetworkTestnet }, wantErr: false},
		{name: "zero max_slate_bytes", modify: func(c *Config) { c.MaxSlateBytes = 0 }, wantErr: true},
		{name: "zero max_queue_per_address", modify: func(c *Config) { c.MaxQueuePerAddress = 0 }, wantErr: true},
		{name: "zero max_sessions", modify: func(c *Config) { c.MaxSessions = 0 }, wantErr: true},
		{name: "zero max_subscriptions_per_session", modify: func(c *Config) { c.MaxSubscriptionsPerSession = 0 }, wantErr: true},
		{name: "invalid session idle timeout", modify: func(c *Config) { c.SessionIdleTimeout = "invalid" }, wantErr: true},
		{name: "invalid challenge rotation", modify: func(c *Config) { c.ChallengeRotation = "invalid" }, wantErr: true},
		{name: "invalid slate ttl", modify: func(c *Config) { c.SlateTTL = "invalid" }, wantErr: true},
		{
			name: "metrics enabled without address",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()

	if got := cfg.SessionIdleTimeoutDuration(); got != 5*time.Minute {
		t.Errorf("SessionIdleTimeoutDuration() = %v, want 5m", got)
	}
	if got := cfg.ChallengeRotationDuration(); got != 60*time.Second {
		t.Errorf("ChallengeRotationDuration() = %v, want 60s", got)
	}
	if got := cfg.ShutdownGraceDuration(); got != 10*time.Second {
		t.Errorf("ShutdownGraceDuration() = %v, want 10s", got)
	}
	if got := cfg.FederationDropAfterDuration(); got != 5*time.Minute {
		t.Errorf("FederationDropAfterDuration() = %v, want 5m", got)
	}
	if got := cfg.SlateTTLDuration(); got != 168*time.Hour {
		t.Errorf("SlateTTLDuration() = %v, want 168h", got)
	}
}

func TestDurationAccessorsFallBackOnInvalid(t *testing.T) {
	cfg := Default()
	cfg.SessionIdleTimeout = "not-a-duration"

	if got := cfg.SessionIdleTimeoutDuration(); got != 5*time.Minute {
		t.Errorf("SessionIdleTimeoutDuration() = %v, want fallback 5m", got)
	}
}

func TestAddressNetwork(t *testing.T) {
	cfg := Default()
	cfg.Network = NetworkTestnet
	if got := cfg.AddressNetwork(); got.String() != "testnet" {
		t.Errorf("AddressNetwork() = %v, want testnet", got)
	}

	cfg.Network = NetworkMainnet
	if got := cfg.AddressNetwork(); got.String() != "mainnet" {
		t.Errorf("AddressNetwork() = %v, want mainnet", got)
	}
}
