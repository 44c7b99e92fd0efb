// Package config provides configuration management for the grinrelay
// relay.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/grinrelay/grinrelay/internal/address"
)

// Network selects which address version bytes the relay accepts.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// FileConfig is the top-level wrapper for the TOML configuration file.
type FileConfig struct {
	Relay Config `toml:"relay"`
}

// Config holds the relay's settings.
type Config struct {
	BindAddress                string        `toml:"bind_address"`
	Domain                     string        `toml:"domain"`
	Network                    Network       `toml:"network"`
	LogLevel                   string        `toml:"log_level"`
	MaxSlateBytes              int           `toml:"max_slate_bytes"`
	MaxQueuePerAddress         int           `toml:"max_queue_per_address"`
	MaxSessions                int           `toml:"max_sessions"`
	MaxSubscriptionsPerSession int           `toml:"max_subscriptions_per_session"`
	SessionIdleTimeout         string        `toml:"session_idle_timeout"`
	ChallengeRotation          string        `toml:"challenge_rotation"`
	ShutdownGrace              string        `toml:"shutdown_grace"`
	FederationDropAfter        string        `toml:"federation_drop_after"`
	SlateTTL                   string        `toml:"slate_ttl"`
	Broker                     BrokerConfig  `toml:"broker"`
	Metrics                    MetricsConfig `toml:"metrics"`
}

// BrokerConfig holds AMQP broker connection settings.
type BrokerConfig struct {
	URI           string `toml:"uri"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	RequireBroker bool   `toml:"require_broker"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		BindAddress:                "0.0.0.0:3420",
		Domain:                     "grinbox.io",
		Network:                    NetworkMainnet,
		LogLevel:                   "info",
		MaxSlateBytes:              256 * 1024,
		MaxQueuePerAddress:         1000,
		MaxSessions:                10000,
		MaxSubscriptionsPerSession: 16,
		SessionIdleTimeout:         "5m",
		ChallengeRotation:          "60s",
		ShutdownGrace:              "10s",
		FederationDropAfter:        "5m",
		SlateTTL:                   "168h",
		Broker: BrokerConfig{
			URI: "127.0.0.1:5672",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9420",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return errors.New("bind_address is required")
	}
	if c.Domain == "" {
		return errors.New("domain is required")
	}
	if !isValidNetwork(c.Network) {
		return fmt.Errorf("invalid network %q (must be mainnet or testnet)", c.Network)
	}
	if c.MaxSlateBytes <= 0 {
		return errors.New("max_slate_bytes must be positive")
	}
	if c.MaxQueuePerAddress <= 0 {
		return errors.New("max_queue_per_address must be positive")
	}
	if c.MaxSessions <= 0 {
		return errors.New("max_sessions must be positive")
	}
	if c.MaxSubscriptionsPerSession <= 0 {
		return errors.New("max_subscriptions_per_session must be positive")
	}

	durations := map[string]string{
		"session_idle_timeout":  c.SessionIdleTimeout,
		"challenge_rotation":    c.ChallengeRotation,
		"shutdown_grace":        c.ShutdownGrace,
		"federation_drop_after": c.FederationDropAfter,
		"slate_ttl":             c.SlateTTL,
	}
	for name, val := range durations {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// AddressNetwork maps the configured Network to the address package's
// Network type.
func (c *Config) AddressNetwork() address.Network {
	if c.Network == NetworkTestnet {
		return address.Testnet
	}
	return address.Mainnet
}

func isValidNetwork(n Network) bool {
	switch n {
	case NetworkMainnet, NetworkTestnet:
		return true
	default:
		return false
	}
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// SessionIdleTimeoutDuration returns the idle timeout, defaulting to 5m.
func (c *Config) SessionIdleTimeoutDuration() time.Duration {
	return durationOr(c.SessionIdleTimeout, 5*time.Minute)
}

// ChallengeRotationDuration returns the rotation cadence, defaulting to 60s.
func (c *Config) ChallengeRotationDuration() time.Duration {
	return durationOr(c.ChallengeRotation, 60*time.Second)
}

// ShutdownGraceDuration returns the shutdown grace period, defaulting to 10s.
func (c *Config) ShutdownGraceDuration() time.Duration {
	return durationOr(c.ShutdownGrace, 10*time.Second)
}

// FederationDropAfterDuration returns the federation drop-after window, defaulting to 5m.
func (c *Config) FederationDropAfterDuration() time.Duration {
	return durationOr(c.FederationDropAfter, 5*time.Minute)
}

// SlateTTLDuration returns the slate TTL, defaulting to 1 week.
func (c *Config) SlateTTLDuration() time.Duration {
	return durationOr(c.SlateTTL, 7*24*time.Hour)
}
