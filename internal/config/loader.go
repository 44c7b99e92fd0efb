package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath string
	BindAddr   string
	Domain     string
	Network    string
	LogLevel   string
	BrokerURI  string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./grinrelay.toml", "Path to configuration file")
	flag.StringVar(&f.BindAddr, "bind", "", "WebSocket bind address")
	flag.StringVar(&f.Domain, "domain", "", "Domain this relay answers to")
	flag.StringVar(&f.Network, "network", "", "Address network (mainnet, testnet)")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.BrokerURI, "broker-uri", "", "AMQP broker URI")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config. If the
// file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig.Relay), nil
}

// ApplyEnv merges environment variable overrides into the config.
// Environment values take precedence over the config file but are
// overridden by explicit command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("GRINBOX_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("GRINBOX_NETWORK"); v != "" {
		cfg.Network = Network(v)
	}
	if v := os.Getenv("BROKER_URI"); v != "" {
		cfg.Broker.URI = v
	}
	if v := os.Getenv("RABBITMQ_DEFAULT_USER"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv("RABBITMQ_DEFAULT_PASS"); v != "" {
		cfg.Broker.Password = v
	}
	return cfg
}

// ApplyFlags merges command-line flag values into the config.
// Non-empty flag values override config file and environment values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.BindAddr != "" {
		cfg.BindAddress = f.BindAddr
	}
	if f.Domain != "" {
		cfg.Domain = f.Domain
	}
	if f.Network != "" {
		cfg.Network = Network(f.Network)
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.BrokerURI != "" {
		cfg.Broker.URI = f.BrokerURI
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// applies environment overrides, then applies flag overrides. This
// order (file, then env, then flags) lets operators pin defaults in
// the config file, override per-deployment via env, and override
// per-invocation via flags.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.BindAddress != "" {
		dst.BindAddress = src.BindAddress
	}
	if src.Domain != "" {
		dst.Domain = src.Domain
	}
	if src.Network != "" {
		dst.Network = src.Network
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.MaxSlateBytes > 0 {
		dst.MaxSlateBytes = src.MaxSlateBytes
	}
	if src.MaxQueuePerAddress > 0 {
		dst.MaxQueuePerAddress = src.MaxQueuePerAddress
	}
	if src.MaxSessions > 0 {
		dst.MaxSessions = src.MaxSessions
	}
	if src.MaxSubscriptionsPerSession > 0 {
		dst.MaxSubscriptionsPerSession = src.MaxSubscriptionsPerSession
	}
	if src.SessionIdleTimeout != "" {
		dst.SessionIdleTimeout = src.SessionIdleTimeout
	}
	if src.ChallengeRotation != "" {
		dst.ChallengeRotation = src.ChallengeRotation
	}
	if src.ShutdownGrace != "" {
		dst.ShutdownGrace = src.ShutdownGrace
	}
	if src.FederationDropAfter != "" {
		dst.FederationDropAfter = src.FederationDropAfter
	}
	if src.SlateTTL != "" {
		dst.SlateTTL = src.SlateTTL
	}

	if src.Broker.URI != "" {
		dst.Broker.URI = src.Broker.URI
	}
	if src.Broker.Username != "" {
		dst.Broker.Username = src.Broker.Username
	}
	if src.Broker.Password != "" {
		dst.Broker.Password = src.Broker.Password
	}
	if src.Broker.RequireBroker {
		dst.Broker.RequireBroker = src.Broker.RequireBroker
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
