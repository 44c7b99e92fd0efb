package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grinrelay/grinrelay/internal/challenge"
	"github.com/grinrelay/grinrelay/internal/config"
	"github.com/grinrelay/grinrelay/internal/federation"
	"github.com/grinrelay/grinrelay/internal/logging"
	"github.com/grinrelay/grinrelay/internal/mailbox"
	"github.com/grinrelay/grinrelay/internal/metrics"
	"github.com/grinrelay/grinrelay/internal/relay"
	"github.com/grinrelay/grinrelay/internal/server"
)

// Exit codes: 0 normal shutdown, 1 config error, 2 bind failure, 3
// broker unreachable at startup with require_broker set.
const (
	exitConfig = 1
	exitBind   = 2
	exitBroker = 3
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var collector metrics.Collector = metrics.Noop()
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	oracle := challenge.New()
	registry := mailbox.New(mailbox.Options{
		MaxQueuePerAddress: cfg.MaxQueuePerAddress,
		MaxSlateBytes:      cfg.MaxSlateBytes,
		TTL:                cfg.SlateTTLDuration(),
		Collector:          collector,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bridge *federation.Bridge
	if cfg.Broker.URI != "" {
		bridge = federation.New(federation.Config{
			BrokerURI:   cfg.Broker.URI,
			Username:    cfg.Broker.Username,
			Password:    cfg.Broker.Password,
			LocalDomain: cfg.Domain,
			Network:     cfg.AddressNetwork(),
			Registry:    registry,
			Collector:   collector,
			DropAfter:   cfg.FederationDropAfterDuration(),
			Logger:      logger,
		})
		if err := bridge.Start(ctx); err != nil {
			if cfg.Broker.RequireBroker {
				fmt.Fprintf(os.Stderr, "error connecting to broker: %v\n", err)
				os.Exit(exitBroker)
			}
			logger.Warn("federation broker unreachable at startup, continuing without federation", "error", err)
			bridge = nil
		} else {
			defer bridge.Close()
			logger.Info("federation bridge connected", "broker", cfg.Broker.URI)
		}
	}

	router := relay.NewRouter(relay.Config{
		Network:                    cfg.AddressNetwork(),
		LocalDomain:                cfg.Domain,
		MaxSlateBytes:              cfg.MaxSlateBytes,
		MaxSessions:                cfg.MaxSessions,
		MaxSubscriptionsPerSession: cfg.MaxSubscriptionsPerSession,
		SessionIdleTimeout:         cfg.SessionIdleTimeoutDuration(),
		ShutdownGrace:              cfg.ShutdownGraceDuration(),
		Oracle:                     oracle,
		Registry:                   registry,
		Bridge:                     bridge,
		Collector:                  collector,
		Logger:                     logger,
	})

	go oracle.Run(ctx, cfg.ChallengeRotationDuration(), logger)
	go expireLoop(ctx, registry, cfg.SlateTTLDuration())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", router.HandleUpgrade)
	mux.HandleFunc("/healthz", router.HandleHealthz)

	srv, err := server.New(server.Config{
		BindAddress: cfg.BindAddress,
		Handler:     mux,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(exitConfig)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting grinrelay", "bind_address", cfg.BindAddress, "domain", cfg.Domain, "network", cfg.Network)

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(exitBind)
	}

	router.Shutdown(context.Background())
	logger.Info("grinrelay stopped")
}

func expireLoop(ctx context.Context, registry *mailbox.Registry, ttl time.Duration) {
	interval := ttl / 10
	if interval <= 0 || interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			registry.Expire(now)
		}
	}
}
