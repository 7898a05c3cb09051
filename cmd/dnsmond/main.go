package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillon/dnsmon/internal/pdns/common/clock"
	"github.com/quillon/dnsmon/internal/pdns/common/log"
	"github.com/quillon/dnsmon/internal/pdns/config"
	"github.com/quillon/dnsmon/internal/pdns/gateways/capture"
	"github.com/quillon/dnsmon/internal/pdns/gateways/wire"
	"github.com/quillon/dnsmon/internal/pdns/plugins"
	"github.com/quillon/dnsmon/internal/pdns/repos/stats"
	"github.com/quillon/dnsmon/internal/pdns/repos/store"
	"github.com/quillon/dnsmon/internal/pdns/services/pipeline"

	// Analyzer plugins register themselves at link time.
	_ "github.com/quillon/dnsmon/internal/pdns/plugins/endpointstats"
	_ "github.com/quillon/dnsmon/internal/pdns/plugins/packetlogger"
	_ "github.com/quillon/dnsmon/internal/pdns/plugins/serverauthorized"
)

const (
	version = "0.1.0-dev"
	appName = "dnsmond"
)

// Application holds the monitor's wired components.
type Application struct {
	config     *config.AppConfig
	store      *store.SQLite
	supervisor *pipeline.Supervisor
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Notice(map[string]any{
		"version":   version,
		"env":       cfg.Env,
		"log_level": cfg.LogLevel,
		"device":    cfg.Device,
		"filter":    cfg.Filter,
		"db_path":   cfg.DBPath,
	}, "Starting passive DNS monitor")

	// Build application with all dependencies
	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}
	defer func() {
		if err := app.store.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing store")
		}
	}()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Notice(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	// Run the pipeline; this blocks until shutdown or startup failure.
	if err := app.supervisor.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Pipeline failed")
	}

	log.Notice(nil, "Passive DNS monitor stopped gracefully")
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	logger := log.GetLogger()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	source := capture.NewPcapSource(capture.Config{
		Device:  cfg.Device,
		Snaplen: cfg.Snaplen,
		Promisc: cfg.Promisc,
		Timeout: time.Duration(cfg.Timeout) * time.Millisecond,
	}, logger)

	supervisor := pipeline.New(pipeline.Options{
		Source:        source,
		Codec:         wire.NewMessageCodec(),
		Store:         st,
		Stats:         stats.New(),
		Registry:      plugins.NewRegistry(st, logger),
		Clock:         clock.RealClock{},
		Logger:        logger,
		Filter:        cfg.Filter,
		PluginConfigs: cfg.Plugins,
		FlushInterval: time.Duration(cfg.FlushInterval) * time.Second,
		DrainTimeout:  time.Duration(cfg.DrainTimeout) * time.Second,
		PluginGrace:   time.Duration(cfg.PluginGrace) * time.Second,
	})

	return &Application{
		config:     cfg,
		store:      st,
		supervisor: supervisor,
	}, nil
}
