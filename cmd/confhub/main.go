// Package main implements the entry point for the confhub configuration hub.
// The hub stores versioned service configuration durably, distributes signed
// update envelopes over NATS, and maintains a signed fallback cache so
// services can start when the hub is unreachable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/confhub/access"
	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/distributor"
	"github.com/c360/confhub/health"
	"github.com/c360/confhub/lkg"
	"github.com/c360/confhub/natsclient"
	"github.com/c360/confhub/schema"
	"github.com/c360/confhub/service"
	"github.com/c360/confhub/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "confhub"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	registry, err := loadSchemaRegistry(cliCfg.SchemasPath)
	if err != nil {
		return fmt.Errorf("load schema definitions: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Schema definitions are valid", "services", len(registry.Services()))
		return nil
	}

	ctx := context.Background()

	keys, err := crypto.LoadOrCreateKeySet(filepath.Join(cliCfg.DataDir, "keys"))
	if err != nil {
		return fmt.Errorf("load key set: %w", err)
	}

	s, err := store.Open(filepath.Join(cliCfg.DataDir, "confhub.db"), registry, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	natsClient, kv, err := connectToNATS(ctx, cliCfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	metricsRegistry := prometheus.NewRegistry()

	cache, err := lkg.NewCache(filepath.Join(cliCfg.DataDir, "cache", "lkg.json"), keys.CacheKey(), logger)
	if err != nil {
		return fmt.Errorf("create fallback cache: %w", err)
	}

	issuer := access.NewTokenIssuer(keys.TokenKey(), cliCfg.TokenTTL)
	ctrl := access.NewController(issuer, s, logger)
	for _, principal := range cliCfg.Writers {
		ctrl.SetRole(principal, access.RoleWrite)
	}

	publisher := distributor.NewPublisher(natsClient.NewKVStore(kv), keys.SigningKey(), metricsRegistry)
	rotator := crypto.NewRotator(keys, s, filepath.Join(cliCfg.DataDir, "keys"), logger)

	hub := service.NewHub(s, registry, keys, ctrl,
		service.WithPublisher(publisher),
		service.WithCache(cache),
		service.WithRotator(rotator),
		service.WithLogger(logger))

	monitor := health.NewMonitor(s, metricsRegistry, logger,
		health.WithCache(cache),
		health.WithRotation(rotator),
		health.WithPublisher(natsClient.GetConnection()))

	return runWithSignalHandling(ctx, hub, monitor, cliCfg)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting confhub (configuration distribution hub)",
		"version", Version,
		"build_time", BuildTime,
		"data_dir", cliCfg.DataDir,
		"schemas", cliCfg.SchemasPath)

	return cliCfg, logger, false, nil
}

// loadSchemaRegistry reads service schema definitions from a JSON file and
// registers them.
func loadSchemaRegistry(path string) (*schema.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var definitions map[string]schema.ConfigSchema
	if err := json.Unmarshal(data, &definitions); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	registry := schema.NewRegistry()
	for svc, def := range definitions {
		if err := registry.Register(svc, def); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc, err)
		}
	}
	return registry, nil
}

// connectToNATS establishes the connection and ensures the retained bucket.
func connectToNATS(ctx context.Context, cliCfg *CLIConfig, logger *slog.Logger) (*natsclient.Client, jetstream.KeyValue, error) {
	natsClient, err := natsclient.NewClient(cliCfg.NATSURL,
		natsclient.WithName(appName),
		natsclient.WithLogger(natsclient.NewSlogAdapter(logger)))
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cliCfg.NATSURL)
	if err := natsClient.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	kv, err := natsClient.EnsureBucket(ctx, cliCfg.Bucket)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure bucket %s: %w", cliCfg.Bucket, err)
	}

	return natsClient, kv, nil
}

// runWithSignalHandling runs the hub until a shutdown signal arrives.
func runWithSignalHandling(ctx context.Context, hub *service.Hub, monitor *health.Monitor, cliCfg *CLIConfig) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("confhub started")
	if err := hub.Run(signalCtx, monitor, cliCfg.HealthInterval); err != nil {
		return fmt.Errorf("hub stopped: %w", err)
	}

	slog.Info("confhub shutdown complete")
	return nil
}
