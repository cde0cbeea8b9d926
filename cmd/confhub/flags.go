package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	DataDir        string
	SchemasPath    string
	NATSURL        string
	Bucket         string
	LogLevel       string
	LogFormat      string
	TokenTTL       time.Duration
	HealthInterval time.Duration
	Writers        []string
	ShowVersion    bool
	ShowHelp       bool
	Validate       bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}
	var writers string

	flag.StringVar(&cfg.DataDir, "data-dir",
		getEnv("CONFHUB_DATA_DIR", "/var/lib/confhub"),
		"Directory for the database, keys, and fallback cache (env: CONFHUB_DATA_DIR)")

	flag.StringVar(&cfg.SchemasPath, "schemas",
		getEnv("CONFHUB_SCHEMAS", "configs/schemas.json"),
		"Path to service schema definitions (env: CONFHUB_SCHEMAS)")

	flag.StringVar(&cfg.NATSURL, "nats-url",
		getEnv("CONFHUB_NATS_URL", "nats://localhost:4222"),
		"NATS server URL (env: CONFHUB_NATS_URL)")

	flag.StringVar(&cfg.Bucket, "bucket",
		getEnv("CONFHUB_BUCKET", "confhub-config"),
		"JetStream KV bucket for retained update envelopes (env: CONFHUB_BUCKET)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("CONFHUB_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: CONFHUB_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("CONFHUB_LOG_FORMAT", "json"),
		"Log format: json, text (env: CONFHUB_LOG_FORMAT)")

	flag.DurationVar(&cfg.TokenTTL, "token-ttl",
		getEnvDuration("CONFHUB_TOKEN_TTL", 15*time.Minute),
		"Anti-forgery token lifetime (env: CONFHUB_TOKEN_TTL)")

	flag.DurationVar(&cfg.HealthInterval, "health-interval",
		getEnvDuration("CONFHUB_HEALTH_INTERVAL", 15*time.Second),
		"Health check and publish interval (env: CONFHUB_HEALTH_INTERVAL)")

	flag.StringVar(&writers, "writers",
		getEnv("CONFHUB_WRITERS", ""),
		"Comma-separated principals granted the write role (env: CONFHUB_WRITERS)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate schema definitions and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()

	for _, principal := range strings.Split(writers, ",") {
		principal = strings.TrimSpace(principal)
		if principal != "" {
			cfg.Writers = append(cfg.Writers, principal)
		}
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.SchemasPath); err != nil {
		return fmt.Errorf("schema definitions not found: %s", cfg.SchemasPath)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.TokenTTL <= 0 {
		return fmt.Errorf("invalid token ttl: %s", cfg.TokenTTL)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Configuration Distribution Hub

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom data directory
  %s --data-dir=/srv/confhub --schemas=/etc/confhub/schemas.json

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export CONFHUB_NATS_URL=nats://nats.internal:4222
  export CONFHUB_WRITERS=deploy-bot,ops-console
  %s

  # Validate schema definitions only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
