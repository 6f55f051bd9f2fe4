package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("OPCSIM_CONFIG", ""),
		"Path to JSON configuration file, empty for defaults (env: OPCSIM_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("OPCSIM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: OPCSIM_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("OPCSIM_LOG_FORMAT", "json"),
		"Log format: json, text (env: OPCSIM_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("OPCSIM_SHUTDOWN_TIMEOUT", 15*time.Second),
		"Graceful shutdown timeout (env: OPCSIM_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printHelp
	flag.Parse()

	return cfg
}

func printHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - industrial data source simulator

Replays CSV datasets as protocol variables, with hot-swap of the active
dataset at runtime.

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with defaults (data/ directory, port 4840)
  %s

  # Run with custom config and debug logging
  %s --config=/etc/opcsim/config.json --log-level=debug --log-format=text

  # Validate configuration only
  %s --config=/etc/opcsim/config.json --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], Version)
}

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
