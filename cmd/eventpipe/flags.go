package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	PipelinesPath   string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("EVENTPIPE_CONFIG", ""),
		"Path to the server configuration file (env: EVENTPIPE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("EVENTPIPE_CONFIG", ""),
		"Path to the server configuration file (env: EVENTPIPE_CONFIG)")

	fs.StringVar(&cfg.PipelinesPath, "pipelines",
		getEnv("EVENTPIPE_PIPELINES", "pipelines.yaml"),
		"Pipelines file or directory of .yaml files (env: EVENTPIPE_PIPELINES)")
	fs.StringVar(&cfg.PipelinesPath, "p",
		getEnv("EVENTPIPE_PIPELINES", "pipelines.yaml"),
		"Pipelines file or directory of .yaml files (env: EVENTPIPE_PIPELINES)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("EVENTPIPE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: EVENTPIPE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("EVENTPIPE_LOG_FORMAT", "json"),
		"Log format: json, text (env: EVENTPIPE_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("EVENTPIPE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: EVENTPIPE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate",
		getEnvBool("EVENTPIPE_VALIDATE", false),
		"Validate configuration and exit (env: EVENTPIPE_VALIDATE)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShowHelp {
		printDetailedHelp(fs)
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if _, err := os.Stat(cfg.PipelinesPath); err != nil {
		return fmt.Errorf("pipelines not found: %s", cfg.PipelinesPath)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - event pipeline engine

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.SetOutput(os.Stderr)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run the pipelines of a directory with a server configuration
  %[1]s --config=/etc/eventpipe/server.yaml --pipelines=/etc/eventpipe/pipelines.d

  # Run with debug logging
  %[1]s --pipelines=pipelines.yaml --log-level=debug --log-format=text

  # Validate configuration only
  %[1]s --pipelines=pipelines.yaml --validate

Version: %[2]s
Build: %[3]s
`, os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
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
