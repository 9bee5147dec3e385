// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command sensorpush-logger polls the SensorPush cloud API, stores readings
// in InfluxDB or TimescaleDB and serves a backfill API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/soothill/sensorpush-logger/app"
	"github.com/soothill/sensorpush-logger/config"
	"github.com/soothill/sensorpush-logger/pkg/logger"
)

const healthCheckTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides server.listen_addr)")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger.InitializeWithFormat(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info().Msg("Starting SensorPush Data Logger")
	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Dur("poll_interval", cfg.SensorPush.PollInterval).
		Dur("chunk_size", cfg.Backfill.ChunkSize).
		Msg("Configuration loaded")

	ctx := context.Background()
	application, err := app.New(ctx, cfg, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Application stopped with error")
	}
}

// performHealthCheck connects to the configured storage backend and returns
// the process exit code.
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	backend, err := app.NewBackend(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer backend.Close()

	if err := backend.Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %s is unhealthy: %v\n", backend.Name(), err)
		return 1
	}

	fmt.Printf("Health check passed: %s is healthy\n", backend.Name())
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  SensorPush API: %s\n", cfg.SensorPush.BaseURL)
	fmt.Printf("  SensorPush Account: %s\n", cfg.SensorPush.Email)
	fmt.Printf("  Poll Interval: %s\n", cfg.SensorPush.PollInterval)
	fmt.Printf("  Measures: %v\n", cfg.SensorPush.Measures)
	fmt.Printf("  Backfill Chunk Size: %s\n", cfg.Backfill.ChunkSize)
	fmt.Printf("  Backfill Inter-request Delay: %s\n", cfg.Backfill.InterRequestDelay)
	fmt.Printf("  Backfill Queue Capacity: %d\n", cfg.Backfill.QueueCapacity)
	fmt.Printf("  Storage Backend: %s\n", cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case config.BackendTimescale:
		fmt.Println("  TimescaleDB: configured")
	default:
		fmt.Printf("  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
		fmt.Printf("  InfluxDB Organization: %s\n", cfg.InfluxDB.Organization)
		fmt.Printf("  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	}
	fmt.Printf("  Spool Directory: %s\n", cfg.Storage.SpoolDirectory)
	fmt.Printf("  Spool Max Size: %d MB\n", cfg.Storage.SpoolMaxSize/(1024*1024))
	fmt.Printf("  Listen Address: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
