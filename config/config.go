// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the SensorPush data logger.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/util"
)

// Backend names accepted by storage.backend.
const (
	BackendInfluxDB  = "influxdb"
	BackendTimescale = "timescale"
)

// Config represents the application configuration
type Config struct {
	SensorPush    SensorPushConfig    `yaml:"sensorpush"`
	Backfill      BackfillConfig      `yaml:"backfill"`
	Storage       StorageConfig       `yaml:"storage"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Timescale     TimescaleConfig     `yaml:"timescale"`
	Server        ServerConfig        `yaml:"server"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// SensorPushConfig holds the cloud API account and live polling settings
type SensorPushConfig struct {
	BaseURL            string        `yaml:"base_url" validate:"required,url"`
	Email              string        `yaml:"email" validate:"required,email"`
	Password           string        `yaml:"password" validate:"required"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	SampleLimit        int           `yaml:"sample_limit" validate:"min=1"`
	Measures           []string      `yaml:"measures" validate:"min=1,dive,oneof=temperature humidity dewpoint abs_humidity barometric_pressure vpd"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MinRequestInterval time.Duration `yaml:"min_request_interval"`
}

// BackfillConfig holds historical backfill settings
type BackfillConfig struct {
	ChunkSize         time.Duration `yaml:"chunk_size"`
	InterRequestDelay time.Duration `yaml:"inter_request_delay"`
	QueueCapacity     int           `yaml:"queue_capacity" validate:"min=1"`
	SampleLimit       int           `yaml:"sample_limit" validate:"min=1"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	HistorySize       int           `yaml:"history_size" validate:"min=1"`
}

// StorageConfig selects the time-series backend and controls batching,
// the circuit breaker and the local spool
type StorageConfig struct {
	Backend                 string        `yaml:"backend" validate:"oneof=influxdb timescale"`
	SampleBatchSize         int           `yaml:"sample_batch_size" validate:"min=1"`
	StatusBatchSize         int           `yaml:"status_batch_size" validate:"min=1"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	SpoolDirectory          string        `yaml:"spool_directory"`
	SpoolMaxSize            int64         `yaml:"spool_max_size" validate:"min=0"`
	SpoolMaxAge             time.Duration `yaml:"spool_max_age"`
	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration `yaml:"breaker_reset_timeout"`
}

// InfluxDBConfig holds InfluxDB connection settings
type InfluxDBConfig struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// TimescaleConfig holds the PostgreSQL connection string for TimescaleDB
type TimescaleConfig struct {
	ConnString string `yaml:"conn_string"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	ListenAddr string  `yaml:"listen_addr" validate:"required"`
	RateLimit  float64 `yaml:"rate_limit" validate:"gt=0"`
	RateBurst  int     `yaml:"rate_burst" validate:"min=1"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

var validate = newValidator()

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads configuration from a YAML file, a .env file next to it and the
// environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv exports variables from an optional .env file. Variables already
// set in the environment win.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load %s: %v\n", path, err)
	}
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	overrideString(&c.SensorPush.BaseURL, "SENSORPUSH_BASE_URL")
	overrideString(&c.SensorPush.Email, "SENSORPUSH_EMAIL")
	overrideString(&c.SensorPush.Password, "SENSORPUSH_PASSWORD")
	overrideDuration(&c.SensorPush.PollInterval, "SENSORPUSH_POLL_INTERVAL")
	overrideInt(&c.SensorPush.SampleLimit, "SENSORPUSH_SAMPLE_LIMIT")
	overrideDuration(&c.Backfill.ChunkSize, "BACKFILL_CHUNK_SIZE")
	overrideDuration(&c.Backfill.InterRequestDelay, "BACKFILL_INTER_REQUEST_DELAY")
	overrideString(&c.Storage.Backend, "STORAGE_BACKEND")
	overrideString(&c.Storage.SpoolDirectory, "STORAGE_SPOOL_DIRECTORY")
	overrideString(&c.InfluxDB.URL, "INFLUXDB_URL")
	overrideString(&c.InfluxDB.Token, "INFLUXDB_TOKEN")
	overrideString(&c.InfluxDB.Organization, "INFLUXDB_ORG")
	overrideString(&c.InfluxDB.Bucket, "INFLUXDB_BUCKET")
	overrideString(&c.Timescale.ConnString, "TIMESCALE_CONN_STRING")
	overrideString(&c.Server.ListenAddr, "SERVER_LISTEN_ADDR")
	overrideString(&c.Notifications.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	overrideString(&c.Logging.Level, "LOG_LEVEL")
	overrideString(&c.Logging.Format, "LOG_FORMAT")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	duration, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse %s '%s': %v\n", key, v, err)
		return
	}
	*dst = duration
}

func overrideInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse %s '%s': %v\n", key, v, err)
		return
	}
	*dst = n
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.SensorPush.BaseURL == "" {
		c.SensorPush.BaseURL = "https://api.sensorpush.com/api/v1/"
	}
	if c.SensorPush.PollInterval == 0 {
		c.SensorPush.PollInterval = time.Minute
	}
	if c.SensorPush.SampleLimit == 0 {
		c.SensorPush.SampleLimit = 10
	}
	if len(c.SensorPush.Measures) == 0 {
		c.SensorPush.Measures = []string{"temperature", "humidity"}
	}
	if c.SensorPush.RequestTimeout == 0 {
		c.SensorPush.RequestTimeout = 30 * time.Second
	}

	if c.Backfill.ChunkSize == 0 {
		c.Backfill.ChunkSize = 12 * time.Hour
	}
	if c.Backfill.InterRequestDelay == 0 {
		c.Backfill.InterRequestDelay = 61 * time.Second
	}
	if c.Backfill.QueueCapacity == 0 {
		c.Backfill.QueueCapacity = 100
	}
	if c.Backfill.SampleLimit == 0 {
		c.Backfill.SampleLimit = 10000
	}
	if c.Backfill.SubmitTimeout == 0 {
		c.Backfill.SubmitTimeout = 5 * time.Second
	}
	if c.Backfill.HistorySize == 0 {
		c.Backfill.HistorySize = 256
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendInfluxDB
	}
	if c.Storage.SampleBatchSize == 0 {
		c.Storage.SampleBatchSize = 250
	}
	if c.Storage.StatusBatchSize == 0 {
		c.Storage.StatusBatchSize = 50
	}
	if c.Storage.WriteTimeout == 0 {
		c.Storage.WriteTimeout = 30 * time.Second
	}
	if c.Storage.SpoolDirectory == "" {
		c.Storage.SpoolDirectory = "/var/spool/sensorpush-logger"
	}
	if c.Storage.SpoolMaxSize == 0 {
		c.Storage.SpoolMaxSize = 100 * 1024 * 1024
	}
	if c.Storage.SpoolMaxAge == 0 {
		c.Storage.SpoolMaxAge = 24 * time.Hour
	}
	if c.Storage.BreakerFailureThreshold == 0 {
		c.Storage.BreakerFailureThreshold = 5
	}
	if c.Storage.BreakerResetTimeout == 0 {
		c.Storage.BreakerResetTimeout = 60 * time.Second
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 10
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fromValidatorErrors(err)
	}

	if validateErr := c.validateSensorPush(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateBackfill(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateStorage(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateLogging(); validateErr != nil {
		return validateErr
	}

	return nil
}

// fromValidatorErrors reports the first failed struct tag as a ConfigError
// named by its YAML path.
func fromValidatorErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errors.NewConfigError("config", "", err)
	}
	fe := verrs[0]
	field := yamlPath(fe.Namespace())
	reason := fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return errors.NewConfigError(field, fmt.Sprint(fe.Value()), fmt.Errorf("%w: failed %q check", errors.ErrInvalidConfig, reason))
}

// yamlPath drops the root struct name: "Config.sensorpush.email" becomes "sensorpush.email".
func yamlPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func invalid(field string, value any, format string, args ...any) error {
	return errors.NewConfigError(field, fmt.Sprint(value), fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...))
}

// validateSensorPush validates the API and live polling settings
func (c *Config) validateSensorPush() error {
	parsedURL, err := url.Parse(c.SensorPush.BaseURL)
	if err != nil {
		return invalid("sensorpush.base_url", c.SensorPush.BaseURL, "not a valid URL: %v", err)
	}
	if err := validateURLSecurity("sensorpush.base_url", parsedURL); err != nil {
		return err
	}

	if c.SensorPush.PollInterval < time.Second {
		return invalid("sensorpush.poll_interval", c.SensorPush.PollInterval, "must be at least 1 second")
	}
	if c.SensorPush.PollInterval > 24*time.Hour {
		return invalid("sensorpush.poll_interval", c.SensorPush.PollInterval, "must not exceed 24 hours")
	}
	if c.SensorPush.RequestTimeout < time.Second {
		return invalid("sensorpush.request_timeout", c.SensorPush.RequestTimeout, "must be at least 1 second")
	}
	if c.SensorPush.MinRequestInterval < 0 {
		return invalid("sensorpush.min_request_interval", c.SensorPush.MinRequestInterval, "must not be negative")
	}

	return nil
}

// validateBackfill validates the chunking settings
func (c *Config) validateBackfill() error {
	if c.Backfill.ChunkSize < time.Minute {
		return invalid("backfill.chunk_size", c.Backfill.ChunkSize, "must be at least 1 minute")
	}
	if c.Backfill.InterRequestDelay < 0 {
		return invalid("backfill.inter_request_delay", c.Backfill.InterRequestDelay, "must not be negative")
	}
	if c.Backfill.SubmitTimeout < 0 {
		return invalid("backfill.submit_timeout", c.Backfill.SubmitTimeout, "must not be negative")
	}
	// The tracker must remember every queued job plus the one in flight.
	if c.Backfill.HistorySize <= c.Backfill.QueueCapacity {
		return invalid("backfill.history_size", c.Backfill.HistorySize,
			"must be greater than backfill.queue_capacity (%d)", c.Backfill.QueueCapacity)
	}

	return nil
}

// validateStorage validates the selected backend's connection settings
func (c *Config) validateStorage() error {
	if c.Storage.WriteTimeout < time.Second {
		return invalid("storage.write_timeout", c.Storage.WriteTimeout, "must be at least 1 second")
	}

	switch c.Storage.Backend {
	case BackendInfluxDB:
		return c.validateInfluxDB()
	case BackendTimescale:
		if c.Timescale.ConnString == "" {
			return invalid("timescale.conn_string", "", "is required when storage.backend is timescale")
		}
	}
	return nil
}

// validateInfluxDB validates the InfluxDB configuration
func (c *Config) validateInfluxDB() error {
	if c.InfluxDB.URL == "" {
		return invalid("influxdb.url", "", "is required")
	}

	// Validate URL format and security
	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return invalid("influxdb.url", c.InfluxDB.URL, "not a valid URL: %v", parseErr)
	}

	if securityErr := validateURLSecurity("influxdb.url", parsedURL); securityErr != nil {
		return securityErr
	}

	if c.InfluxDB.Token == "" {
		return invalid("influxdb.token", "", "is required")
	}

	// Validate token format (basic check for minimum length)
	if len(c.InfluxDB.Token) < 8 {
		return invalid("influxdb.token", "***", "must be at least 8 characters long")
	}

	if c.InfluxDB.Organization == "" {
		return invalid("influxdb.organization", "", "is required")
	}
	if c.InfluxDB.Bucket == "" {
		return invalid("influxdb.bucket", "", "is required")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(field string, parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return invalid(field, parsedURL.String(), "must use HTTPS for non-local connections (got %s)", parsedURL.Scheme)
	}

	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return invalid("logging.level", c.Logging.Level, "must be one of: debug, info, warn, error, fatal, panic")
	}

	return nil
}
