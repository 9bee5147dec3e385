// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the SensorPush client, the time-series store, the live
// poller, the backfill pipeline and the HTTP API into one process.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/soothill/sensorpush-logger/api"
	"github.com/soothill/sensorpush-logger/backfill"
	"github.com/soothill/sensorpush-logger/config"
	"github.com/soothill/sensorpush-logger/ingest"
	"github.com/soothill/sensorpush-logger/monitoring"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/notifications"
	"github.com/soothill/sensorpush-logger/sensorpush"
	"github.com/soothill/sensorpush-logger/storage"
)

const (
	flushTimeout = 10 * time.Second
)

// App represents the main application
type App struct {
	cfg   *config.Config
	cfgMu sync.RWMutex

	notifier *notifications.SlackNotifier
	source   *sensorpush.Client
	backend  interfaces.TimeSeriesSink
	breaker  *storage.BreakerSink
	sink     *storage.SpoolingSink

	poller  *monitoring.Poller
	queue   *backfill.Queue
	tracker *backfill.Tracker
	service *backfill.Service
	worker  *backfill.Worker
	server  *api.Server

	configWatcher *config.Watcher
	configChan    chan *config.Config
	wg            sync.WaitGroup
}

// New creates a new application instance. It connects to the configured
// storage backend and fails if it is unreachable.
func New(ctx context.Context, cfg *config.Config, configPath string) (*App, error) {
	a := &App{
		cfg:        cfg,
		configChan: make(chan *config.Config),
	}

	a.notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	a.source = sensorpush.NewClient(sensorpush.Config{
		BaseURL:            cfg.SensorPush.BaseURL,
		Email:              cfg.SensorPush.Email,
		Password:           cfg.SensorPush.Password,
		RequestTimeout:     cfg.SensorPush.RequestTimeout,
		MinRequestInterval: cfg.SensorPush.MinRequestInterval,
	})

	if err := a.initializeStorage(ctx); err != nil {
		return nil, err
	}

	if err := a.initializeIngestion(); err != nil {
		a.sink.Close()
		return nil, err
	}

	var latest interfaces.LatestReader
	if lr, ok := a.backend.(interfaces.LatestReader); ok {
		latest = lr
	}
	a.server = api.New(api.Settings{
		ListenAddr: cfg.Server.ListenAddr,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		Metrics:    cfg.SensorPush.Measures,
	}, api.Dependencies{
		Backfill: a.service,
		Source:   a.source,
		Sink:     a.sink,
		Latest:   latest,
	})

	if configPath != "" {
		a.configWatcher = config.NewWatcher(configPath, a.configChan)
	}

	return a, nil
}

// initializeStorage connects the backend and wraps it with the circuit
// breaker and the local spool.
func (a *App) initializeStorage(ctx context.Context) error {
	backend, err := NewBackend(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.backend = backend

	spool, err := storage.NewSpool(a.cfg.Storage.SpoolDirectory, a.cfg.Storage.SpoolMaxSize, a.cfg.Storage.SpoolMaxAge)
	if err != nil {
		backend.Close()
		return fmt.Errorf("failed to initialize spool: %w", err)
	}
	logger.Info().Str("directory", a.cfg.Storage.SpoolDirectory).
		Int64("max_size_mb", a.cfg.Storage.SpoolMaxSize/(1024*1024)).
		Dur("max_age", a.cfg.Storage.SpoolMaxAge).
		Msg("Local spool initialized")

	a.breaker = storage.NewBreakerSink(backend, storage.BreakerSettings{
		FailureThreshold: a.cfg.Storage.BreakerFailureThreshold,
		ResetTimeout:     a.cfg.Storage.BreakerResetTimeout,
	})
	a.sink = storage.NewSpoolingSink(a.breaker, spool, a.notifier, 0)
	return nil
}

// NewBackend connects the time-series store selected by storage.backend.
func NewBackend(ctx context.Context, cfg *config.Config) (interfaces.TimeSeriesSink, error) {
	opts := storage.BatchOptions{
		SampleBatchSize: cfg.Storage.SampleBatchSize,
		StatusBatchSize: cfg.Storage.StatusBatchSize,
		WriteTimeout:    cfg.Storage.WriteTimeout,
	}

	switch cfg.Storage.Backend {
	case config.BackendTimescale:
		ts, err := storage.NewTimescaleStorage(ctx, cfg.Timescale.ConnString, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TimescaleDB: %w", err)
		}
		return ts, nil
	default:
		influx, err := storage.NewInfluxDBStorage(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
			opts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize InfluxDB: %w", err)
		}
		return influx, nil
	}
}

func (a *App) initializeIngestion() error {
	cfg := a.cfg
	clock := ingest.SystemClock()
	fetcher := ingest.NewFetcher(a.source, a.sink, clock, cfg.SensorPush.RequestTimeout, cfg.Storage.WriteTimeout)

	a.poller = monitoring.NewPoller(a.source, a.sink, fetcher, clock, a.notifier, monitoring.Settings{
		Interval:     cfg.SensorPush.PollInterval,
		SampleLimit:  cfg.SensorPush.SampleLimit,
		Metrics:      cfg.SensorPush.Measures,
		WriteTimeout: cfg.Storage.WriteTimeout,
	})

	tracker, err := backfill.NewTracker(cfg.Backfill.HistorySize)
	if err != nil {
		return fmt.Errorf("failed to create job tracker: %w", err)
	}
	a.tracker = tracker
	a.queue = backfill.NewQueue(cfg.Backfill.QueueCapacity)
	a.service = backfill.NewService(a.queue, a.tracker, cfg.Backfill.SubmitTimeout)
	a.worker = backfill.NewWorker(a.queue, a.source, fetcher, a.tracker, a.notifier, backfill.Settings{
		ChunkSize: cfg.Backfill.ChunkSize,
		Delay:     cfg.Backfill.InterRequestDelay,
		Limit:     cfg.Backfill.SampleLimit,
		Metrics:   cfg.SensorPush.Measures,
	})
	return nil
}

// Run starts every loop and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.configWatcher != nil {
		a.configWatcher.Start(ctx)
		defer a.configWatcher.Stop()
	}

	serverErr := make(chan error, 1)
	a.goRun(func() {
		if err := a.server.Run(ctx); err != nil {
			serverErr <- err
		}
	})
	a.goRun(func() { a.poller.Run(ctx) })
	a.goRun(func() { a.worker.Run(ctx) })
	a.goRun(func() { a.watchConfig(ctx) })

	a.cfgMu.RLock()
	logger.Info().
		Str("backend", a.backend.Name()).
		Dur("poll_interval", a.cfg.SensorPush.PollInterval).
		Str("listen_addr", a.cfg.Server.ListenAddr).
		Msg("SensorPush data logger running")
	a.cfgMu.RUnlock()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown requested")
	case runErr = <-serverErr:
		logger.Error().Err(runErr).Msg("HTTP server failed")
	}
	stop()

	a.performCleanup(ctx)
	return runErr
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// performCleanup waits for the loops to exit, then flushes and closes the store.
func (a *App) performCleanup(ctx context.Context) {
	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer flushCancel()

	flushDone := make(chan struct{})
	go func() {
		a.sink.Flush()
		close(flushDone)
	}()

	select {
	case <-flushDone:
		logger.Info().Msg("Storage flush completed")
	case <-flushCtx.Done():
		logger.Warn().Msg("Storage flush timeout - some data may be lost")
	}

	a.sink.Close()
	logger.Info().Msg("All goroutines finished, exiting")
}

func (a *App) watchConfig(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg := <-a.configChan:
			a.UpdateConfig(newCfg)
		}
	}
}

// UpdateConfig applies the settings that can change without a restart: the
// live poll interval and the Slack webhook. Other changes take effect on the
// next start.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()

	a.poller.SetInterval(newCfg.SensorPush.PollInterval)
	a.notifier.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)
	logger.Info().
		Dur("poll_interval", newCfg.SensorPush.PollInterval).
		Bool("slack_enabled", a.notifier.IsEnabled()).
		Msg("Application configuration updated")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	logger.Info().
		Str("state", a.poller.State().String()).
		Dur("interval", a.poller.Interval()).
		Time("last_success", a.poller.LastSuccess()).
		Msg("Live poller state")

	ev := logger.Info().Int("queue_depth", a.queue.Len()).Int("queue_capacity", a.queue.Cap())
	if job, ok := a.worker.InFlight(); ok {
		ev = ev.Str("in_flight_job", job.ID).Str("window", job.Window.String())
	}
	ev.Msg("Backfill state")

	logger.Info().
		Str("backend", a.backend.Name()).
		Str("breaker_state", a.breaker.State().String()).
		Bool("degraded", a.sink.Degraded()).
		Msg("Storage state")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
