// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package api exposes backfill submission, job status, latest readings,
// health and Prometheus metrics over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/sensorpush-logger/backfill"
	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
	"github.com/soothill/sensorpush-logger/sensor"
)

const (
	readinessCheckTimeout = 2 * time.Second
	latestReadTimeout     = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
	latestSampleLimit     = 10
)

// BackfillService is the part of backfill.Service the API needs.
type BackfillService interface {
	Submit(ctx context.Context, req backfill.Request) (backfill.Job, error)
	Status(id string) (backfill.Status, error)
	Recent() []backfill.Status
}

// HealthChecker reports whether the time-series store is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Settings configures the HTTP listener.
type Settings struct {
	ListenAddr string
	// RateLimit and RateBurst bound requests per second to /health and /ready.
	RateLimit float64
	RateBurst int
	// Metrics are the measures requested from SensorPush by /api/backfill/latest.
	Metrics []string
}

// Dependencies are the components the handlers call into. Latest may be nil
// when the configured backend cannot read data back.
type Dependencies struct {
	Backfill BackfillService
	Source   interfaces.SensorSource
	Sink     HealthChecker
	Latest   interfaces.LatestReader
}

// Server bundles the gin router and its dependencies.
type Server struct {
	settings Settings
	deps     Dependencies
	engine   *gin.Engine
	now      func() time.Time
}

// runRequest is the body of POST /api/backfill/run. EndTime defaults to now.
type runRequest struct {
	StartTime *time.Time `json:"startTime" binding:"required"`
	EndTime   *time.Time `json:"endTime"`
	SensorIDs []string   `json:"sensorIds"`
}

// New constructs a server with routes and middleware.
func New(settings Settings, deps Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	s := &Server{settings: settings, deps: deps, engine: engine, now: time.Now}
	s.registerRoutes()
	return s
}

// Handler exposes the router for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.settings.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Starting HTTP API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info().Msg("HTTP API server stopped")
		return nil
	}
}

func (s *Server) registerRoutes() {
	healthLimiter := rate.NewLimiter(rate.Limit(s.settings.RateLimit), s.settings.RateBurst)
	readyLimiter := rate.NewLimiter(rate.Limit(s.settings.RateLimit), s.settings.RateBurst)

	s.engine.GET("/health", rateLimitMiddleware(healthLimiter), s.handleHealth)
	s.engine.GET("/ready", rateLimitMiddleware(readyLimiter), s.handleReady)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	bf := s.engine.Group("/api/backfill")
	{
		bf.POST("/run", s.handleRun)
		bf.GET("/jobs", s.handleListJobs)
		bf.GET("/jobs/:id", s.handleGetJob)
		bf.GET("/latest", s.handleSourceLatest)
	}

	s.engine.GET("/api/sensors/:id/latest", s.handleSensorLatest)
}

// requestLogger logs each request through zerolog and records HTTP metrics.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		code := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", code).
			Dur("elapsed", elapsed).
			Msg("HTTP request")
	}
}

// rateLimitMiddleware rejects requests beyond the limiter's budget with 429.
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", c.Request.URL.Path).
				Str("remote_addr", c.Request.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			c.String(http.StatusTooManyRequests, "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessCheckTimeout)
	defer cancel()

	if err := s.deps.Sink.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: storage unhealthy")
		c.String(http.StatusServiceUnavailable, "NOT READY: storage unhealthy")
		return
	}
	c.String(http.StatusOK, "READY")
}

func (s *Server) handleRun(c *gin.Context) {
	var body runRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	end := s.now().UTC()
	if body.EndTime != nil {
		end = *body.EndTime
	}

	job, err := s.deps.Backfill.Submit(c.Request.Context(), backfill.Request{
		StartTime: *body.StartTime,
		EndTime:   end,
		SensorIDs: body.SensorIDs,
	})
	switch {
	case err == nil:
	case errors.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, errors.ErrQueueFull), errors.Is(err, errors.ErrCancelled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	default:
		logger.Error().Err(err).Msg("Failed to submit backfill job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":   job.ID,
		"message": "Backfill job queued",
	})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.deps.Backfill.Recent()
	c.JSON(http.StatusOK, gin.H{
		"data": jobs,
		"meta": gin.H{"count": len(jobs)},
	})
}

func (s *Server) handleGetJob(c *gin.Context) {
	status, err := s.deps.Backfill.Status(c.Param("id"))
	if errors.Is(err, errors.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

// handleSourceLatest queries SensorPush directly for the sensor list and
// the most recent samples, bypassing the store.
func (s *Server) handleSourceLatest(c *gin.Context) {
	ctx := c.Request.Context()

	cred, err := s.deps.Source.Authenticate(ctx)
	if err != nil {
		s.sourceError(c, err)
		return
	}
	meta, err := s.deps.Source.ListSensors(ctx, cred)
	if err != nil {
		s.sourceError(c, err)
		return
	}
	readings, err := s.deps.Source.FetchSamples(ctx, cred, interfaces.SampleQuery{
		Metrics: s.settings.Metrics,
		Limit:   latestSampleLimit,
	})
	if err != nil {
		s.sourceError(c, err)
		return
	}

	sensors := make([]sensor.Metadata, 0, len(meta))
	for _, id := range sensor.SortedIDs(meta) {
		sensors = append(sensors, meta[id])
	}
	c.JSON(http.StatusOK, gin.H{
		"sensors": sensors,
		"samples": readings,
	})
}

func (s *Server) sourceError(c *gin.Context, err error) {
	logger.Warn().Err(err).Msg("SensorPush query failed")
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (s *Server) handleSensorLatest(c *gin.Context) {
	if s.deps.Latest == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "storage backend cannot read readings back"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), latestReadTimeout)
	defer cancel()

	reading, err := s.deps.Latest.LatestReading(ctx, sensor.ID(c.Param("id")))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"data": reading})
	case errors.Is(err, errors.ErrNoData):
		c.JSON(http.StatusNotFound, gin.H{"error": "no readings stored for sensor"})
	case errors.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error().Err(err).Str("sensor_id", c.Param("id")).Msg("Failed to read latest reading")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
