// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the SensorPush data logger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion modes used as the "mode" label.
const (
	ModeLive     = "live"
	ModeBackfill = "backfill"
)

// Backfill job outcomes used as the "outcome" label.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

var (
	// PollCyclesTotal tracks completed live poll cycles
	PollCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sensorpush_poll_cycles_total",
		Help: "Total number of live poll cycles run",
	})

	// PollErrorsTotal tracks failed live poll cycles by the step that failed
	PollErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorpush_poll_errors_total",
		Help: "Total number of failed live poll cycles",
	}, []string{"step"})

	// PollDuration tracks how long a live poll cycle takes
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sensorpush_poll_duration_seconds",
		Help:    "Duration of a live poll cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SamplesFetched tracks readings returned by the SensorPush API
	SamplesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorpush_samples_fetched_total",
		Help: "Total number of sensor readings fetched from the SensorPush API",
	}, []string{"mode"})

	// SamplesWritten tracks readings persisted to the time-series store
	SamplesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorpush_samples_written_total",
		Help: "Total number of sensor readings written to the time-series store",
	}, []string{"backend"})

	// StatusPointsWritten tracks status points persisted to the time-series store
	StatusPointsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorpush_status_points_written_total",
		Help: "Total number of sensor status points written to the time-series store",
	}, []string{"backend"})

	// ChunksFetched tracks windows fetched by the chunked fetcher
	ChunksFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorpush_chunks_fetched_total",
		Help: "Total number of time-window chunks fetched",
	}, []string{"mode"})

	// APIRequestDuration tracks SensorPush API latency per endpoint
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sensorpush_api_request_duration_seconds",
		Help:    "Duration of SensorPush API requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// BackfillJobsTotal tracks backfill jobs by outcome
	BackfillJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorpush_backfill_jobs_total",
		Help: "Total number of backfill jobs by outcome",
	}, []string{"outcome"})

	// BackfillQueueDepth tracks jobs waiting in the backfill queue
	BackfillQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sensorpush_backfill_queue_depth",
		Help: "Number of backfill jobs waiting in the queue",
	})

	// BackfillInFlight is 1 while the worker is executing a job
	BackfillInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sensorpush_backfill_in_flight",
		Help: "Number of backfill jobs currently executing",
	})

	// SinkWriteErrors tracks failed writes to the time-series store
	SinkWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorpush_sink_write_errors_total",
		Help: "Total number of failed writes to the time-series store",
	}, []string{"backend"})

	// SpoolSizeBytes tracks the on-disk size of the local spool
	SpoolSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sensorpush_spool_size_bytes",
		Help: "Size of the local spool of unwritten batches in bytes",
	})

	// CircuitBreakerState tracks the breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensorpush_circuit_breaker_state",
		Help: "Circuit breaker state for the time-series store (0=closed, 1=half-open, 2=open)",
	}, []string{"backend"})

	// HTTPRequestsTotal tracks API requests by route and status code
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorpush_http_requests_total",
		Help: "Total number of HTTP API requests",
	}, []string{"route", "code"})

	// HTTPRequestDuration tracks API latency per route
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sensorpush_http_request_duration_seconds",
		Help:    "Duration of HTTP API requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
