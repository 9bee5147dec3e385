// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
	"github.com/soothill/sensorpush-logger/sensor"
)

const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerResetTimeout     = 60 * time.Second
	defaultBreakerHalfOpenRequests = 1
)

// BreakerSettings configure when the breaker opens and how long it stays open.
type BreakerSettings struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HalfOpenRequests uint32
}

// BreakerSink stops sending writes to a sink after repeated failures. While
// the breaker is open writes fail fast with errors.ErrCircuitBreakerOpen.
type BreakerSink struct {
	sink    interfaces.TimeSeriesSink
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerSink wraps sink with a circuit breaker.
func NewBreakerSink(sink interfaces.TimeSeriesSink, settings BreakerSettings) *BreakerSink {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = DefaultBreakerResetTimeout
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = defaultBreakerHalfOpenRequests
	}

	backend := sink.Name()
	metrics.CircuitBreakerState.WithLabelValues(backend).Set(float64(gobreaker.StateClosed))

	return &BreakerSink{
		sink: sink,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        backend,
			MaxRequests: settings.HalfOpenRequests,
			Timeout:     settings.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.FailureThreshold
			},
			// A write abandoned by the caller says nothing about the backend.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				logger.Warn().
					Str("backend", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Storage circuit breaker changed state")
			},
		}),
	}
}

// State reports the breaker state.
func (b *BreakerSink) State() gobreaker.State {
	return b.breaker.State()
}

// Name returns the wrapped backend's name.
func (b *BreakerSink) Name() string {
	return b.sink.Name()
}

// WriteSamples forwards to the wrapped sink unless the breaker is open.
func (b *BreakerSink) WriteSamples(ctx context.Context, readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) error {
	return b.execute("write samples", func() error {
		return b.sink.WriteSamples(ctx, readings, meta)
	})
}

// WriteStatus forwards to the wrapped sink unless the breaker is open.
func (b *BreakerSink) WriteStatus(ctx context.Context, meta map[sensor.ID]sensor.Metadata, at time.Time) error {
	return b.execute("write status", func() error {
		return b.sink.WriteStatus(ctx, meta, at)
	})
}

func (b *BreakerSink) execute(op string, fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.NewSinkError(op, b.sink.Name(), errors.ErrCircuitBreakerOpen)
	}
	return err
}

// Flush is passed through.
func (b *BreakerSink) Flush() {
	b.sink.Flush()
}

// Health is passed through so a recovering backend can be detected while
// the breaker is open.
func (b *BreakerSink) Health(ctx context.Context) error {
	return b.sink.Health(ctx)
}

// Close is passed through.
func (b *BreakerSink) Close() {
	b.sink.Close()
}

var _ interfaces.TimeSeriesSink = (*BreakerSink)(nil)
