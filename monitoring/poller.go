// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring runs the live SensorPush poll loop.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soothill/sensorpush-logger/ingest"
	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
)

const (
	// DefaultPollInterval is used when the configured interval is not positive.
	DefaultPollInterval = time.Minute
	alertTimeout        = 10 * time.Second
)

// State is the step the poller is currently in.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateFetching
	StateWriting
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateFetching:
		return "fetching"
	case StateWriting:
		return "writing"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Settings control what each poll cycle requests.
type Settings struct {
	Interval     time.Duration
	SampleLimit  int
	Metrics      []string
	WriteTimeout time.Duration
}

// Poller ingests the most recent readings on a fixed interval. A failed
// cycle is logged, counted and alerted on, and the next cycle runs as
// scheduled.
type Poller struct {
	source  interfaces.SensorSource
	sink    interfaces.TimeSeriesSink
	fetcher *ingest.Fetcher
	clock   interfaces.Clock
	alerter interfaces.IngestAlerter

	sampleLimit  int
	measures     []string
	writeTimeout time.Duration

	interval atomic.Int64
	state    atomic.Int32

	mu                  sync.Mutex
	lastSuccess         time.Time
	consecutiveFailures int
}

// NewPoller creates a live poller. alerter may be nil.
func NewPoller(source interfaces.SensorSource, sink interfaces.TimeSeriesSink, fetcher *ingest.Fetcher, clock interfaces.Clock, alerter interfaces.IngestAlerter, settings Settings) *Poller {
	if clock == nil {
		clock = ingest.SystemClock()
	}
	p := &Poller{
		source:       source,
		sink:         sink,
		fetcher:      fetcher,
		clock:        clock,
		alerter:      alerter,
		sampleLimit:  settings.SampleLimit,
		measures:     settings.Metrics,
		writeTimeout: settings.WriteTimeout,
	}
	p.SetInterval(settings.Interval)
	return p
}

// SetInterval changes the sleep between cycles. It takes effect from the next sleep.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	p.interval.Store(int64(d))
}

// Interval returns the current sleep between cycles.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// State returns the step the poller is in.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// LastSuccess returns when the last cycle completed without error.
func (p *Poller) LastSuccess() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSuccess
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// Run polls until ctx is cancelled. The first cycle starts immediately.
func (p *Poller) Run(ctx context.Context) {
	log := logger.Component("poller")
	log.Info().
		Dur("interval", p.Interval()).
		Int("sample_limit", p.sampleLimit).
		Strs("measures", p.measures).
		Msg("Starting live poller")
	defer p.setState(StateIdle)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.Poll(ctx); err != nil && !errors.Is(err, errors.ErrCancelled) {
			p.recordFailure(ctx, err)
		}

		p.setState(StateSleeping)
		if err := p.clock.Sleep(ctx, p.Interval()); err != nil {
			log.Info().Msg("Live poller stopped")
			return
		}
	}
}

// Poll runs a single cycle: authenticate, fetch and write the latest
// samples, then write a status point for every known sensor. The status
// write happens even when no new samples arrived.
func (p *Poller) Poll(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.PollCyclesTotal.Inc()

	p.setState(StateAuthenticating)
	cred, err := p.source.Authenticate(ctx)
	if err != nil {
		metrics.PollErrorsTotal.WithLabelValues("authenticate").Inc()
		return fmt.Errorf("authenticate: %w", err)
	}

	p.setState(StateFetching)
	res, err := p.fetcher.Run(ctx, ingest.Request{
		Credential:  cred,
		Metrics:     p.measures,
		Limit:       p.sampleLimit,
		BeforeWrite: func() { p.setState(StateWriting) },
	})
	if err != nil {
		step := "fetch"
		if errors.IsSinkError(err) {
			step = "write"
		}
		metrics.PollErrorsTotal.WithLabelValues(step).Inc()
		return err
	}

	p.setState(StateWriting)
	if len(res.Metadata) > 0 {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.statusTimeout())
		err := p.sink.WriteStatus(writeCtx, res.Metadata, p.clock.Now().UTC())
		cancel()
		if err != nil {
			metrics.PollErrorsTotal.WithLabelValues("write").Inc()
			return fmt.Errorf("write status: %w", err)
		}
	}

	log := logger.Component("poller")
	log.Info().
		Int("sensors", len(res.Metadata)).
		Int("samples", res.Written).
		Dur("duration", time.Since(start)).
		Msg("Live poll cycle completed")

	p.recordSuccess()
	return nil
}

func (p *Poller) statusTimeout() time.Duration {
	if p.writeTimeout > 0 {
		return p.writeTimeout
	}
	return 30 * time.Second
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	recovered := p.consecutiveFailures > 0
	failures := p.consecutiveFailures
	p.consecutiveFailures = 0
	p.lastSuccess = p.clock.Now()
	p.mu.Unlock()

	if recovered {
		log := logger.Component("poller")
		log.Info().Int("failed_cycles", failures).Msg("Live polling recovered")
	}
}

// recordFailure logs the failure and alerts on the first of a run of failures.
func (p *Poller) recordFailure(ctx context.Context, err error) {
	p.mu.Lock()
	p.consecutiveFailures++
	failures := p.consecutiveFailures
	p.mu.Unlock()

	log := logger.Component("poller")
	log.Error().Err(err).
		Int("consecutive_failures", failures).
		Dur("retry_in", p.Interval()).
		Msg("Live poll cycle failed")

	if failures != 1 || p.alerter == nil || !p.alerter.IsEnabled() {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if alertErr := p.alerter.SendPollFailure(alertCtx, err); alertErr != nil {
		log.Warn().Err(alertErr).Msg("Failed to send poll failure alert")
	}
}
