// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package ingesttest provides in-memory sources, sinks and clocks for
// exercising the ingestion loops without network access.
package ingesttest

import (
	"context"
	"sync"
	"time"

	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/sensor"
)

// Source is a scripted SensorSource. Fetch results are served in order; once
// exhausted, FetchSamples returns no readings.
type Source struct {
	mu sync.Mutex

	Meta     map[sensor.ID]sensor.Metadata
	AuthErr  error
	ListErr  error
	Results  [][]sensor.Reading
	// FetchErrs maps a zero-based fetch call index to the error it returns.
	FetchErrs map[int]error
	// FetchHook runs inside each FetchSamples call before it returns.
	FetchHook func(call int, q interfaces.SampleQuery)

	authCalls int
	listCalls int
	queries   []interfaces.SampleQuery
	tokens    []string
}

// NewSource returns a source that knows the given sensors.
func NewSource(meta map[sensor.ID]sensor.Metadata) *Source {
	return &Source{Meta: meta, FetchErrs: map[int]error{}}
}

func (s *Source) Authenticate(ctx context.Context) (sensor.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCalls++
	if s.AuthErr != nil {
		return sensor.Credential{}, s.AuthErr
	}
	return sensor.Credential{AccessToken: "token", IssuedAt: time.Now()}, nil
}

func (s *Source) ListSensors(ctx context.Context, cred sensor.Credential) (map[sensor.ID]sensor.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := make(map[sensor.ID]sensor.Metadata, len(s.Meta))
	for id, m := range s.Meta {
		out[id] = m
	}
	return out, nil
}

func (s *Source) FetchSamples(ctx context.Context, cred sensor.Credential, q interfaces.SampleQuery) ([]sensor.Reading, error) {
	s.mu.Lock()
	call := len(s.queries)
	s.queries = append(s.queries, q)
	s.tokens = append(s.tokens, cred.AccessToken)
	hook := s.FetchHook
	err := s.FetchErrs[call]
	var readings []sensor.Reading
	if call < len(s.Results) {
		readings = s.Results[call]
	}
	s.mu.Unlock()

	if hook != nil {
		hook(call, q)
	}
	if err != nil {
		return nil, err
	}
	return readings, nil
}

// AuthCalls returns how many times Authenticate was called.
func (s *Source) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

// ListCalls returns how many times ListSensors was called.
func (s *Source) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// Queries returns every FetchSamples query in call order.
func (s *Source) Queries() []interfaces.SampleQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interfaces.SampleQuery(nil), s.queries...)
}

// Sink records every write.
type Sink struct {
	mu sync.Mutex

	SampleErr error
	StatusErr error
	HealthErr error

	// WriteHook runs at the start of each WriteSamples call.
	WriteHook func(readings []sensor.Reading)

	sampleWrites [][]sensor.Reading
	statusWrites []map[sensor.ID]sensor.Metadata
	flushes      int
	closed       bool
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) WriteSamples(ctx context.Context, readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) error {
	if s.WriteHook != nil {
		s.WriteHook(readings)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SampleErr != nil {
		return s.SampleErr
	}
	s.sampleWrites = append(s.sampleWrites, append([]sensor.Reading(nil), readings...))
	return nil
}

func (s *Sink) WriteStatus(ctx context.Context, meta map[sensor.ID]sensor.Metadata, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatusErr != nil {
		return s.StatusErr
	}
	s.statusWrites = append(s.statusWrites, meta)
	return nil
}

func (s *Sink) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *Sink) Health(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.HealthErr
}

func (s *Sink) Name() string { return "fake" }

// SetErrors replaces the sample write and health errors while the sink is in use.
func (s *Sink) SetErrors(sampleErr, healthErr error) {
	s.mu.Lock()
	s.SampleErr = sampleErr
	s.HealthErr = healthErr
	s.mu.Unlock()
}

func (s *Sink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// SampleWrites returns the readings of every WriteSamples call.
func (s *Sink) SampleWrites() [][]sensor.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]sensor.Reading(nil), s.sampleWrites...)
}

// StatusWrites returns the metadata of every WriteStatus call.
func (s *Sink) StatusWrites() []map[sensor.ID]sensor.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[sensor.ID]sensor.Metadata(nil), s.statusWrites...)
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Clock is a manual clock. Sleep records the requested duration and returns
// immediately unless ctx is already done.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	// SleepHook runs inside Sleep; it may cancel the caller's context.
	SleepHook func(d time.Duration)
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.SleepHook
	c.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

// Sleeps returns every requested sleep duration.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Readings builds n readings for id starting at start, one minute apart.
func Readings(id sensor.ID, start time.Time, n int) []sensor.Reading {
	out := make([]sensor.Reading, n)
	for i := range out {
		out[i] = sensor.Reading{
			SensorID:   id,
			ObservedAt: start.Add(time.Duration(i) * time.Minute),
			Values:     map[string]float64{"temperature": 20 + float64(i)},
		}
	}
	return out
}

var (
	_ interfaces.SensorSource   = (*Source)(nil)
	_ interfaces.TimeSeriesSink = (*Sink)(nil)
	_ interfaces.Clock          = (*Clock)(nil)
)
