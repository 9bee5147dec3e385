// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package ingest moves readings from a SensorSource into a TimeSeriesSink.
//
// The Fetcher splits a time window into fixed-size chunks and processes them
// strictly in order: fetch a chunk, write it, wait the inter-request delay,
// advance. The fixed delay is the only protection against upstream rate
// limiting. A nil window selects live mode, which performs one fetch of the
// most recent samples.
//
// Cancellation is observed between chunks and during the delay. A fetch or
// write that has already started runs to completion, bounded by its own
// timeout, so a batch is never abandoned half written.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
	"github.com/soothill/sensorpush-logger/sensor"
)

// Request describes one fetcher run.
type Request struct {
	Credential sensor.Credential

	// Window is the half-open range to replay. Nil selects live mode.
	Window *sensor.TimeWindow

	// Sensors restricts the run. Empty means every sensor on the account.
	Sensors []sensor.ID

	// Metadata is reused for sink writes when provided; otherwise it is
	// listed once from the source at the start of the run.
	Metadata map[sensor.ID]sensor.Metadata

	Metrics   []string
	ChunkSize time.Duration
	Delay     time.Duration
	Limit     int

	// BeforeWrite, if set, is called before a non-empty chunk is written.
	BeforeWrite func()

	// OnChunk, if set, is called after each chunk is written.
	OnChunk func(done, total int)
}

// Result reports how far a run got. It is populated on error too.
type Result struct {
	Chunks   int
	Fetched  int
	Written  int
	Metadata map[sensor.ID]sensor.Metadata
}

// Fetcher runs chunked fetch-and-write loops. It holds no per-run state and
// may be shared by the live poller and the backfill worker.
type Fetcher struct {
	source         interfaces.SensorSource
	sink           interfaces.TimeSeriesSink
	clock          interfaces.Clock
	requestTimeout time.Duration
	writeTimeout   time.Duration
}

// NewFetcher creates a fetcher. A zero timeout leaves the corresponding call
// unbounded apart from the source's or sink's own limits.
func NewFetcher(source interfaces.SensorSource, sink interfaces.TimeSeriesSink, clock interfaces.Clock, requestTimeout, writeTimeout time.Duration) *Fetcher {
	if clock == nil {
		clock = SystemClock()
	}
	return &Fetcher{
		source:         source,
		sink:           sink,
		clock:          clock,
		requestTimeout: requestTimeout,
		writeTimeout:   writeTimeout,
	}
}

// Run executes req. It stops at the first source or sink error; chunks
// written before the failure stay written. Cancellation returns
// errors.ErrCancelled.
func (f *Fetcher) Run(ctx context.Context, req Request) (Result, error) {
	mode := metrics.ModeBackfill
	if req.Window == nil {
		mode = metrics.ModeLive
	}

	res := Result{Metadata: req.Metadata}
	if ctx.Err() != nil {
		return res, cancelled(ctx)
	}

	if res.Metadata == nil {
		callCtx, cancel := detach(ctx, f.requestTimeout)
		meta, err := f.source.ListSensors(callCtx, req.Credential)
		cancel()
		if err != nil {
			return res, fmt.Errorf("list sensors: %w", err)
		}
		res.Metadata = meta
	}

	sensors := req.Sensors
	if len(sensors) == 0 {
		sensors = sensor.SortedIDs(res.Metadata)
	}

	chunks := []*sensor.TimeWindow{nil}
	if req.Window != nil {
		chunks = planChunks(*req.Window, req.ChunkSize)
	}

	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return res, cancelled(ctx)
		}

		readings, err := f.fetch(ctx, req, chunk, sensors)
		if err != nil {
			return res, fmt.Errorf("fetch chunk %d/%d %s: %w", i+1, len(chunks), describe(chunk), err)
		}
		res.Chunks++
		res.Fetched += len(readings)
		metrics.ChunksFetched.WithLabelValues(mode).Inc()
		metrics.SamplesFetched.WithLabelValues(mode).Add(float64(len(readings)))

		if len(readings) > 0 {
			if req.BeforeWrite != nil {
				req.BeforeWrite()
			}
			if err := f.write(ctx, readings, res.Metadata); err != nil {
				return res, fmt.Errorf("write chunk %d/%d %s: %w", i+1, len(chunks), describe(chunk), err)
			}
			res.Written += len(readings)
		}

		log := logger.Component("fetcher")
		log.Debug().
			Str("mode", mode).
			Str("window", describe(chunk)).
			Int("chunk", i+1).
			Int("chunks", len(chunks)).
			Int("samples", len(readings)).
			Msg("Processed chunk")

		if req.OnChunk != nil {
			req.OnChunk(i+1, len(chunks))
		}

		if i == len(chunks)-1 {
			break
		}
		if err := f.clock.Sleep(ctx, req.Delay); err != nil {
			return res, cancelled(ctx)
		}
	}

	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context, req Request, chunk *sensor.TimeWindow, sensors []sensor.ID) ([]sensor.Reading, error) {
	callCtx, cancel := detach(ctx, f.requestTimeout)
	defer cancel()

	return f.source.FetchSamples(callCtx, req.Credential, interfaces.SampleQuery{
		Window:  chunk,
		Sensors: sensors,
		Metrics: req.Metrics,
		Limit:   req.Limit,
	})
}

func (f *Fetcher) write(ctx context.Context, readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) error {
	callCtx, cancel := detach(ctx, f.writeTimeout)
	defer cancel()

	return f.sink.WriteSamples(callCtx, readings, meta)
}

// planChunks splits w into consecutive sub-windows of at most size. The last
// chunk is clipped to w.End. A non-positive size yields w as a single chunk.
// Windows longer than time.Duration can express are walked by time.Time, so
// the count is never derived from w.Duration.
func planChunks(w sensor.TimeWindow, size time.Duration) []*sensor.TimeWindow {
	if size <= 0 || w.Duration() <= size {
		return []*sensor.TimeWindow{&w}
	}

	var chunks []*sensor.TimeWindow
	for cursor := w.Start; cursor.Before(w.End); cursor = cursor.Add(size) {
		end := cursor.Add(size)
		if end.After(w.End) {
			end = w.End
		}
		chunks = append(chunks, &sensor.TimeWindow{Start: cursor, End: end})
	}
	return chunks
}

// detach returns a context that ignores cancellation of parent but keeps its
// values, bounded by timeout when positive.
func detach(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return errors.ErrCancelled
	}
	return fmt.Errorf("%w: %w", errors.ErrCancelled, cause)
}

func describe(chunk *sensor.TimeWindow) string {
	if chunk == nil {
		return "latest"
	}
	return chunk.String()
}
