// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/sensorpush-logger/ingest/ingesttest"
	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/sensor"
)

var (
	day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	meta = map[sensor.ID]sensor.Metadata{
		"b": {SensorID: "b", Name: "Cellar", SignalStrength: -80, BatteryVoltage: 3.0},
		"a": {SensorID: "a", Name: "Garage", SignalStrength: -70, BatteryVoltage: 2.9},
	}
)

func newTestFetcher(source *ingesttest.Source, sink *ingesttest.Sink, clock *ingesttest.Clock) *Fetcher {
	return NewFetcher(source, sink, clock, time.Second, time.Second)
}

func backfillRequest(window sensor.TimeWindow, chunk time.Duration) Request {
	return Request{
		Credential: sensor.Credential{AccessToken: "token"},
		Window:     &window,
		Metrics:    []string{"temperature", "humidity"},
		ChunkSize:  chunk,
		Delay:      61 * time.Second,
		Limit:      10000,
	}
}

func TestFetcher_OneDayInTwelveHourChunks(t *testing.T) {
	source := ingesttest.NewSource(meta)
	source.Results = [][]sensor.Reading{
		ingesttest.Readings("a", day0, 3),
		ingesttest.Readings("a", day0.Add(12*time.Hour), 2),
	}
	sink := ingesttest.NewSink()
	clock := ingesttest.NewClock(day0)

	window := sensor.MustTimeWindow(day0, day0.Add(24*time.Hour))
	res, err := newTestFetcher(source, sink, clock).Run(context.Background(), backfillRequest(window, 12*time.Hour))
	require.NoError(t, err)

	queries := source.Queries()
	require.Len(t, queries, 2)
	assert.Equal(t, sensor.MustTimeWindow(day0, day0.Add(12*time.Hour)), *queries[0].Window)
	assert.Equal(t, sensor.MustTimeWindow(day0.Add(12*time.Hour), day0.Add(24*time.Hour)), *queries[1].Window)

	assert.Equal(t, []time.Duration{61 * time.Second}, clock.Sleeps(), "one delay between the two chunks")
	assert.Len(t, sink.SampleWrites(), 2)
	assert.Equal(t, Result{Chunks: 2, Fetched: 5, Written: 5, Metadata: meta}, res)
}

func TestFetcher_SingleChunkHasNoDelay(t *testing.T) {
	source := ingesttest.NewSource(meta)
	source.Results = [][]sensor.Reading{ingesttest.Readings("a", day0, 1)}
	sink := ingesttest.NewSink()
	clock := ingesttest.NewClock(day0)

	window := sensor.MustTimeWindow(day0, day0.Add(12*time.Hour))
	_, err := newTestFetcher(source, sink, clock).Run(context.Background(), backfillRequest(window, 12*time.Hour))
	require.NoError(t, err)

	assert.Len(t, source.Queries(), 1)
	assert.Empty(t, clock.Sleeps())
}

func TestFetcher_MiddleChunkFailureStopsRun(t *testing.T) {
	source := ingesttest.NewSource(meta)
	source.Results = [][]sensor.Reading{
		ingesttest.Readings("a", day0, 2),
		nil,
		ingesttest.Readings("a", day0.Add(2*time.Hour), 2),
	}
	source.FetchErrs[1] = errors.NewTransportError("request", "samples", fmt.Errorf("connection reset"))
	sink := ingesttest.NewSink()
	clock := ingesttest.NewClock(day0)

	window := sensor.MustTimeWindow(day0, day0.Add(3*time.Hour))
	res, err := newTestFetcher(source, sink, clock).Run(context.Background(), backfillRequest(window, time.Hour))

	require.Error(t, err)
	assert.True(t, errors.IsTransportError(err))
	assert.Len(t, source.Queries(), 2, "no chunk after the failed one is fetched")
	require.Len(t, sink.SampleWrites(), 1, "the first chunk stays written")
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 2, res.Written)
}

func TestFetcher_SinkFailureStopsRun(t *testing.T) {
	source := ingesttest.NewSource(meta)
	source.Results = [][]sensor.Reading{ingesttest.Readings("a", day0, 2)}
	sink := ingesttest.NewSink()
	sink.SampleErr = errors.NewSinkError("write samples", "fake", fmt.Errorf("refused"))
	clock := ingesttest.NewClock(day0)

	window := sensor.MustTimeWindow(day0, day0.Add(2*time.Hour))
	_, err := newTestFetcher(source, sink, clock).Run(context.Background(), backfillRequest(window, time.Hour))

	require.Error(t, err)
	assert.True(t, errors.IsSinkError(err))
	assert.Len(t, source.Queries(), 1)
}

func TestFetcher_EmptyChunksAreNotWritten(t *testing.T) {
	source := ingesttest.NewSource(meta)
	source.Results = [][]sensor.Reading{nil, ingesttest.Readings("b", day0.Add(time.Hour), 1)}
	sink := ingesttest.NewSink()

	window := sensor.MustTimeWindow(day0, day0.Add(2*time.Hour))
	res, err := newTestFetcher(source, sink, ingesttest.NewClock(day0)).Run(context.Background(), backfillRequest(window, time.Hour))
	require.NoError(t, err)

	assert.Len(t, sink.SampleWrites(), 1)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 1, res.Written)
}

func TestFetcher_SensorFilter(t *testing.T) {
	t.Run("empty filter lists sensors once, sorted", func(t *testing.T) {
		source := ingesttest.NewSource(meta)
		window := sensor.MustTimeWindow(day0, day0.Add(3*time.Hour))

		_, err := newTestFetcher(source, ingesttest.NewSink(), ingesttest.NewClock(day0)).
			Run(context.Background(), backfillRequest(window, time.Hour))
		require.NoError(t, err)

		assert.Equal(t, 1, source.ListCalls())
		for _, q := range source.Queries() {
			assert.Equal(t, []sensor.ID{"a", "b"}, q.Sensors)
		}
	})

	t.Run("explicit filter is passed through", func(t *testing.T) {
		source := ingesttest.NewSource(meta)
		window := sensor.MustTimeWindow(day0, day0.Add(time.Hour))
		req := backfillRequest(window, time.Hour)
		req.Sensors = []sensor.ID{"b"}
		req.Metadata = meta

		_, err := newTestFetcher(source, ingesttest.NewSink(), ingesttest.NewClock(day0)).Run(context.Background(), req)
		require.NoError(t, err)

		assert.Zero(t, source.ListCalls(), "provided metadata is reused")
		assert.Equal(t, []sensor.ID{"b"}, source.Queries()[0].Sensors)
	})
}

func TestFetcher_LiveMode(t *testing.T) {
	source := ingesttest.NewSource(meta)
	source.Results = [][]sensor.Reading{ingesttest.Readings("a", day0, 10)}
	sink := ingesttest.NewSink()
	clock := ingesttest.NewClock(day0)

	res, err := newTestFetcher(source, sink, clock).Run(context.Background(), Request{
		Credential: sensor.Credential{AccessToken: "token"},
		Metrics:    []string{"temperature"},
		Limit:      10,
	})
	require.NoError(t, err)

	queries := source.Queries()
	require.Len(t, queries, 1)
	assert.Nil(t, queries[0].Window)
	assert.Equal(t, 10, queries[0].Limit)
	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, 10, res.Written)
	assert.Equal(t, meta, res.Metadata)
}

func TestFetcher_CancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := ingesttest.NewSource(meta)
	clock := ingesttest.NewClock(day0)
	clock.SleepHook = func(time.Duration) { cancel() }

	window := sensor.MustTimeWindow(day0, day0.Add(5*time.Hour))
	res, err := newTestFetcher(source, ingesttest.NewSink(), clock).Run(ctx, backfillRequest(window, time.Hour))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, res.Chunks)
	assert.Len(t, source.Queries(), 1)
}

func TestFetcher_InFlightFetchSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := ingesttest.NewSource(meta)
	source.Results = [][]sensor.Reading{ingesttest.Readings("a", day0, 4)}
	source.FetchHook = func(int, interfaces.SampleQuery) { cancel() }
	sink := ingesttest.NewSink()

	window := sensor.MustTimeWindow(day0, day0.Add(2*time.Hour))
	res, err := newTestFetcher(source, sink, ingesttest.NewClock(day0)).Run(ctx, backfillRequest(window, time.Hour))

	assert.True(t, errors.Is(err, errors.ErrCancelled))
	assert.Len(t, sink.SampleWrites(), 1, "the chunk being fetched at shutdown is still written")
	assert.Equal(t, 4, res.Written)
}

func TestFetcher_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := ingesttest.NewSource(meta)
	window := sensor.MustTimeWindow(day0, day0.Add(time.Hour))
	_, err := newTestFetcher(source, ingesttest.NewSink(), ingesttest.NewClock(day0)).Run(ctx, backfillRequest(window, time.Hour))

	assert.True(t, errors.Is(err, errors.ErrCancelled))
	assert.Zero(t, source.ListCalls())
	assert.Empty(t, source.Queries())
}

func TestFetcher_OnChunkProgress(t *testing.T) {
	source := ingesttest.NewSource(meta)
	window := sensor.MustTimeWindow(day0, day0.Add(3*time.Hour))
	req := backfillRequest(window, time.Hour)

	var progress []string
	req.OnChunk = func(done, total int) { progress = append(progress, fmt.Sprintf("%d/%d", done, total)) }

	_, err := newTestFetcher(source, ingesttest.NewSink(), ingesttest.NewClock(day0)).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"1/3", "2/3", "3/3"}, progress)
}

func TestFetcher_BeforeWriteOnlyForNonEmptyChunks(t *testing.T) {
	source := ingesttest.NewSource(meta)
	source.Results = [][]sensor.Reading{nil, ingesttest.Readings("a", day0.Add(time.Hour), 2)}
	sink := ingesttest.NewSink()
	var events []string
	sink.WriteHook = func(r []sensor.Reading) { events = append(events, fmt.Sprintf("write %d", len(r))) }

	window := sensor.MustTimeWindow(day0, day0.Add(2*time.Hour))
	req := backfillRequest(window, time.Hour)
	req.BeforeWrite = func() { events = append(events, "before") }

	_, err := newTestFetcher(source, sink, ingesttest.NewClock(day0)).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "write 2"}, events)
}

func TestPlanChunks(t *testing.T) {
	tests := []struct {
		name      string
		duration  time.Duration
		chunk     time.Duration
		wantCount int
		wantLast  time.Duration
	}{
		{"exact multiple", 24 * time.Hour, 12 * time.Hour, 2, 12 * time.Hour},
		{"remainder clipped", 25 * time.Hour, 12 * time.Hour, 3, time.Hour},
		{"shorter than chunk", 30 * time.Minute, 12 * time.Hour, 1, 30 * time.Minute},
		{"equal to chunk", 12 * time.Hour, 12 * time.Hour, 1, 12 * time.Hour},
		{"zero chunk size", 48 * time.Hour, 0, 1, 48 * time.Hour},
		{"one nanosecond over", 12*time.Hour + 1, 12 * time.Hour, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := sensor.MustTimeWindow(day0, day0.Add(tt.duration))
			chunks := planChunks(w, tt.chunk)

			require.Len(t, chunks, tt.wantCount)
			last := chunks[len(chunks)-1]
			assert.Equal(t, w.End, last.End)
			assert.Equal(t, tt.wantLast, last.Duration())
		})
	}
}

func TestPlanChunks_WindowBeyondDurationRange(t *testing.T) {
	start := time.Date(1700, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := sensor.MustTimeWindow(start, end)

	var chunks []*sensor.TimeWindow
	require.NotPanics(t, func() { chunks = planChunks(w, 12*time.Hour) })

	days := int(end.Unix()-start.Unix()) / 86400
	require.Len(t, chunks, days*2)
	assert.Equal(t, start, chunks[0].Start)
	assert.Equal(t, end, chunks[len(chunks)-1].End)
	for i := 1; i < len(chunks); i++ {
		if !chunks[i].Start.Equal(chunks[i-1].End) {
			t.Fatalf("chunk %d starts at %v, previous ended at %v", i, chunks[i].Start, chunks[i-1].End)
		}
	}
}

// FuzzPlanChunks checks that chunks tile the window exactly: ceil(d/c) chunks,
// each starting where the previous ended, the first at Start and the last at End.
func FuzzPlanChunks(f *testing.F) {
	f.Add(int64(24*time.Hour), int64(12*time.Hour))
	f.Add(int64(25*time.Hour), int64(12*time.Hour))
	f.Add(int64(time.Second), int64(time.Hour))
	f.Add(int64(7*24*time.Hour+13), int64(time.Hour))

	f.Fuzz(func(t *testing.T, duration, chunk int64) {
		if duration <= 0 || chunk <= 0 {
			t.Skip()
		}
		// Keep the chunk count manageable.
		if duration/chunk > 10000 {
			t.Skip()
		}

		w := sensor.MustTimeWindow(day0, day0.Add(time.Duration(duration)))
		chunks := planChunks(w, time.Duration(chunk))

		want := (duration + chunk - 1) / chunk
		if int64(len(chunks)) != want {
			t.Fatalf("got %d chunks for %v / %v, want %d", len(chunks), time.Duration(duration), time.Duration(chunk), want)
		}

		cursor := w.Start
		var covered time.Duration
		for i, c := range chunks {
			if !c.Start.Equal(cursor) {
				t.Fatalf("chunk %d starts at %v, want %v", i, c.Start, cursor)
			}
			if !c.Start.Before(c.End) {
				t.Fatalf("chunk %d is empty: %v", i, c)
			}
			if c.Duration() > time.Duration(chunk) {
				t.Fatalf("chunk %d is longer than the chunk size: %v", i, c.Duration())
			}
			covered += c.Duration()
			cursor = c.End
		}
		if !cursor.Equal(w.End) {
			t.Fatalf("last chunk ends at %v, want %v", cursor, w.End)
		}
		if covered != w.Duration() {
			t.Fatalf("chunks cover %v, want %v", covered, w.Duration())
		}
	})
}

func TestSystemClock_Sleep(t *testing.T) {
	clock := SystemClock()

	start := time.Now()
	require.NoError(t, clock.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, clock.Sleep(ctx, time.Hour), context.Canceled)
}
