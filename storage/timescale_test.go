// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/sensor"
)

type latestRow struct {
	metric string
	value  float64
	at     time.Time
}

// fakePool records batches and statements instead of talking to PostgreSQL.
type fakePool struct {
	mu        sync.Mutex
	batches   []int
	execs     []string
	batchErrs map[int]error
	execErr   func(sql string) error
	pingErr   error
	rows      []latestRow
	closed    bool
}

func newFakePool() *fakePool {
	return &fakePool{batchErrs: map[int]error{}}
}

func (p *fakePool) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.batches)
	p.batches = append(p.batches, b.Len())
	return &fakeBatchResults{err: p.batchErrs[idx]}
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &fakeRows{rows: p.rows, idx: -1}, nil
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs = append(p.execs, sql)
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr(sql)
	}
	return pgconn.CommandTag{}, nil
}

func (p *fakePool) Ping(ctx context.Context) error { return p.pingErr }

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePool) Batches() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.batches...)
}

type fakeBatchResults struct {
	err error
}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, r.err }
func (r *fakeBatchResults) Query() (pgx.Rows, error)         { return nil, r.err }
func (r *fakeBatchResults) QueryRow() pgx.Row                { return &fakeRows{idx: -1} }
func (r *fakeBatchResults) Close() error                     { return nil }

type fakeRows struct {
	rows []latestRow
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.rows) {
		return pgx.ErrNoRows
	}
	row := r.rows[r.idx]
	*dest[0].(*string) = row.metric
	*dest[1].(*float64) = row.value
	*dest[2].(*time.Time) = row.at
	return nil
}

func testReadings(n int) []sensor.Reading {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]sensor.Reading, n)
	for i := range out {
		out[i] = sensor.Reading{
			SensorID:   "100.1",
			ObservedAt: start.Add(time.Duration(i) * time.Minute),
			Values:     map[string]float64{"temperature": 20 + float64(i), "humidity": 45},
		}
	}
	return out
}

func TestTimescale_WriteSamplesBatches(t *testing.T) {
	pool := newFakePool()
	s := newTimescaleStorage(pool, BatchOptions{SampleBatchSize: 250})

	require.NoError(t, s.WriteSamples(context.Background(), testReadings(600), nil))

	// Two metrics per reading, so each batch carries twice its reading count.
	assert.Equal(t, []int{500, 500, 200}, pool.Batches())
}

func TestTimescale_WriteSamplesStopsOnFailure(t *testing.T) {
	pool := newFakePool()
	pool.batchErrs[1] = fmt.Errorf("connection reset")
	s := newTimescaleStorage(pool, BatchOptions{SampleBatchSize: 100})

	err := s.WriteSamples(context.Background(), testReadings(300), nil)
	require.Error(t, err)
	assert.True(t, errors.IsSinkError(err))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Len(t, pool.Batches(), 2, "no batch is sent after a failed one")
}

func TestTimescale_WriteSamplesEmpty(t *testing.T) {
	pool := newFakePool()
	s := newTimescaleStorage(pool, BatchOptions{})

	require.NoError(t, s.WriteSamples(context.Background(), nil, nil))
	assert.Empty(t, pool.Batches())
}

func TestTimescale_WriteStatus(t *testing.T) {
	pool := newFakePool()
	s := newTimescaleStorage(pool, BatchOptions{StatusBatchSize: 2})

	meta := map[sensor.ID]sensor.Metadata{
		"a": {SensorID: "a", Name: "Garage", SignalStrength: -70, BatteryVoltage: 3.0},
		"b": {SensorID: "b", Name: "Cellar", SignalStrength: -80, BatteryVoltage: 2.9},
		"c": {SensorID: "c", Name: "Attic", SignalStrength: -60, BatteryVoltage: 3.1},
	}
	require.NoError(t, s.WriteStatus(context.Background(), meta, time.Now()))
	assert.Equal(t, []int{2, 1}, pool.Batches())
}

func TestTimescale_EnsureSchema(t *testing.T) {
	pool := newFakePool()
	pool.execErr = func(sql string) error {
		if strings.Contains(sql, "create_hypertable") {
			return fmt.Errorf("function create_hypertable does not exist")
		}
		return nil
	}
	s := newTimescaleStorage(pool, BatchOptions{})

	require.NoError(t, s.EnsureSchema(context.Background()), "missing extension is not fatal")
	assert.Len(t, pool.execs, 4)
}

func TestTimescale_EnsureSchemaFailure(t *testing.T) {
	pool := newFakePool()
	pool.execErr = func(string) error { return fmt.Errorf("permission denied") }
	s := newTimescaleStorage(pool, BatchOptions{})

	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSinkError(err))
}

func TestTimescale_LatestReading(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	pool := newFakePool()
	pool.rows = []latestRow{
		{metric: "temperature", value: 21.5, at: at},
		{metric: "humidity", value: 40, at: at},
	}
	s := newTimescaleStorage(pool, BatchOptions{})

	r, err := s.LatestReading(context.Background(), "100.1")
	require.NoError(t, err)
	assert.Equal(t, sensor.ID("100.1"), r.SensorID)
	assert.Equal(t, at, r.ObservedAt)
	assert.Equal(t, map[string]float64{"temperature": 21.5, "humidity": 40}, r.Values)
}

func TestTimescale_LatestReadingNoData(t *testing.T) {
	s := newTimescaleStorage(newFakePool(), BatchOptions{})

	_, err := s.LatestReading(context.Background(), "100.1")
	assert.ErrorIs(t, err, errors.ErrNoData)

	_, err = s.LatestReading(context.Background(), "")
	assert.True(t, errors.IsValidationError(err))
}

func TestTimescale_HealthAndClose(t *testing.T) {
	pool := newFakePool()
	s := newTimescaleStorage(pool, BatchOptions{})

	assert.NoError(t, s.Health(context.Background()))
	pool.pingErr = fmt.Errorf("refused")
	assert.True(t, errors.IsSinkError(s.Health(context.Background())))

	s.Flush()
	s.Close()
	assert.True(t, pool.closed)
	assert.Equal(t, BackendTimescale, s.Name())
}
