// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
	"github.com/soothill/sensorpush-logger/sensor"
)

// BackendTimescale names the TimescaleDB backend in config, logs and metrics.
const BackendTimescale = "timescale"

const (
	createSamplesTable = `CREATE TABLE IF NOT EXISTS sensor_samples (
    sensor_id   TEXT NOT NULL,
    sensor_name TEXT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL,
    metric      TEXT NOT NULL,
    value       DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (sensor_id, metric, observed_at)
)`
	createStatusTable = `CREATE TABLE IF NOT EXISTS sensor_status (
    sensor_id       TEXT NOT NULL,
    sensor_name     TEXT NOT NULL,
    observed_at     TIMESTAMPTZ NOT NULL,
    rssi            INTEGER,
    battery_voltage DOUBLE PRECISION,
    PRIMARY KEY (sensor_id, observed_at)
)`
	createSamplesHypertable = `SELECT create_hypertable('sensor_samples', 'observed_at', if_not_exists => TRUE)`
	createStatusHypertable  = `SELECT create_hypertable('sensor_status', 'observed_at', if_not_exists => TRUE)`

	insertSample = `INSERT INTO sensor_samples (sensor_id, sensor_name, observed_at, metric, value)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (sensor_id, metric, observed_at) DO NOTHING`
	insertStatus = `INSERT INTO sensor_status (sensor_id, sensor_name, observed_at, rssi, battery_voltage)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (sensor_id, observed_at) DO NOTHING`

	selectLatest = `SELECT metric, value, observed_at
FROM sensor_samples
WHERE sensor_id = $1
  AND observed_at = (SELECT max(observed_at) FROM sensor_samples WHERE sensor_id = $1)`
)

// pgxPool is the subset of *pgxpool.Pool the store uses.
type pgxPool interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// TimescaleStorage writes readings to PostgreSQL/TimescaleDB tables using
// pgx batches. Rows that already exist are left untouched, so replaying a
// window is harmless.
type TimescaleStorage struct {
	pool pgxPool
	opts BatchOptions
}

// NewTimescaleStorage opens a connection pool, verifies it and creates the
// tables if they are missing.
func NewTimescaleStorage(ctx context.Context, connString string, opts BatchOptions) (*TimescaleStorage, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, connString)
	if err != nil {
		return nil, errors.NewSinkError("connect", BackendTimescale, err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.NewSinkError("connect", BackendTimescale, err)
	}

	s := newTimescaleStorage(pool, opts)
	if err := s.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Msg("Connected to TimescaleDB")
	return s, nil
}

func newTimescaleStorage(pool pgxPool, opts BatchOptions) *TimescaleStorage {
	return &TimescaleStorage{pool: pool, opts: opts.withDefaults()}
}

// EnsureSchema creates the sample and status tables. Hypertable conversion
// needs the timescaledb extension; on plain PostgreSQL it is skipped with a
// warning.
func (s *TimescaleStorage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createSamplesTable, createStatusTable} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.NewSinkError("ensure schema", BackendTimescale, err)
		}
	}
	for _, stmt := range []string{createSamplesHypertable, createStatusHypertable} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			logger.Warn().Err(err).Msg("Hypertable not created, continuing with a plain table")
		}
	}
	return nil
}

// Name identifies the backend.
func (s *TimescaleStorage) Name() string {
	return BackendTimescale
}

// WriteSamples inserts one row per reading and metric.
func (s *TimescaleStorage) WriteSamples(ctx context.Context, readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) error {
	written := 0
	size := s.opts.SampleBatchSize
	for start := 0; start < len(readings); start += size {
		end := min(start+size, len(readings))

		batch := &pgx.Batch{}
		for _, r := range readings[start:end] {
			name := sensor.DisplayName(meta, r.SensorID)
			for _, metric := range sortedMetrics(r.Values) {
				batch.Queue(insertSample, string(r.SensorID), name, r.ObservedAt.UTC(), metric, r.Values[metric])
			}
		}

		if err := s.sendBatch(ctx, "write samples", batch); err != nil {
			metrics.SamplesWritten.WithLabelValues(BackendTimescale).Add(float64(written))
			return err
		}
		written += end - start
	}

	metrics.SamplesWritten.WithLabelValues(BackendTimescale).Add(float64(written))
	if written > 0 {
		logger.Debug().Int("readings", written).Msg("Wrote samples to TimescaleDB")
	}
	return nil
}

// WriteStatus inserts one status row per sensor.
func (s *TimescaleStorage) WriteStatus(ctx context.Context, meta map[sensor.ID]sensor.Metadata, at time.Time) error {
	ids := sensor.SortedIDs(meta)
	written := 0
	size := s.opts.StatusBatchSize
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))

		batch := &pgx.Batch{}
		for _, id := range ids[start:end] {
			m := meta[id]
			batch.Queue(insertStatus, string(id), sensor.DisplayName(meta, id), at.UTC(), m.SignalStrength, m.BatteryVoltage)
		}

		if err := s.sendBatch(ctx, "write status", batch); err != nil {
			metrics.StatusPointsWritten.WithLabelValues(BackendTimescale).Add(float64(written))
			return err
		}
		written += end - start
	}

	metrics.StatusPointsWritten.WithLabelValues(BackendTimescale).Add(float64(written))
	return nil
}

func (s *TimescaleStorage) sendBatch(ctx context.Context, op string, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()

	res := s.pool.SendBatch(batchCtx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := res.Exec(); err != nil {
			_ = res.Close()
			metrics.SinkWriteErrors.WithLabelValues(BackendTimescale).Inc()
			return errors.NewSinkError(op, BackendTimescale, timeoutCause(batchCtx, err))
		}
	}
	if err := res.Close(); err != nil {
		metrics.SinkWriteErrors.WithLabelValues(BackendTimescale).Inc()
		return errors.NewSinkError(op, BackendTimescale, timeoutCause(batchCtx, err))
	}
	return nil
}

func sortedMetrics(values map[string]float64) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Flush is a no-op: every batch is committed before WriteSamples returns.
func (s *TimescaleStorage) Flush() {}

// Health pings the database.
func (s *TimescaleStorage) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.NewSinkError("health", BackendTimescale, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *TimescaleStorage) Close() {
	logger.Info().Msg("Closing TimescaleDB connection pool")
	s.pool.Close()
}

// LatestReading returns every metric stored at the newest timestamp for a sensor.
func (s *TimescaleStorage) LatestReading(ctx context.Context, id sensor.ID) (sensor.Reading, error) {
	if id == "" {
		return sensor.Reading{}, errors.NewValidationError("sensor_id", id, "cannot be empty")
	}

	rows, err := s.pool.Query(ctx, selectLatest, string(id))
	if err != nil {
		return sensor.Reading{}, errors.NewSinkError("query latest", BackendTimescale, err)
	}
	defer rows.Close()

	reading := sensor.Reading{SensorID: id, Values: map[string]float64{}}
	for rows.Next() {
		var (
			metric string
			value  float64
			ts     time.Time
		)
		if err := rows.Scan(&metric, &value, &ts); err != nil {
			return sensor.Reading{}, errors.NewSinkError("query latest", BackendTimescale, fmt.Errorf("scan: %w", err))
		}
		reading.ObservedAt = ts.UTC()
		reading.Values[metric] = value
	}
	if err := rows.Err(); err != nil {
		return sensor.Reading{}, errors.NewSinkError("query latest", BackendTimescale, err)
	}
	if len(reading.Values) == 0 {
		return sensor.Reading{}, errors.NewSinkError("query latest", BackendTimescale, errors.ErrNoData)
	}
	return reading, nil
}

var (
	_ interfaces.TimeSeriesSink = (*TimescaleStorage)(nil)
	_ interfaces.LatestReader   = (*TimescaleStorage)(nil)
	_ pgxPool                   = (*pgxpool.Pool)(nil)
)
