// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage persists SensorPush readings to a time-series store.
//
// Two backends implement interfaces.TimeSeriesSink: InfluxDBStorage and
// TimescaleStorage. Both write in bounded batches and complete each batch
// before starting the next, so a failure leaves earlier batches in place.
// BreakerSink and SpoolingSink decorate any sink with a circuit breaker and a
// local on-disk spool respectively.
package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
	"github.com/soothill/sensorpush-logger/sensor"
)

const (
	// BackendInfluxDB names the InfluxDB backend in config, logs and metrics.
	BackendInfluxDB = "influxdb"

	sampleMeasurement = "sensorpush"
	statusMeasurement = "sensorpush_status"

	// DefaultSampleBatchSize and DefaultStatusBatchSize bound a single write.
	DefaultSampleBatchSize = 250
	DefaultStatusBatchSize = 50
	DefaultWriteTimeout    = 30 * time.Second

	connectTimeout = 5 * time.Second
)

// BatchOptions bound the size and duration of each write.
type BatchOptions struct {
	SampleBatchSize int
	StatusBatchSize int
	WriteTimeout    time.Duration
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.SampleBatchSize <= 0 {
		o.SampleBatchSize = DefaultSampleBatchSize
	}
	if o.StatusBatchSize <= 0 {
		o.StatusBatchSize = DefaultStatusBatchSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// InfluxDBStorage writes readings to InfluxDB 2.x with the blocking write
// API. Every batch is sent as one request, so it is flushed before the next
// batch is built.
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
	opts     BatchOptions
}

// NewInfluxDBStorage connects to InfluxDB and verifies it is healthy.
func NewInfluxDBStorage(url, token, org, bucket string, opts BatchOptions) (*InfluxDBStorage, error) {
	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetPrecision(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, errors.NewSinkError("connect", BackendInfluxDB, err)
	}

	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, errors.NewSinkError("connect", BackendInfluxDB, fmt.Errorf("health check failed: %s", message))
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	return &InfluxDBStorage{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		bucket:   bucket,
		org:      org,
		opts:     opts.withDefaults(),
	}, nil
}

// Name identifies the backend.
func (s *InfluxDBStorage) Name() string {
	return BackendInfluxDB
}

// WriteSamples writes one point per reading to the "sensorpush" measurement.
func (s *InfluxDBStorage) WriteSamples(ctx context.Context, readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) error {
	points := samplePoints(readings, meta)
	written, err := s.writeBatches(ctx, "write samples", points, s.opts.SampleBatchSize)
	metrics.SamplesWritten.WithLabelValues(BackendInfluxDB).Add(float64(written))
	return err
}

// WriteStatus writes one "sensorpush_status" point per sensor, stamped with at.
func (s *InfluxDBStorage) WriteStatus(ctx context.Context, meta map[sensor.ID]sensor.Metadata, at time.Time) error {
	points := statusPoints(meta, at)
	written, err := s.writeBatches(ctx, "write status", points, s.opts.StatusBatchSize)
	metrics.StatusPointsWritten.WithLabelValues(BackendInfluxDB).Add(float64(written))
	return err
}

func (s *InfluxDBStorage) writeBatches(ctx context.Context, op string, points []*write.Point, size int) (int, error) {
	written := 0
	for start := 0; start < len(points); start += size {
		end := min(start+size, len(points))

		batchCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
		err := s.writeAPI.WritePoint(batchCtx, points[start:end]...)
		cancel()
		if err != nil {
			metrics.SinkWriteErrors.WithLabelValues(BackendInfluxDB).Inc()
			return written, errors.NewSinkError(op, BackendInfluxDB, timeoutCause(batchCtx, err))
		}
		written += end - start
	}

	if written > 0 {
		logger.Debug().Str("op", op).Int("points", written).Msg("Wrote points to InfluxDB")
	}
	return written, nil
}

// samplePoints converts readings into points, one field per metric. Readings
// without values are skipped.
func samplePoints(readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) []*write.Point {
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		if len(r.Values) == 0 {
			continue
		}
		fields := make(map[string]interface{}, len(r.Values))
		for name, v := range r.Values {
			fields[name] = v
		}
		points = append(points, influxdb2.NewPoint(
			sampleMeasurement,
			map[string]string{
				"sensor_id":   string(r.SensorID),
				"sensor_name": sensor.DisplayName(meta, r.SensorID),
			},
			fields,
			r.ObservedAt,
		))
	}
	return points
}

func statusPoints(meta map[sensor.ID]sensor.Metadata, at time.Time) []*write.Point {
	points := make([]*write.Point, 0, len(meta))
	for _, id := range sensor.SortedIDs(meta) {
		m := meta[id]
		points = append(points, influxdb2.NewPoint(
			statusMeasurement,
			map[string]string{
				"sensor_id":   string(id),
				"sensor_name": sensor.DisplayName(meta, id),
			},
			map[string]interface{}{
				"rssi":            m.SignalStrength,
				"battery_voltage": m.BatteryVoltage,
			},
			at,
		))
	}
	return points
}

// Flush sends any points still held by the write API. Batches are written
// synchronously, so there is normally nothing pending.
func (s *InfluxDBStorage) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.writeAPI.Flush(ctx); err != nil {
		logger.Warn().Err(err).Msg("InfluxDB flush failed")
	}
}

// Health checks that InfluxDB reports a passing status.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return errors.NewSinkError("health", BackendInfluxDB, err)
	}
	if health.Status != "pass" {
		return errors.NewSinkError("health", BackendInfluxDB, fmt.Errorf("status %s", health.Status))
	}
	return nil
}

// Close closes the InfluxDB client.
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.client.Close()
}

// LatestReading returns the most recent stored reading for a sensor within
// the last day.
func (s *InfluxDBStorage) LatestReading(ctx context.Context, id sensor.ID) (sensor.Reading, error) {
	if id == "" {
		return sensor.Reading{}, errors.NewValidationError("sensor_id", id, "cannot be empty")
	}

	query := fmt.Sprintf(`
		from(bucket: %q)
			|> range(start: -24h)
			|> filter(fn: (r) => r._measurement == %q)
			|> filter(fn: (r) => r.sensor_id == %q)
			|> last()
	`, s.bucket, sampleMeasurement, string(id))

	result, err := s.client.QueryAPI(s.org).Query(ctx, query)
	if err != nil {
		return sensor.Reading{}, errors.NewSinkError("query latest", BackendInfluxDB, err)
	}
	defer func() {
		_ = result.Close()
	}()

	reading := sensor.Reading{SensorID: id, Values: map[string]float64{}}
	for result.Next() {
		record := result.Record()
		if record.Time().After(reading.ObservedAt) {
			reading.ObservedAt = record.Time()
		}
		if val, ok := record.Value().(float64); ok {
			reading.Values[record.Field()] = val
		}
	}
	if result.Err() != nil {
		return sensor.Reading{}, errors.NewSinkError("query latest", BackendInfluxDB, result.Err())
	}
	if len(reading.Values) == 0 {
		return sensor.Reading{}, errors.NewSinkError("query latest", BackendInfluxDB, errors.ErrNoData)
	}
	return reading, nil
}

// timeoutCause tags err with errors.ErrTimeout when ctx hit its deadline.
func timeoutCause(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %w", errors.ErrTimeout, err)
	}
	return err
}

var (
	_ interfaces.TimeSeriesSink = (*InfluxDBStorage)(nil)
	_ interfaces.LatestReader   = (*InfluxDBStorage)(nil)
)
