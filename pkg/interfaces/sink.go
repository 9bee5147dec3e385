// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"
	"time"

	"github.com/soothill/sensorpush-logger/sensor"
)

// TimeSeriesSink defines the interface for time-series data persistence.
// Implementations must be safe for concurrent use: the live poller and the
// backfill worker write through the same sink.
type TimeSeriesSink interface {
	// WriteSamples writes readings in bounded batches, flushing after each
	// batch. meta supplies sensor names for tagging. Fails with *errors.SinkError;
	// batches already flushed are not rolled back.
	WriteSamples(ctx context.Context, readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) error

	// WriteStatus writes one status point (signal strength, battery voltage)
	// per sensor in meta, stamped with at.
	WriteStatus(ctx context.Context, meta map[sensor.ID]sensor.Metadata, at time.Time) error

	// Flush ensures all pending writes are completed
	Flush()

	// Health checks if the storage backend is reachable
	Health(ctx context.Context) error

	// Name identifies the backend in logs and errors
	Name() string

	// Close gracefully shuts down the storage connection
	Close()
}

// LatestReader is implemented by sinks that can read back the most recent
// stored reading for a sensor.
type LatestReader interface {
	LatestReading(ctx context.Context, id sensor.ID) (sensor.Reading, error)
}
