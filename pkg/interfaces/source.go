// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"

	"github.com/soothill/sensorpush-logger/sensor"
)

// SampleQuery selects the samples returned by SensorSource.FetchSamples.
// A nil Window asks for the most recent Limit samples per sensor.
type SampleQuery struct {
	Window  *sensor.TimeWindow
	Sensors []sensor.ID
	Metrics []string
	Limit   int
}

// SensorSource is the upstream provider of sensor metadata and readings.
// Implementations bound every call by their own request timeout.
type SensorSource interface {
	// Authenticate obtains a fresh credential. Fails with *errors.AuthError.
	Authenticate(ctx context.Context) (sensor.Credential, error)

	// ListSensors returns metadata for every sensor visible to the credential.
	// Fails with *errors.AuthError or *errors.TransportError.
	ListSensors(ctx context.Context, cred sensor.Credential) (map[sensor.ID]sensor.Metadata, error)

	// FetchSamples returns the readings matching q. Fails with *errors.TransportError,
	// or *errors.AuthError when the credential is rejected.
	FetchSamples(ctx context.Context, cred sensor.Credential, q SampleQuery) ([]sensor.Reading, error)
}

// Clock abstracts time for loops that sleep between iterations.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}
