// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package sensor defines the data model shared by the SensorPush source,
// the ingestion loops and the time-series sinks.
package sensor

import (
	"fmt"
	"sort"
	"time"

	"github.com/soothill/sensorpush-logger/pkg/errors"
)

// ID is the stable identity of a physical sensor across polls.
type ID string

// TimeWindow is a half-open UTC interval [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// NewTimeWindow normalises start and end to UTC and requires start < end.
func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	start, end = start.UTC(), end.UTC()
	if !start.Before(end) {
		return TimeWindow{}, errors.NewValidationError("window", fmt.Sprintf("[%s, %s)",
			start.Format(time.RFC3339), end.Format(time.RFC3339)), "start must be before end")
	}
	return TimeWindow{Start: start, End: end}, nil
}

// MustTimeWindow is NewTimeWindow for constant windows; it panics on an invalid window.
func MustTimeWindow(start, end time.Time) TimeWindow {
	w, err := NewTimeWindow(start, end)
	if err != nil {
		panic(err)
	}
	return w
}

// Duration returns End - Start.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Reading is one observation of a sensor. Values maps a metric name
// (e.g. "temperature") to its value. Readings are not modified after they are read.
type Reading struct {
	SensorID   ID                 `json:"sensor_id"`
	ObservedAt time.Time          `json:"observed_at"`
	Values     map[string]float64 `json:"values"`
}

// Metadata is a point-in-time snapshot of a sensor's identity and health.
type Metadata struct {
	SensorID       ID      `json:"sensor_id"`
	Name           string  `json:"name"`
	DeviceID       string  `json:"device_id,omitempty"`
	Type           string  `json:"type,omitempty"`
	Active         bool    `json:"active"`
	SignalStrength int     `json:"rssi"`            // dBm
	BatteryVoltage float64 `json:"battery_voltage"` // volts
}

// Credential is an access token issued by the sensor source for one cycle or job.
type Credential struct {
	AccessToken string
	IssuedAt    time.Time
}

// Valid reports whether the credential carries a token.
func (c Credential) Valid() bool {
	return c.AccessToken != ""
}

// SortedIDs returns the keys of a metadata map in ascending order.
func SortedIDs(meta map[ID]Metadata) []ID {
	ids := make([]ID, 0, len(meta))
	for id := range meta {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DisplayName returns the sensor's name from meta, falling back to its ID.
func DisplayName(meta map[ID]Metadata, id ID) string {
	if m, ok := meta[id]; ok && m.Name != "" {
		return m.Name
	}
	return string(id)
}
