// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package backfill replays historical SensorPush readings on request.
//
// Requests are validated and turned into Job records by the Service, held in
// a bounded FIFO Queue, and executed one at a time by a single Worker. A job
// that fails is logged, counted and alerted on, then dropped; it is never
// retried. Queued jobs and their history live in memory only and are lost on
// restart.
package backfill

import (
	"time"

	"github.com/soothill/sensorpush-logger/sensor"
)

// Job is a request to replay one time window. It is not modified once created.
type Job struct {
	ID     string            `json:"jobId"`
	Window sensor.TimeWindow `json:"window"`
	// Sensors restricts the replay; nil means every sensor on the account.
	Sensors     []sensor.ID `json:"sensorIds,omitempty"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

// State is the lifecycle stage of a tracked job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the job has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Status is a snapshot of a job's progress.
type Status struct {
	Job         Job        `json:"job"`
	State       State      `json:"state"`
	ChunksDone  int        `json:"chunksDone"`
	ChunksTotal int        `json:"chunksTotal"`
	Fetched     int        `json:"samplesFetched"`
	Written     int        `json:"samplesWritten"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}
