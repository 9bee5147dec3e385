// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backfill

import (
	"context"
	"fmt"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
)

// DefaultQueueCapacity is used when NewQueue is given a non-positive capacity.
const DefaultQueueCapacity = 100

// Queue is a bounded FIFO of backfill jobs. It is safe for any number of
// producers; jobs are meant to be consumed by a single Worker.
type Queue struct {
	jobs chan Job
}

// NewQueue creates a queue holding at most capacity jobs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{jobs: make(chan Job, capacity)}
}

// Submit enqueues job, blocking while the queue is full. If ctx ends first
// the job is not queued and errors.ErrQueueFull is returned.
func (q *Queue) Submit(ctx context.Context, job Job) error {
	if err := q.TrySubmit(job); err == nil {
		return nil
	}

	select {
	case q.jobs <- job:
		metrics.BackfillQueueDepth.Set(float64(len(q.jobs)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errors.ErrQueueFull, ctx.Err())
	}
}

// TrySubmit enqueues job without waiting. It returns errors.ErrQueueFull
// when there is no room.
func (q *Queue) TrySubmit(job Job) error {
	select {
	case q.jobs <- job:
		metrics.BackfillQueueDepth.Set(float64(len(q.jobs)))
		return nil
	default:
		return errors.ErrQueueFull
	}
}

// Take removes the oldest job, blocking until one is available. It returns
// errors.ErrCancelled when ctx ends.
func (q *Queue) Take(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		metrics.BackfillQueueDepth.Set(float64(len(q.jobs)))
		return job, nil
	case <-ctx.Done():
		return Job{}, fmt.Errorf("%w: %w", errors.ErrCancelled, ctx.Err())
	}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.jobs)
}
