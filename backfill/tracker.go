// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backfill

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/soothill/sensorpush-logger/pkg/errors"
)

// DefaultHistorySize is the number of jobs the tracker remembers.
const DefaultHistorySize = 256

// Tracker keeps the status of the most recent jobs in memory. Older entries
// are evicted once the history size is reached.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache
	now   func() time.Time
}

// NewTracker creates a tracker remembering up to size jobs.
func NewTracker(size int) (*Tracker, error) {
	if size <= 0 {
		size = DefaultHistorySize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Tracker{cache: cache, now: time.Now}, nil
}

// Queued records a newly accepted job.
func (t *Tracker) Queued(job Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(job.ID, &Status{Job: job, State: StateQueued})
}

// Forget drops a job that was never queued.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(id)
}

// Started marks a job as running.
func (t *Tracker) Started(id string) {
	t.update(id, func(s *Status) {
		now := t.now().UTC()
		s.State = StateRunning
		s.StartedAt = &now
	})
}

// Progress records chunk progress for a running job.
func (t *Tracker) Progress(id string, done, total int) {
	t.update(id, func(s *Status) {
		s.ChunksDone = done
		s.ChunksTotal = total
	})
}

// Finished records the outcome of a job. A nil err means success.
func (t *Tracker) Finished(id string, state State, fetched, written int, err error) {
	t.update(id, func(s *Status) {
		now := t.now().UTC()
		s.State = state
		s.Fetched = fetched
		s.Written = written
		s.FinishedAt = &now
		if err != nil {
			s.Error = err.Error()
		}
	})
}

// Get returns a snapshot of the job's status or errors.ErrJobNotFound.
func (t *Tracker) Get(id string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.cache.Peek(id)
	if !ok {
		return Status{}, errors.ErrJobNotFound
	}
	return *v.(*Status), nil
}

// Recent returns snapshots of all remembered jobs, most recently submitted first.
func (t *Tracker) Recent() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.cache.Keys()
	out := make([]Status, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if v, ok := t.cache.Peek(keys[i]); ok {
			out = append(out, *v.(*Status))
		}
	}
	return out
}

func (t *Tracker) update(id string, fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Peek leaves recency untouched so Recent stays in submission order.
	if v, ok := t.cache.Peek(id); ok {
		fn(v.(*Status))
	}
}
