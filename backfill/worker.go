// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backfill

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/soothill/sensorpush-logger/ingest"
	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
)

const alertTimeout = 10 * time.Second

// Settings control how a job window is replayed.
type Settings struct {
	ChunkSize time.Duration
	Delay     time.Duration
	Limit     int
	Metrics   []string
}

// Worker executes queued jobs one at a time.
type Worker struct {
	queue    *Queue
	source   interfaces.SensorSource
	fetcher  *ingest.Fetcher
	tracker  *Tracker
	alerter  interfaces.IngestAlerter
	settings Settings

	mu       sync.RWMutex
	inFlight *Job
}

// NewWorker creates a worker. alerter may be nil.
func NewWorker(queue *Queue, source interfaces.SensorSource, fetcher *ingest.Fetcher, tracker *Tracker, alerter interfaces.IngestAlerter, settings Settings) *Worker {
	return &Worker{
		queue:    queue,
		source:   source,
		fetcher:  fetcher,
		tracker:  tracker,
		alerter:  alerter,
		settings: settings,
	}
}

// Run takes and executes jobs until ctx is cancelled. Jobs still queued at
// that point are abandoned.
func (w *Worker) Run(ctx context.Context) {
	log := logger.Component("backfill")
	log.Info().
		Int("queue_capacity", w.queue.Cap()).
		Dur("chunk_size", w.settings.ChunkSize).
		Dur("inter_request_delay", w.settings.Delay).
		Msg("Backfill worker started")

	for {
		job, err := w.queue.Take(ctx)
		if err != nil {
			log.Info().Int("abandoned_jobs", w.queue.Len()).Msg("Backfill worker stopped")
			return
		}
		w.execute(ctx, job)
	}
}

// InFlight returns the job currently executing, if any.
func (w *Worker) InFlight() (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.inFlight == nil {
		return Job{}, false
	}
	return *w.inFlight, true
}

func (w *Worker) setInFlight(job *Job) {
	w.mu.Lock()
	w.inFlight = job
	w.mu.Unlock()
	if job != nil {
		metrics.BackfillInFlight.Set(1)
	} else {
		metrics.BackfillInFlight.Set(0)
	}
}

func (w *Worker) execute(ctx context.Context, job Job) {
	w.setInFlight(&job)
	defer w.setInFlight(nil)

	log := logger.Component("backfill").With().
		Str("job_id", job.ID).
		Time("window_start", job.Window.Start).
		Time("window_end", job.Window.End).
		Int("sensor_filter", len(job.Sensors)).
		Logger()

	log.Info().Msg("Starting backfill job")
	w.tracker.Started(job.ID)
	start := time.Now()

	res, err := w.runJob(ctx, job)

	switch {
	case err == nil:
		metrics.BackfillJobsTotal.WithLabelValues(metrics.OutcomeSucceeded).Inc()
		w.tracker.Finished(job.ID, StateSucceeded, res.Fetched, res.Written, nil)
		log.Info().
			Int("chunks", res.Chunks).
			Int("samples_written", res.Written).
			Dur("duration", time.Since(start)).
			Msg("Backfill job completed")
	case errors.Is(err, errors.ErrCancelled):
		metrics.BackfillJobsTotal.WithLabelValues(metrics.OutcomeCancelled).Inc()
		w.tracker.Finished(job.ID, StateCancelled, res.Fetched, res.Written, err)
		log.Warn().
			Int("chunks", res.Chunks).
			Int("samples_written", res.Written).
			Msg("Backfill job interrupted by shutdown")
	default:
		metrics.BackfillJobsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		w.tracker.Finished(job.ID, StateFailed, res.Fetched, res.Written, err)
		log.Error().Err(err).
			Int("chunks", res.Chunks).
			Int("samples_written", res.Written).
			Msg("Backfill job failed; dropping")
		w.alert(ctx, job.ID, err)
	}
}

// runJob authenticates a fresh credential for the job and replays its
// window. A panic is converted into an error so the worker keeps running.
func (w *Worker) runJob(ctx context.Context, job Job) (res ingest.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in backfill job")
			err = fmt.Errorf("panic in backfill job: %v", r)
		}
	}()

	cred, err := w.source.Authenticate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %w", errors.ErrCancelled, err)
		}
		return res, err
	}

	window := job.Window
	return w.fetcher.Run(ctx, ingest.Request{
		Credential: cred,
		Window:     &window,
		Sensors:    job.Sensors,
		Metrics:    w.settings.Metrics,
		ChunkSize:  w.settings.ChunkSize,
		Delay:      w.settings.Delay,
		Limit:      w.settings.Limit,
		OnChunk: func(done, total int) {
			w.tracker.Progress(job.ID, done, total)
		},
	})
}

func (w *Worker) alert(ctx context.Context, jobID string, jobErr error) {
	if w.alerter == nil || !w.alerter.IsEnabled() {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	if err := w.alerter.SendBackfillFailure(alertCtx, jobID, jobErr); err != nil {
		logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to send backfill failure alert")
	}
}
