// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
	"github.com/soothill/sensorpush-logger/sensor"
)

// Request is a backfill submission.
type Request struct {
	StartTime time.Time `validate:"required"`
	EndTime   time.Time `validate:"required"`
	SensorIDs []string  `validate:"omitempty,dive,required"`
}

// Service accepts backfill requests and reports on their progress.
type Service struct {
	queue         *Queue
	tracker       *Tracker
	validate      *validator.Validate
	submitTimeout time.Duration
	now           func() time.Time
}

// NewService creates a submission service. submitTimeout bounds how long
// Submit waits for room in a full queue.
func NewService(queue *Queue, tracker *Tracker, submitTimeout time.Duration) *Service {
	return &Service{
		queue:         queue,
		tracker:       tracker,
		validate:      validator.New(),
		submitTimeout: submitTimeout,
		now:           time.Now,
	}
}

// Submit validates req and queues a job for it. The returned job has been
// accepted but not yet executed. Fails with *errors.ValidationError for a
// malformed request and errors.ErrQueueFull when no room frees up in time.
func (s *Service) Submit(ctx context.Context, req Request) (Job, error) {
	if err := s.validateRequest(req); err != nil {
		metrics.BackfillJobsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return Job{}, err
	}

	window, err := sensor.NewTimeWindow(req.StartTime, req.EndTime)
	if err != nil {
		metrics.BackfillJobsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return Job{}, err
	}

	job := Job{
		ID:          uuid.NewString(),
		Window:      window,
		SubmittedAt: s.now().UTC(),
	}
	if len(req.SensorIDs) > 0 {
		job.Sensors = make([]sensor.ID, len(req.SensorIDs))
		for i, id := range req.SensorIDs {
			job.Sensors[i] = sensor.ID(id)
		}
	}

	// Track before queueing so the worker never sees an unknown job.
	s.tracker.Queued(job)

	submitCtx := ctx
	if s.submitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()
	}
	if err := s.queue.Submit(submitCtx, job); err != nil {
		s.tracker.Forget(job.ID)
		metrics.BackfillJobsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		logger.Warn().Str("job_id", job.ID).Int("queue_depth", s.queue.Len()).Msg("Backfill queue full; rejecting job")
		return Job{}, err
	}

	logger.Info().
		Str("job_id", job.ID).
		Str("window", job.Window.String()).
		Int("sensor_filter", len(job.Sensors)).
		Int("queue_depth", s.queue.Len()).
		Msg("Backfill job queued")
	return job, nil
}

// Status returns the tracked status of a job or errors.ErrJobNotFound.
func (s *Service) Status(id string) (Status, error) {
	return s.tracker.Get(id)
}

// Recent returns the remembered jobs, newest first.
func (s *Service) Recent() []Status {
	return s.tracker.Recent()
}

// QueueDepth returns the number of jobs waiting to run.
func (s *Service) QueueDepth() int {
	return s.queue.Len()
}

func (s *Service) validateRequest(req Request) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Tag() == "required" {
			reason = "is required"
		}
		return errors.NewValidationError(fe.Namespace(), fe.Value(), reason)
	}
	return errors.NewValidationError("request", req, err.Error())
}
