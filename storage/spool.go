// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
	"github.com/soothill/sensorpush-logger/pkg/util"
	"github.com/soothill/sensorpush-logger/sensor"
)

const (
	DefaultSpoolDir     = "/var/spool/sensorpush-logger"
	DefaultSpoolMaxSize = 100 * 1024 * 1024 // 100 MB
	DefaultSpoolMaxAge  = 24 * time.Hour

	spoolFilePrefix       = "batch_"
	spoolFileExt          = ".json"
	spoolWarnRatio        = 0.8
	defaultHealthInterval = 30 * time.Second
	sinkAlertTimeout      = 10 * time.Second
	healthCheckTimeout    = 5 * time.Second
)

// Spool keeps sample batches that could not be written as JSON files in a
// local directory until they can be replayed.
type Spool struct {
	dir     string
	maxSize int64
	maxAge  time.Duration

	mu          sync.Mutex
	currentSize int64
}

// SpooledBatch is one failed WriteSamples call.
type SpooledBatch struct {
	ID        string                        `json:"id"`
	SpooledAt time.Time                     `json:"spooled_at"`
	Readings  []sensor.Reading              `json:"readings"`
	Metadata  map[sensor.ID]sensor.Metadata `json:"metadata,omitempty"`
}

// NewSpool creates the spool directory if needed and drops batches older than maxAge.
func NewSpool(dir string, maxSize int64, maxAge time.Duration) (*Spool, error) {
	if dir == "" {
		dir = DefaultSpoolDir
	}
	if maxSize <= 0 {
		maxSize = DefaultSpoolMaxSize
	}
	if maxAge <= 0 {
		maxAge = DefaultSpoolMaxAge
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	s := &Spool{dir: dir, maxSize: maxSize, maxAge: maxAge}
	if err := s.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial spool size")
	}
	if err := s.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to clean up old spool files")
	}
	return s, nil
}

// Write stores a batch. It fails when the spool has reached its maximum size.
func (s *Spool) Write(readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) (SpooledBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentSize >= s.maxSize {
		return SpooledBatch{}, fmt.Errorf("spool is full (%d >= %d bytes)", s.currentSize, s.maxSize)
	}

	now := time.Now().UTC()
	batch := SpooledBatch{
		ID:        fmt.Sprintf("%d_%s", now.UnixNano(), uuid.NewString()),
		SpooledAt: now,
		Readings:  readings,
		Metadata:  meta,
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return SpooledBatch{}, fmt.Errorf("failed to marshal batch: %w", err)
	}
	if err := os.WriteFile(s.filename(batch.ID), data, 0600); err != nil {
		return SpooledBatch{}, fmt.Errorf("failed to write spool file: %w", err)
	}

	s.currentSize += int64(len(data))
	metrics.SpoolSizeBytes.Set(float64(s.currentSize))
	logger.Debug().
		Str("batch_id", batch.ID).
		Int("readings", len(readings)).
		Int64("spool_size", s.currentSize).
		Msg("Spooled sample batch")

	return batch, nil
}

// List returns every spooled batch, oldest first. Unreadable files are skipped.
func (s *Spool) List() ([]SpooledBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files()
	if err != nil {
		return nil, err
	}

	batches := make([]SpooledBatch, 0, len(files))
	for _, file := range files {
		data, err := util.ReadFileSafely(file)
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to read spool file")
			continue
		}
		var batch SpooledBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to decode spool file")
			continue
		}
		batches = append(batches, batch)
	}

	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].SpooledAt.Before(batches[j].SpooledAt)
	})
	return batches, nil
}

// Delete removes a batch after it has been replayed.
func (s *Spool) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := s.filename(id)
	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("failed to stat spool file: %w", err)
	}
	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("failed to delete spool file: %w", err)
	}

	s.currentSize -= info.Size()
	metrics.SpoolSizeBytes.Set(float64(s.currentSize))
	return nil
}

// CleanupOld removes batches spooled more than maxAge ago.
func (s *Spool) CleanupOld() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-s.maxAge)
	deleted := 0
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to delete old spool file")
			continue
		}
		deleted++
		s.currentSize -= info.Size()
	}

	if deleted > 0 {
		metrics.SpoolSizeBytes.Set(float64(s.currentSize))
		logger.Warn().Int("count", deleted).Dur("max_age", s.maxAge).Msg("Dropped expired spooled batches")
	}
	return nil
}

// Size returns the spool size in bytes.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}

// MaxSize returns the configured size limit.
func (s *Spool) MaxSize() int64 {
	return s.maxSize
}

func (s *Spool) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, spoolFilePrefix+"*"+spoolFileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list spool files: %w", err)
	}
	return files, nil
}

func (s *Spool) updateCurrentSize() error {
	files, err := s.files()
	if err != nil {
		return err
	}
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	s.currentSize = total
	metrics.SpoolSizeBytes.Set(float64(total))
	return nil
}

func (s *Spool) filename(id string) string {
	return filepath.Join(s.dir, spoolFilePrefix+filepath.Base(strings.TrimSpace(id))+spoolFileExt)
}

// SpoolingSink keeps failed sample batches in a Spool and replays them once
// the wrapped sink is healthy again. The write error is still returned to
// the caller, so a failed chunk or cycle is reported as failed.
type SpoolingSink struct {
	sink    interfaces.TimeSeriesSink
	spool   *Spool
	alerter interfaces.SinkAlerter

	healthInterval time.Duration
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	mu       sync.Mutex
	degraded bool
	warned   bool
}

// NewSpoolingSink wraps sink and starts the background replay loop. alerter may be nil.
func NewSpoolingSink(sink interfaces.TimeSeriesSink, spool *Spool, alerter interfaces.SinkAlerter, healthInterval time.Duration) *SpoolingSink {
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SpoolingSink{
		sink:           sink,
		spool:          spool,
		alerter:        alerter,
		healthInterval: healthInterval,
		cancel:         cancel,
	}

	s.wg.Add(1)
	go s.monitorAndReplay(ctx)
	return s
}

// Name returns the wrapped backend's name.
func (s *SpoolingSink) Name() string {
	return s.sink.Name()
}

// WriteSamples writes to the wrapped sink and spools the batch if that fails.
func (s *SpoolingSink) WriteSamples(ctx context.Context, readings []sensor.Reading, meta map[sensor.ID]sensor.Metadata) error {
	err := s.sink.WriteSamples(ctx, readings, meta)
	if err == nil || len(readings) == 0 {
		return err
	}

	logger.Warn().Err(err).Int("readings", len(readings)).Msg("Sample write failed, spooling batch locally")

	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	if first {
		s.alert(ctx, func(alertCtx context.Context) error {
			return s.alerter.SendSinkFailure(alertCtx, s.sink.Name(), err)
		})
	}

	if _, spoolErr := s.spool.Write(readings, meta); spoolErr != nil {
		logger.Error().Err(spoolErr).Int("readings", len(readings)).Msg("Failed to spool sample batch, readings dropped")
		return err
	}

	size, maxSize := s.spool.Size(), s.spool.MaxSize()
	s.mu.Lock()
	warn := !s.warned && float64(size)/float64(maxSize) > spoolWarnRatio
	if warn {
		s.warned = true
	}
	s.mu.Unlock()
	if warn {
		s.alert(ctx, func(alertCtx context.Context) error {
			return s.alerter.SendSpoolWarning(alertCtx, size, maxSize)
		})
	}

	return err
}

// WriteStatus is passed through. Status points describe the moment they
// were taken and are not spooled.
func (s *SpoolingSink) WriteStatus(ctx context.Context, meta map[sensor.ID]sensor.Metadata, at time.Time) error {
	return s.sink.WriteStatus(ctx, meta, at)
}

// Flush is passed through.
func (s *SpoolingSink) Flush() {
	s.sink.Flush()
}

// Health reports the wrapped sink's health.
func (s *SpoolingSink) Health(ctx context.Context) error {
	return s.sink.Health(ctx)
}

// Degraded reports whether writes are currently being spooled.
func (s *SpoolingSink) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Close stops the replay loop and closes the wrapped sink.
func (s *SpoolingSink) Close() {
	logger.Info().Msg("Closing spooling storage")
	s.cancel()
	s.wg.Wait()
	s.sink.Close()
}

func (s *SpoolingSink) alert(ctx context.Context, send func(context.Context) error) {
	if s.alerter == nil || !s.alerter.IsEnabled() {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkAlertTimeout)
	defer cancel()
	if err := send(alertCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to send storage alert")
	}
}

func (s *SpoolingSink) monitorAndReplay(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndReplay(ctx)
		}
	}
}

// checkAndReplay replays the spool when the sink is healthy and clears the
// degraded state once the spool is empty.
func (s *SpoolingSink) checkAndReplay(ctx context.Context) {
	if !s.Degraded() && s.spool.Size() == 0 {
		return
	}

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	err := s.sink.Health(healthCtx)
	cancel()
	if err != nil {
		logger.Debug().Err(err).Msg("Storage still unhealthy, keeping spool")
		return
	}

	if err := s.spool.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to clean up old spool files")
	}

	failed, err := s.replay(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to replay spooled batches")
		return
	}
	if failed > 0 {
		return
	}

	s.mu.Lock()
	recovered := s.degraded
	s.degraded = false
	s.warned = false
	s.mu.Unlock()

	if recovered {
		logger.Info().Str("backend", s.sink.Name()).Msg("Storage recovered")
		s.alert(ctx, func(alertCtx context.Context) error {
			return s.alerter.SendSinkRecovery(alertCtx, s.sink.Name())
		})
	}
}

// replay writes every spooled batch, oldest first, and returns how many
// batches are still spooled. Replay stops at the first failure so batches
// keep their order.
func (s *SpoolingSink) replay(ctx context.Context) (int, error) {
	batches, err := s.spool.List()
	if err != nil {
		return 0, err
	}
	if len(batches) == 0 {
		return 0, nil
	}

	logger.Info().Int("batches", len(batches)).Msg("Replaying spooled batches")

	for i, batch := range batches {
		if err := s.sink.WriteSamples(ctx, batch.Readings, batch.Metadata); err != nil {
			logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("Failed to replay spooled batch")
			return len(batches) - i, nil
		}
		if err := s.spool.Delete(batch.ID); err != nil {
			logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("Failed to delete replayed batch")
		}
	}
	s.sink.Flush()

	logger.Info().Int("batches", len(batches)).Msg("Finished replaying spooled batches")
	return 0, nil
}

var _ interfaces.TimeSeriesSink = (*SpoolingSink)(nil)
