// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// SendAlert sends a notification with the given level, title, and message.
	SendAlert(ctx context.Context, level, title, message string) error
	// IsEnabled returns true if the notifier is configured and enabled.
	IsEnabled() bool
}

// IngestAlerter sends the operational alerts raised by the ingestion loops.
type IngestAlerter interface {
	Notifier

	// SendPollFailure reports a failed live poll cycle
	SendPollFailure(ctx context.Context, err error) error

	// SendBackfillFailure reports a backfill job that was dropped
	SendBackfillFailure(ctx context.Context, jobID string, err error) error
}

// SinkAlerter sends alerts about the health of the time-series store.
type SinkAlerter interface {
	SendSinkFailure(ctx context.Context, backend string, err error) error
	SendSinkRecovery(ctx context.Context, backend string) error
	SendSpoolWarning(ctx context.Context, spoolSize, maxSize int64) error
	IsEnabled() bool
}
