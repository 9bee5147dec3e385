// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications provides alerting via Slack incoming webhooks.
//
// Alerts are sent for events an operator has to act on:
//   - a live poll cycle failed (authentication, fetch or write)
//   - a backfill job was dropped after an error
//   - the time-series store became unreachable, and when it recovers
//   - the local spool of unwritten batches is close to its size limit
//
// Notification failures are logged by the caller and never block ingestion.
// A notifier with an empty webhook URL is disabled and silently skips sends.
//
// # Example Usage
//
//	notifier := notifications.NewSlackNotifier("https://hooks.slack.com/...")
//	if err := notifier.SendBackfillFailure(ctx, job.ID, err); err != nil {
//	    logger.Error().Err(err).Msg("Failed to send backfill failure alert")
//	}
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
)

const (
	slackHTTPTimeout = 10 * time.Second
	slackFooter      = "SensorPush Data Logger"
)

// SlackNotifier sends notifications to Slack via webhook. It is safe for
// concurrent use; the webhook URL can be swapped at runtime on config reload.
type SlackNotifier struct {
	mu         sync.RWMutex
	webhookURL string
	client     *http.Client
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: slackHTTPTimeout,
		},
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL != ""
}

// UpdateWebhookURL replaces the webhook URL. An empty URL disables the notifier.
func (s *SlackNotifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	s.webhookURL = webhookURL
	s.mu.Unlock()
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}
	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Str("title", title).Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: slackFooter,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, payload)
}

// SendPollFailure sends an alert when a live poll cycle fails
func (s *SlackNotifier) SendPollFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "warning", "⚠️ SensorPush Poll Failed",
		fmt.Sprintf("Live poll cycle failed: %v\nThe poller will retry on the next interval.", err))
}

// SendBackfillFailure sends an alert when a backfill job is dropped
func (s *SlackNotifier) SendBackfillFailure(ctx context.Context, jobID string, err error) error {
	return s.SendAlert(ctx, "danger", "❌ Backfill Job Failed",
		fmt.Sprintf("Backfill job %s failed and was dropped: %v\nChunks written before the failure are kept. Resubmit the remaining range if needed.", jobID, err))
}

// SendSinkFailure sends an alert when the time-series store becomes unreachable
func (s *SlackNotifier) SendSinkFailure(ctx context.Context, backend string, err error) error {
	return s.SendAlert(ctx, "danger", "⚠️ Time-Series Store Write Failure",
		fmt.Sprintf("Failed to write to %s: %v\nFailed sample batches will be spooled locally until the store recovers.", backend, err))
}

// SendSinkRecovery sends an alert when the time-series store recovers
func (s *SlackNotifier) SendSinkRecovery(ctx context.Context, backend string) error {
	return s.SendAlert(ctx, "good", "✅ Time-Series Store Restored",
		fmt.Sprintf("Connection to %s has been restored. Spooled batches will be replayed.", backend))
}

// SendSpoolWarning sends an alert when the local spool is nearly full
func (s *SlackNotifier) SendSpoolWarning(ctx context.Context, spoolSize int64, maxSize int64) error {
	percentage := float64(spoolSize) / float64(maxSize) * 100
	return s.SendAlert(ctx, "warning", "⚠️ Local Spool Usage High",
		fmt.Sprintf("Spool size: %d bytes (%.1f%% of max %d bytes)\nThe time-series store may be unavailable for an extended period.",
			spoolSize, percentage, maxSize))
}

// sendPayload sends a payload to the Slack webhook
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	s.mu.RLock()
	webhookURL := s.webhookURL
	s.mu.RUnlock()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.NewNotificationError("slack", fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}

var (
	_ interfaces.IngestAlerter = (*SlackNotifier)(nil)
	_ interfaces.SinkAlerter   = (*SlackNotifier)(nil)
)
