// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the SensorPush data logger.
//
// The types mirror the failure classes of the ingestion pipeline:
//
//   - AuthError: the SensorPush API rejected or could not issue credentials
//   - TransportError: a network, HTTP or decode failure talking to SensorPush
//   - SinkError: the time-series store was unreachable or rejected a write
//   - ValidationError: a malformed backfill request or time window
//   - ConfigError: invalid configuration
//   - NotificationError: an alert could not be delivered
//
// Backpressure and shutdown are reported with the sentinels ErrQueueFull and
// ErrCancelled.
//
// # Example Usage
//
//	err := errors.NewTransportError("fetch samples", "samples", cause)
//	if errors.IsTransportError(err) {
//	    logger.Error().Err(err).Msg("SensorPush request failed")
//	}
//
//	var sinkErr *errors.SinkError
//	if errors.As(err, &sinkErr) {
//	    logger.Error().Str("backend", sinkErr.Backend).Msg("Write failed")
//	}
package errors

import (
	"errors"
	"fmt"
)

// AuthError represents a failure to obtain or use SensorPush credentials.
type AuthError struct {
	Op  string // Operation being performed (e.g., "authorize", "access token")
	Err error  // Underlying error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth %s failed", e.Op)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new authentication error.
func NewAuthError(op string, err error) *AuthError {
	return &AuthError{Op: op, Err: err}
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// TransportError represents a network or protocol failure talking to the sensor source.
type TransportError struct {
	Op       string // Operation being performed (e.g., "list sensors", "fetch samples")
	Endpoint string // API endpoint (if applicable)
	Err      error  // Underlying error
}

func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Endpoint, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s failed", e.Op)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error.
func NewTransportError(op string, endpoint string, err error) *TransportError {
	return &TransportError{Op: op, Endpoint: endpoint, Err: err}
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// SinkError represents an error writing to the time-series store.
type SinkError struct {
	Op      string // Operation being performed (e.g., "write samples", "write status")
	Backend string // Storage backend (e.g., "influxdb", "timescale")
	Err     error  // Underlying error
}

func (e *SinkError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("sink %s (backend=%s): %v", e.Op, e.Backend, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("sink %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sink %s failed", e.Op)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// NewSinkError creates a new sink error.
func NewSinkError(op string, backend string, err error) *SinkError {
	return &SinkError{Op: op, Backend: backend, Err: err}
}

// IsSinkError checks if an error is a SinkError.
func IsSinkError(err error) bool {
	var se *SinkError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError represents a rejected request or value.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Invalid value
	Reason  string // Why validation failed
	Details error  // Additional details (optional)
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("validation error: field %q with value %v: %s (%v)", e.Field, e.Value, e.Reason, e.Details)
	}
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Details
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Sentinel errors for common conditions
var (
	// ErrQueueFull is returned when a backfill job cannot be queued
	ErrQueueFull = errors.New("backfill queue full")

	// ErrCancelled indicates shutdown is in progress
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout indicates an external call exceeded its deadline
	ErrTimeout = errors.New("operation timeout")

	// ErrCircuitBreakerOpen indicates the sink circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrJobNotFound indicates an unknown backfill job ID
	ErrJobNotFound = errors.New("job not found")

	// ErrNoData indicates a query matched nothing
	ErrNoData = errors.New("no data")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
