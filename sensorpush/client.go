// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package sensorpush is a client for the SensorPush cloud API.
//
// Every call is a JSON POST against the configured base URL. A session is
// obtained in two steps (oauth/authorize, then oauth/accesstoken) and the
// resulting token is sent in the Authorization header of later calls.
package sensorpush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/pkg/logger"
	"github.com/soothill/sensorpush-logger/pkg/metrics"
	"github.com/soothill/sensorpush-logger/sensor"
)

const (
	endpointAuthorize   = "oauth/authorize"
	endpointAccessToken = "oauth/accesstoken"
	endpointSensors     = "devices/sensors"
	endpointSamples     = "samples"

	// DefaultBaseURL is the public SensorPush API root.
	DefaultBaseURL = "https://api.sensorpush.com/api/v1/"

	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 512
)

// Config holds the connection settings for a Client.
type Config struct {
	BaseURL        string
	Email          string
	Password       string
	RequestTimeout time.Duration
	// MinRequestInterval spaces outbound requests. Zero disables the limiter.
	MinRequestInterval time.Duration
}

// Client talks to the SensorPush API. It is safe for concurrent use.
type Client struct {
	baseURL        string
	email          string
	password       string
	requestTimeout time.Duration
	httpClient     *http.Client
	limiter        *rate.Limiter
	now            func() time.Time
}

// NewClient creates a SensorPush API client.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	limit := rate.Inf
	if cfg.MinRequestInterval > 0 {
		limit = rate.Every(cfg.MinRequestInterval)
	}

	return &Client{
		baseURL:        baseURL,
		email:          cfg.Email,
		password:       cfg.Password,
		requestTimeout: timeout,
		httpClient:     &http.Client{},
		limiter:        rate.NewLimiter(limit, 1),
		now:            time.Now,
	}
}

// Authenticate logs in with the configured account and exchanges the
// authorization for an access token.
func (c *Client) Authenticate(ctx context.Context) (sensor.Credential, error) {
	var auth authorizeResponse
	if err := c.post(ctx, endpointAuthorize, "", authorizeRequest{Email: c.email, Password: c.password}, &auth); err != nil {
		return sensor.Credential{}, asAuthError("authorize", err)
	}
	if auth.Authorization == "" {
		return sensor.Credential{}, errors.NewAuthError("authorize", fmt.Errorf("empty authorization in response"))
	}

	var token accessTokenResponse
	if err := c.post(ctx, endpointAccessToken, "", accessTokenRequest{Authorization: auth.Authorization}, &token); err != nil {
		return sensor.Credential{}, asAuthError("access token", err)
	}
	if token.AccessToken == "" {
		return sensor.Credential{}, errors.NewAuthError("access token", fmt.Errorf("empty access token in response"))
	}

	logger.Debug().Msg("Obtained SensorPush access token")
	return sensor.Credential{AccessToken: token.AccessToken, IssuedAt: c.now().UTC()}, nil
}

// ListSensors returns metadata for every sensor on the account, keyed by sensor ID.
func (c *Client) ListSensors(ctx context.Context, cred sensor.Credential) (map[sensor.ID]sensor.Metadata, error) {
	if !cred.Valid() {
		return nil, errors.NewAuthError("list sensors", fmt.Errorf("missing access token"))
	}

	var resp map[string]sensorResponse
	if err := c.post(ctx, endpointSensors, cred.AccessToken, struct{}{}, &resp); err != nil {
		return nil, err
	}

	meta := make(map[sensor.ID]sensor.Metadata, len(resp))
	for key, s := range resp {
		id := sensor.ID(key)
		if id == "" {
			id = sensor.ID(s.ID)
		}
		meta[id] = s.toMetadata(id)
	}
	return meta, nil
}

// FetchSamples returns the readings selected by q, ordered by sensor ID and
// then by observation time.
func (c *Client) FetchSamples(ctx context.Context, cred sensor.Credential, q interfaces.SampleQuery) ([]sensor.Reading, error) {
	if !cred.Valid() {
		return nil, errors.NewAuthError("fetch samples", fmt.Errorf("missing access token"))
	}

	req := samplesRequest{
		Limit:    q.Limit,
		Measures: q.Metrics,
	}
	if q.Window != nil {
		req.StartTime = q.Window.Start.UTC().Format(timeFormat)
		req.StopTime = q.Window.End.UTC().Format(timeFormat)
	}
	if len(q.Sensors) > 0 {
		req.Sensors = make([]string, len(q.Sensors))
		for i, id := range q.Sensors {
			req.Sensors[i] = string(id)
		}
	}

	var resp samplesResponse
	if err := c.post(ctx, endpointSamples, cred.AccessToken, req, &resp); err != nil {
		return nil, err
	}

	if resp.Truncated {
		logger.Warn().
			Int("total_samples", resp.TotalSamples).
			Int("limit", q.Limit).
			Msg("SensorPush truncated the sample response; raise the sample limit or shrink the chunk size")
	}

	return toReadings(resp.Sensors, q.Window), nil
}

func toReadings(bySensor map[string][]sampleRecord, window *sensor.TimeWindow) []sensor.Reading {
	ids := make([]string, 0, len(bySensor))
	for id := range bySensor {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var readings []sensor.Reading
	for _, id := range ids {
		records := bySensor[id]
		start := len(readings)
		for _, rec := range records {
			observed := rec.Observed.UTC()
			// stopTime is inclusive upstream; keep chunks half-open.
			if window != nil && !window.Contains(observed) {
				continue
			}
			readings = append(readings, sensor.Reading{
				SensorID:   sensor.ID(id),
				ObservedAt: observed,
				Values:     rec.values(),
			})
		}
		added := readings[start:]
		sort.SliceStable(added, func(i, j int) bool { return added[i].ObservedAt.Before(added[j].ObservedAt) })
	}
	return readings
}

// post sends body as JSON to endpoint and decodes the response into out.
// 401 and 403 map to *errors.AuthError; every other failure is a *errors.TransportError.
func (c *Client) post(ctx context.Context, endpoint, token string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return errors.NewTransportError("rate limit", endpoint, classifyContextErr(err))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.NewTransportError("encode request", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.NewTransportError("create request", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return errors.NewTransportError("send request", endpoint, classifyContextErr(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		statusErr := fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return errors.NewAuthError(endpoint, statusErr)
		}
		return errors.NewTransportError("request", endpoint, statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewTransportError("decode response", endpoint, classifyContextErr(err))
	}

	logger.Debug().
		Str("endpoint", endpoint).
		Dur("duration", time.Since(start)).
		Msg("SensorPush request completed")
	return nil
}

// classifyContextErr tags deadline expiry with errors.ErrTimeout.
func classifyContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", errors.ErrTimeout, err)
	}
	return err
}

func asAuthError(op string, err error) error {
	if errors.IsAuthError(err) {
		return err
	}
	return errors.NewAuthError(op, err)
}

var _ interfaces.SensorSource = (*Client)(nil)
