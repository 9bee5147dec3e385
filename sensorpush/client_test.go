// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sensorpush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/interfaces"
	"github.com/soothill/sensorpush-logger/sensor"
)

// fakeAPI is a minimal SensorPush API backed by httptest.
type fakeAPI struct {
	t            *testing.T
	authStatus   int
	token        string
	sensorsBody  string
	samplesBody  string
	lastSamples  samplesRequest
	authHeaders  []string
	requestPaths []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{
		t:          t,
		authStatus: http.StatusOK,
		token:      "token-1",
		sensorsBody: `{
			"100.1": {"id":"100.1","name":"Garage","deviceId":"100","type":"HT1","active":true,"rssi":-71,"battery_voltage":2.95},
			"200.2": {"id":"200.2","name":"Cellar","deviceId":"200","type":"HT.w","active":true,"rssi":-80,"battery_voltage":3.01}
		}`,
		samplesBody: `{
			"last_time":"2024-01-01T00:10:00.000Z",
			"truncated":false,
			"total_samples":3,
			"sensors":{
				"200.2":[{"observed":"2024-01-01T00:05:00.000Z","temperature":55.1,"humidity":70.2}],
				"100.1":[
					{"observed":"2024-01-01T00:10:00.000Z","temperature":68.4},
					{"observed":"2024-01-01T00:01:00.000Z","temperature":68.0,"humidity":40.5}
				]
			}
		}`,
	}

	server := httptest.NewServer(http.HandlerFunc(api.handle))
	t.Cleanup(server.Close)

	client := NewClient(Config{
		BaseURL:        server.URL + "/api/v1",
		Email:          "user@example.com",
		Password:       "secret",
		RequestTimeout: 2 * time.Second,
	})
	return api, client
}

func (f *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	f.requestPaths = append(f.requestPaths, r.URL.Path)
	if r.Method != http.MethodPost {
		f.t.Errorf("expected POST, got %s", r.Method)
	}
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/api/v1/oauth/authorize":
		var req authorizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if f.authStatus != http.StatusOK || req.Password != "secret" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"access denied"}`))
			return
		}
		_, _ = w.Write([]byte(`{"authorization":"auth-code"}`))
	case "/api/v1/oauth/accesstoken":
		var req accessTokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Authorization != "auth-code" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"accesstoken":"` + f.token + `"}`))
	case "/api/v1/devices/sensors":
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(f.sensorsBody))
	case "/api/v1/samples":
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&f.lastSamples)
		_, _ = w.Write([]byte(f.samplesBody))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestClient_Authenticate(t *testing.T) {
	_, client := newFakeAPI(t)

	cred, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", cred.AccessToken)
	assert.True(t, cred.Valid())
	assert.False(t, cred.IssuedAt.IsZero())
}

func TestClient_Authenticate_Rejected(t *testing.T) {
	api, client := newFakeAPI(t)
	api.authStatus = http.StatusForbidden

	_, err := client.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAuthError(err), "want AuthError, got %T: %v", err, err)
}

func TestClient_Authenticate_Unreachable(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1/", RequestTimeout: time.Second})

	_, err := client.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAuthError(err))
	assert.True(t, errors.IsTransportError(err), "network failure should be visible in the chain")
}

func TestClient_ListSensors(t *testing.T) {
	api, client := newFakeAPI(t)

	meta, err := client.ListSensors(context.Background(), sensor.Credential{AccessToken: "token-1"})
	require.NoError(t, err)
	require.Len(t, meta, 2)

	garage := meta["100.1"]
	assert.Equal(t, "Garage", garage.Name)
	assert.Equal(t, -71, garage.SignalStrength)
	assert.InDelta(t, 2.95, garage.BatteryVoltage, 1e-9)
	assert.Equal(t, "100", garage.DeviceID)
	assert.Equal(t, []string{"token-1"}, api.authHeaders)
}

func TestClient_ListSensors_MissingToken(t *testing.T) {
	_, client := newFakeAPI(t)

	_, err := client.ListSensors(context.Background(), sensor.Credential{})
	assert.True(t, errors.IsAuthError(err))
}

func TestClient_FetchSamples_Window(t *testing.T) {
	api, client := newFakeAPI(t)
	window := sensor.MustTimeWindow(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC),
	)

	readings, err := client.FetchSamples(context.Background(), sensor.Credential{AccessToken: "token-1"}, interfaces.SampleQuery{
		Window:  &window,
		Sensors: []sensor.ID{"100.1", "200.2"},
		Metrics: []string{"temperature", "humidity"},
		Limit:   500,
	})
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01T00:00:00.000Z", api.lastSamples.StartTime)
	assert.Equal(t, "2024-01-01T00:10:00.000Z", api.lastSamples.StopTime)
	assert.Equal(t, []string{"100.1", "200.2"}, api.lastSamples.Sensors)
	assert.Equal(t, []string{"temperature", "humidity"}, api.lastSamples.Measures)
	assert.Equal(t, 500, api.lastSamples.Limit)

	// The 00:10 sample sits on the exclusive end of the window.
	require.Len(t, readings, 2)
	assert.Equal(t, sensor.ID("100.1"), readings[0].SensorID)
	assert.Equal(t, map[string]float64{"temperature": 68.0, "humidity": 40.5}, readings[0].Values)
	assert.Equal(t, sensor.ID("200.2"), readings[1].SensorID)
}

func TestClient_FetchSamples_Latest(t *testing.T) {
	api, client := newFakeAPI(t)

	readings, err := client.FetchSamples(context.Background(), sensor.Credential{AccessToken: "token-1"}, interfaces.SampleQuery{
		Metrics: []string{"temperature"},
		Limit:   10,
	})
	require.NoError(t, err)

	assert.Empty(t, api.lastSamples.StartTime)
	assert.Empty(t, api.lastSamples.StopTime)
	assert.Nil(t, api.lastSamples.Sensors)
	require.Len(t, readings, 3)

	// Ordered by sensor, then observation time.
	assert.Equal(t, sensor.ID("100.1"), readings[0].SensorID)
	assert.True(t, readings[0].ObservedAt.Before(readings[1].ObservedAt))
	assert.Equal(t, sensor.ID("200.2"), readings[2].SensorID)
	assert.NotContains(t, readings[1].Values, "humidity")
}

func TestClient_FetchSamples_Errors(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantAuth    bool
		wantTimeout bool
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"sensors":`))
			},
		},
		{
			name: "token rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantAuth: true,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			wantTimeout: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewClient(Config{BaseURL: server.URL, RequestTimeout: 100 * time.Millisecond})
			_, err := client.FetchSamples(context.Background(), sensor.Credential{AccessToken: "t"}, interfaces.SampleQuery{Limit: 1})
			require.Error(t, err)

			if tt.wantAuth {
				assert.True(t, errors.IsAuthError(err), "want AuthError, got %v", err)
				return
			}
			assert.True(t, errors.IsTransportError(err), "want TransportError, got %v", err)
			if tt.wantTimeout {
				assert.True(t, errors.Is(err, errors.ErrTimeout), "want ErrTimeout in chain, got %v", err)
			}
		})
	}
}

func TestClient_RateLimiter(t *testing.T) {
	var calls []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, time.Now())
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, MinRequestInterval: 50 * time.Millisecond})
	cred := sensor.Credential{AccessToken: "t"}
	for i := 0; i < 3; i++ {
		_, err := client.ListSensors(context.Background(), cred)
		require.NoError(t, err)
	}

	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[0]), 90*time.Millisecond)
}
