// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package app_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/influxdb"

	"github.com/soothill/sensorpush-logger/app"
	"github.com/soothill/sensorpush-logger/config"
)

type AppIntegrationTestSuite struct {
	suite.Suite
	influxContainer testcontainers.Container
	influxURL       string
	cloud           *httptest.Server
}

func TestAppIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(AppIntegrationTestSuite))
}

func (s *AppIntegrationTestSuite) SetupSuite() {
	ctx := context.Background()
	container, err := influxdb.Run(ctx,
		"influxdb:2.7-alpine",
		influxdb.WithV2Auth("testorg", "testbucket", "testuser", "testpassword"),
		influxdb.WithV2AdminToken("testtoken"),
	)
	s.Require().NoError(err)
	s.influxContainer = container

	s.influxURL, err = container.ConnectionUrl(ctx)
	s.Require().NoError(err)

	observed := time.Now().UTC().Add(-time.Minute).Format("2006-01-02T15:04:05.000Z")
	s.cloud = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, "/api/v1/") {
		case "oauth/authorize":
			_, _ = io.WriteString(w, `{"authorization":"auth-code"}`)
		case "oauth/accesstoken":
			_, _ = io.WriteString(w, `{"accesstoken":"access-token"}`)
		case "devices/sensors":
			_, _ = io.WriteString(w, `{"100.1":{"id":"100.1","name":"Garage","active":true,"rssi":-70,"battery_voltage":2.9}}`)
		case "samples":
			_, _ = fmt.Fprintf(w, `{"sensors":{"100.1":[{"observed":%q,"temperature":70.5,"humidity":41.2}]}}`, observed)
		default:
			http.NotFound(w, r)
		}
	}))
}

func (s *AppIntegrationTestSuite) TearDownSuite() {
	if s.cloud != nil {
		s.cloud.Close()
	}
	if s.influxContainer != nil {
		s.Require().NoError(s.influxContainer.Terminate(context.Background()))
	}
}

func (s *AppIntegrationTestSuite) TestAppLifecycle() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	listenAddr := l.Addr().String()
	s.Require().NoError(l.Close())

	dir := s.T().TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configContent := `
sensorpush:
  base_url: %s/api/v1/
  email: logger@example.com
  password: secret
  poll_interval: 1h
backfill:
  inter_request_delay: 1s
storage:
  spool_directory: %s
influxdb:
  url: %s
  token: testtoken
  organization: testorg
  bucket: testbucket
server:
  listen_addr: %q
`
	s.Require().NoError(os.WriteFile(configPath,
		[]byte(fmt.Sprintf(configContent, s.cloud.URL, filepath.Join(dir, "spool"), s.influxURL, listenAddr)), 0600))

	s.Require().NoError(config.ValidateWithSchema(configPath))
	cfg, err := config.Load(configPath)
	s.Require().NoError(err)

	application, err := app.New(context.Background(), cfg, configPath)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	base := "http://" + listenAddr
	s.Require().Eventually(func() bool {
		resp, err := http.Get(base + "/api/sensors/100.1/latest")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 250*time.Millisecond, "live poll should store a reading")

	resp, err := http.Get(base + "/ready")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(15 * time.Second):
		s.T().Fatal("App did not shut down gracefully")
	}
}
