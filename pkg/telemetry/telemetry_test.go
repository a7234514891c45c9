// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "default", config: DefaultConfig()},
		{
			name:    "endpoint with nothing enabled",
			config:  Config{Endpoint: "localhost:4318"},
			wantErr: "both tracing and metrics are disabled",
		},
		{name: "sampling above one", config: Config{SamplingRate: 1.5}, wantErr: "sampling rate"},
		{name: "bad attributes", config: Config{CustomAttributes: "region"}, wantErr: "expected key=value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.config.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseCustomAttributes(t *testing.T) {
	t.Parallel()

	attrs, err := ParseCustomAttributes(" deployment=staging, region = eu-west-1 ,")
	require.NoError(t, err)
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("deployment", "staging"),
		attribute.String("region", "eu-west-1"),
	}, attrs)

	_, err = ParseCustomAttributes("=value")
	require.ErrorContains(t, err, "empty attribute key")
}

func TestCompositeProvider_NoOp(t *testing.T) {
	t.Parallel()

	c, err := newCompositeProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.IsType(t, tracenoop.NewTracerProvider(), c.tracerProvider)
	assert.IsType(t, noop.NewMeterProvider(), c.meterProvider)
	assert.Nil(t, c.prometheusHandler)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestMiddleware_PrometheusMetrics(t *testing.T) {
	t.Parallel()

	c, err := newCompositeProvider(context.Background(), Config{
		ServiceName:                 "authcore-test",
		EnablePrometheusMetricsPath: true,
		IncludeRuntimeMetrics:       true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	require.NotNil(t, c.prometheusHandler)

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(c.tracerProvider, c.meterProvider))
	r.Get("/clients/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", c.prometheusHandler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clients/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "authcore_http_requests_total")
	assert.Contains(t, string(body), `route="/clients/{id}"`)
	assert.Contains(t, string(body), `status="error"`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestResponseWriter_IgnoresSecondWriteHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)
	rw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusOK, rw.statusCode)
	assert.EqualValues(t, 2, rw.bytesWritten)
}
