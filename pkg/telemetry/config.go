// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry instrumentation for the authorization server.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// Endpoint is the OTLP/HTTP collector endpoint (host:port).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	ServiceName    string `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	ServiceVersion string `json:"service_version,omitempty" yaml:"service_version,omitempty"`

	// TracingEnabled controls whether spans are exported to Endpoint.
	TracingEnabled bool `json:"tracing_enabled" yaml:"tracing_enabled"`

	// MetricsEnabled controls whether metrics are exported to Endpoint.
	// This is independent of EnablePrometheusMetricsPath.
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`

	// SamplingRate is the trace sampling rate (0.0-1.0).
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`

	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Insecure bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`

	// EnablePrometheusMetricsPath serves Prometheus metrics at /metrics.
	EnablePrometheusMetricsPath bool `json:"enable_prometheus_metrics_path" yaml:"enable_prometheus_metrics_path"`

	// IncludeRuntimeMetrics adds Go runtime and process collectors to /metrics.
	IncludeRuntimeMetrics bool `json:"include_runtime_metrics,omitempty" yaml:"include_runtime_metrics,omitempty"`

	// CustomAttributes are added to the telemetry resource, as "key=value,key=value".
	CustomAttributes string `json:"custom_attributes,omitempty" yaml:"custom_attributes,omitempty"`
}

// DefaultConfig returns a default telemetry configuration: Prometheus metrics
// on, nothing exported.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 "authcore",
		TracingEnabled:              true,
		MetricsEnabled:              true,
		SamplingRate:                0.05,
		EnablePrometheusMetricsPath: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Endpoint != "" && !c.TracingEnabled && !c.MetricsEnabled {
		return fmt.Errorf("OTLP endpoint is configured but both tracing and metrics are disabled; " +
			"either enable tracing or metrics, or remove the endpoint")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	if _, err := ParseCustomAttributes(c.CustomAttributes); err != nil {
		return err
	}
	return nil
}

// Provider encapsulates OpenTelemetry providers and configuration.
type Provider struct {
	config            Config
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdown          func(context.Context) error
}

// NewProvider creates the providers described by config and installs them as
// the otel globals.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	composite, err := newCompositeProvider(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry providers: %w", err)
	}

	otel.SetTracerProvider(composite.tracerProvider)
	otel.SetMeterProvider(composite.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		config:            config,
		tracerProvider:    composite.tracerProvider,
		meterProvider:     composite.meterProvider,
		prometheusHandler: composite.prometheusHandler,
		shutdown:          composite.Shutdown,
	}, nil
}

// Middleware returns an HTTP middleware that instruments requests.
func (p *Provider) Middleware() func(http.Handler) http.Handler {
	return NewHTTPMiddleware(p.tracerProvider, p.meterProvider)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown != nil {
		return p.shutdown(ctx)
	}
	return nil
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when Prometheus is disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// ParseCustomAttributes parses a comma-separated list of key=value pairs.
// Example input: "deployment=staging,region=eu-west-1"
func ParseCustomAttributes(input string) ([]attribute.KeyValue, error) {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute format '%s': expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty attribute key in '%s'", pair)
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs, nil
}
