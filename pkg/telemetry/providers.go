// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/authcore/pkg/logger"
)

// compositeProvider combines the tracer provider, meter provider and
// Prometheus handler built from one Config.
type compositeProvider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

func newCompositeProvider(ctx context.Context, config Config) (*compositeProvider, error) {
	exportTraces := config.Endpoint != "" && config.TracingEnabled
	exportMetrics := config.Endpoint != "" && config.MetricsEnabled
	if !exportTraces && !exportMetrics && !config.EnablePrometheusMetricsPath {
		logger.Infof("No telemetry configured, using no-op providers")
		return &compositeProvider{
			tracerProvider: tracenoop.NewTracerProvider(),
			meterProvider:  noop.NewMeterProvider(),
		}, nil
	}

	custom, err := ParseCustomAttributes(config.CustomAttributes)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
		resource.WithAttributes(custom...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			config.ServiceName, config.ServiceVersion, err)
	}

	c := &compositeProvider{}
	if err := c.buildMeterProvider(ctx, config, exportMetrics, res); err != nil {
		return nil, err
	}
	if err := c.buildTracerProvider(ctx, config, exportTraces, res); err != nil {
		return nil, err
	}
	logger.Infof("Telemetry providers created successfully")
	return c, nil
}

func (c *compositeProvider) buildMeterProvider(ctx context.Context, config Config, export bool, res *resource.Resource) error {
	var readers []sdkmetric.Option
	if config.EnablePrometheusMetricsPath {
		reader, handler, err := newPrometheusReader(config.IncludeRuntimeMetrics)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.WithReader(reader))
		c.prometheusHandler = handler
	}
	if export {
		reader, err := newOTLPMetricReader(ctx, config)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.WithReader(reader))
	}
	if len(readers) == 0 {
		c.meterProvider = noop.NewMeterProvider()
		return nil
	}
	provider := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
	c.meterProvider = provider
	c.shutdownFuncs = append(c.shutdownFuncs, provider.Shutdown)
	return nil
}

func (c *compositeProvider) buildTracerProvider(ctx context.Context, config Config, export bool, res *resource.Resource) error {
	if !export {
		c.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter with endpoint %s: %w", config.Endpoint, err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)
	c.tracerProvider = provider
	c.shutdownFuncs = append(c.shutdownFuncs, provider.Shutdown)
	return nil
}

func newOTLPMetricReader(ctx context.Context, config Config) (sdkmetric.Reader, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(config.Endpoint)}
	if len(config.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(config.Headers))
	}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewPeriodicReader(exporter), nil
}

// newPrometheusReader creates a metric reader backed by a dedicated registry
// and the handler that serves it.
func newPrometheusReader(includeRuntime bool) (sdkmetric.Reader, http.Handler, error) {
	registry := prometheus.NewRegistry()
	if includeRuntime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return exporter, handler, nil
}

// Shutdown stops every provider, bounded to five seconds.
func (c *compositeProvider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i, shutdown := range c.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
