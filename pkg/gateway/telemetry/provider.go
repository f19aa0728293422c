// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry providers used by the gateway
// and exposes the collected metrics in Prometheus format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// Config holds the telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// MetricsEnabled turns on the Prometheus exporter and the /metrics handler.
	MetricsEnabled bool

	// IncludeRuntimeMetrics adds Go runtime and process collectors.
	IncludeRuntimeMetrics bool
}

// Provider owns the meter and tracer providers for the process.
type Provider struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	handler        http.Handler
	shutdownFuncs  []func(context.Context) error
}

// NewProvider creates the providers described by cfg. When metrics are
// disabled every provider is a no-op and Handler returns nil.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.MetricsEnabled {
		logger.Infof("Metrics disabled, using no-op telemetry providers")
		return NewNoopProvider(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			cfg.ServiceName, cfg.ServiceVersion, err)
	}

	registry := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	logger.Infow("telemetry providers created", "service", cfg.ServiceName, "runtime_metrics", cfg.IncludeRuntimeMetrics)
	return &Provider{
		meterProvider:  mp,
		tracerProvider: tracenoop.NewTracerProvider(),
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorHandling:     promhttp.ContinueOnError,
			EnableOpenMetrics: true,
		}),
		shutdownFuncs: []func(context.Context) error{mp.Shutdown},
	}, nil
}

// NewNoopProvider returns a provider that records nothing.
func NewNoopProvider() *Provider {
	return &Provider{
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// Handler serves the collected metrics, or is nil when metrics are disabled.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and releases every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
