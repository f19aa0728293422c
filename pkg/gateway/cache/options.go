// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

const instrumentationName = "github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"

// Option customizes a Store.
type Option func(*options)

type options struct {
	now           func() time.Time
	meterProvider metric.MeterProvider
}

func defaultOptions() options {
	return options{
		now:           time.Now,
		meterProvider: otel.GetMeterProvider(),
	}
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMeterProvider records cache metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// storeMetrics mirrors the Stats counters into OpenTelemetry.
type storeMetrics struct {
	attrs     metric.MeasurementOption
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
}

func newStoreMetrics(mp metric.MeterProvider, provider Provider) *storeMetrics {
	meter := mp.Meter(instrumentationName)
	m := &storeMetrics{
		attrs: metric.WithAttributes(attribute.String("provider", string(provider))),
	}

	var err error
	if m.hits, err = meter.Int64Counter("mcp_gateway_cache_hits",
		metric.WithDescription("Number of cache lookups answered from the cache")); err != nil {
		logger.Warnf("Failed to create cache hits counter: %v", err)
	}
	if m.misses, err = meter.Int64Counter("mcp_gateway_cache_misses",
		metric.WithDescription("Number of cache lookups that missed or found an expired entry")); err != nil {
		logger.Warnf("Failed to create cache misses counter: %v", err)
	}
	if m.evictions, err = meter.Int64Counter("mcp_gateway_cache_evictions",
		metric.WithDescription("Number of entries evicted to make room for new ones")); err != nil {
		logger.Warnf("Failed to create cache evictions counter: %v", err)
	}
	return m
}

func (m *storeMetrics) hit(ctx context.Context) {
	if m.hits != nil {
		m.hits.Add(ctx, 1, m.attrs)
	}
}

func (m *storeMetrics) miss(ctx context.Context) {
	if m.misses != nil {
		m.misses.Add(ctx, 1, m.attrs)
	}
}

func (m *storeMetrics) evicted(ctx context.Context, n int) {
	if m.evictions != nil && n > 0 {
		m.evictions.Add(ctx, int64(n), m.attrs)
	}
}
