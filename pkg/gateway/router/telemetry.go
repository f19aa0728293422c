// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

const instrumentationName = "github.com/MykolaVaskevych/MCP-manager/pkg/gateway/router"

var (
	attrKind      = attribute.Key("mcp_gateway.operation.kind")
	attrBackend   = attribute.Key("mcp_gateway.backend")
	attrOutcome   = attribute.Key("mcp_gateway.outcome")
	attrRequestID = attribute.Key("mcp_gateway.request.id")
	attrOperation = attribute.Key("mcp_gateway.operation.name")
	attrCached    = attribute.Key("mcp_gateway.cached")
	attrErrorType = attribute.Key("error.type")
)

type routerMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newRouterMetrics(mp metric.MeterProvider) *routerMetrics {
	meter := mp.Meter(instrumentationName)
	m := &routerMetrics{}

	var err error
	if m.requests, err = meter.Int64Counter("mcp_gateway_requests",
		metric.WithDescription("Number of routed requests by kind, backend and outcome")); err != nil {
		logger.Warnf("Failed to create requests counter: %v", err)
	}
	if m.duration, err = meter.Float64Histogram("mcp_gateway_request_duration",
		metric.WithDescription("Duration of routed requests in seconds"),
		metric.WithUnit("s")); err != nil {
		logger.Warnf("Failed to create request duration histogram: %v", err)
	}
	return m
}

// outcome is the metric label for a finished request: "ok", "cached" or
// an error kind.
func outcome(cached bool, err error) string {
	switch {
	case err != nil:
		return string(gateway.KindOf(err))
	case cached:
		return "cached"
	default:
		return "ok"
	}
}

// record starts a span for one per-backend request. The returned function
// ends it and records the request metrics.
func (r *Router) record(ctx context.Context, req gateway.Request) (context.Context, func(cached bool, err error)) {
	ctx, span := r.tracer.Start(ctx, string(req.Kind)+" "+target(req),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attrKind.String(string(req.Kind)),
			attrBackend.String(req.Backend),
			attrOperation.String(req.Operation),
			attrRequestID.String(req.ID),
		),
	)
	start := time.Now()

	return ctx, func(cached bool, err error) {
		attrs := metric.WithAttributes(
			attrKind.String(string(req.Kind)),
			attrBackend.String(req.Backend),
			attrOutcome.String(outcome(cached, err)),
		)
		if r.metrics.requests != nil {
			r.metrics.requests.Add(ctx, 1, attrs)
		}
		if r.metrics.duration != nil {
			r.metrics.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}

		span.SetAttributes(attrCached.Bool(cached))
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attrErrorType.String(string(gateway.KindOf(err))))
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
