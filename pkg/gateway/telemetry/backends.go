// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/backend"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

const instrumentationName = "github.com/MykolaVaskevych/MCP-manager/pkg/gateway/telemetry"

var (
	attrBackend = attribute.Key("mcp_gateway.backend")
	attrState   = attribute.Key("mcp_gateway.backend.state")
	attrFrom    = attribute.Key("mcp_gateway.backend.from_state")
)

// BackendStates records backend lifecycle transitions. The state gauge is
// 1 for the state a backend is in and 0 for the state it left.
type BackendStates struct {
	state       metric.Int64Gauge
	transitions metric.Int64Counter
}

// NewBackendStates creates the backend lifecycle instruments.
func NewBackendStates(mp metric.MeterProvider) *BackendStates {
	meter := mp.Meter(instrumentationName)
	b := &BackendStates{}

	var err error
	if b.state, err = meter.Int64Gauge("mcp_gateway_backend_state",
		metric.WithDescription("Current lifecycle state of each backend (1 = in state)")); err != nil {
		logger.Warnf("Failed to create backend state gauge: %v", err)
	}
	if b.transitions, err = meter.Int64Counter("mcp_gateway_backend_transitions",
		metric.WithDescription("Number of backend lifecycle transitions")); err != nil {
		logger.Warnf("Failed to create backend transitions counter: %v", err)
	}
	return b
}

// Observe is a backend.Manager state observer.
func (b *BackendStates) Observe(name string, from, to backend.State) {
	ctx := context.Background()
	if b.state != nil {
		if from != to {
			b.state.Record(ctx, 0, metric.WithAttributes(attrBackend.String(name), attrState.String(string(from))))
		}
		b.state.Record(ctx, 1, metric.WithAttributes(attrBackend.String(name), attrState.String(string(to))))
	}
	if b.transitions != nil {
		b.transitions.Add(ctx, 1, metric.WithAttributes(
			attrBackend.String(name),
			attrFrom.String(string(from)),
			attrState.String(string(to)),
		))
	}
}
