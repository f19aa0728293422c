// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
)

type attributesKey struct{}

// withRequestAttributes captures the transport facts of an HTTP request so
// the session hooks can classify the client.
func withRequestAttributes(ctx context.Context, r *http.Request) context.Context {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[http.CanonicalHeaderKey(name)] = values[0]
		}
	}
	return context.WithValue(ctx, attributesKey{}, gateway.ClientAttributes{
		Transport:     string(gateway.TransportStreamableHTTP),
		UserAgent:     r.UserAgent(),
		RemoteAddress: r.RemoteAddr,
		Headers:       headers,
	})
}

// transportAttributes returns the attributes captured for the request on
// ctx, or just the transport when there are none.
func (s *Server) transportAttributes(ctx context.Context) gateway.ClientAttributes {
	if attrs, ok := ctx.Value(attributesKey{}).(gateway.ClientAttributes); ok {
		return attrs
	}
	return gateway.ClientAttributes{Transport: string(s.config.Transport)}
}
