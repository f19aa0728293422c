// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"fmt"
	"net/http"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
)

// ClientAttributes is the wire form of gateway.ClientAttributes.
type ClientAttributes struct {
	ClientName    string            `json:"client_name,omitempty"`
	ClientVersion string            `json:"client_version,omitempty"`
	Transport     string            `json:"transport,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	RemoteAddress string            `json:"remote_address,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

func (a ClientAttributes) toGateway() gateway.ClientAttributes {
	attrs := gateway.ClientAttributes{
		ClientName:    a.ClientName,
		ClientVersion: a.ClientVersion,
		Transport:     a.Transport,
		UserAgent:     a.UserAgent,
		RemoteAddress: a.RemoteAddress,
	}
	if len(a.Headers) > 0 {
		attrs.Headers = make(map[string]string, len(a.Headers))
		for k, v := range a.Headers {
			attrs.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}
	return attrs
}

// DryRunRequest asks how a request from a client would be decided.
//
// Backend may be omitted when Operation is a namespaced tool or prompt name
// ("fs.read_file") or ResourceURI is a namespaced resource URI.
type DryRunRequest struct {
	Client      ClientAttributes      `json:"client"`
	Kind        gateway.OperationKind `json:"kind"`
	Backend     string                `json:"backend,omitempty"`
	Operation   string                `json:"operation,omitempty"`
	ResourceURI string                `json:"resource_uri,omitempty"`
}

func (r DryRunRequest) toGateway() (gateway.Request, error) {
	req := gateway.Request{
		Kind:        r.Kind,
		Backend:     r.Backend,
		Operation:   r.Operation,
		ResourceURI: r.ResourceURI,
	}
	if req.Backend != "" {
		return req, nil
	}

	var ok bool
	switch r.Kind {
	case gateway.OperationCallTool, gateway.OperationGetPrompt:
		req.Backend, req.Operation, ok = gateway.SplitName(r.Operation)
	case gateway.OperationReadResource:
		req.Backend, req.ResourceURI, ok = gateway.SplitResourceURI(r.ResourceURI)
	}
	if !ok {
		return gateway.Request{}, fmt.Errorf("%w: backend is required", gateway.ErrInvalidRequest)
	}
	return req, nil
}

// InvalidateResponse reports how many cache entries were dropped.
type InvalidateResponse struct {
	Backend string `json:"backend,omitempty"`
	Removed int    `json:"removed"`
}
