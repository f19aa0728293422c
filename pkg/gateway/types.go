// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"reflect"
	"time"
)

// TransportType is the wire transport used to reach a backend.
type TransportType string

const (
	// TransportStdio launches the backend as a child process speaking over stdin/stdout.
	TransportStdio TransportType = "stdio"
	// TransportSSE connects to a remote backend using the legacy SSE transport.
	TransportSSE TransportType = "sse"
	// TransportStreamableHTTP connects to a remote backend using streamable HTTP.
	TransportStreamableHTTP TransportType = "streamable-http"
)

// IsRemote reports whether the transport reaches an already running endpoint.
func (t TransportType) IsRemote() bool {
	return t == TransportSSE || t == TransportStreamableHTTP
}

// OperationKind classifies a client-facing request.
type OperationKind string

const (
	// OperationListTools lists the tools of one or all backends.
	OperationListTools OperationKind = "list-tools"
	// OperationCallTool invokes a named tool.
	OperationCallTool OperationKind = "call-tool"
	// OperationListResources lists the resources of one or all backends.
	OperationListResources OperationKind = "list-resources"
	// OperationReadResource reads a resource by URI.
	OperationReadResource OperationKind = "read-resource"
	// OperationListPrompts lists the prompts of one or all backends.
	OperationListPrompts OperationKind = "list-prompts"
	// OperationGetPrompt renders a named prompt.
	OperationGetPrompt OperationKind = "get-prompt"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationListTools, OperationCallTool, OperationListResources,
		OperationReadResource, OperationListPrompts, OperationGetPrompt:
		return true
	}
	return false
}

// IsListing reports whether k enumerates capabilities rather than invoking one.
func (k OperationKind) IsListing() bool {
	return k == OperationListTools || k == OperationListResources || k == OperationListPrompts
}

// ItemKind returns the invocation kind that governs items of a listing,
// e.g. call-tool for list-tools. It returns k itself for non-listings.
func (k OperationKind) ItemKind() OperationKind {
	switch k {
	case OperationListTools:
		return OperationCallTool
	case OperationListResources:
		return OperationReadResource
	case OperationListPrompts:
		return OperationGetPrompt
	default:
		return k
	}
}

// HealthCheckMethod selects how a backend is probed.
type HealthCheckMethod string

const (
	// HealthCheckPing sends an MCP ping request.
	HealthCheckPing HealthCheckMethod = "ping"
	// HealthCheckToolCall invokes a configured sample tool.
	HealthCheckToolCall HealthCheckMethod = "tool_call"
)

// HealthCheckSpec describes the periodic probe for one backend.
type HealthCheckSpec struct {
	Method   HealthCheckMethod
	Tool     string
	Args     map[string]any
	Interval time.Duration
	Timeout  time.Duration
}

// BackendDescriptor is the static identity of a backend as found in a
// configuration snapshot. Descriptors are replaced wholesale on reload.
type BackendDescriptor struct {
	// Name is the unique key of the backend.
	Name string

	// Transport is the wire transport used to reach the backend.
	Transport TransportType

	// Source is an opaque artifact reference such as "npx:@scope/pkg" or
	// "local:/opt/server". It is resolved by a launcher, never by the core.
	Source string

	// Command and Args launch a stdio backend. Command overrides Source.
	Command string
	Args    []string

	// Env is passed to stdio backends. Values arrive already substituted.
	Env map[string]string

	// URL and Headers address a remote backend.
	URL     string
	Headers map[string]string

	Enabled     bool
	HealthCheck HealthCheckSpec

	// CacheableTools lists tool-name patterns whose results may be cached.
	CacheableTools []string
}

// Equal reports whether two descriptors describe the same backend instance.
// An unchanged descriptor keeps its backend running across reloads.
func (d BackendDescriptor) Equal(other BackendDescriptor) bool {
	return reflect.DeepEqual(d, other)
}

// ClientAttributes are the raw, transport-level facts known about a client
// session before it is classified.
type ClientAttributes struct {
	SessionID     string
	Transport     string
	ClientName    string
	ClientVersion string
	UserAgent     string
	RemoteAddress string
	// Headers uses canonical header names.
	Headers map[string]string
}

// ClientIdentity is the resolved, session-scoped classification of a client.
// It is immutable once produced.
type ClientIdentity struct {
	// Name is the key of the client rule set this session maps to.
	Name string
	// Default is true when no identify_by predicate matched.
	Default    bool
	Attributes ClientAttributes
}

// Request is a client-facing request on its way through the router. The
// deadline travels on the context passed alongside it.
type Request struct {
	// ID correlates log lines and spans for one request.
	ID   string
	Kind OperationKind
	// Backend is empty for listings that fan out to every allowed backend.
	Backend     string
	Operation   string
	Arguments   map[string]any
	ResourceURI string
}

// Result is a successful response. Payload holds the JSON encoded MCP result
// exactly as the backend produced it (or as merged for fan-out listings).
type Result struct {
	Backend   string          `json:"backend,omitempty"`
	Kind      OperationKind   `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	Aggregate *Aggregate      `json:"aggregate,omitempty"`
}

// Aggregate reports the per-backend outcome of a fan-out listing.
type Aggregate struct {
	Results []SubResult `json:"results"`
}

// SubResult is the outcome of one backend within a fan-out.
type SubResult struct {
	Backend   string    `json:"backend"`
	Cached    bool      `json:"cached,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// OK reports whether the sub-result succeeded.
func (s SubResult) OK() bool {
	return s.ErrorKind == ""
}

// Succeeded returns the backends that answered.
func (a *Aggregate) Succeeded() []string {
	var out []string
	for _, r := range a.Results {
		if r.OK() {
			out = append(out, r.Backend)
		}
	}
	return out
}

// Failed returns the backends that did not answer.
func (a *Aggregate) Failed() []string {
	var out []string
	for _, r := range a.Results {
		if !r.OK() {
			out = append(out, r.Backend)
		}
	}
	return out
}
