// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

//go:generate mockgen -destination=mocks/mock_connection.go -package=mocks -source=connection.go Connection,Dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// Connection is one live MCP channel to a backend. Implementations must be
// safe for concurrent Invoke calls; Close fails pending calls immediately.
type Connection interface {
	// Start launches or dials the backend and performs the MCP handshake.
	Start(ctx context.Context) error
	// Invoke forwards req and returns the JSON encoded MCP result. req names
	// tools, prompts and resources in backend-local form.
	Invoke(ctx context.Context, req gateway.Request) (json.RawMessage, error)
	// Probe runs one health check.
	Probe(ctx context.Context, spec gateway.HealthCheckSpec) error
	// Close tears the channel down. For stdio backends this ends the process.
	Close() error
}

// Dialer creates unstarted connections from launch specs.
type Dialer interface {
	Dial(name string, spec *LaunchSpec) (Connection, error)
}

// MCPDialer creates connections backed by mark3labs/mcp-go clients.
type MCPDialer struct {
	clientInfo mcp.Implementation
}

// NewMCPDialer creates a dialer that introduces itself to backends as
// name/version.
func NewMCPDialer(name, version string) *MCPDialer {
	return &MCPDialer{clientInfo: mcp.Implementation{Name: name, Version: version}}
}

// Dial implements Dialer.
func (d *MCPDialer) Dial(name string, spec *LaunchSpec) (Connection, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: backend %s has no launch spec", gateway.ErrInstallFailure, name)
	}
	return &mcpConnection{name: name, spec: spec, clientInfo: d.clientInfo}, nil
}

// mcpConnection implements Connection over an mcp-go client. The client
// correlates concurrent requests by JSON-RPC id.
type mcpConnection struct {
	name       string
	spec       *LaunchSpec
	clientInfo mcp.Implementation

	mu     sync.RWMutex
	client *client.Client
	closed bool
}

func (c *mcpConnection) Start(ctx context.Context) error {
	mcpClient, err := c.newClient(ctx)
	if err != nil {
		return startError(err, c.name, "start")
	}

	result, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      c.clientInfo,
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logger.Debugw("failed to close client after initialize error", "backend", c.name, "error", closeErr)
		}
		return startError(err, c.name, "initialize")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = mcpClient.Close()
		return fmt.Errorf("%w: backend %s closed during start", gateway.ErrBackendUnavailable, c.name)
	}
	c.client = mcpClient

	logger.Debugw("backend initialized",
		"backend", c.name,
		"transport", c.spec.Transport,
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

func (c *mcpConnection) newClient(ctx context.Context) (*client.Client, error) {
	switch c.spec.Transport {
	case gateway.TransportStdio:
		// The stdio client starts the process itself.
		return client.NewStdioMCPClient(c.spec.Command, c.spec.Env, c.spec.Args...)

	case gateway.TransportSSE:
		var opts []transport.ClientOption
		if len(c.spec.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(c.spec.Headers))
		}
		mcpClient, err := client.NewSSEMCPClient(c.spec.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSE client: %w", err)
		}
		if err := mcpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start SSE transport: %w", err)
		}
		return mcpClient, nil

	case gateway.TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(c.spec.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(c.spec.Headers))
		}
		mcpClient, err := client.NewStreamableHttpClient(c.spec.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable-http client: %w", err)
		}
		if err := mcpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start streamable-http transport: %w", err)
		}
		return mcpClient, nil

	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", gateway.ErrInstallFailure, c.spec.Transport)
	}
}

func (c *mcpConnection) live() (*client.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, fmt.Errorf("%w: backend %s is not connected", gateway.ErrBackendUnavailable, c.name)
	}
	return c.client, nil
}

func (c *mcpConnection) Invoke(ctx context.Context, req gateway.Request) (json.RawMessage, error) {
	mcpClient, err := c.live()
	if err != nil {
		return nil, err
	}

	var result any
	switch req.Kind {
	case gateway.OperationListTools:
		result, err = mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	case gateway.OperationListResources:
		result, err = mcpClient.ListResources(ctx, mcp.ListResourcesRequest{})
	case gateway.OperationListPrompts:
		result, err = mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{})
	case gateway.OperationReadResource:
		result, err = mcpClient.ReadResource(ctx, mcp.ReadResourceRequest{
			Params: mcp.ReadResourceParams{URI: req.ResourceURI},
		})
	case gateway.OperationGetPrompt:
		result, err = mcpClient.GetPrompt(ctx, mcp.GetPromptRequest{
			Params: mcp.GetPromptParams{Name: req.Operation, Arguments: promptArguments(req.Arguments)},
		})
	case gateway.OperationCallTool:
		return c.callTool(ctx, mcpClient, req.Operation, req.Arguments)
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", gateway.ErrInvalidRequest, req.Kind)
	}
	if err != nil {
		return nil, wrapBackendError(err, c.name, string(req.Kind))
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result from backend %s: %w", req.Kind, c.name, err)
	}
	return payload, nil
}

func (c *mcpConnection) callTool(
	ctx context.Context,
	mcpClient *client.Client,
	name string,
	args map[string]any,
) (json.RawMessage, error) {
	result, err := mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, wrapBackendError(err, c.name, "call tool "+name)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result from backend %s: %w", c.name, err)
	}

	// IsError is an MCP-level failure of the tool, not of the channel.
	if result.IsError {
		msg := "tool execution error"
		if len(result.Content) > 0 {
			if text, ok := mcp.AsTextContent(result.Content[0]); ok && text.Text != "" {
				msg = text.Text
			}
		}
		logger.Debugw("tool returned an error", "backend", c.name, "tool", name, "message", msg)
		return nil, &gateway.ApplicationError{Backend: c.name, Message: msg, Payload: payload}
	}
	return payload, nil
}

func (c *mcpConnection) Probe(ctx context.Context, spec gateway.HealthCheckSpec) error {
	mcpClient, err := c.live()
	if err != nil {
		return err
	}

	if spec.Method == gateway.HealthCheckToolCall {
		_, err := c.callTool(ctx, mcpClient, spec.Tool, spec.Args)
		var appErr *gateway.ApplicationError
		if errors.As(err, &appErr) {
			// A probe tool that reports an error counts as a failed probe.
			return fmt.Errorf("%w: health check tool %s: %s", gateway.ErrBackendUnavailable, spec.Tool, appErr.Message)
		}
		return err
	}

	if err := mcpClient.Ping(ctx); err != nil {
		return wrapBackendError(err, c.name, "ping")
	}
	return nil
}

func (c *mcpConnection) Close() error {
	c.mu.Lock()
	mcpClient := c.client
	c.client = nil
	c.closed = true
	c.mu.Unlock()

	if mcpClient == nil {
		return nil
	}
	if err := mcpClient.Close(); err != nil {
		return fmt.Errorf("failed to close backend %s: %w", c.name, err)
	}
	return nil
}

func promptArguments(args map[string]any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// wrapBackendError classifies an error returned by the MCP client. Timeouts
// map to gateway.ErrTimeout and channel failures to
// gateway.ErrBackendUnavailable. Anything else came back over a working
// channel as a JSON-RPC error and is the backend's own answer.
func wrapBackendError(err error, backend, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", gateway.ErrTimeout, operation, backend, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to %s on backend %s: %w", operation, backend, err)
	}
	if errors.Is(err, gateway.ErrInstallFailure) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", gateway.ErrTimeout, operation, backend, err)
	}
	if isChannelError(err) {
		return fmt.Errorf("%w: failed to %s on backend %s: %v", gateway.ErrBackendUnavailable, operation, backend, err)
	}

	return &gateway.ApplicationError{Backend: backend, Message: err.Error()}
}

// startError classifies a failed launch or handshake. The channel never came
// up, so nothing here is the backend's own answer.
func startError(err error, backend, operation string) error {
	if errors.Is(err, gateway.ErrInstallFailure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: failed to %s backend %s: %v", gateway.ErrTimeout, operation, backend, err)
	}
	return fmt.Errorf("%w: failed to %s backend %s: %v", gateway.ErrBackendUnavailable, operation, backend, err)
}

// channelErrorPatterns are fragments of transport failures the MCP client
// reports without a typed error.
var channelErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"transport closed",
	"transport has been closed",
	"file already closed",
	"client not initialized",
	"failed to send request",
	"unexpected status code",
	"executable file not found",
	"no such file or directory",
}

func isChannelError(err error) bool {
	var netErr net.Error
	var execErr *exec.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &netErr),
		errors.As(err, &execErr):
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, p := range channelErrorPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
