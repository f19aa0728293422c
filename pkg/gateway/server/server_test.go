// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/server"
)

// fakeRouter answers listings from per-client tables and records every
// invocation it receives.
type fakeRouter struct {
	mu        sync.Mutex
	tools     map[string][]string
	prompts   map[string][]string
	resources map[string][]string
	calls     []gateway.Request
	invoke    func(identity gateway.ClientIdentity, req gateway.Request) (*gateway.Result, error)
}

func (f *fakeRouter) setTools(client string, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools[client] = names
}

func (f *fakeRouter) Handle(_ context.Context, identity gateway.ClientIdentity, req gateway.Request) (*gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		payload json.RawMessage
		err     error
	)
	switch req.Kind {
	case gateway.OperationListTools:
		tools := []mcp.Tool{}
		for _, name := range f.tools[identity.Name] {
			tools = append(tools, mcp.NewTool(name))
		}
		payload, err = gateway.EncodeTools(tools)
	case gateway.OperationListResources:
		resources := []mcp.Resource{}
		for _, uri := range f.resources[identity.Name] {
			resources = append(resources, mcp.Resource{URI: uri, Name: uri})
		}
		payload, err = gateway.EncodeResources(resources)
	case gateway.OperationListPrompts:
		prompts := []mcp.Prompt{}
		for _, name := range f.prompts[identity.Name] {
			prompts = append(prompts, mcp.NewPrompt(name))
		}
		payload, err = gateway.EncodePrompts(prompts)
	default:
		f.calls = append(f.calls, req)
		return f.invoke(identity, req)
	}
	if err != nil {
		return nil, err
	}
	return &gateway.Result{Kind: req.Kind, Payload: payload, Aggregate: &gateway.Aggregate{}}, nil
}

func (f *fakeRouter) lastCall() gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type nameIdentifier struct{}

func (nameIdentifier) Identify(attrs gateway.ClientAttributes) gateway.ClientIdentity {
	if attrs.ClientName == "vscode" {
		return gateway.ClientIdentity{Name: "vscode", Attributes: attrs}
	}
	return gateway.ClientIdentity{Name: "default", Default: true, Attributes: attrs}
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func newFakeRouter(t *testing.T) *fakeRouter {
	t.Helper()
	return &fakeRouter{
		tools: map[string][]string{
			"vscode":  {"fs.read_file", "fs.write_file"},
			"default": {"fs.read_file"},
		},
		resources: map[string][]string{
			"vscode": {gateway.NamespaceResourceURI("fs", "file:///notes.txt")},
		},
		prompts: map[string][]string{
			"vscode": {"fs.summarize"},
		},
		invoke: func(_ gateway.ClientIdentity, req gateway.Request) (*gateway.Result, error) {
			switch req.Kind {
			case gateway.OperationCallTool:
				switch req.Operation {
				case "read_file":
					path, _ := req.Arguments["path"].(string)
					return &gateway.Result{
						Backend: req.Backend,
						Kind:    req.Kind,
						Payload: marshal(t, mcp.NewToolResultText("contents of "+path)),
					}, nil
				case "write_file":
					return nil, &gateway.ApplicationError{
						Backend: req.Backend,
						Message: "disk full",
						Payload: marshal(t, mcp.NewToolResultError("disk full")),
					}
				}
				return nil, fmt.Errorf("%w: call-tool %s.%s", gateway.ErrAccessDenied, req.Backend, req.Operation)
			case gateway.OperationReadResource:
				return &gateway.Result{
					Backend: req.Backend,
					Kind:    req.Kind,
					Payload: marshal(t, mcp.ReadResourceResult{Contents: []mcp.ResourceContents{
						mcp.TextResourceContents{URI: req.ResourceURI, MIMEType: "text/plain", Text: "remember the milk"},
					}}),
				}, nil
			case gateway.OperationGetPrompt:
				return nil, fmt.Errorf("%w: dial tcp 10.0.0.7:443: connection refused", gateway.ErrBackendUnavailable)
			}
			return nil, gateway.ErrInvalidRequest
		},
	}
}

func startGateway(t *testing.T, router *fakeRouter) *server.Server {
	t.Helper()
	srv := server.New(router, nameIdentifier{}, server.Config{Name: "mcp-gateway", Version: "1.2.0"})
	return srv
}

func connect(t *testing.T, url, clientName string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.NewStreamableHttpClient(url)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Close() })

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: "1.0.0"}
	res, err := c.Initialize(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "mcp-gateway", res.ServerInfo.Name)
	require.Equal(t, "1.2.0", res.ServerInfo.Version)
	return c
}

func toolNames(t *testing.T, c *client.Client) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

func serve(t *testing.T, srv *server.Server) string {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL + server.DefaultEndpointPath
}

func TestServer_ListingsFollowIdentity(t *testing.T) {
	t.Parallel()

	router := newFakeRouter(t)
	srv := startGateway(t, router)
	url := serve(t, srv)

	vscode := connect(t, url, "vscode")
	other := connect(t, url, "curl")

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"fs.read_file", "fs.write_file"}, toolNames(t, vscode))
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"fs.read_file"}, toolNames(t, other))
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 2, srv.Sessions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prompts, err := vscode.ListPrompts(ctx, mcp.ListPromptsRequest{})
	require.NoError(t, err)
	require.Len(t, prompts.Prompts, 1)
	assert.Equal(t, "fs.summarize", prompts.Prompts[0].Name)

	prompts, err = other.ListPrompts(ctx, mcp.ListPromptsRequest{})
	require.NoError(t, err)
	assert.Empty(t, prompts.Prompts)
}

func TestServer_CallTool(t *testing.T) {
	t.Parallel()

	router := newFakeRouter(t)
	url := serve(t, startGateway(t, router))
	c := connect(t, url, "vscode")
	require.Eventually(t, func() bool {
		return len(toolNames(t, c)) == 2
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "fs.read_file", Arguments: map[string]any{"path": "/tmp/a"}},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Equal(t, "contents of /tmp/a", text.Text)

	call := router.lastCall()
	assert.Equal(t, gateway.OperationCallTool, call.Kind)
	assert.Equal(t, "fs", call.Backend)
	assert.Equal(t, "read_file", call.Operation)

	// The backend's own error result passes through untouched.
	res, err = c.CallTool(ctx, mcp.CallToolRequest{Params: mcp.CallToolParams{Name: "fs.write_file"}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok = mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Equal(t, "disk full", text.Text)
}

func TestServer_ResourcesAndPrompts(t *testing.T) {
	t.Parallel()

	router := newFakeRouter(t)
	url := serve(t, startGateway(t, router))
	c := connect(t, url, "vscode")

	uri := gateway.NamespaceResourceURI("fs", "file:///notes.txt")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var res *mcp.ReadResourceResult
	require.Eventually(t, func() bool {
		var err error
		res, err = c.ReadResource(ctx, mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: uri}})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	require.Len(t, res.Contents, 1)
	text, ok := res.Contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "remember the milk", text.Text)

	call := router.lastCall()
	assert.Equal(t, "fs", call.Backend)
	assert.Equal(t, "file:///notes.txt", call.ResourceURI)

	_, err := c.GetPrompt(ctx, mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: "fs.summarize"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(gateway.KindBackendUnavailable))
	assert.NotContains(t, err.Error(), "connection refused")
}

func TestServer_Refresh(t *testing.T) {
	t.Parallel()

	router := newFakeRouter(t)
	srv := startGateway(t, router)
	url := serve(t, srv)
	c := connect(t, url, "vscode")
	require.Eventually(t, func() bool {
		return len(toolNames(t, c)) == 2
	}, 5*time.Second, 50*time.Millisecond)

	router.setTools("vscode", "fs.read_file", "git.status")
	srv.Refresh(context.Background())

	assert.Equal(t, []string{"fs.read_file", "git.status"}, toolNames(t, c))
}

func TestServer_RequestRefresh(t *testing.T) {
	t.Parallel()

	router := newFakeRouter(t)
	srv := server.New(router, nameIdentifier{}, server.Config{
		Name:    "mcp-gateway",
		Version: "1.2.0",
		Address: "127.0.0.1:0",
	})
	url := serve(t, srv)
	c := connect(t, url, "vscode")
	require.Eventually(t, func() bool {
		return len(toolNames(t, c)) == 2
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	router.setTools("vscode", "git.status")
	srv.RequestRefresh()
	srv.RequestRefresh()

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"git.status"}, toolNames(t, c))
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
