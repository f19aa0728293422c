// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/router"
)

func listTools(names ...string) invokeFunc {
	return func(_ context.Context, req gateway.Request) (json.RawMessage, error) {
		if req.Kind != gateway.OperationListTools {
			return nil, errors.New("unexpected request")
		}
		tools := make([]mcp.Tool, 0, len(names))
		for _, n := range names {
			tools = append(tools, mcp.NewTool(n))
		}
		return gateway.EncodeTools(tools)
	}
}

func TestRouter_FanOutReportsPartialFailures(t *testing.T) {
	t.Parallel()

	fs := newBackend("fs", listTools("read_file", "write_file"))
	git := newBackend("git", listTools("status"))
	broken := newBackend("broken", func(context.Context, gateway.Request) (json.RawMessage, error) {
		return nil, errors.New("read: connection reset by peer")
	})
	m := newManager(t, fs, git, broken)
	engine := newEngine(t, map[string]config.ClientConfig{
		"vscode": {Deny: []config.AccessRule{{Server: "fs", Tools: []string{"write_file"}}}},
	})
	r := router.New(engine, m, router.Limits{}, router.WithCache(newStore(t)))

	res, err := r.Handle(context.Background(), vscode, gateway.Request{Kind: gateway.OperationListTools})
	require.NoError(t, err)
	assert.Equal(t, []string{"fs.read_file", "git.status"}, toolNames(t, res.Payload))
	assert.False(t, res.Cached)

	require.NotNil(t, res.Aggregate)
	assert.Equal(t, []string{"fs", "git"}, res.Aggregate.Succeeded())
	assert.Equal(t, []string{"broken"}, res.Aggregate.Failed())
	require.Len(t, res.Aggregate.Results, 3)
	failed := res.Aggregate.Results[0]
	assert.Equal(t, "broken", failed.Backend)
	assert.Equal(t, gateway.KindBackendUnavailable, failed.ErrorKind)
	assert.NotContains(t, failed.Error, "connection reset")

	res, err = r.Handle(context.Background(), vscode, gateway.Request{Kind: gateway.OperationListTools})
	require.NoError(t, err)
	assert.False(t, res.Cached, "one backend was not served from cache")
	for _, sub := range res.Aggregate.Results {
		assert.Equal(t, sub.OK(), sub.Cached, sub.Backend)
	}
	assert.EqualValues(t, 1, fs.conn.calls.Load())
	assert.EqualValues(t, 1, git.conn.calls.Load())
	assert.EqualValues(t, 2, broken.conn.calls.Load())
}

func TestRouter_FanOutSkipsUnreachableBackends(t *testing.T) {
	t.Parallel()

	fs := newBackend("fs", listTools("read_file"))
	git := newBackend("git", listTools("status"))
	m := newManager(t, fs, git)
	engine := newEngine(t, map[string]config.ClientConfig{
		"vscode": {Deny: []config.AccessRule{{Server: "git"}}},
	})
	r := router.New(engine, m, router.Limits{})

	res, err := r.Handle(context.Background(), vscode, gateway.Request{Kind: gateway.OperationListTools})
	require.NoError(t, err)
	assert.Equal(t, []string{"fs.read_file"}, toolNames(t, res.Payload))
	assert.Equal(t, []string{"fs"}, res.Aggregate.Succeeded())
	assert.Empty(t, res.Aggregate.Failed())
	assert.Zero(t, git.conn.calls.Load())
}

func TestRouter_FanOutWithNoBackends(t *testing.T) {
	t.Parallel()

	r := router.New(newEngine(t, nil), newManager(t), router.Limits{})

	res, err := r.Handle(context.Background(), vscode, gateway.Request{Kind: gateway.OperationListPrompts})
	require.NoError(t, err)
	prompts, err := gateway.DecodePrompts(res.Payload)
	require.NoError(t, err)
	assert.Empty(t, prompts)
	assert.Empty(t, res.Aggregate.Results)
	assert.False(t, res.Cached)
}

func TestRouter_ResourceListingIsFilteredAndNamespaced(t *testing.T) {
	t.Parallel()

	fs := newBackend("fs", func(context.Context, gateway.Request) (json.RawMessage, error) {
		return gateway.EncodeResources([]mcp.Resource{
			mcp.NewResource("file:///notes.txt", "notes"),
			mcp.NewResource("secret://token", "token"),
		})
	})
	m := newManager(t, fs)
	engine := newEngine(t, map[string]config.ClientConfig{
		"vscode": {Deny: []config.AccessRule{{Server: "fs", Resources: []string{"secret://*"}}}},
	})
	r := router.New(engine, m, router.Limits{})

	res, err := r.Handle(context.Background(), vscode, gateway.Request{Kind: gateway.OperationListResources, Backend: "fs"})
	require.NoError(t, err)
	assert.Nil(t, res.Aggregate)

	resources, err := gateway.DecodeResources(res.Payload)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "mcp://fs/file:///notes.txt", resources[0].URI)
	assert.Equal(t, "notes", resources[0].Name)

	_, err = r.Handle(context.Background(), vscode, gateway.Request{
		Kind:        gateway.OperationReadResource,
		Backend:     "fs",
		ResourceURI: "secret://token",
	})
	require.ErrorIs(t, err, gateway.ErrAccessDenied)
}

func TestRouter_PromptListingNamespaced(t *testing.T) {
	t.Parallel()

	fs := newBackend("fs", func(context.Context, gateway.Request) (json.RawMessage, error) {
		return gateway.EncodePrompts([]mcp.Prompt{mcp.NewPrompt("summarize"), mcp.NewPrompt("admin_reset")})
	})
	m := newManager(t, fs)
	engine := newEngine(t, map[string]config.ClientConfig{
		"vscode": {Deny: []config.AccessRule{{Server: "fs", Tools: []string{"admin_*"}}}},
	})
	r := router.New(engine, m, router.Limits{})

	res, err := r.Handle(context.Background(), vscode, gateway.Request{Kind: gateway.OperationListPrompts})
	require.NoError(t, err)
	prompts, err := gateway.DecodePrompts(res.Payload)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "fs.summarize", prompts[0].Name)
}

func TestRouter_FanOutIsolatesMalformedListing(t *testing.T) {
	t.Parallel()

	good := newBackend("good", listTools("status"))
	bad := newBackend("bad", func(context.Context, gateway.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"tools": 5}`), nil
	})
	m := newManager(t, good, bad)
	store := newStore(t)
	r := router.New(newEngine(t, nil), m, router.Limits{}, router.WithCache(store))
	ctx := context.Background()

	res, err := r.Handle(ctx, vscode, gateway.Request{Kind: gateway.OperationListTools})
	require.NoError(t, err)
	assert.Equal(t, []string{"good.status"}, toolNames(t, res.Payload))
	assert.Equal(t, []string{"good"}, res.Aggregate.Succeeded())
	assert.Equal(t, []string{"bad"}, res.Aggregate.Failed())
	assert.Equal(t, gateway.KindBackendUnavailable, res.Aggregate.Results[0].ErrorKind)
	assert.Equal(t, 1, store.Stats().Size, "malformed listings are not cached")
	assert.Equal(t, 1, failures(t, m, "bad"))

	_, err = r.Handle(ctx, vscode, gateway.Request{Kind: gateway.OperationListTools, Backend: "bad"})
	require.ErrorIs(t, err, gateway.ErrBackendUnavailable)
	assert.EqualValues(t, 2, bad.conn.calls.Load())
}
