// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
)

func newTestEngine(t *testing.T, clients map[string]config.ClientConfig, acc config.AccessConfig) *Engine {
	t.Helper()
	cfg := &config.Config{Clients: clients, Access: acc}
	cfg.EnsureDefaults()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func identity(name string) gateway.ClientIdentity {
	return gateway.ClientIdentity{Name: name}
}

func TestEngine_VSCodeScenario(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ClientConfig{
		"vscode": {
			Allow: []config.AccessRule{{Server: "filesystem", Tools: []string{"read_file"}}},
			Deny:  []config.AccessRule{{Server: "filesystem", Tools: []string{"write_file"}}},
		},
	}, config.AccessConfig{})

	vscode := identity("vscode")

	d := e.Decide(vscode, "filesystem", gateway.OperationCallTool, "write_file", "")
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, ReasonExactDeny, d.Reason)
	require.NotNil(t, d.Rule)
	assert.Equal(t, "write_file", d.Rule.Pattern)
	assert.ErrorIs(t, d.Err(gateway.OperationCallTool, "filesystem.write_file"), gateway.ErrAccessDenied)

	d = e.Decide(vscode, "filesystem", gateway.OperationCallTool, "read_file", "")
	assert.True(t, d.Allowed())
	assert.Equal(t, ReasonExactAllow, d.Reason)
	assert.NoError(t, d.Err(gateway.OperationCallTool, "filesystem.read_file"))
}

func TestEngine_ExactDenyAlwaysWins(t *testing.T) {
	t.Parallel()

	exactDeny := config.AccessRule{Server: "filesystem", Tools: []string{"write_file"}}
	allows := [][]config.AccessRule{
		{{Server: "filesystem", Tools: []string{"write_file"}}},
		{{Server: "*"}},
		{{Server: "filesystem"}},
		{{Server: "file*", Tools: []string{"write_*"}}},
		{{Server: "filesystem", Tools: []string{"*"}}, {Server: "filesystem", Tools: []string{"write_file"}}},
	}

	for _, precedence := range []string{config.PrecedenceExactFirst, config.PrecedenceDenyFirst} {
		for i, allow := range allows {
			for _, denyFirst := range []bool{true, false} {
				name := fmt.Sprintf("%s/allow-%d/deny-declared-first=%v", precedence, i, denyFirst)
				t.Run(name, func(t *testing.T) {
					t.Parallel()

					deny := []config.AccessRule{{Server: "*", Tools: []string{"other"}}, exactDeny}
					if !denyFirst {
						deny = []config.AccessRule{exactDeny, {Server: "*", Tools: []string{"other"}}}
					}
					e := newTestEngine(t, map[string]config.ClientConfig{
						"c": {Allow: allow, Deny: deny},
					}, config.AccessConfig{Precedence: precedence})

					d := e.Decide(identity("c"), "filesystem", gateway.OperationCallTool, "write_file", "")
					assert.Equal(t, EffectDeny, d.Effect)
					assert.Equal(t, ReasonExactDeny, d.Reason)
				})
			}
		}
	}
}

func TestEngine_DenyAllExceptAllowedWithEmptyAllow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ClientConfig{
		"locked": {DenyAllExceptAllowed: true},
	}, config.AccessConfig{DefaultPolicy: config.PolicyAllow})

	locked := identity("locked")
	requests := []gateway.Request{
		{Backend: "filesystem", Kind: gateway.OperationListTools},
		{Backend: "filesystem", Kind: gateway.OperationCallTool, Operation: "read_file"},
		{Backend: "weather", Kind: gateway.OperationListResources},
		{Backend: "weather", Kind: gateway.OperationReadResource, ResourceURI: "weather://today"},
		{Backend: "prompts", Kind: gateway.OperationListPrompts},
		{Backend: "prompts", Kind: gateway.OperationGetPrompt, Operation: "summarize"},
	}
	for _, req := range requests {
		d := e.DecideRequest(locked, req)
		assert.Equal(t, EffectDeny, d.Effect, "%s %s", req.Kind, req.Backend)
		assert.Equal(t, ReasonDenyAllExcept, d.Reason)
	}
}

func TestEngine_Precedence(t *testing.T) {
	t.Parallel()

	// Exact allow of read_file against a wildcard deny of every tool.
	clients := map[string]config.ClientConfig{
		"c": {
			Allow: []config.AccessRule{{Server: "filesystem", Tools: []string{"read_file"}}},
			Deny:  []config.AccessRule{{Server: "filesystem", Tools: []string{"*"}}},
		},
	}

	tests := []struct {
		precedence string
		want       Effect
		reason     string
	}{
		{config.PrecedenceExactFirst, EffectAllow, ReasonExactAllow},
		{config.PrecedenceDenyFirst, EffectDeny, ReasonWildcardDeny},
	}

	for _, tt := range tests {
		t.Run(tt.precedence, func(t *testing.T) {
			t.Parallel()
			e := newTestEngine(t, clients, config.AccessConfig{Precedence: tt.precedence})

			d := e.Decide(identity("c"), "filesystem", gateway.OperationCallTool, "read_file", "")
			assert.Equal(t, tt.want, d.Effect)
			assert.Equal(t, tt.reason, d.Reason)

			// Tools that only match the wildcard deny are denied either way.
			d = e.Decide(identity("c"), "filesystem", gateway.OperationCallTool, "delete_file", "")
			assert.Equal(t, EffectDeny, d.Effect)
		})
	}
}

func TestEngine_RuleMatching(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ClientConfig{
		"c": {
			Allow: []config.AccessRule{
				{Server: "filesystem", Tools: []string{"read_*", "*_info"}},
				{Server: "weather", Resources: []string{"weather://forecast/*"}},
				{Server: "git*"},
			},
			Deny: []config.AccessRule{
				{Server: "filesystem", Resources: []string{"file:///etc/*"}},
			},
			DenyAllExceptAllowed: true,
		},
	}, config.AccessConfig{})

	c := identity("c")
	tests := []struct {
		name    string
		backend string
		kind    gateway.OperationKind
		op, uri string
		want    Effect
		reason  string
	}{
		{"trailing glob", "filesystem", gateway.OperationCallTool, "read_file", "", EffectAllow, ReasonWildcardAllow},
		{"leading glob", "filesystem", gateway.OperationCallTool, "disk_info", "", EffectAllow, ReasonWildcardAllow},
		{"case sensitive", "filesystem", gateway.OperationCallTool, "Read_file", "", EffectDeny, ReasonDenyAllExcept},
		{"unlisted tool", "filesystem", gateway.OperationCallTool, "write_file", "", EffectDeny, ReasonDenyAllExcept},
		{"resource allowed", "weather", gateway.OperationReadResource, "", "weather://forecast/today", EffectAllow, ReasonWildcardAllow},
		{"resource outside pattern", "weather", gateway.OperationReadResource, "", "weather://alerts", EffectDeny, ReasonDenyAllExcept},
		{"resource deny", "filesystem", gateway.OperationReadResource, "", "file:///etc/passwd", EffectDeny, ReasonWildcardDeny},
		{"empty tools list covers all tools", "github", gateway.OperationCallTool, "create_issue", "", EffectAllow, ReasonWildcardAllow},
		{"prompts use tool patterns", "filesystem", gateway.OperationGetPrompt, "read_summary", "", EffectAllow, ReasonWildcardAllow},
		{"unknown backend", "slack", gateway.OperationCallTool, "post", "", EffectDeny, ReasonDenyAllExcept},
		{"missing backend", "", gateway.OperationCallTool, "post", "", EffectDeny, ReasonInvalidRequest},
		{"unknown kind", "github", "subscribe", "", "", EffectDeny, ReasonInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := e.Decide(c, tt.backend, tt.kind, tt.op, tt.uri)
			assert.Equal(t, tt.want, d.Effect)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEngine_Listings(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ClientConfig{
		"c": {
			Allow: []config.AccessRule{{Server: "filesystem", Tools: []string{"read_file"}}},
			Deny: []config.AccessRule{
				{Server: "secrets"},
				{Server: "weather", Tools: []string{"forecast"}},
			},
		},
	}, config.AccessConfig{DefaultPolicy: config.PolicyAllow})

	c := identity("c")
	assert.True(t, e.Decide(c, "filesystem", gateway.OperationListTools, "", "").Allowed(), "any allow reaches the server")
	assert.False(t, e.Decide(c, "secrets", gateway.OperationListTools, "", "").Allowed(), "whole-server deny")
	assert.True(t, e.Decide(c, "weather", gateway.OperationListTools, "", "").Allowed(), "partial deny keeps the server reachable")

	// Items inside a reachable listing are filtered one by one.
	assert.True(t, e.AllowItem(c, "filesystem", gateway.OperationListTools, "read_file"))
	assert.True(t, e.AllowItem(c, "weather", gateway.OperationListTools, "hourly"))
	assert.False(t, e.AllowItem(c, "weather", gateway.OperationListTools, "forecast"))
	assert.False(t, e.AllowItem(c, "secrets", gateway.OperationListResources, "vault://token"))
}

func TestEngine_DefaultPolicyAndUnknownClient(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ClientConfig{
		"c": {Allow: []config.AccessRule{{Server: "filesystem"}}},
	}, config.AccessConfig{DefaultPolicy: config.PolicyDeny})

	d := e.Decide(identity("stranger"), "filesystem", gateway.OperationCallTool, "read_file", "")
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, ReasonDefaultPolicy, d.Reason)

	d = e.Decide(identity("c"), "weather", gateway.OperationCallTool, "forecast", "")
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Equal(t, ReasonDefaultPolicy, d.Reason)
}

func TestEngine_Cedar(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ClientConfig{
		"ci": {Allow: []config.AccessRule{{Server: "*"}}},
	}, config.AccessConfig{CedarPolicies: []string{
		`forbid(principal, action == Action::"call-tool", resource == Tool::"github.delete_repo");`,
		`forbid(principal, action, resource) when { principal.transport == "stdio" && context.backend == "prod" };`,
	}})

	ci := identity("ci")
	d := e.Decide(ci, "github", gateway.OperationCallTool, "delete_repo", "")
	assert.Equal(t, EffectDeny, d.Effect)
	assert.Contains(t, d.Reason, ReasonCedar)

	assert.True(t, e.Decide(ci, "github", gateway.OperationCallTool, "create_issue", "").Allowed())

	stdio := gateway.ClientIdentity{Name: "ci", Attributes: gateway.ClientAttributes{Transport: "stdio"}}
	assert.False(t, e.Decide(stdio, "prod", gateway.OperationListTools, "", "").Allowed())
	assert.True(t, e.Decide(stdio, "staging", gateway.OperationListTools, "", "").Allowed())
}

func TestEngine_UpdateKeepsPreviousRulesOnError(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ClientConfig{
		"c": {Deny: []config.AccessRule{{Server: "filesystem"}}},
	}, config.AccessConfig{})

	bad := &config.Config{Access: config.AccessConfig{CedarPolicies: []string{"permit("}}}
	err := e.Update(bad)
	require.ErrorIs(t, err, gateway.ErrConfigInvalid)
	assert.False(t, e.Decide(identity("c"), "filesystem", gateway.OperationListTools, "", "").Allowed())

	assert.ErrorIs(t, e.Update(nil), gateway.ErrConfigInvalid)
}

func TestEngine_ConcurrentDecideAndUpdate(t *testing.T) {
	t.Parallel()

	allowAll := &config.Config{Clients: map[string]config.ClientConfig{"c": {Allow: []config.AccessRule{{Server: "*"}}}}}
	denyAll := &config.Config{Clients: map[string]config.ClientConfig{"c": {DenyAllExceptAllowed: true}}}
	allowAll.EnsureDefaults()
	denyAll.EnsureDefaults()

	e, err := NewEngine(allowAll)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				d := e.Decide(identity("c"), "filesystem", gateway.OperationCallTool, "read_file", "")
				// Every decision comes from exactly one snapshot.
				if d.Allowed() {
					assert.Equal(t, ReasonWildcardAllow, d.Reason)
				} else {
					assert.Equal(t, ReasonDenyAllExcept, d.Reason)
				}
			}
		}()
	}
	for i := range 100 {
		cfg := allowAll
		if i%2 == 0 {
			cfg = denyAll
		}
		require.NoError(t, e.Update(cfg))
	}
	wg.Wait()
}

func TestEngine_DryRun(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, map[string]config.ClientConfig{
		"vscode": {
			IdentifyBy: []map[string]string{{"client_info.name": "Visual Studio Code*"}},
			Deny:       []config.AccessRule{{Server: "filesystem", Tools: []string{"write_file"}}},
		},
	}, config.AccessConfig{})

	id, d := e.DryRun(
		gateway.ClientAttributes{ClientName: "Visual Studio Code - Insiders"},
		gateway.Request{Backend: "filesystem", Kind: gateway.OperationCallTool, Operation: "write_file"},
	)
	assert.Equal(t, "vscode", id.Name)
	assert.False(t, id.Default)
	assert.Equal(t, EffectDeny, d.Effect)
	require.NotNil(t, d.Rule)
	assert.Equal(t, "vscode", d.Rule.Client)
	assert.Equal(t, "exact", d.Rule.Specificity)
}

func TestEngine_RulesSnapshotSurvivesUpdate(t *testing.T) {
	t.Parallel()

	allowAll := &config.Config{Clients: map[string]config.ClientConfig{"c": {Allow: []config.AccessRule{{Server: "*"}}}}}
	denyAll := &config.Config{Clients: map[string]config.ClientConfig{"c": {DenyAllExceptAllowed: true}}}
	allowAll.EnsureDefaults()
	denyAll.EnsureDefaults()

	e, err := NewEngine(allowAll)
	require.NoError(t, err)

	rules := e.Rules()
	require.NoError(t, e.Update(denyAll))

	// The engine moved on; the snapshot taken before the update did not.
	assert.False(t, e.Decide(identity("c"), "filesystem", gateway.OperationListTools, "", "").Allowed())
	assert.False(t, e.AllowItem(identity("c"), "filesystem", gateway.OperationListTools, "read_file"))
	assert.True(t, rules.Decide(identity("c"), "filesystem", gateway.OperationListTools, "", "").Allowed())
	assert.True(t, rules.AllowItem(identity("c"), "filesystem", gateway.OperationListTools, "read_file"))
}
