// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
)

func TestIdentifier_Identify(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		DefaultClient: "guest",
		Clients: map[string]config.ClientConfig{
			"claude-desktop": {IdentifyBy: []map[string]string{
				{"client_info.name": "claude-ai", "transport": "stdio"},
			}},
			"cursor": {IdentifyBy: []map[string]string{
				{"client_info.name": "*cursor*"},
			}},
			"ci": {IdentifyBy: []map[string]string{
				{"header.x-mcp-client": "ci-runner"},
				{"remote_address": "10.0.*"},
			}},
			"guest": {},
		},
	}

	id := NewIdentifier(cfg)

	tests := []struct {
		name        string
		attrs       gateway.ClientAttributes
		want        string
		wantDefault bool
	}{
		{
			name:  "all predicates of one map must match",
			attrs: gateway.ClientAttributes{ClientName: "claude-ai", Transport: "stdio"},
			want:  "claude-desktop",
		},
		{
			name:        "partial match falls back",
			attrs:       gateway.ClientAttributes{ClientName: "claude-ai", Transport: "streamable-http"},
			want:        "guest",
			wantDefault: true,
		},
		{
			name:        "infix wildcard is not a pattern",
			attrs:       gateway.ClientAttributes{ClientName: "my-cursor-build"},
			want:        "guest",
			wantDefault: true,
		},
		{
			name: "header key is case insensitive",
			attrs: gateway.ClientAttributes{
				RemoteAddress: "10.0.3.7",
				Headers:       map[string]string{"X-Mcp-Client": "ci-runner"},
			},
			want: "ci",
		},
		{
			name: "every identify_by entry must match",
			attrs: gateway.ClientAttributes{
				RemoteAddress: "192.168.1.4",
				Headers:       map[string]string{"X-Mcp-Client": "ci-runner"},
			},
			want:        "guest",
			wantDefault: true,
		},
		{
			name:        "no attributes",
			attrs:       gateway.ClientAttributes{},
			want:        "guest",
			wantDefault: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := id.Identify(tt.attrs)
			assert.Equal(t, tt.want, got.Name)
			assert.Equal(t, tt.wantDefault, got.Default)
			assert.Equal(t, tt.attrs, got.Attributes)
		})
	}
}

func TestIdentifier_NameOrderWithoutDeclaredOrder(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Clients: map[string]config.ClientConfig{
		"b-any":    {IdentifyBy: []map[string]string{{"client_info.name": "*"}}},
		"a-vscode": {IdentifyBy: []map[string]string{{"client_info.name": "Visual Studio Code"}}},
	}}
	id := NewIdentifier(cfg)

	assert.Equal(t, "a-vscode", id.Identify(gateway.ClientAttributes{ClientName: "Visual Studio Code"}).Name)
	assert.Equal(t, "b-any", id.Identify(gateway.ClientAttributes{ClientName: "zed"}).Name)
}

func TestIdentifier_DeclarationOrderWins(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Clients: map[string]config.ClientConfig{
			"zeta":  {IdentifyBy: []map[string]string{{"client_info.name": "code*"}}},
			"alpha": {IdentifyBy: []map[string]string{{"client_info.name": "*"}}},
		},
		ClientOrder: []string{"zeta", "alpha"},
	}
	id := NewIdentifier(cfg)

	assert.Equal(t, "zeta", id.Identify(gateway.ClientAttributes{ClientName: "code-insiders"}).Name)
	assert.Equal(t, "alpha", id.Identify(gateway.ClientAttributes{ClientName: "zed"}).Name)
}

func TestIdentifier_TransportAliases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key string
	}{
		{"transport"},
		{"transport_type"},
		{"connection_source"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			id := NewIdentifier(&config.Config{Clients: map[string]config.ClientConfig{
				"local": {IdentifyBy: []map[string]string{{tt.key: "stdio"}}},
			}})
			assert.Equal(t, "local", id.Identify(gateway.ClientAttributes{Transport: "stdio"}).Name)
			assert.True(t, id.Identify(gateway.ClientAttributes{Transport: "streamable-http"}).Default)
		})
	}
}

func TestIdentifier_DefaultClientName(t *testing.T) {
	t.Parallel()

	got := NewIdentifier(&config.Config{}).Identify(gateway.ClientAttributes{})
	assert.Equal(t, config.DefaultClientName, got.Name)
	assert.True(t, got.Default)
}

func TestAttributeValue_UnknownKey(t *testing.T) {
	t.Parallel()

	_, ok := attributeValue(gateway.ClientAttributes{ClientName: "x"}, "client_info.vendor")
	assert.False(t, ok)
}
