// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
)

func fakeLookPath(known ...string) func(string) (string, error) {
	return func(cmd string) (string, error) {
		for _, k := range known {
			if k == cmd {
				return "/usr/bin/" + cmd, nil
			}
		}
		return "", errors.New("executable file not found in $PATH")
	}
}

func TestDefaultLauncher_Resolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		desc    gateway.BackendDescriptor
		want    *LaunchSpec
		wantErr bool
	}{
		{
			name: "npx source",
			desc: gateway.BackendDescriptor{Name: "fs", Source: "npx:@modelcontextprotocol/server-filesystem", Args: []string{"/tmp"}},
			want: &LaunchSpec{
				Transport: gateway.TransportStdio,
				Command:   "npx",
				Args:      []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
				Env:       []string{},
			},
		},
		{
			name: "npm source runs through npx",
			desc: gateway.BackendDescriptor{Name: "fs", Transport: gateway.TransportStdio, Source: "npm:server-everything"},
			want: &LaunchSpec{
				Transport: gateway.TransportStdio,
				Command:   "npx",
				Args:      []string{"-y", "server-everything"},
				Env:       []string{},
			},
		},
		{
			name: "uvx source",
			desc: gateway.BackendDescriptor{Name: "git", Source: "uvx:mcp-server-git"},
			want: &LaunchSpec{
				Transport: gateway.TransportStdio,
				Command:   "uvx",
				Args:      []string{"mcp-server-git"},
				Env:       []string{},
			},
		},
		{
			name: "local source",
			desc: gateway.BackendDescriptor{Name: "mine", Source: "local:/opt/server", Args: []string{"--stdio"}},
			want: &LaunchSpec{
				Transport: gateway.TransportStdio,
				Command:   "/opt/server",
				Args:      []string{"--stdio"},
				Env:       []string{},
			},
		},
		{
			name: "explicit command wins and env is sorted",
			desc: gateway.BackendDescriptor{
				Name:    "gh",
				Source:  "npx:ignored",
				Command: "docker",
				Args:    []string{"run", "-i", "ghcr.io/github/github-mcp-server"},
				Env:     map[string]string{"Z_TOKEN": "z", "A_MODE": "a"},
			},
			want: &LaunchSpec{
				Transport: gateway.TransportStdio,
				Command:   "docker",
				Args:      []string{"run", "-i", "ghcr.io/github/github-mcp-server"},
				Env:       []string{"A_MODE=a", "Z_TOKEN=z"},
			},
		},
		{
			name: "remote streamable-http",
			desc: gateway.BackendDescriptor{
				Name:      "remote",
				Transport: gateway.TransportStreamableHTTP,
				URL:       "https://mcp.example.com/mcp",
				Headers:   map[string]string{"Authorization": "Bearer x"},
			},
			want: &LaunchSpec{
				Transport: gateway.TransportStreamableHTTP,
				URL:       "https://mcp.example.com/mcp",
				Headers:   map[string]string{"Authorization": "Bearer x"},
			},
		},
		{
			name:    "remote without url",
			desc:    gateway.BackendDescriptor{Name: "remote", Transport: gateway.TransportSSE},
			wantErr: true,
		},
		{
			name:    "remote with relative url",
			desc:    gateway.BackendDescriptor{Name: "remote", Transport: gateway.TransportSSE, URL: "/sse"},
			wantErr: true,
		},
		{
			name:    "unknown source kind",
			desc:    gateway.BackendDescriptor{Name: "x", Source: "pip:thing"},
			wantErr: true,
		},
		{
			name:    "no command and no source",
			desc:    gateway.BackendDescriptor{Name: "x"},
			wantErr: true,
		},
		{
			name:    "runner not on PATH",
			desc:    gateway.BackendDescriptor{Name: "x", Command: "bunx"},
			wantErr: true,
		},
		{
			name:    "unsupported transport",
			desc:    gateway.BackendDescriptor{Name: "x", Transport: "websocket", URL: "ws://localhost"},
			wantErr: true,
		},
	}

	l := &DefaultLauncher{lookPath: fakeLookPath("npx", "uvx", "docker", "/opt/server")}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := l.Resolve(tt.desc)
			if tt.wantErr {
				require.ErrorIs(t, err, gateway.ErrInstallFailure)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultLauncher_DoesNotAliasDescriptor(t *testing.T) {
	t.Parallel()

	desc := gateway.BackendDescriptor{
		Name:      "remote",
		Transport: gateway.TransportSSE,
		URL:       "http://localhost:8080/sse",
		Headers:   map[string]string{"X-Key": "1"},
	}
	l := &DefaultLauncher{lookPath: fakeLookPath()}
	spec, err := l.Resolve(desc)
	require.NoError(t, err)

	spec.Headers["X-Key"] = "2"
	assert.Equal(t, "1", desc.Headers["X-Key"])
}
