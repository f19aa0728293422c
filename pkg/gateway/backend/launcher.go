// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

//go:generate mockgen -destination=mocks/mock_launcher.go -package=mocks -source=launcher.go Launcher

import (
	"fmt"
	"maps"
	"net/url"
	"os/exec"
	"slices"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
)

// LaunchSpec is a descriptor resolved to something a Dialer can connect to.
type LaunchSpec struct {
	Transport gateway.TransportType

	// Command, Args and Env start a stdio backend. Env holds KEY=VALUE pairs
	// added to the gateway's own environment.
	Command string
	Args    []string
	Env     []string

	// URL and Headers address a remote backend.
	URL     string
	Headers map[string]string
}

// Launcher resolves a backend descriptor to a LaunchSpec. It never installs
// anything; a descriptor it cannot resolve fails with gateway.ErrInstallFailure.
type Launcher interface {
	Resolve(desc gateway.BackendDescriptor) (*LaunchSpec, error)
}

// DefaultLauncher maps source prefixes onto the package runners found on
// PATH:
//
//	npx:<pkg>    npx -y <pkg>
//	npm:<pkg>    npx -y <pkg>
//	uvx:<pkg>    uvx <pkg>
//	local:<path> <path>
//
// An explicit command always wins over the source.
type DefaultLauncher struct {
	lookPath func(string) (string, error)
}

// NewDefaultLauncher creates a launcher that checks commands against PATH.
func NewDefaultLauncher() *DefaultLauncher {
	return &DefaultLauncher{lookPath: exec.LookPath}
}

// Resolve implements Launcher.
func (l *DefaultLauncher) Resolve(desc gateway.BackendDescriptor) (*LaunchSpec, error) {
	switch desc.Transport {
	case gateway.TransportSSE, gateway.TransportStreamableHTTP:
		u, err := url.Parse(desc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: backend %s has no valid url", gateway.ErrInstallFailure, desc.Name)
		}
		return &LaunchSpec{Transport: desc.Transport, URL: desc.URL, Headers: maps.Clone(desc.Headers)}, nil
	case gateway.TransportStdio, "":
		return l.resolveStdio(desc)
	default:
		return nil, fmt.Errorf("%w: backend %s uses unsupported transport %q",
			gateway.ErrInstallFailure, desc.Name, desc.Transport)
	}
}

func (l *DefaultLauncher) resolveStdio(desc gateway.BackendDescriptor) (*LaunchSpec, error) {
	command := desc.Command
	args := slices.Clone(desc.Args)

	if command == "" {
		kind, ref, err := gateway.ParseSource(desc.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: backend %s: %v", gateway.ErrInstallFailure, desc.Name, err)
		}
		switch kind {
		case gateway.SourceNPX, gateway.SourceNPM:
			command = "npx"
			args = append([]string{"-y", ref}, args...)
		case gateway.SourceUVX:
			command = "uvx"
			args = append([]string{ref}, args...)
		case gateway.SourceLocal:
			command = ref
		}
	}

	if _, err := l.lookPath(command); err != nil {
		return nil, fmt.Errorf("%w: backend %s: command %q not found: %v",
			gateway.ErrInstallFailure, desc.Name, command, err)
	}

	env := make([]string, 0, len(desc.Env))
	for _, k := range slices.Sorted(maps.Keys(desc.Env)) {
		env = append(env, k+"="+desc.Env[k])
	}

	return &LaunchSpec{
		Transport: gateway.TransportStdio,
		Command:   command,
		Args:      args,
		Env:       env,
	}, nil
}
