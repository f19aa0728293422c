// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"dario.cat/mergo"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"
)

// Default constants for the gateway configuration.
const (
	defaultManagerName    = "mcp-gateway"
	defaultManagerVersion = "1.0.0"
	defaultLogLevel       = "info"

	// DefaultClientName is the identity used when no identify_by predicate
	// matches and default_client is unset.
	DefaultClientName = "default"

	// PolicyAllow and PolicyDeny are the values of access.default_policy.
	PolicyAllow = "allow"
	PolicyDeny  = "deny"

	// PrecedenceExactFirst and PrecedenceDenyFirst are the values of
	// access.precedence.
	PrecedenceExactFirst = "exact-first"
	PrecedenceDenyFirst  = "deny-first"

	defaultMaxConcurrentRequests = 100
	defaultRequestTimeout        = 30 * time.Second
	defaultCacheTTL              = 300 * time.Second
	defaultMaxRestartAttempts    = 3
	defaultUnhealthyThreshold    = 3
	defaultDrainTimeout          = 30 * time.Second

	defaultHealthCheckInterval = 300 * time.Second
	defaultHealthCheckTimeout  = 10 * time.Second
)

func boolPtr(b bool) *bool {
	return &b
}

// DefaultRuntimeConfig returns a fully populated RuntimeConfig.
// This is the SINGLE SOURCE OF TRUTH for runtime defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxConcurrentRequests:    defaultMaxConcurrentRequests,
		RequestTimeout:           Duration(defaultRequestTimeout),
		CacheTTL:                 Duration(defaultCacheTTL),
		HealthCheckEnabled:       boolPtr(true),
		AutoRestartFailedServers: boolPtr(true),
		MaxRestartAttempts:       defaultMaxRestartAttempts,
		UnhealthyThreshold:       defaultUnhealthyThreshold,
		DrainTimeout:             Duration(defaultDrainTimeout),
	}
}

// DefaultHealthCheck returns the probe used when a server sets none.
func DefaultHealthCheck() HealthCheckConfig {
	return HealthCheckConfig{
		Method:   gateway.HealthCheckPing,
		Interval: Duration(defaultHealthCheckInterval),
		Timeout:  Duration(defaultHealthCheckTimeout),
	}
}

// EnsureDefaults fills every zero-valued field with its default while
// preserving user-provided values.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}

	_ = mergo.Merge(&c.Manager, ManagerConfig{
		Name:     defaultManagerName,
		Version:  defaultManagerVersion,
		LogLevel: defaultLogLevel,
	})
	_ = mergo.Merge(&c.Runtime, DefaultRuntimeConfig())
	_ = mergo.Merge(&c.Access, AccessConfig{
		DefaultPolicy: PolicyAllow,
		Precedence:    PrecedenceExactFirst,
	})
	_ = mergo.Merge(&c.Cache, CacheConfig{
		Provider:   cache.ProviderMemory,
		MaxEntries: cache.DefaultMaxEntries,
		Redis:      RedisCacheConfig{KeyPrefix: cache.DefaultKeyPrefix},
	})
	_ = mergo.Merge(&c.Telemetry, TelemetryConfig{MetricsEnabled: boolPtr(true)})

	if c.DefaultClient == "" {
		c.DefaultClient = DefaultClientName
	}

	for name, srv := range c.Servers {
		if srv.Transport == "" {
			srv.Transport = gateway.TransportStdio
		}
		hc := DefaultHealthCheck()
		if srv.HealthCheck != nil {
			hc = *srv.HealthCheck
			_ = mergo.Merge(&hc, DefaultHealthCheck())
		}
		srv.HealthCheck = &hc
		c.Servers[name] = srv
	}
}
