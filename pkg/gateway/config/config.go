// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the MCP gateway.
//
// A Config is loaded from YAML, validated as a whole and then published as an
// immutable Snapshot. Components never mutate a Config after it has been
// published; a reload produces a new Config and swaps the snapshot.
package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a duration string.
// This ensures duration values are serialized as "30s", "1m", etc. instead of nanosecond integers.
// A bare integer in YAML is read as a number of seconds.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var seconds int64
	if err := unmarshal(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root of the gateway configuration file.
type Config struct {
	Manager ManagerConfig `json:"manager" yaml:"manager"`

	// Servers maps backend names to their launch and health parameters.
	Servers map[string]ServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`

	// Clients maps identity names to their identification predicates and
	// access rules.
	Clients map[string]ClientConfig `json:"clients,omitempty" yaml:"clients,omitempty"`

	// ClientOrder lists client names in the order the file declares them.
	// The loader fills it; identification tries clients in this order.
	ClientOrder []string `json:"-" yaml:"-"`

	// DefaultClient names the identity used when no client's predicates
	// match. It may reference a name that has no entry in Clients, in which
	// case only the global default policy applies.
	DefaultClient string `json:"default_client,omitempty" yaml:"default_client,omitempty"`

	// Sources is passed through untouched for installer collaborators.
	Sources map[string]map[string]any `json:"sources,omitempty" yaml:"sources,omitempty"`

	Access    AccessConfig    `json:"access" yaml:"access"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Admin     AdminConfig     `json:"admin" yaml:"admin"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// ManagerConfig describes the gateway itself.
type ManagerConfig struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// ServerConfig describes one backend MCP server.
type ServerConfig struct {
	// Source is an installer reference such as "npx:@scope/pkg",
	// "uvx:pkg" or "local:/path/to/binary".
	Source    string                `json:"source,omitempty" yaml:"source,omitempty"`
	Transport gateway.TransportType `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Command overrides whatever Source would resolve to.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Config is handed to stdio backends as upper-cased environment
	// variables. Lists are joined with commas.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// CacheableTools lists tool-name patterns whose call results may be cached.
	CacheableTools []string `json:"cacheable_tools,omitempty" yaml:"cacheable_tools,omitempty"`

	HealthCheck *HealthCheckConfig `json:"health_check,omitempty" yaml:"health_check,omitempty"`
}

// HealthCheckConfig configures the probe for one backend.
type HealthCheckConfig struct {
	Method   gateway.HealthCheckMethod `json:"method,omitempty" yaml:"method,omitempty"`
	Tool     string                    `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args     map[string]any            `json:"args,omitempty" yaml:"args,omitempty"`
	Interval Duration                  `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout  Duration                  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ClientConfig identifies one class of client and carries its access rules.
type ClientConfig struct {
	// IdentifyBy is a list of predicate maps. Every predicate in every map
	// must match for the client to be selected.
	IdentifyBy []map[string]string `json:"identify_by,omitempty" yaml:"identify_by,omitempty"`

	Allow []AccessRule `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []AccessRule `json:"deny,omitempty" yaml:"deny,omitempty"`

	DenyAllExceptAllowed bool `json:"deny_all_except_allowed,omitempty" yaml:"deny_all_except_allowed,omitempty"`
}

// AccessRule grants or denies access to operations on matching servers.
// An empty Tools or Resources list covers every tool or resource.
type AccessRule struct {
	Server    string   `json:"server" yaml:"server"`
	Tools     []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Resources []string `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// AccessConfig holds gateway-wide access settings.
type AccessConfig struct {
	// DefaultPolicy is "allow" or "deny" and applies when no rule matches
	// and the client does not set deny_all_except_allowed.
	DefaultPolicy string `json:"default_policy,omitempty" yaml:"default_policy,omitempty"`

	// Precedence is "exact-first" or "deny-first".
	Precedence string `json:"precedence,omitempty" yaml:"precedence,omitempty"`

	// CedarPolicies are evaluated after the rule engine allows a request.
	CedarPolicies []string `json:"cedar_policies,omitempty" yaml:"cedar_policies,omitempty"`
}

// RuntimeConfig holds request and lifecycle limits.
type RuntimeConfig struct {
	MaxConcurrentRequests    int      `json:"max_concurrent_requests,omitempty" yaml:"max_concurrent_requests,omitempty"`
	RequestTimeout           Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	CacheTTL                 Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	HealthCheckEnabled       *bool    `json:"health_check_enabled,omitempty" yaml:"health_check_enabled,omitempty"`
	AutoRestartFailedServers *bool    `json:"auto_restart_failed_servers,omitempty" yaml:"auto_restart_failed_servers,omitempty"`
	MaxRestartAttempts       int      `json:"max_restart_attempts,omitempty" yaml:"max_restart_attempts,omitempty"`
	UnhealthyThreshold       int      `json:"unhealthy_threshold,omitempty" yaml:"unhealthy_threshold,omitempty"`
	DrainTimeout             Duration `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`
}

// CacheConfig selects and sizes the response cache.
type CacheConfig struct {
	Provider      cache.Provider   `json:"provider,omitempty" yaml:"provider,omitempty"`
	MaxEntries    int              `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	SweepInterval Duration         `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
	Redis         RedisCacheConfig `json:"redis" yaml:"redis"`
}

// RedisCacheConfig addresses a shared Redis cache.
type RedisCacheConfig struct {
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// AdminConfig configures the administrative HTTP API.
type AdminConfig struct {
	// Address is the listen address. Empty disables the API.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// TelemetryConfig toggles metric export.
type TelemetryConfig struct {
	MetricsEnabled *bool `json:"metrics_enabled,omitempty" yaml:"metrics_enabled,omitempty"`
}

// IsEnabled reports whether the backend should run. Unset means enabled.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Descriptor converts the server entry into a backend descriptor. Defaults
// must already have been applied.
func (s ServerConfig) Descriptor(name string) gateway.BackendDescriptor {
	env := make(map[string]string, len(s.Env)+len(s.Config))
	for k, v := range s.Config {
		if v == nil {
			continue
		}
		env[strings.ToUpper(k)] = configValue(v)
	}
	// Explicit env entries win over adapted config keys.
	maps.Copy(env, s.Env)
	if len(env) == 0 {
		env = nil
	}

	desc := gateway.BackendDescriptor{
		Name:           name,
		Transport:      s.Transport,
		Source:         s.Source,
		Command:        s.Command,
		Args:           slices.Clone(s.Args),
		Env:            env,
		URL:            s.URL,
		Headers:        maps.Clone(s.Headers),
		Enabled:        s.IsEnabled(),
		CacheableTools: slices.Clone(s.CacheableTools),
	}
	if hc := s.HealthCheck; hc != nil {
		desc.HealthCheck = gateway.HealthCheckSpec{
			Method:   hc.Method,
			Tool:     hc.Tool,
			Args:     maps.Clone(hc.Args),
			Interval: hc.Interval.Std(),
			Timeout:  hc.Timeout.Std(),
		}
	}
	return desc
}

func configValue(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

// ClientNames returns every client name, declared ones first in declaration
// order, then any others sorted by name.
func (c *Config) ClientNames() []string {
	out := make([]string, 0, len(c.Clients))
	seen := make(map[string]bool, len(c.Clients))
	for _, name := range c.ClientOrder {
		if _, ok := c.Clients[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.Clients)) {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// Backends returns the enabled backend descriptors sorted by name.
func (c *Config) Backends() []gateway.BackendDescriptor {
	names := slices.Sorted(maps.Keys(c.Servers))
	out := make([]gateway.BackendDescriptor, 0, len(names))
	for _, name := range names {
		srv := c.Servers[name]
		if !srv.IsEnabled() {
			continue
		}
		out = append(out, srv.Descriptor(name))
	}
	return out
}

// CacheStoreConfig converts the cache section into a cache.Config.
func (c *Config) CacheStoreConfig() cache.Config {
	return cache.Config{
		Provider:      c.Cache.Provider,
		DefaultTTL:    c.Runtime.CacheTTL.Std(),
		MaxEntries:    c.Cache.MaxEntries,
		SweepInterval: c.Cache.SweepInterval.Std(),
		Redis: cache.RedisConfig{
			URL:       c.Cache.Redis.URL,
			KeyPrefix: c.Cache.Redis.KeyPrefix,
		},
	}
}

// HealthChecksEnabled reports runtime.health_check_enabled, default true.
func (r RuntimeConfig) HealthChecksEnabled() bool {
	return r.HealthCheckEnabled == nil || *r.HealthCheckEnabled
}

// AutoRestart reports runtime.auto_restart_failed_servers, default true.
func (r RuntimeConfig) AutoRestart() bool {
	return r.AutoRestartFailedServers == nil || *r.AutoRestartFailedServers
}

// Enabled reports telemetry.metrics_enabled, default true.
func (t TelemetryConfig) Enabled() bool {
	return t.MetricsEnabled == nil || *t.MetricsEnabled
}
