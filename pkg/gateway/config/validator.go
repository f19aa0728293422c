// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"maps"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/cedar-policy/cedar-go"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// Validator validates a configuration snapshot.
//
//go:generate mockgen -destination=mocks/mock_validator.go -package=mocks -source=validator.go Validator
type Validator interface {
	Validate(cfg *Config) error
}

// DefaultValidator implements comprehensive configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// identifyKeys are the identify_by keys understood by the identifier, in
// addition to any "header.<Name>" key.
var identifyKeys = []string{
	"client_info.name",
	"client_info.version",
	"transport",
	"transport_type",
	"connection_source",
	"user_agent",
	"remote_address",
}

// HeaderKeyPrefix introduces an identify_by key that matches a request header.
const HeaderKeyPrefix = "header."

// Validate performs comprehensive validation of the configuration. It expects
// defaults to have been applied and rejects the snapshot as a whole.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", gateway.ErrConfigInvalid)
	}

	var errors []string
	collect := func(errs []error) {
		for _, err := range errs {
			errors = append(errors, err.Error())
		}
	}

	collect(v.validateManager(cfg.Manager))
	for _, name := range slices.Sorted(maps.Keys(cfg.Servers)) {
		collect(v.validateServer(name, cfg.Servers[name]))
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Clients)) {
		collect(v.validateClient(name, cfg.Clients[name]))
	}
	collect(v.validateAccess(cfg.Access))
	collect(v.validateRuntime(cfg.Runtime))
	collect(v.validateCache(cfg.Cache))
	if err := v.validateAdmin(cfg.Admin); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("%w:\n  - %s", gateway.ErrConfigInvalid, strings.Join(errors, "\n  - "))
	}

	v.warnOverlaps(cfg)
	return nil
}

func (*DefaultValidator) validateManager(m ManagerConfig) []error {
	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if m.LogLevel != "" && !slices.Contains(validLevels, m.LogLevel) {
		return []error{fmt.Errorf("manager.log_level must be one of: %s", strings.Join(validLevels, ", "))}
	}
	return nil
}

func (*DefaultValidator) validateServer(name string, srv ServerConfig) []error {
	var errs []error
	field := "servers." + name

	if strings.Contains(name, gateway.NameSeparator) || strings.ContainsAny(name, "/*") || name == "" {
		errs = append(errs, fmt.Errorf("%s: name must be non-empty and must not contain %q, \"/\" or \"*\"",
			field, gateway.NameSeparator))
	}

	switch srv.Transport {
	case gateway.TransportStdio:
		if srv.Command == "" && srv.Source == "" {
			errs = append(errs, fmt.Errorf("%s: stdio transport requires command or source", field))
		}
		if srv.Source != "" && srv.Command == "" {
			if _, _, err := gateway.ParseSource(srv.Source); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", field, err))
			}
		}
	case gateway.TransportSSE, gateway.TransportStreamableHTTP:
		if srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s: %s transport requires url", field, srv.Transport))
		} else if u, err := url.Parse(srv.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: url %q is not an absolute URL", field, srv.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: transport must be one of: stdio, sse, streamable-http", field))
	}

	for _, p := range srv.CacheableTools {
		if err := gateway.ValidatePattern(p); err != nil {
			errs = append(errs, fmt.Errorf("%s.cacheable_tools: %w", field, err))
		}
	}

	if hc := srv.HealthCheck; hc != nil {
		switch hc.Method {
		case gateway.HealthCheckPing:
		case gateway.HealthCheckToolCall:
			if hc.Tool == "" {
				errs = append(errs, fmt.Errorf("%s.health_check: tool is required when method is 'tool_call'", field))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.health_check.method must be one of: ping, tool_call", field))
		}
		if hc.Interval <= 0 {
			errs = append(errs, fmt.Errorf("%s.health_check.interval must be positive", field))
		}
		if hc.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s.health_check.timeout must be positive", field))
		}
	}

	return errs
}

func (v *DefaultValidator) validateClient(name string, client ClientConfig) []error {
	var errs []error
	field := "clients." + name

	for i, predicates := range client.IdentifyBy {
		for key, value := range predicates {
			if !slices.Contains(identifyKeys, key) && !strings.HasPrefix(key, HeaderKeyPrefix) {
				errs = append(errs, fmt.Errorf("%s.identify_by[%d]: unknown key %q", field, i, key))
			}
			if key == HeaderKeyPrefix {
				errs = append(errs, fmt.Errorf("%s.identify_by[%d]: header key needs a name", field, i))
			}
			if err := gateway.ValidatePattern(value); err != nil {
				errs = append(errs, fmt.Errorf("%s.identify_by[%d].%s: %w", field, i, key, err))
			}
		}
	}

	for i, rule := range client.Allow {
		errs = append(errs, v.validateRule(fmt.Sprintf("%s.allow[%d]", field, i), rule)...)
	}
	for i, rule := range client.Deny {
		errs = append(errs, v.validateRule(fmt.Sprintf("%s.deny[%d]", field, i), rule)...)
	}
	return errs
}

func (*DefaultValidator) validateRule(field string, rule AccessRule) []error {
	var errs []error
	if err := gateway.ValidatePattern(rule.Server); err != nil {
		errs = append(errs, fmt.Errorf("%s.server: %w", field, err))
	}
	for _, p := range rule.Tools {
		if err := gateway.ValidatePattern(p); err != nil {
			errs = append(errs, fmt.Errorf("%s.tools: %w", field, err))
		}
	}
	for _, p := range rule.Resources {
		if err := gateway.ValidatePattern(p); err != nil {
			errs = append(errs, fmt.Errorf("%s.resources: %w", field, err))
		}
	}
	return errs
}

func (*DefaultValidator) validateAccess(a AccessConfig) []error {
	var errs []error
	if a.DefaultPolicy != PolicyAllow && a.DefaultPolicy != PolicyDeny {
		errs = append(errs, fmt.Errorf("access.default_policy must be one of: %s, %s", PolicyAllow, PolicyDeny))
	}
	if a.Precedence != PrecedenceExactFirst && a.Precedence != PrecedenceDenyFirst {
		errs = append(errs, fmt.Errorf("access.precedence must be one of: %s, %s",
			PrecedenceExactFirst, PrecedenceDenyFirst))
	}
	for i, text := range a.CedarPolicies {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(text)); err != nil {
			errs = append(errs, fmt.Errorf("access.cedar_policies[%d]: %w", i, err))
		}
	}
	return errs
}

func (*DefaultValidator) validateRuntime(r RuntimeConfig) []error {
	var errs []error
	if r.MaxConcurrentRequests <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max_concurrent_requests must be positive"))
	}
	if r.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("runtime.request_timeout must be positive"))
	}
	if r.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("runtime.cache_ttl must be positive"))
	}
	if r.MaxRestartAttempts <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max_restart_attempts must be positive"))
	}
	if r.UnhealthyThreshold <= 0 {
		errs = append(errs, fmt.Errorf("runtime.unhealthy_threshold must be positive"))
	}
	if r.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("runtime.drain_timeout must not be negative"))
	}
	return errs
}

func (*DefaultValidator) validateCache(c CacheConfig) []error {
	var errs []error
	switch c.Provider {
	case cache.ProviderMemory:
		if c.MaxEntries <= 0 {
			errs = append(errs, fmt.Errorf("cache.max_entries must be positive"))
		}
	case cache.ProviderRedis:
		if c.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("cache.redis.url is required when provider is 'redis'"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.provider must be one of: memory, redis"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("cache.sweep_interval must not be negative"))
	}
	return errs
}

func (*DefaultValidator) validateAdmin(a AdminConfig) error {
	if a.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(a.Address); err != nil {
		return fmt.Errorf("admin.address: %w", err)
	}
	return nil
}

// warnOverlaps logs servers that a client both allows and denies outright.
// Precedence resolves such overlaps, so they are not errors.
func (*DefaultValidator) warnOverlaps(cfg *Config) {
	for name, client := range cfg.Clients {
		allowed := make(map[string]bool, len(client.Allow))
		for _, rule := range client.Allow {
			allowed[rule.Server] = true
		}
		for _, rule := range client.Deny {
			if allowed[rule.Server] {
				logger.Warnw("client has overlapping allow and deny rules",
					"client", name, "server", rule.Server)
			}
		}
	}
}
