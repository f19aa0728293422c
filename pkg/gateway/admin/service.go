// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go BackendController,RequestGauge,PolicyTester

// Package admin implements the administrative operations of the gateway and
// the HTTP API that exposes them.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/access"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/backend"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// BackendController is the part of the lifecycle manager the admin
// surface drives.
type BackendController interface {
	Status() []backend.Status
	BackendStatus(name string) (backend.Status, error)
	Restart(ctx context.Context, name string) error
}

// RequestGauge reports router load.
type RequestGauge interface {
	InFlight() int64
	Queued() int64
}

// PolicyTester evaluates access decisions without routing anything.
type PolicyTester interface {
	DryRun(attrs gateway.ClientAttributes, req gateway.Request) (gateway.ClientIdentity, access.Decision)
}

// Service implements the administrative operations.
type Service struct {
	backends BackendController
	gauge    RequestGauge
	policy   PolicyTester
	cache    cache.Store
	snapshot *config.Store
}

// NewService creates a Service. store may be nil when caching is disabled.
func NewService(
	backends BackendController,
	gauge RequestGauge,
	policy PolicyTester,
	store cache.Store,
	snapshot *config.Store,
) *Service {
	return &Service{
		backends: backends,
		gauge:    gauge,
		policy:   policy,
		cache:    store,
		snapshot: snapshot,
	}
}

// Status is the gateway-wide status report.
type Status struct {
	Name            string           `json:"name,omitempty"`
	Version         string           `json:"version,omitempty"`
	SnapshotVersion uint64           `json:"snapshot_version"`
	LoadedAt        time.Time        `json:"loaded_at"`
	Backends        []backend.Status `json:"backends"`
	Cache           *cache.Stats     `json:"cache,omitempty"`
	InFlight        int64            `json:"in_flight"`
	Queued          int64            `json:"queued"`
}

// Status reports per-backend state, cache counters, router load and the
// active configuration snapshot.
func (s *Service) Status() Status {
	st := Status{
		Backends: s.backends.Status(),
		InFlight: s.gauge.InFlight(),
		Queued:   s.gauge.Queued(),
	}
	if st.Backends == nil {
		st.Backends = []backend.Status{}
	}
	if snap := s.snapshot.Current(); snap != nil {
		st.SnapshotVersion = snap.Version
		st.LoadedAt = snap.LoadedAt
		st.Name = snap.Config.Manager.Name
		st.Version = snap.Config.Manager.Version
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		st.Cache = &stats
	}
	return st
}

// RestartBackend relaunches one backend and waits for the outcome. It is
// the only way out of the Failed state.
func (s *Service) RestartBackend(ctx context.Context, name string) (backend.Status, error) {
	logger.Infow("admin restart requested", "backend", name)
	if err := s.backends.Restart(ctx, name); err != nil {
		if errors.Is(err, backend.ErrUnknownBackend) {
			return backend.Status{}, err
		}
		// The backend exists; report where it ended up along with the error.
		st, _ := s.backends.BackendStatus(name)
		return st, err
	}
	return s.backends.BackendStatus(name)
}

// InvalidateCache drops cached responses of one backend, or of every
// backend when name is empty. It returns the number of entries removed.
func (s *Service) InvalidateCache(ctx context.Context, name string) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	if name == "" {
		n, err := s.cache.Purge(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to purge cache: %w", err)
		}
		logger.Infow("cache purged", "entries", n)
		return n, nil
	}
	if _, err := s.backends.BackendStatus(name); err != nil {
		return 0, err
	}
	n, err := s.cache.Invalidate(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache for backend %s: %w", name, err)
	}
	logger.Infow("cache invalidated", "backend", name, "entries", n)
	return n, nil
}

// ClientInfo describes one configured client identity.
type ClientInfo struct {
	Name                 string              `json:"name"`
	IdentifyBy           []map[string]string `json:"identify_by,omitempty"`
	Allow                []config.AccessRule `json:"allow,omitempty"`
	Deny                 []config.AccessRule `json:"deny,omitempty"`
	DenyAllExceptAllowed bool                `json:"deny_all_except_allowed,omitempty"`
	// Default marks the identity of sessions no client matches.
	Default bool `json:"default,omitempty"`
	// Declared is false for a default client with no clients entry.
	Declared bool `json:"declared"`
}

// Clients lists the client identities of the active snapshot in the order
// identification tries them. The default client is listed even when the
// file does not declare it.
func (s *Service) Clients() []ClientInfo {
	out := []ClientInfo{}
	snap := s.snapshot.Current()
	if snap == nil {
		return out
	}
	cfg := snap.Config
	defaultClient := cfg.DefaultClient
	if defaultClient == "" {
		defaultClient = config.DefaultClientName
	}

	declared := false
	for _, name := range cfg.ClientNames() {
		c := cfg.Clients[name]
		out = append(out, ClientInfo{
			Name:                 name,
			IdentifyBy:           c.IdentifyBy,
			Allow:                c.Allow,
			Deny:                 c.Deny,
			DenyAllExceptAllowed: c.DenyAllExceptAllowed,
			Default:              name == defaultClient,
			Declared:             true,
		})
		declared = declared || name == defaultClient
	}
	if !declared {
		out = append(out, ClientInfo{Name: defaultClient, Default: true})
	}
	return out
}

// DryRunResult explains how a request would be decided.
type DryRunResult struct {
	Client   string          `json:"client"`
	Default  bool            `json:"default_client,omitempty"`
	Decision access.Decision `json:"decision"`
}

// DryRun identifies attrs and evaluates req without routing it.
func (s *Service) DryRun(attrs gateway.ClientAttributes, req gateway.Request) (DryRunResult, error) {
	if !req.Kind.Valid() {
		return DryRunResult{}, fmt.Errorf("%w: unknown operation kind %q", gateway.ErrInvalidRequest, req.Kind)
	}
	if req.Backend == "" {
		return DryRunResult{}, fmt.Errorf("%w: backend is required", gateway.ErrInvalidRequest)
	}
	identity, decision := s.policy.DryRun(attrs, req)
	return DryRunResult{
		Client:   identity.Name,
		Default:  identity.Default,
		Decision: decision,
	}, nil
}
