// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/access"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/admin"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/admin/mocks"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/backend"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
)

type fixture struct {
	backends *mocks.MockBackendController
	gauge    *mocks.MockRequestGauge
	policy   *mocks.MockPolicyTester
	store    *cache.MemoryStore
	snapshot *config.Store
	svc      *admin.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	f := &fixture{
		backends: mocks.NewMockBackendController(ctrl),
		gauge:    mocks.NewMockRequestGauge(ctrl),
		policy:   mocks.NewMockPolicyTester(ctrl),
		store:    cache.NewMemoryStore(cache.Config{}),
		snapshot: config.NewStore(&config.Config{
			Manager: config.ManagerConfig{Name: "mcp-gateway", Version: "1.2.0"},
		}),
	}
	t.Cleanup(func() { _ = f.store.Close() })
	f.svc = admin.NewService(f.backends, f.gauge, f.policy, f.store, f.snapshot)
	return f
}

func unknown(name string) error {
	return fmt.Errorf("%w: %w %q", gateway.ErrBackendUnavailable, backend.ErrUnknownBackend, name)
}

func fill(t *testing.T, store cache.Store, backendName string, n int) {
	t.Helper()
	for i := range n {
		fp, err := cache.NewFingerprint(backendName, gateway.Request{
			Kind:      gateway.OperationCallTool,
			Operation: "read_file",
			Arguments: map[string]any{"path": fmt.Sprintf("/tmp/%d", i)},
		})
		require.NoError(t, err)
		require.NoError(t, store.Put(context.Background(), fp, backendName, []byte(`{}`), 0))
	}
}

func TestService_Status(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	backends := []backend.Status{
		{Name: "fs", State: backend.StateHealthy},
		{Name: "git", State: backend.StateFailed, LastError: "exited"},
	}
	f.backends.EXPECT().Status().Return(backends)
	f.gauge.EXPECT().InFlight().Return(int64(4))
	f.gauge.EXPECT().Queued().Return(int64(2))
	fill(t, f.store, "fs", 3)
	f.snapshot.Publish(&config.Config{Manager: config.ManagerConfig{Name: "mcp-gateway", Version: "1.3.0"}})

	st := f.svc.Status()
	assert.Equal(t, backends, st.Backends)
	assert.EqualValues(t, 4, st.InFlight)
	assert.EqualValues(t, 2, st.Queued)
	assert.EqualValues(t, 2, st.SnapshotVersion)
	assert.Equal(t, "1.3.0", st.Version)
	require.NotNil(t, st.Cache)
	assert.Equal(t, 3, st.Cache.Size)
}

func TestService_StatusWithoutCache(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	backends := mocks.NewMockBackendController(ctrl)
	gauge := mocks.NewMockRequestGauge(ctrl)
	backends.EXPECT().Status().Return(nil)
	gauge.EXPECT().InFlight().Return(int64(0))
	gauge.EXPECT().Queued().Return(int64(0))

	svc := admin.NewService(backends, gauge, mocks.NewMockPolicyTester(ctrl), nil, config.NewStore(&config.Config{}))
	st := svc.Status()
	assert.Nil(t, st.Cache)
	assert.NotNil(t, st.Backends)
	assert.Empty(t, st.Backends)
}

func TestService_RestartBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		restartErr error
		setup      func(*mocks.MockBackendController)
		wantErr    error
		wantState  backend.State
	}{
		{
			name: "recovers",
			setup: func(m *mocks.MockBackendController) {
				m.EXPECT().BackendStatus("fs").Return(backend.Status{Name: "fs", State: backend.StateHealthy}, nil)
			},
			wantState: backend.StateHealthy,
		},
		{
			name:       "unknown backend",
			restartErr: unknown("nope"),
			wantErr:    backend.ErrUnknownBackend,
		},
		{
			name:       "restart fails",
			restartErr: fmt.Errorf("%w: connect refused", gateway.ErrBackendUnavailable),
			setup: func(m *mocks.MockBackendController) {
				m.EXPECT().BackendStatus("fs").Return(backend.Status{Name: "fs", State: backend.StateUnhealthy}, nil)
			},
			wantErr:   gateway.ErrBackendUnavailable,
			wantState: backend.StateUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			name := "fs"
			if errors.Is(tt.restartErr, backend.ErrUnknownBackend) {
				name = "nope"
			}
			f.backends.EXPECT().Restart(gomock.Any(), name).Return(tt.restartErr)
			if tt.setup != nil {
				tt.setup(f.backends)
			}

			st, err := f.svc.RestartBackend(context.Background(), name)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, st.State)
		})
	}
}

func TestService_InvalidateCache(t *testing.T) {
	t.Parallel()

	t.Run("one backend", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fill(t, f.store, "fs", 2)
		fill(t, f.store, "git", 1)
		f.backends.EXPECT().BackendStatus("fs").Return(backend.Status{Name: "fs"}, nil)

		n, err := f.svc.InvalidateCache(context.Background(), "fs")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 1, f.store.Stats().Size)
	})

	t.Run("all backends", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fill(t, f.store, "fs", 2)
		fill(t, f.store, "git", 1)

		n, err := f.svc.InvalidateCache(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Zero(t, f.store.Stats().Size)
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fill(t, f.store, "fs", 1)
		f.backends.EXPECT().BackendStatus("nope").Return(backend.Status{}, unknown("nope"))

		_, err := f.svc.InvalidateCache(context.Background(), "nope")
		require.ErrorIs(t, err, backend.ErrUnknownBackend)
		assert.Equal(t, 1, f.store.Stats().Size)
	})

	t.Run("no cache", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		svc := admin.NewService(mocks.NewMockBackendController(ctrl), mocks.NewMockRequestGauge(ctrl),
			mocks.NewMockPolicyTester(ctrl), nil, config.NewStore(&config.Config{}))
		n, err := svc.InvalidateCache(context.Background(), "fs")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestService_DryRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	attrs := gateway.ClientAttributes{ClientName: "Visual Studio Code"}
	req := gateway.Request{Kind: gateway.OperationCallTool, Backend: "fs", Operation: "write_file"}
	decision := access.Decision{
		Effect: access.EffectDeny,
		Reason: access.ReasonExactDeny,
		Rule:   &access.MatchedRule{Client: "vscode", Effect: access.EffectDeny, Server: "fs", Pattern: "write_file"},
	}
	f.policy.EXPECT().DryRun(attrs, req).Return(gateway.ClientIdentity{Name: "vscode", Attributes: attrs}, decision)

	res, err := f.svc.DryRun(attrs, req)
	require.NoError(t, err)
	assert.Equal(t, "vscode", res.Client)
	assert.False(t, res.Default)
	assert.Equal(t, decision, res.Decision)

	_, err = f.svc.DryRun(attrs, gateway.Request{Kind: "delete-everything", Backend: "fs"})
	require.ErrorIs(t, err, gateway.ErrInvalidRequest)

	_, err = f.svc.DryRun(attrs, gateway.Request{Kind: gateway.OperationListTools})
	require.ErrorIs(t, err, gateway.ErrInvalidRequest)
}

func TestService_DryRunWithEngine(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	cfg := &config.Config{
		Clients: map[string]config.ClientConfig{
			"vscode": {
				IdentifyBy: []map[string]string{{"client_info.name": "Visual Studio Code"}},
				Deny:       []config.AccessRule{{Server: "fs", Tools: []string{"write_file"}}},
			},
		},
	}
	cfg.EnsureDefaults()
	engine, err := access.NewEngine(cfg)
	require.NoError(t, err)

	svc := admin.NewService(mocks.NewMockBackendController(ctrl), mocks.NewMockRequestGauge(ctrl),
		engine, nil, config.NewStore(&config.Config{}))

	res, err := svc.DryRun(
		gateway.ClientAttributes{ClientName: "Visual Studio Code"},
		gateway.Request{Kind: gateway.OperationCallTool, Backend: "fs", Operation: "write_file"},
	)
	require.NoError(t, err)
	assert.Equal(t, "vscode", res.Client)
	assert.False(t, res.Decision.Allowed())
	require.NotNil(t, res.Decision.Rule)
	assert.Equal(t, "write_file", res.Decision.Rule.Pattern)
}

func TestService_Clients(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Clients: map[string]config.ClientConfig{
			"zeta": {
				IdentifyBy: []map[string]string{{"client_info.name": "code*"}},
				Deny:       []config.AccessRule{{Server: "fs", Tools: []string{"write_file"}}},
			},
			"alpha": {
				IdentifyBy:           []map[string]string{{"transport": "stdio"}},
				Allow:                []config.AccessRule{{Server: "git"}},
				DenyAllExceptAllowed: true,
			},
		},
		ClientOrder:   []string{"zeta", "alpha"},
		DefaultClient: "guest",
	}
	svc := admin.NewService(nil, nil, nil, nil, config.NewStore(cfg))

	clients := svc.Clients()
	require.Len(t, clients, 3)
	assert.Equal(t, "zeta", clients[0].Name, "declaration order")
	assert.Equal(t, "write_file", clients[0].Deny[0].Tools[0])
	assert.Equal(t, "alpha", clients[1].Name)
	assert.True(t, clients[1].DenyAllExceptAllowed)
	assert.Equal(t, admin.ClientInfo{Name: "guest", Default: true}, clients[2])

	cfg = &config.Config{
		Clients:       map[string]config.ClientConfig{"guest": {Allow: []config.AccessRule{{Server: "*"}}}},
		DefaultClient: "guest",
	}
	clients = admin.NewService(nil, nil, nil, nil, config.NewStore(cfg)).Clients()
	require.Len(t, clients, 1)
	assert.True(t, clients[0].Default)
	assert.True(t, clients[0].Declared)
}
