// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-core/env"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/access"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/admin"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/backend"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/router"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/server"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/telemetry"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// newServeCmd creates the serve command for starting the gateway
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP gateway",
		Long: `Start the MCP gateway.

The gateway reads the configuration file given by --config, launches the enabled
backend servers and serves MCP clients over streamable-http or stdio. When an admin
address is configured, the administrative API and /metrics are served there.
Changes to the configuration file are validated and applied while running.`,
		RunE: runServe,
	}

	cmd.Flags().String("transport", string(gateway.TransportStreamableHTTP), "Client transport (streamable-http or stdio)")
	cmd.Flags().String("address", server.DefaultAddress, "Listen address for the streamable-http transport")
	if err := viper.BindPFlag("transport", cmd.Flags().Lookup("transport")); err != nil {
		logger.Errorf("Error binding transport flag: %v", err)
	}
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
	return cmd
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	transport := gateway.TransportType(viper.GetString("transport"))
	if transport != gateway.TransportStreamableHTTP && transport != gateway.TransportStdio {
		return fmt.Errorf("unsupported transport %q, use streamable-http or stdio", transport)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.InitializeWithEnv(&env.OSReader{}, cfg.Manager.LogLevel)
	logger.Infow("configuration loaded",
		"name", cfg.Manager.Name,
		"version", cfg.Manager.Version,
		"servers", len(cfg.Servers),
		"clients", len(cfg.Clients))

	gw, err := newGateway(ctx, cfg, transport, viper.GetString("address"))
	if err != nil {
		return err
	}
	defer gw.close()

	if err := gw.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start backend manager: %w", err)
	}
	defer gw.manager.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.server.Serve(gctx)
	})

	if cfg.Admin.Address != "" {
		svc := admin.NewService(gw.manager, gw.router, gw.engine, gw.store, gw.snapshots)
		handler := otelhttp.NewHandler(admin.NewHandler(svc, gw.telemetry.Handler()), "mcp-gateway-admin",
			otelhttp.WithMeterProvider(gw.telemetry.MeterProvider()),
			otelhttp.WithTracerProvider(gw.telemetry.TracerProvider()),
		)
		g.Go(func() error {
			return admin.Serve(gctx, cfg.Admin.Address, handler)
		})
	}

	watcher, err := config.NewWatcher(
		viper.GetString("config"),
		config.NewYAMLLoader(viper.GetString("config"), &env.OSReader{}),
		config.NewValidator(),
		gw.apply,
	)
	if err != nil {
		return fmt.Errorf("failed to create configuration watcher: %w", err)
	}
	if err := watcher.Start(gctx); err != nil {
		logger.Warnw("configuration changes will not be picked up", "error", err)
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			logger.Debugw("failed to stop configuration watcher", "error", err)
		}
	}()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Infof("mcp-gateway stopped")
	return nil
}

// gatewayRuntime holds the long-lived components of a running gateway.
type gatewayRuntime struct {
	snapshots *config.Store
	engine    *access.Engine
	telemetry *telemetry.Provider
	store     cache.Store
	manager   *backend.Manager
	router    *router.Router
	server    *server.Server
}

func newGateway(ctx context.Context, cfg *config.Config, transport gateway.TransportType, address string) (*gatewayRuntime, error) {
	engine, err := access.NewEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build access rules: %w", err)
	}

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:           cfg.Manager.Name,
		ServiceVersion:        cfg.Manager.Version,
		MetricsEnabled:        cfg.Telemetry.Enabled(),
		IncludeRuntimeMetrics: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}

	store, err := cache.New(cfg.CacheStoreConfig(), cache.WithMeterProvider(tel.MeterProvider()))
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	gw := &gatewayRuntime{
		snapshots: config.NewStore(cfg),
		engine:    engine,
		telemetry: tel,
		store:     store,
	}

	states := telemetry.NewBackendStates(tel.MeterProvider())
	gw.manager = backend.NewManager(
		backend.PolicyFromRuntime(cfg.Runtime),
		backend.WithDialer(backend.NewMCPDialer(cfg.Manager.Name, cfg.Manager.Version)),
		backend.WithStateObserver(func(name string, from, to backend.State) {
			states.Observe(name, from, to)
			if to == backend.StateHealthy && from != backend.StateHealthy && gw.server != nil {
				gw.server.RequestRefresh()
			}
		}),
		backend.WithOnRestart(func(name string) {
			gw.invalidate(name)
		}),
	)
	gw.manager.Reload(cfg.Backends())

	gw.router = router.New(engine, gw.manager, router.LimitsFromRuntime(cfg.Runtime),
		router.WithCache(store),
		router.WithMeterProvider(tel.MeterProvider()),
		router.WithTracerProvider(tel.TracerProvider()),
	)

	gw.server = server.New(gw.router, engine, server.Config{
		Name:      cfg.Manager.Name,
		Version:   cfg.Manager.Version,
		Transport: transport,
		Address:   address,
	},
		server.WithMeterProvider(tel.MeterProvider()),
		server.WithTracerProvider(tel.TracerProvider()),
	)
	return gw, nil
}

// apply swaps in a validated configuration. The access rules are rebuilt
// first so that a snapshot they reject leaves everything untouched.
func (gw *gatewayRuntime) apply(_ context.Context, cfg *config.Config) error {
	prev := gw.snapshots.Current().Config
	if err := gw.engine.Update(cfg); err != nil {
		return err
	}

	summary := gw.manager.Reload(cfg.Backends())
	for _, name := range append(summary.Removed, summary.Changed...) {
		gw.invalidate(name)
	}
	gw.router.UpdateLimits(router.LimitsFromRuntime(cfg.Runtime))
	snap := gw.snapshots.Publish(cfg)
	gw.server.RequestRefresh()

	warnRestartRequired(prev, cfg)
	logger.Infow("configuration applied",
		"snapshot", snap.Version,
		"added", summary.Added,
		"removed", summary.Removed,
		"changed", summary.Changed)
	return nil
}

func (gw *gatewayRuntime) invalidate(backendName string) {
	n, err := gw.store.Invalidate(context.Background(), backendName)
	if err != nil {
		logger.Warnw("failed to invalidate cached responses", "backend", backendName, "error", err)
		return
	}
	if n > 0 {
		logger.Debugw("invalidated cached responses", "backend", backendName, "entries", n)
	}
}

func (gw *gatewayRuntime) close() {
	if err := gw.store.Close(); err != nil {
		logger.Warnw("failed to close response cache", "error", err)
	}
	if err := gw.telemetry.Shutdown(context.Background()); err != nil {
		logger.Warnw("failed to shut down telemetry", "error", err)
	}
}

// warnRestartRequired logs the sections that are only read at startup.
func warnRestartRequired(prev, next *config.Config) {
	if prev == nil {
		return
	}
	sections := map[string][2]any{
		"cache":                           {prev.Cache, next.Cache},
		"admin":                           {prev.Admin, next.Admin},
		"telemetry":                       {prev.Telemetry.Enabled(), next.Telemetry.Enabled()},
		"manager":                         {prev.Manager, next.Manager},
		"runtime.max_concurrent_requests": {prev.Runtime.MaxConcurrentRequests, next.Runtime.MaxConcurrentRequests},
		"runtime lifecycle settings":      {backend.PolicyFromRuntime(prev.Runtime), backend.PolicyFromRuntime(next.Runtime)},
	}
	for name, pair := range sections {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			logger.Warnw("configuration change takes effect after a restart", "section", name)
		}
	}
}
