// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the client-facing MCP server of the gateway.
//
// Each client session is classified into an identity once it has
// initialized. The session then sees the namespaced tools and resources of
// every backend its identity may reach, registered per session. Prompts are
// registered server-wide and each prompts/list answer is narrowed to the
// calling session. Every invocation goes through the request router, and
// failures carry their error kind as a message prefix.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

const (
	// DefaultEndpointPath is where the streamable-http transport is served.
	DefaultEndpointPath = "/mcp"

	// DefaultAddress is the default listen address of the streamable-http transport.
	DefaultAddress = "127.0.0.1:4483"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Handler routes a request on behalf of a client identity.
// *router.Router implements it.
type Handler interface {
	Handle(ctx context.Context, identity gateway.ClientIdentity, req gateway.Request) (*gateway.Result, error)
}

// Identifier classifies a session from its attributes.
// *access.Engine implements it.
type Identifier interface {
	Identify(attrs gateway.ClientAttributes) gateway.ClientIdentity
}

// Config holds the configuration of the client-facing server.
type Config struct {
	// Name and Version are reported to clients during initialize.
	Name    string
	Version string

	Transport    gateway.TransportType
	Address      string
	EndpointPath string
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = gateway.TransportStreamableHTTP
	}
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.EndpointPath == "" {
		c.EndpointPath = DefaultEndpointPath
	}
	return c
}

// Option configures a Server.
type Option func(*Server)

// WithMeterProvider sets the meter provider for HTTP instrumentation.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) { s.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for HTTP instrumentation.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracerProvider = tp }
}

// Server exposes the gateway to MCP clients.
type Server struct {
	config     Config
	mcpServer  *server.MCPServer
	handler    Handler
	identifier Identifier
	sessions   *sessionTable

	// syncMu serializes changes to what sessions see.
	syncMu            sync.Mutex
	promptDefs        map[string]server.ServerPrompt
	registeredPrompts map[string]struct{}

	refresh chan struct{}

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// New creates the client-facing server. Nothing is served until Serve runs.
func New(handler Handler, identifier Identifier, cfg Config, opts ...Option) *Server {
	s := &Server{
		config:            cfg.withDefaults(),
		handler:           handler,
		identifier:        identifier,
		sessions:          newSessionTable(),
		promptDefs:        make(map[string]server.ServerPrompt),
		registeredPrompts: make(map[string]struct{}),
		refresh:           make(chan struct{}, 1),
		meterProvider:     otel.GetMeterProvider(),
		tracerProvider:    otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(s.afterInitialize)
	hooks.AddOnRegisterSession(s.onRegisterSession)
	hooks.AddOnUnregisterSession(s.onUnregisterSession)
	hooks.AddAfterListPrompts(s.filterPrompts)

	s.mcpServer = server.NewMCPServer(
		s.config.Name,
		s.config.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithLogging(),
		server.WithHooks(hooks),
	)
	return s
}

// Sessions returns the number of bound client sessions.
func (s *Server) Sessions() int {
	return s.sessions.len()
}

// RequestRefresh schedules a Refresh on the serving goroutine. Requests
// made while one is pending coalesce.
func (s *Server) RequestRefresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Handler returns the streamable-http handler, instrumented with
// OpenTelemetry.
func (s *Server) Handler() http.Handler {
	streamable := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(s.config.EndpointPath),
		server.WithHTTPContextFunc(withRequestAttributes),
	)
	mux := http.NewServeMux()
	mux.Handle(s.config.EndpointPath, streamable)
	return otelhttp.NewHandler(mux, "mcp-gateway",
		otelhttp.WithMeterProvider(s.meterProvider),
		otelhttp.WithTracerProvider(s.tracerProvider),
	)
}

// Serve runs the configured transport until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go s.refreshLoop(ctx)

	switch s.config.Transport {
	case gateway.TransportStdio:
		return s.ServeStdio(ctx, os.Stdin, os.Stdout)
	case gateway.TransportStreamableHTTP:
		return s.serveHTTP(ctx)
	default:
		return fmt.Errorf("%w: unsupported client transport %q", gateway.ErrConfigInvalid, s.config.Transport)
	}
}

// ServeStdio serves a single client over in and out.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	logger.Infow("serving MCP over stdio", "name", s.config.Name, "version", s.config.Version)
	stdio := server.NewStdioServer(s.mcpServer)
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server error: %w", err)
	}
	return nil
}

func (s *Server) serveHTTP(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Serving MCP on http://%s%s", listener.Addr(), s.config.EndpointPath)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("MCP server shutdown failed: %w", err)
	}
	logger.Infof("MCP server stopped")
	return nil
}

func (s *Server) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.refresh:
			s.Refresh(ctx)
		}
	}
}
