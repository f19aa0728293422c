// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second

	// APIPrefix is the path prefix of the versioned admin API.
	APIPrefix = "/api/v1"
)

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// NewHandler builds the admin HTTP API. metrics may be nil when metric
// export is disabled.
func NewHandler(svc *Service, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	routers := map[string]http.Handler{
		"/health":               HealthcheckRouter(),
		APIPrefix + "/status":   StatusRouter(svc),
		APIPrefix + "/backends": BackendsRouter(svc),
		APIPrefix + "/cache":    CacheRouter(svc),
		APIPrefix + "/access":   AccessRouter(svc),
		APIPrefix + "/clients":  ClientsRouter(svc),
	}
	if metrics != nil {
		routers["/metrics"] = metrics
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	return r
}

// Serve serves handler on address until ctx is cancelled.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infow("starting admin API", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin API stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin API shutdown failed: %w", err)
	}
	logger.Infof("admin API stopped")
	return nil
}

// HealthcheckRouter answers liveness probes.
func HealthcheckRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", getHealthcheck)
	return r
}

func getHealthcheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type adminRoutes struct {
	svc *Service
}

// StatusRouter serves the gateway status report.
func StatusRouter(svc *Service) http.Handler {
	routes := adminRoutes{svc: svc}
	r := chi.NewRouter()
	r.Get("/", ErrorHandler(routes.getStatus))
	return r
}

// BackendsRouter serves per-backend operations.
func BackendsRouter(svc *Service) http.Handler {
	routes := adminRoutes{svc: svc}
	r := chi.NewRouter()
	r.Get("/", ErrorHandler(routes.listBackends))
	r.Post("/{name}/restart", ErrorHandler(routes.restartBackend))
	return r
}

// CacheRouter serves cache invalidation.
func CacheRouter(svc *Service) http.Handler {
	routes := adminRoutes{svc: svc}
	r := chi.NewRouter()
	r.Delete("/", ErrorHandler(routes.invalidateCache))
	r.Delete("/{backend}", ErrorHandler(routes.invalidateCache))
	return r
}

// AccessRouter serves access policy queries.
func AccessRouter(svc *Service) http.Handler {
	routes := adminRoutes{svc: svc}
	r := chi.NewRouter()
	r.Post("/dry-run", ErrorHandler(routes.dryRun))
	return r
}

// ClientsRouter serves the configured client identities.
func ClientsRouter(svc *Service) http.Handler {
	routes := adminRoutes{svc: svc}
	r := chi.NewRouter()
	r.Get("/", ErrorHandler(routes.listClients))
	return r
}

func (rt *adminRoutes) getStatus(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, rt.svc.Status())
}

func (rt *adminRoutes) listBackends(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, rt.svc.Status().Backends)
}

func (rt *adminRoutes) listClients(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, rt.svc.Clients())
}

func (rt *adminRoutes) restartBackend(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	status, err := rt.svc.RestartBackend(r.Context(), name)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, status)
}

func (rt *adminRoutes) invalidateCache(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "backend")
	n, err := rt.svc.InvalidateCache(r.Context(), name)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, InvalidateResponse{Backend: name, Removed: n})
}

func (rt *adminRoutes) dryRun(w http.ResponseWriter, r *http.Request) error {
	var body DryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return httperr.WithCode(fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
	}
	req, err := body.toGateway()
	if err != nil {
		return err
	}
	result, err := rt.svc.DryRun(body.Client.toGateway(), req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; all that is left is to log.
		logger.Errorw("failed to encode admin response", "error", err)
	}
	return nil
}
