// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// dispatch sends req to its backend under the request timeout and the
// concurrency ceiling. A successful payload is handed to store, when set,
// before the lease is released.
func (r *Router) dispatch(ctx context.Context, limits Limits, req gateway.Request, store func([]byte)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, limits.RequestTimeout)
	defer cancel()

	lease, err := r.backends.Acquire(ctx, req.Backend)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, req)
		}
		return nil, err
	}
	defer lease.Release()

	r.queued.Add(1)
	err = r.sem.Acquire(ctx, 1)
	r.queued.Add(-1)
	if err != nil {
		// Never reached the backend; nothing to report.
		logger.Debugw("request expired while queued", "request_id", req.ID, "backend", req.Backend)
		return nil, contextError(ctx, req)
	}
	defer r.sem.Release(1)

	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	payload, err := lease.Conn().Invoke(ctx, req)
	if err == nil {
		err = checkListing(req, payload)
	}
	if err != nil {
		return nil, r.classify(ctx, req, err)
	}
	r.backends.ReportSuccess(req.Backend)
	if store != nil {
		store(payload)
	}
	return payload, nil
}

// classify converts a failed invocation into the gateway taxonomy and
// reports gateway-side failures to the lifecycle manager.
func (r *Router) classify(ctx context.Context, req gateway.Request, err error) error {
	var appErr *gateway.ApplicationError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, gateway.ErrInvalidRequest):
		return err
	case errors.Is(err, gateway.ErrTimeout), errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.backends.ReportFailure(req.Backend, err)
		logger.Warnw("backend request timed out", "request_id", req.ID, "backend", req.Backend, "kind", req.Kind)
		if errors.Is(err, gateway.ErrTimeout) {
			return err
		}
		return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrTimeout, req.Kind, req.Backend, err)
	case errors.Is(ctx.Err(), context.Canceled):
		// The client went away; the backend did nothing wrong.
		return ctx.Err()
	default:
		r.backends.ReportFailure(req.Backend, err)
		logger.Warnw("backend request failed", "request_id", req.ID, "backend", req.Backend, "kind", req.Kind, "error", err)
		if errors.Is(err, gateway.ErrBackendUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrBackendUnavailable, req.Kind, req.Backend, err)
	}
}

// contextError maps a done context to the taxonomy.
func contextError(ctx context.Context, req gateway.Request) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s on backend %s", gateway.ErrTimeout, req.Kind, req.Backend)
	}
	return ctx.Err()
}

func isMiss(err error) bool {
	return errors.Is(err, cache.ErrCacheMiss)
}
