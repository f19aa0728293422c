// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches client requests to backend MCP servers.
//
// Every request passes through the access engine, the response cache and the
// backend lifecycle manager, in that order. Identical concurrent cacheable
// requests share one dispatch, and the number of simultaneous backend
// dispatches is bounded by a FIFO ceiling. Listings without a target backend
// fan out to every backend the client may reach and report partial failures
// per backend.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/access"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/backend"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/cache"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// Policy hands out the active access rules. *access.Engine implements it.
// The router takes one snapshot per request and asks it every question.
type Policy interface {
	Rules() access.Rules
}

// Backends hands out leases on healthy backend connections and takes
// failure reports. *backend.Manager implements it.
type Backends interface {
	Available(name string) error
	Acquire(ctx context.Context, name string) (*backend.Lease, error)
	ReportFailure(name string, err error)
	ReportSuccess(name string)
	Descriptors() []gateway.BackendDescriptor
	Descriptor(name string) (gateway.BackendDescriptor, bool)
}

// Limits are the per-request runtime limits.
type Limits struct {
	// MaxConcurrentRequests is the dispatch ceiling. It is fixed when the
	// Router is created.
	MaxConcurrentRequests int
	RequestTimeout        time.Duration
	CacheTTL              time.Duration
}

// LimitsFromRuntime derives Limits from the runtime section of a snapshot.
func LimitsFromRuntime(rt config.RuntimeConfig) Limits {
	return Limits{
		MaxConcurrentRequests: rt.MaxConcurrentRequests,
		RequestTimeout:        rt.RequestTimeout.Std(),
		CacheTTL:              rt.CacheTTL.Std(),
	}
}

const (
	defaultMaxConcurrent  = 100
	defaultRequestTimeout = 30 * time.Second
	defaultFanOutLimit    = 10
)

func (l Limits) withDefaults() Limits {
	if l.MaxConcurrentRequests <= 0 {
		l.MaxConcurrentRequests = defaultMaxConcurrent
	}
	if l.RequestTimeout <= 0 {
		l.RequestTimeout = defaultRequestTimeout
	}
	if l.CacheTTL <= 0 {
		l.CacheTTL = cache.DefaultTTL
	}
	return l
}

// Option configures a Router.
type Option func(*Router)

// WithCache enables response caching on store.
func WithCache(store cache.Store) Option {
	return func(r *Router) { r.cache = store }
}

// WithFanOutLimit bounds how many backends a fan-out listing queries at once.
func WithFanOutLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.fanOutLimit = n
		}
	}
}

// WithMeterProvider records router metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Router) { r.meterProvider = mp }
}

// WithTracerProvider records dispatch spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) { r.tracerProvider = tp }
}

// Router is the central request dispatcher. It is safe for concurrent use.
type Router struct {
	policy   Policy
	backends Backends
	cache    cache.Store

	limits      atomic.Pointer[Limits]
	sem         *semaphore.Weighted
	flight      singleflight.Group
	fanOutLimit int

	inflight atomic.Int64
	queued   atomic.Int64

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *routerMetrics
	tracer         trace.Tracer
}

// New creates a Router. Without WithCache nothing is cached.
func New(policy Policy, backends Backends, limits Limits, opts ...Option) *Router {
	limits = limits.withDefaults()
	r := &Router{
		policy:         policy,
		backends:       backends,
		sem:            semaphore.NewWeighted(int64(limits.MaxConcurrentRequests)),
		fanOutLimit:    defaultFanOutLimit,
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	r.limits.Store(&limits)
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newRouterMetrics(r.meterProvider)
	r.tracer = r.tracerProvider.Tracer(instrumentationName)
	return r
}

// UpdateLimits swaps in new timeouts and TTLs. The concurrency ceiling keeps
// the value the Router was created with.
func (r *Router) UpdateLimits(limits Limits) {
	limits = limits.withDefaults()
	limits.MaxConcurrentRequests = r.limits.Load().MaxConcurrentRequests
	r.limits.Store(&limits)
}

// Limits returns the active limits.
func (r *Router) Limits() Limits {
	return *r.limits.Load()
}

// InFlight returns the number of requests currently dispatched to backends.
func (r *Router) InFlight() int64 {
	return r.inflight.Load()
}

// Queued returns the number of requests waiting for a dispatch slot.
func (r *Router) Queued() int64 {
	return r.queued.Load()
}

// Handle routes one client request. Listings with an empty Backend fan out
// to every backend the identity may reach; every other request names its
// backend. Listing payloads are filtered per item and carry namespaced
// names; invocation payloads are returned as the backend produced them.
//
// Errors wrap one of the gateway sentinels. A backend's own error is
// returned as *gateway.ApplicationError.
func (r *Router) Handle(ctx context.Context, identity gateway.ClientIdentity, req gateway.Request) (*gateway.Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown operation kind %q", gateway.ErrInvalidRequest, req.Kind)
	}

	v := view{rules: r.policy.Rules(), limits: *r.limits.Load()}
	if req.Backend == "" {
		if !req.Kind.IsListing() {
			return nil, fmt.Errorf("%w: %s requires a backend", gateway.ErrInvalidRequest, req.Kind)
		}
		return r.fanOut(ctx, v, identity, req)
	}

	payload, cached, err := r.route(ctx, v, identity, req)
	if err != nil {
		return nil, err
	}
	if req.Kind.IsListing() {
		parts := map[string]listingPart{req.Backend: {payload: payload}}
		payload, err = filterListing(v.rules, identity, req.Kind, parts)
		if err != nil {
			return nil, err
		}
		if err := parts[req.Backend].err; err != nil {
			return nil, err
		}
	}
	return &gateway.Result{
		Backend: req.Backend,
		Kind:    req.Kind,
		Payload: payload,
		Cached:  cached,
	}, nil
}

// view is what one request reads from the active configuration. It is
// taken once per Handle so a reload never splits a request.
type view struct {
	rules  access.Rules
	limits Limits
}

// route runs the per-backend pipeline and returns the raw backend payload.
func (r *Router) route(
	ctx context.Context,
	v view,
	identity gateway.ClientIdentity,
	req gateway.Request,
) (_ []byte, cached bool, retErr error) {
	ctx, done := r.record(ctx, req)
	defer func() { done(cached, retErr) }()

	decision := v.rules.Decide(identity, req.Backend, req.Kind, req.Operation, req.ResourceURI)
	if !decision.Allowed() {
		return nil, false, decision.Err(req.Kind, target(req))
	}

	desc, ok := r.backends.Descriptor(req.Backend)
	if !ok {
		return nil, false, fmt.Errorf("%w: %w %q", gateway.ErrBackendUnavailable, backend.ErrUnknownBackend, req.Backend)
	}
	// Cached answers are only served while the backend itself could answer.
	if err := r.backends.Available(req.Backend); err != nil {
		return nil, false, err
	}

	if r.cache == nil || !isCacheable(desc, req) {
		payload, err := r.dispatch(ctx, v.limits, req, nil)
		return payload, false, err
	}

	fp, err := cache.NewFingerprint(req.Backend, req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err)
	}
	if entry := r.lookup(ctx, fp); entry != nil {
		return entry.Payload, true, nil
	}
	return r.shared(ctx, v.limits, req, fp)
}

// shared collapses identical concurrent cacheable requests into one
// dispatch. The dispatch is detached from the caller that started it so a
// cancelled leader does not fail the requests waiting on it; it keeps the
// leader's deadline.
func (r *Router) shared(ctx context.Context, limits Limits, req gateway.Request, fp cache.Fingerprint) ([]byte, bool, error) {
	ch := r.flight.DoChan(string(fp), func() (any, error) {
		// Another flight may have stored the entry since our lookup.
		if entry := r.lookup(ctx, fp); entry != nil {
			return flightResult{payload: entry.Payload, cached: true}, nil
		}

		flightCtx := context.WithoutCancel(ctx)
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			flightCtx, cancel = context.WithDeadline(flightCtx, deadline)
			defer cancel()
		}

		// The entry is stored while the lease is held, so an invalidation
		// that follows the backend's drain cannot be overtaken by it.
		payload, err := r.dispatch(flightCtx, limits, req, func(payload []byte) {
			if err := r.cache.Put(flightCtx, fp, req.Backend, payload, limits.CacheTTL); err != nil {
				logger.Warnw("failed to store response in cache", "backend", req.Backend, "kind", req.Kind, "error", err)
			}
		})
		if err != nil {
			return nil, err
		}
		return flightResult{payload: payload}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		fr := res.Val.(flightResult)
		if res.Shared {
			logger.Debugw("request joined an in-flight dispatch", "request_id", req.ID, "backend", req.Backend)
		}
		return fr.payload, fr.cached, nil
	case <-ctx.Done():
		return nil, false, contextError(ctx, req)
	}
}

type flightResult struct {
	payload []byte
	cached  bool
}

func (r *Router) lookup(ctx context.Context, fp cache.Fingerprint) *cache.Entry {
	entry, err := r.cache.Get(ctx, fp)
	if err == nil {
		return entry
	}
	if !isMiss(err) {
		logger.Warnw("cache lookup failed, dispatching to backend", "error", err)
	}
	return nil
}

// isCacheable reports whether the response to req may be stored. Listings
// and resource reads are read-only; tool calls are cacheable only when the
// backend declares the tool so.
func isCacheable(desc gateway.BackendDescriptor, req gateway.Request) bool {
	switch req.Kind {
	case gateway.OperationListTools, gateway.OperationListResources,
		gateway.OperationListPrompts, gateway.OperationReadResource:
		return true
	case gateway.OperationCallTool:
		return gateway.MatchAny(desc.CacheableTools, req.Operation)
	default:
		return false
	}
}

// target names what a request addresses, for errors and spans.
func target(req gateway.Request) string {
	switch {
	case req.Kind == gateway.OperationReadResource:
		return req.Backend + " " + req.ResourceURI
	case req.Operation != "":
		return gateway.NamespaceName(req.Backend, req.Operation)
	default:
		return req.Backend
	}
}
