// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/access"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

type listingPart struct {
	payload []byte
	cached  bool
	err     error
}

// fanOut sends a listing to every backend the identity may reach and merges
// the answers. A failing backend is reported in the aggregate and does not
// fail the listing.
func (r *Router) fanOut(
	ctx context.Context,
	v view,
	identity gateway.ClientIdentity,
	req gateway.Request,
) (*gateway.Result, error) {
	var targets []string
	for _, desc := range r.backends.Descriptors() {
		if v.rules.Decide(identity, desc.Name, req.Kind, "", "").Allowed() {
			targets = append(targets, desc.Name)
		}
	}

	logger.Debugw("fanning out listing", "request_id", req.ID, "kind", req.Kind, "backends", targets)

	var mu sync.Mutex
	parts := make(map[string]listingPart, len(targets))

	// Sub-requests never return an error to the group, so one failure does
	// not cancel the others.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanOutLimit)
	for _, name := range targets {
		g.Go(func() error {
			sub := req
			sub.Backend = name
			payload, cached, err := r.route(gctx, v, identity, sub)
			if err != nil {
				logger.Warnw("backend listing failed", "request_id", req.ID, "backend", name, "kind", req.Kind, "error", err)
			}
			mu.Lock()
			parts[name] = listingPart{payload: payload, cached: cached, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Filtering first: a part that fails to decode is reported below.
	payload, err := filterListing(v.rules, identity, req.Kind, parts)
	if err != nil {
		return nil, err
	}

	agg := &gateway.Aggregate{Results: make([]gateway.SubResult, 0, len(parts))}
	allCached := len(parts) > 0
	for _, name := range slices.Sorted(maps.Keys(parts)) {
		part := parts[name]
		sub := gateway.SubResult{Backend: name, Cached: part.cached}
		if part.err != nil {
			sub.ErrorKind = gateway.KindOf(part.err)
			sub.Error = gateway.Boundary(part.err).Error()
		}
		allCached = allCached && part.cached
		agg.Results = append(agg.Results, sub)
	}
	return &gateway.Result{
		Kind:      req.Kind,
		Payload:   payload,
		Cached:    allCached,
		Aggregate: agg,
	}, nil
}

// filterListing decodes the successful parts of a listing, drops the items
// the identity may not use, namespaces the rest and encodes the merged
// listing. Backends are merged in name order. A part that does not decode
// contributes nothing and has its error set in parts.
func filterListing(
	rules access.Rules,
	identity gateway.ClientIdentity,
	kind gateway.OperationKind,
	parts map[string]listingPart,
) (json.RawMessage, error) {
	names := slices.Sorted(maps.Keys(parts))

	switch kind {
	case gateway.OperationListTools:
		tools := []mcp.Tool{}
		for _, name := range names {
			items := decodePart(parts, name, gateway.DecodeTools)
			for _, tool := range items {
				if !rules.AllowItem(identity, name, kind, tool.Name) {
					continue
				}
				tool.Name = gateway.NamespaceName(name, tool.Name)
				tools = append(tools, tool)
			}
		}
		return gateway.EncodeTools(tools)

	case gateway.OperationListResources:
		resources := []mcp.Resource{}
		for _, name := range names {
			items := decodePart(parts, name, gateway.DecodeResources)
			for _, res := range items {
				if !rules.AllowItem(identity, name, kind, res.URI) {
					continue
				}
				res.URI = gateway.NamespaceResourceURI(name, res.URI)
				resources = append(resources, res)
			}
		}
		return gateway.EncodeResources(resources)

	case gateway.OperationListPrompts:
		prompts := []mcp.Prompt{}
		for _, name := range names {
			items := decodePart(parts, name, gateway.DecodePrompts)
			for _, prompt := range items {
				if !rules.AllowItem(identity, name, kind, prompt.Name) {
					continue
				}
				prompt.Name = gateway.NamespaceName(name, prompt.Name)
				prompts = append(prompts, prompt)
			}
		}
		return gateway.EncodePrompts(prompts)

	default:
		return nil, fmt.Errorf("%w: %s is not a listing", gateway.ErrInvalidRequest, kind)
	}
}

// decodePart decodes one backend's listing. Failed parts contribute
// nothing; a malformed one is marked failed.
func decodePart[T any](parts map[string]listingPart, backend string, decode func(json.RawMessage) ([]T, error)) []T {
	part := parts[backend]
	if part.err != nil || part.payload == nil {
		return nil
	}
	items, err := decode(part.payload)
	if err != nil {
		part.err = malformedListing(backend, err)
		part.payload = nil
		parts[backend] = part
		logger.Warnw("backend returned a malformed listing", "backend", backend, "error", err)
		return nil
	}
	return items
}

// checkListing rejects a listing answer that does not decode, before it is
// cached or merged.
func checkListing(req gateway.Request, payload json.RawMessage) error {
	var err error
	switch req.Kind {
	case gateway.OperationListTools:
		_, err = gateway.DecodeTools(payload)
	case gateway.OperationListResources:
		_, err = gateway.DecodeResources(payload)
	case gateway.OperationListPrompts:
		_, err = gateway.DecodePrompts(payload)
	default:
		return nil
	}
	if err != nil {
		return malformedListing(req.Backend, err)
	}
	return nil
}

func malformedListing(backend string, err error) error {
	return fmt.Errorf("%w: backend %s returned a malformed listing: %v", gateway.ErrBackendUnavailable, backend, err)
}
