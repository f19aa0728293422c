// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package access implements the gateway's access-control decision engine.
//
// A configuration snapshot is compiled into an immutable rule index that the
// Engine reads through an atomic pointer, so decisions never take a lock.
// Rules are matched per (server pattern, operation pattern) and ranked by
// specificity: a match is exact only when both patterns are literals. The
// order in which exact and wildcard, allow and deny matches are considered is
// the configurable Precedence.
package access

import (
	"fmt"
	"sync/atomic"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// Engine answers access decisions against the current configuration.
type Engine struct {
	index atomic.Pointer[ruleIndex]
}

// NewEngine compiles cfg into a new Engine.
func NewEngine(cfg *config.Config) (*Engine, error) {
	e := &Engine{}
	if err := e.Update(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Update swaps in the rules of cfg. On error the previous rules stay active.
func (e *Engine) Update(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", gateway.ErrConfigInvalid)
	}
	idx, err := compile(cfg)
	if err != nil {
		return err
	}
	e.index.Store(idx)
	return nil
}

// Identify resolves session attributes to a client identity.
func (e *Engine) Identify(attrs gateway.ClientAttributes) gateway.ClientIdentity {
	return e.Rules().Identify(attrs)
}

// Rules returns the active rule snapshot. A request that needs several
// decisions takes one snapshot and asks it every question, so a concurrent
// Update cannot split the request across two configurations.
func (e *Engine) Rules() Rules {
	return Rules{idx: e.index.Load()}
}

// Decide evaluates one request against the active rules.
func (e *Engine) Decide(
	identity gateway.ClientIdentity,
	backend string,
	kind gateway.OperationKind,
	operation, resourceURI string,
) Decision {
	return e.Rules().Decide(identity, backend, kind, operation, resourceURI)
}

// DecideRequest evaluates a routed request against a single backend.
func (e *Engine) DecideRequest(identity gateway.ClientIdentity, req gateway.Request) Decision {
	return e.Decide(identity, req.Backend, req.Kind, req.Operation, req.ResourceURI)
}

// DryRun identifies attrs and evaluates req without side effects beyond the
// audit log. It is the administrative "what would happen" query.
func (e *Engine) DryRun(attrs gateway.ClientAttributes, req gateway.Request) (gateway.ClientIdentity, Decision) {
	rules := e.Rules()
	identity := rules.Identify(attrs)
	return identity, rules.Decide(identity, req.Backend, req.Kind, req.Operation, req.ResourceURI)
}

// AllowItem reports whether a listed item may be shown, against the active rules.
func (e *Engine) AllowItem(identity gateway.ClientIdentity, backend string, listing gateway.OperationKind, name string) bool {
	return e.Rules().AllowItem(identity, backend, listing, name)
}

// Rules is one compiled configuration snapshot. It never changes.
type Rules struct {
	idx *ruleIndex
}

// Identify resolves session attributes to a client identity.
func (r Rules) Identify(attrs gateway.ClientAttributes) gateway.ClientIdentity {
	identity := r.idx.identifier.Identify(attrs)
	logger.Debugw("client identified",
		"client", identity.Name, "default", identity.Default,
		"client_name", attrs.ClientName, "transport", attrs.Transport, "session", attrs.SessionID)
	return identity
}

// Decide evaluates one request. resourceURI is only consulted for
// read-resource; operation is the backend-local tool or prompt name.
func (r Rules) Decide(
	identity gateway.ClientIdentity,
	backend string,
	kind gateway.OperationKind,
	operation, resourceURI string,
) Decision {
	d := r.idx.evaluate(identity, query{
		backend:     backend,
		kind:        kind,
		operation:   operation,
		resourceURI: resourceURI,
	})
	logger.Debugw("access decision",
		"client", identity.Name,
		"backend", backend,
		"kind", kind,
		"operation", operation,
		"resource_uri", resourceURI,
		"effect", d.Effect,
		"reason", d.Reason,
		"rule", d.Rule.String(),
	)
	return d
}

// AllowItem reports whether an item returned by a listing of kind may be
// shown to identity. name is the backend-local tool or prompt name, or the
// backend-local resource URI.
func (r Rules) AllowItem(identity gateway.ClientIdentity, backend string, listing gateway.OperationKind, name string) bool {
	item := listing.ItemKind()
	if item == gateway.OperationReadResource {
		return r.idx.evaluate(identity, query{backend: backend, kind: item, resourceURI: name}).Allowed()
	}
	return r.idx.evaluate(identity, query{backend: backend, kind: item, operation: name}).Allowed()
}
