// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"fmt"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
)

// Precedence orders rule classes when more than one matches a request.
type Precedence string

const (
	// PrecedenceExactFirst evaluates exact deny, exact allow, wildcard deny,
	// then wildcard allow. An exact allow therefore beats a wildcard deny.
	PrecedenceExactFirst Precedence = config.PrecedenceExactFirst
	// PrecedenceDenyFirst evaluates every deny before any allow.
	PrecedenceDenyFirst Precedence = config.PrecedenceDenyFirst
)

// DefaultPrecedence is used when access.precedence is unset.
const DefaultPrecedence = PrecedenceExactFirst

// ruleClass is one of the four ranked outcomes of rule matching.
type ruleClass int

const (
	classExactDeny ruleClass = iota
	classExactAllow
	classWildcardDeny
	classWildcardAllow
	numClasses
)

var classReasons = [numClasses]string{
	classExactDeny:     ReasonExactDeny,
	classExactAllow:    ReasonExactAllow,
	classWildcardDeny:  ReasonWildcardDeny,
	classWildcardAllow: ReasonWildcardAllow,
}

func (p Precedence) order() []ruleClass {
	if p == PrecedenceDenyFirst {
		return []ruleClass{classExactDeny, classWildcardDeny, classExactAllow, classWildcardAllow}
	}
	return []ruleClass{classExactDeny, classExactAllow, classWildcardDeny, classWildcardAllow}
}

func classOf(h hit) ruleClass {
	switch {
	case h.m.effect == EffectDeny && h.specificity == specificityExact:
		return classExactDeny
	case h.m.effect == EffectDeny:
		return classWildcardDeny
	case h.specificity == specificityExact:
		return classExactAllow
	default:
		return classWildcardAllow
	}
}

// clientRules is the compiled rule set of one client. Matchers keep their
// declaration order.
type clientRules struct {
	tools     []matcher
	resources []matcher
	// servers decide listings: every allow rule, and deny rules that cover
	// a whole server.
	servers []matcher

	denyAllExceptAllowed bool
}

// ruleIndex is an immutable compiled snapshot of the access configuration.
type ruleIndex struct {
	clients       map[string]*clientRules
	defaultPolicy Effect
	precedence    Precedence
	identifier    *Identifier
	cedar         *cedarLayer
}

func compile(cfg *config.Config) (*ruleIndex, error) {
	idx := &ruleIndex{
		clients:       make(map[string]*clientRules, len(cfg.Clients)),
		defaultPolicy: EffectAllow,
		precedence:    DefaultPrecedence,
		identifier:    NewIdentifier(cfg),
	}
	switch cfg.Access.DefaultPolicy {
	case "", config.PolicyAllow:
	case config.PolicyDeny:
		idx.defaultPolicy = EffectDeny
	default:
		return nil, fmt.Errorf("%w: unknown default policy %q", gateway.ErrConfigInvalid, cfg.Access.DefaultPolicy)
	}
	switch p := Precedence(cfg.Access.Precedence); p {
	case "":
	case PrecedenceExactFirst, PrecedenceDenyFirst:
		idx.precedence = p
	default:
		return nil, fmt.Errorf("%w: unknown precedence %q", gateway.ErrConfigInvalid, p)
	}

	for name, client := range cfg.Clients {
		rules := &clientRules{denyAllExceptAllowed: client.DenyAllExceptAllowed}
		rules.add(EffectAllow, client.Allow)
		rules.add(EffectDeny, client.Deny)
		idx.clients[name] = rules
	}

	if len(cfg.Access.CedarPolicies) > 0 {
		layer, err := newCedarLayer(cfg.Access.CedarPolicies)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrConfigInvalid, err)
		}
		idx.cedar = layer
	}
	return idx, nil
}

func (c *clientRules) add(effect Effect, rules []config.AccessRule) {
	for i, r := range rules {
		// A rule naming only resources says nothing about tools and vice versa.
		wholeServer := len(r.Tools) == 0 && len(r.Resources) == 0
		if wholeServer || len(r.Tools) > 0 {
			c.tools = append(c.tools, matcher{effect: effect, position: i, server: r.Server, ops: r.Tools})
		}
		if wholeServer || len(r.Resources) > 0 {
			c.resources = append(c.resources, matcher{effect: effect, position: i, server: r.Server, ops: r.Resources})
		}
		if effect == EffectAllow || wholeServer {
			c.servers = append(c.servers, matcher{effect: effect, position: i, server: r.Server, serverOnly: true})
		}
	}
}

// query is one request as seen by the rule index.
type query struct {
	backend     string
	kind        gateway.OperationKind
	operation   string
	resourceURI string
}

// evaluate is the single decision function. It applies rule precedence, then
// the fallback, then the optional Cedar layer to an allow.
func (idx *ruleIndex) evaluate(identity gateway.ClientIdentity, q query) Decision {
	if q.backend == "" || !q.kind.Valid() {
		return Decision{Effect: EffectDeny, Reason: ReasonInvalidRequest}
	}

	rules := idx.clients[identity.Name]
	d := idx.evaluateRules(identity.Name, rules, q)

	if d.Allowed() && idx.cedar != nil {
		if denied, reason := idx.cedar.forbids(identity, q); denied {
			return Decision{Effect: EffectDeny, Rule: d.Rule, Reason: ReasonCedar + ": " + reason}
		}
	}
	return d
}

func (idx *ruleIndex) evaluateRules(client string, rules *clientRules, q query) Decision {
	if rules != nil {
		var matchers []matcher
		var name string
		switch {
		case q.kind.IsListing():
			matchers = rules.servers
		case q.kind == gateway.OperationReadResource:
			matchers, name = rules.resources, q.resourceURI
		default:
			matchers, name = rules.tools, q.operation
		}

		// The first declared hit of each class is kept for audit.
		var found [numClasses]*hit
		for i := range matchers {
			h, ok := matchers[i].match(q.backend, name)
			if !ok {
				continue
			}
			if c := classOf(h); found[c] == nil {
				found[c] = &h
			}
		}
		for _, c := range idx.precedence.order() {
			if h := found[c]; h != nil {
				return Decision{Effect: h.m.effect, Rule: h.rule(client), Reason: classReasons[c]}
			}
		}

		if rules.denyAllExceptAllowed {
			return Decision{Effect: EffectDeny, Reason: ReasonDenyAllExcept}
		}
	}
	return Decision{Effect: idx.defaultPolicy, Reason: ReasonDefaultPolicy}
}
