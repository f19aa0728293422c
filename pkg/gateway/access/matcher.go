// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
)

// specificity ranks how precisely a matcher covers a request.
type specificity int

const (
	specificityNone specificity = iota
	specificityWildcard
	specificityExact
)

func (s specificity) String() string {
	switch s {
	case specificityExact:
		return "exact"
	case specificityWildcard:
		return "wildcard"
	default:
		return "none"
	}
}

// matcher is one compiled (server pattern, operation patterns) pair taken
// from a single allow or deny rule.
type matcher struct {
	effect Effect
	// position of the source rule within its allow or deny list
	position int

	server string
	// ops holds the operation or resource patterns. Empty covers every
	// operation at wildcard specificity.
	ops []string
	// serverOnly matchers decide listings. A literal server is exact.
	serverOnly bool
}

// hit is a successful match.
type hit struct {
	m           *matcher
	pattern     string
	specificity specificity
}

// match reports whether m covers name on backend, and how precisely. A match
// is exact only when both the server pattern and the matched operation
// pattern are literals.
func (m *matcher) match(backend, name string) (hit, bool) {
	if !gateway.MatchPattern(m.server, backend) {
		return hit{}, false
	}
	serverExact := gateway.IsLiteral(m.server)

	if len(m.ops) == 0 {
		spec := specificityWildcard
		if m.serverOnly && serverExact {
			spec = specificityExact
		}
		return hit{m: m, pattern: gateway.Wildcard, specificity: spec}, true
	}

	var best hit
	for _, p := range m.ops {
		if !gateway.MatchPattern(p, name) {
			continue
		}
		if serverExact && gateway.IsLiteral(p) {
			return hit{m: m, pattern: p, specificity: specificityExact}, true
		}
		if best.m == nil {
			best = hit{m: m, pattern: p, specificity: specificityWildcard}
		}
	}
	return best, best.m != nil
}

// rule converts the hit into its audit form.
func (h hit) rule(client string) *MatchedRule {
	return &MatchedRule{
		Client:      client,
		Effect:      h.m.effect,
		Position:    h.m.position,
		Server:      h.m.server,
		Pattern:     h.pattern,
		Specificity: h.specificity.String(),
	}
}
