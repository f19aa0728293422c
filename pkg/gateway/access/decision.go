// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"fmt"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
)

// Effect is the outcome of an access decision.
type Effect string

const (
	// EffectAllow permits the request.
	EffectAllow Effect = "allow"
	// EffectDeny rejects the request.
	EffectDeny Effect = "deny"
)

// Reasons recorded on a Decision.
const (
	ReasonExactDeny      = "exact deny rule"
	ReasonExactAllow     = "exact allow rule"
	ReasonWildcardDeny   = "wildcard deny rule"
	ReasonWildcardAllow  = "wildcard allow rule"
	ReasonDenyAllExcept  = "deny_all_except_allowed"
	ReasonDefaultPolicy  = "default policy"
	ReasonCedar          = "cedar"
	ReasonInvalidRequest = "invalid request"
)

// MatchedRule identifies the rule that produced a decision.
type MatchedRule struct {
	Client string `json:"client"`
	Effect Effect `json:"effect"`
	// Position is the index of the rule within the client's allow or deny list.
	Position    int    `json:"position"`
	Server      string `json:"server"`
	Pattern     string `json:"pattern"`
	Specificity string `json:"specificity"`
}

func (r *MatchedRule) String() string {
	if r == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s.%s[%d] server=%s pattern=%s (%s)",
		r.Client, r.Effect, r.Position, r.Server, r.Pattern, r.Specificity)
}

// Decision is the result of evaluating one request.
type Decision struct {
	Effect Effect       `json:"effect"`
	Rule   *MatchedRule `json:"rule,omitempty"`
	Reason string       `json:"reason"`
}

// Allowed reports whether the decision permits the request.
func (d Decision) Allowed() bool {
	return d.Effect == EffectAllow
}

// Err returns nil for an allow, and an error wrapping gateway.ErrAccessDenied
// for a deny. target names what was requested, e.g. "filesystem.write_file".
func (d Decision) Err(kind gateway.OperationKind, target string) error {
	if d.Allowed() {
		return nil
	}
	return fmt.Errorf("%w: %s %s (%s)", gateway.ErrAccessDenied, kind, target, d.Reason)
}
