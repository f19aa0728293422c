// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
)

type predicate struct {
	key     string
	pattern string
}

type identityRule struct {
	client string
	// conditions holds one entry per identify_by map; all must match.
	conditions [][]predicate
}

// Identifier classifies client sessions into rule-set names.
//
// Clients are tried in declaration order and the first one whose identify_by
// predicates all match wins. A client without predicates is only reachable
// as default_client.
type Identifier struct {
	rules         []identityRule
	defaultClient string
}

// NewIdentifier compiles the identify_by predicates of cfg.
func NewIdentifier(cfg *config.Config) *Identifier {
	id := &Identifier{defaultClient: cfg.DefaultClient}
	if id.defaultClient == "" {
		id.defaultClient = config.DefaultClientName
	}
	for _, name := range cfg.ClientNames() {
		client := cfg.Clients[name]
		if len(client.IdentifyBy) == 0 {
			continue
		}
		rule := identityRule{client: name}
		for _, cond := range client.IdentifyBy {
			preds := make([]predicate, 0, len(cond))
			for _, key := range slices.Sorted(maps.Keys(cond)) {
				preds = append(preds, predicate{key: key, pattern: cond[key]})
			}
			rule.conditions = append(rule.conditions, preds)
		}
		id.rules = append(id.rules, rule)
	}
	return id
}

// Identify resolves attrs to a client identity. Sessions call it once and
// keep the result.
func (id *Identifier) Identify(attrs gateway.ClientAttributes) gateway.ClientIdentity {
	for _, rule := range id.rules {
		if rule.matches(attrs) {
			return gateway.ClientIdentity{Name: rule.client, Attributes: attrs}
		}
	}
	return gateway.ClientIdentity{Name: id.defaultClient, Default: true, Attributes: attrs}
}

func (r identityRule) matches(attrs gateway.ClientAttributes) bool {
	for _, cond := range r.conditions {
		for _, p := range cond {
			value, ok := attributeValue(attrs, p.key)
			if !ok || !gateway.MatchPattern(p.pattern, value) {
				return false
			}
		}
	}
	return true
}

func attributeValue(attrs gateway.ClientAttributes, key string) (string, bool) {
	switch key {
	case "client_info.name":
		return attrs.ClientName, true
	case "client_info.version":
		return attrs.ClientVersion, true
	case "transport", "transport_type", "connection_source":
		return attrs.Transport, true
	case "user_agent":
		return attrs.UserAgent, true
	case "remote_address":
		return attrs.RemoteAddress, true
	}
	if name, ok := strings.CutPrefix(key, config.HeaderKeyPrefix); ok {
		v, found := attrs.Headers[http.CanonicalHeaderKey(name)]
		return v, found
	}
	return "", false
}
