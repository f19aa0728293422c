// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"fmt"
	"strings"

	"github.com/cedar-policy/cedar-go"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// Cedar entity types used by the policy layer.
const (
	cedarClientType   = "Client"
	cedarActionType   = "Action"
	cedarToolType     = "Tool"
	cedarPromptType   = "Prompt"
	cedarResourceType = "Resource"
	cedarBackendType  = "Backend"
)

// basePolicy makes the layer forbid-only: a request that passed the rule
// engine stays allowed unless a forbid policy matches.
const basePolicy = `permit(principal, action, resource);`

// cedarLayer refines allow decisions with Cedar policies.
type cedarLayer struct {
	policySet *cedar.PolicySet
}

func newCedarLayer(policies []string) (*cedarLayer, error) {
	ps := cedar.NewPolicySet()
	for i, text := range append([]string{basePolicy}, policies...) {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(text)); err != nil {
			return nil, fmt.Errorf("failed to parse cedar policy %d: %w", i-1, err)
		}
		ps.Add(cedar.PolicyID(fmt.Sprintf("policy%d", i)), &policy)
	}
	return &cedarLayer{policySet: ps}, nil
}

// forbids reports whether a forbid policy matches the request. Evaluation
// errors deny.
func (l *cedarLayer) forbids(identity gateway.ClientIdentity, q query) (bool, string) {
	principal := cedar.NewEntityUID(cedarClientType, cedar.String(identity.Name))
	action := cedar.NewEntityUID(cedarActionType, cedar.String(q.kind))
	resource := cedarResource(q)

	attrs := identity.Attributes
	entities := cedar.EntityMap{
		principal: cedar.Entity{
			UID:     principal,
			Parents: cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{
				"name":           cedar.String(identity.Name),
				"client_name":    cedar.String(attrs.ClientName),
				"client_version": cedar.String(attrs.ClientVersion),
				"transport":      cedar.String(attrs.Transport),
				"user_agent":     cedar.String(attrs.UserAgent),
				"remote_address": cedar.String(attrs.RemoteAddress),
			}),
			Tags: cedar.NewRecord(cedar.RecordMap{}),
		},
	}

	req := cedar.Request{
		Principal: principal,
		Action:    action,
		Resource:  resource,
		Context: cedar.NewRecord(cedar.RecordMap{
			"backend":   cedar.String(q.backend),
			"operation": cedar.String(q.operation),
			"uri":       cedar.String(q.resourceURI),
		}),
	}

	decision, diagnostic := cedar.Authorize(l.policySet, entities, req)
	logger.Debugw("cedar decision",
		"principal", req.Principal, "action", req.Action, "resource", req.Resource, "decision", decision)

	if len(diagnostic.Errors) > 0 {
		msgs := make([]string, len(diagnostic.Errors))
		for i, e := range diagnostic.Errors {
			msgs[i] = fmt.Sprintf("%s: %s", e.PolicyID, e.Message)
		}
		return true, "evaluation error: " + strings.Join(msgs, "; ")
	}
	if decision == cedar.Allow {
		return false, ""
	}
	ids := make([]string, len(diagnostic.Reasons))
	for i, r := range diagnostic.Reasons {
		ids[i] = string(r.PolicyID)
	}
	return true, "forbidden by " + strings.Join(ids, ", ")
}

func cedarResource(q query) cedar.EntityUID {
	switch q.kind {
	case gateway.OperationCallTool:
		return cedar.NewEntityUID(cedarToolType, cedar.String(gateway.NamespaceName(q.backend, q.operation)))
	case gateway.OperationGetPrompt:
		return cedar.NewEntityUID(cedarPromptType, cedar.String(gateway.NamespaceName(q.backend, q.operation)))
	case gateway.OperationReadResource:
		return cedar.NewEntityUID(cedarResourceType, cedar.String(gateway.NamespaceResourceURI(q.backend, q.resourceURI)))
	default:
		return cedar.NewEntityUID(cedarBackendType, cedar.String(q.backend))
	}
}
