// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// session is the gateway's view of one client session. The identity is fixed
// once bound; the item sets record what was last exposed to the session.
type session struct {
	identity  gateway.ClientIdentity
	tools     map[string]struct{}
	resources map[string]struct{}
	prompts   map[string]struct{}
}

// sessionTable tracks sessions through the two hooks that together complete
// a handshake. Depending on the transport, either initialize or session
// registration happens first; a session is bound once both have.
type sessionTable struct {
	mu sync.RWMutex
	// pending holds attributes from initialize for sessions not yet registered.
	pending map[string]gateway.ClientAttributes
	// registered holds sessions registered before they initialized.
	registered map[string]struct{}
	bound      map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		pending:    make(map[string]gateway.ClientAttributes),
		registered: make(map[string]struct{}),
		bound:      make(map[string]*session),
	}
}

func (t *sessionTable) get(id string) (*session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.bound[id]
	return sess, ok
}

func (t *sessionTable) ids() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.bound))
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bound)
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
	delete(t.registered, id)
	delete(t.bound, id)
}

// promptUnion returns every prompt exposed to at least one bound session.
func (t *sessionTable) promptUnion() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]struct{})
	for _, sess := range t.bound {
		for name := range sess.prompts {
			out[name] = struct{}{}
		}
	}
	return out
}

// afterInitialize records the client info of a session and binds it if the
// session is already registered.
func (s *Server) afterInitialize(ctx context.Context, _ any, message *mcp.InitializeRequest, _ *mcp.InitializeResult) {
	cs := server.ClientSessionFromContext(ctx)
	if cs == nil {
		logger.Debugw("initialize without a client session, identity resolves at registration")
		return
	}
	id := cs.SessionID()
	attrs := s.transportAttributes(ctx)
	attrs.SessionID = id
	if message != nil {
		attrs.ClientName = message.Params.ClientInfo.Name
		attrs.ClientVersion = message.Params.ClientInfo.Version
	}

	s.sessions.mu.Lock()
	_, registered := s.sessions.registered[id]
	_, bound := s.sessions.bound[id]
	if !registered && !bound {
		s.sessions.pending[id] = attrs
		s.sessions.mu.Unlock()
		return
	}
	delete(s.sessions.registered, id)
	s.sessions.mu.Unlock()

	s.bind(ctx, id, attrs)
}

// onRegisterSession binds a session whose initialize already ran. Over stdio
// the session registers first and is bound by afterInitialize instead.
func (s *Server) onRegisterSession(ctx context.Context, cs server.ClientSession) {
	id := cs.SessionID()

	s.sessions.mu.Lock()
	attrs, ok := s.sessions.pending[id]
	if ok {
		delete(s.sessions.pending, id)
	} else if s.config.Transport == gateway.TransportStdio {
		s.sessions.registered[id] = struct{}{}
		s.sessions.mu.Unlock()
		return
	}
	s.sessions.mu.Unlock()

	if !ok {
		attrs = s.transportAttributes(ctx)
		attrs.SessionID = id
		if withInfo, infoOK := cs.(server.SessionWithClientInfo); infoOK {
			info := withInfo.GetClientInfo()
			attrs.ClientName = info.Name
			attrs.ClientVersion = info.Version
		}
	}
	s.bind(ctx, id, attrs)
}

func (s *Server) onUnregisterSession(_ context.Context, cs server.ClientSession) {
	s.sessions.remove(cs.SessionID())
	logger.Debugw("session closed", "session_id", cs.SessionID())
}

// bind resolves the identity of a session and exposes its items.
func (s *Server) bind(ctx context.Context, id string, attrs gateway.ClientAttributes) {
	identity := s.identifier.Identify(attrs)

	s.sessions.mu.Lock()
	s.sessions.bound[id] = &session{identity: identity}
	s.sessions.mu.Unlock()

	logger.Infow("client session bound",
		"session_id", id,
		"client", identity.Name,
		"default", identity.Default,
		"client_name", attrs.ClientName,
		"transport", attrs.Transport)

	if err := s.syncSession(ctx, id); err != nil {
		logger.Warnw("failed to expose items to session", "session_id", id, "error", err)
	}
	s.syncPrompts()
}

// Refresh re-lists every backend for every bound session and updates what
// each session sees. It runs after a configuration reload or a backend
// restart.
func (s *Server) Refresh(ctx context.Context) {
	ids := s.sessions.ids()
	for _, id := range ids {
		if err := s.syncSession(ctx, id); err != nil {
			logger.Warnw("failed to refresh session", "session_id", id, "error", err)
		}
	}
	s.syncPrompts()
	logger.Debugw("sessions refreshed", "sessions", len(ids))
}

// syncSession lists the items visible to a session's identity and replaces
// the session's tools and resources with them. A listing that fails for
// every backend leaves the previous items in place.
func (s *Server) syncSession(ctx context.Context, id string) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	sess, ok := s.sessions.get(id)
	if !ok {
		return nil
	}

	tools, toolsErr := s.listTools(ctx, sess.identity)
	if toolsErr == nil {
		names := make(map[string]struct{}, len(tools))
		for _, t := range tools {
			names[t.Tool.Name] = struct{}{}
		}
		if stale := missing(sess.tools, names); len(stale) > 0 {
			if err := s.mcpServer.DeleteSessionTools(id, stale...); err != nil {
				logger.Warnw("failed to remove session tools", "session_id", id, "error", err)
			}
		}
		if len(tools) > 0 {
			if err := s.mcpServer.AddSessionTools(id, tools...); err != nil {
				return fmt.Errorf("failed to add session tools: %w", err)
			}
		}
		s.setItems(id, func(sess *session) { sess.tools = names })
		logger.Debugw("added session tools", "session_id", id, "count", len(tools))
	}

	resources, resErr := s.listResources(ctx, sess.identity)
	if resErr == nil {
		uris := make(map[string]struct{}, len(resources))
		for _, r := range resources {
			uris[r.Resource.URI] = struct{}{}
		}
		if stale := missing(sess.resources, uris); len(stale) > 0 {
			if err := s.mcpServer.DeleteSessionResources(id, stale...); err != nil {
				logger.Warnw("failed to remove session resources", "session_id", id, "error", err)
			}
		}
		if len(resources) > 0 {
			if err := s.mcpServer.AddSessionResources(id, resources...); err != nil {
				return fmt.Errorf("failed to add session resources: %w", err)
			}
		}
		s.setItems(id, func(sess *session) { sess.resources = uris })
		logger.Debugw("added session resources", "session_id", id, "count", len(resources))
	}

	prompts, promptErr := s.listPrompts(ctx, sess.identity)
	if promptErr == nil {
		names := make(map[string]struct{}, len(prompts))
		for _, p := range prompts {
			names[p.Prompt.Name] = struct{}{}
			s.promptDefs[p.Prompt.Name] = p
		}
		s.setItems(id, func(sess *session) { sess.prompts = names })
	}

	if toolsErr != nil {
		return toolsErr
	}
	if resErr != nil {
		return resErr
	}
	return promptErr
}

// syncPrompts keeps the server-wide prompt registry equal to the union of
// the prompts exposed to bound sessions. Each session only sees its own
// subset through filterPrompts.
func (s *Server) syncPrompts() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	union := s.sessions.promptUnion()
	if stale := missing(s.registeredPrompts, union); len(stale) > 0 {
		s.mcpServer.DeletePrompts(stale...)
		for _, name := range stale {
			delete(s.promptDefs, name)
		}
	}
	var add []server.ServerPrompt
	for name := range union {
		if def, ok := s.promptDefs[name]; ok {
			add = append(add, def)
		}
	}
	if len(add) > 0 {
		s.mcpServer.AddPrompts(add...)
	}
	s.registeredPrompts = union
}

// filterPrompts narrows a prompts/list result to the prompts exposed to the
// calling session.
func (s *Server) filterPrompts(ctx context.Context, _ any, _ *mcp.ListPromptsRequest, result *mcp.ListPromptsResult) {
	if result == nil {
		return
	}
	var visible map[string]struct{}
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		if sess, ok := s.sessions.get(cs.SessionID()); ok {
			s.sessions.mu.RLock()
			visible = sess.prompts
			s.sessions.mu.RUnlock()
		}
	}
	kept := result.Prompts[:0]
	for _, p := range result.Prompts {
		if _, ok := visible[p.Name]; ok {
			kept = append(kept, p)
		}
	}
	result.Prompts = kept
}

func (s *Server) setItems(id string, fn func(*session)) {
	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()
	if sess, ok := s.sessions.bound[id]; ok {
		fn(sess)
	}
}

func (s *Server) listTools(ctx context.Context, identity gateway.ClientIdentity) ([]server.ServerTool, error) {
	res, err := s.list(ctx, identity, gateway.OperationListTools)
	if err != nil {
		return nil, err
	}
	tools, err := gateway.DecodeTools(res.Payload)
	if err != nil {
		return nil, err
	}
	out := make([]server.ServerTool, 0, len(tools))
	for _, tool := range tools {
		backend, name, ok := gateway.SplitName(tool.Name)
		if !ok {
			continue
		}
		out = append(out, server.ServerTool{Tool: tool, Handler: s.toolHandler(backend, name)})
	}
	return out, nil
}

func (s *Server) listResources(ctx context.Context, identity gateway.ClientIdentity) ([]server.ServerResource, error) {
	res, err := s.list(ctx, identity, gateway.OperationListResources)
	if err != nil {
		return nil, err
	}
	resources, err := gateway.DecodeResources(res.Payload)
	if err != nil {
		return nil, err
	}
	out := make([]server.ServerResource, 0, len(resources))
	for _, resource := range resources {
		backend, uri, ok := gateway.SplitResourceURI(resource.URI)
		if !ok {
			continue
		}
		out = append(out, server.ServerResource{Resource: resource, Handler: s.resourceHandler(backend, uri)})
	}
	return out, nil
}

func (s *Server) listPrompts(ctx context.Context, identity gateway.ClientIdentity) ([]server.ServerPrompt, error) {
	res, err := s.list(ctx, identity, gateway.OperationListPrompts)
	if err != nil {
		return nil, err
	}
	prompts, err := gateway.DecodePrompts(res.Payload)
	if err != nil {
		return nil, err
	}
	out := make([]server.ServerPrompt, 0, len(prompts))
	for _, prompt := range prompts {
		backend, name, ok := gateway.SplitName(prompt.Name)
		if !ok {
			continue
		}
		out = append(out, server.ServerPrompt{Prompt: prompt, Handler: s.promptHandler(backend, name)})
	}
	return out, nil
}

// list runs a fan-out listing. It fails only when no backend answered.
func (s *Server) list(ctx context.Context, identity gateway.ClientIdentity, kind gateway.OperationKind) (*gateway.Result, error) {
	res, err := s.handler.Handle(ctx, identity, gateway.Request{Kind: kind})
	if err != nil {
		return nil, err
	}
	if res.Aggregate != nil {
		if failed := res.Aggregate.Failed(); len(failed) > 0 {
			logger.Warnw("listing incomplete", "kind", kind, "client", identity.Name, "failed_backends", failed)
			if len(res.Aggregate.Succeeded()) == 0 {
				return nil, fmt.Errorf("%w: no backend answered %s", gateway.ErrBackendUnavailable, kind)
			}
		}
	}
	return res, nil
}

// missing returns the keys of have that are not in want, sorted.
func missing(have, want map[string]struct{}) []string {
	var out []string
	for k := range have {
		if _, ok := want[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
