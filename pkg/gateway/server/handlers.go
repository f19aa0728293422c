// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
)

// taggedError renders err in its client-facing form, prefixed with its kind.
func taggedError(err error) error {
	boundary := gateway.Boundary(err)
	return fmt.Errorf("%s: %s", gateway.KindOf(boundary), boundary.Error())
}

// identityFor returns the identity bound to the session that issued the
// request on ctx.
func (s *Server) identityFor(ctx context.Context) (gateway.ClientIdentity, error) {
	cs := server.ClientSessionFromContext(ctx)
	if cs == nil {
		return gateway.ClientIdentity{}, fmt.Errorf("%w: no client session", gateway.ErrInvalidRequest)
	}
	sess, ok := s.sessions.get(cs.SessionID())
	if !ok {
		return gateway.ClientIdentity{}, fmt.Errorf("%w: session %s is not initialized", gateway.ErrInvalidRequest, cs.SessionID())
	}
	return sess.identity, nil
}

func (s *Server) toolHandler(backend, tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		identity, err := s.identityFor(ctx)
		if err != nil {
			return mcp.NewToolResultError(taggedError(err).Error()), nil
		}

		var args map[string]any
		if request.Params.Arguments != nil {
			var ok bool
			if args, ok = request.Params.Arguments.(map[string]any); !ok {
				err := fmt.Errorf("%w: arguments must be object, got %T", gateway.ErrInvalidRequest, request.Params.Arguments)
				return mcp.NewToolResultError(taggedError(err).Error()), nil
			}
		}

		res, err := s.handler.Handle(ctx, identity, gateway.Request{
			Kind:      gateway.OperationCallTool,
			Backend:   backend,
			Operation: tool,
			Arguments: args,
		})
		if err != nil {
			var appErr *gateway.ApplicationError
			if errors.As(err, &appErr) && len(appErr.Payload) > 0 {
				// The backend's own error result reaches the client untouched.
				if result, decodeErr := gateway.DecodeCallToolResult(appErr.Payload); decodeErr == nil {
					return result, nil
				}
			}
			logger.Debugw("tool call failed", "client", identity.Name, "backend", backend, "tool", tool, "error", err)
			return mcp.NewToolResultError(taggedError(err).Error()), nil
		}

		result, err := gateway.DecodeCallToolResult(res.Payload)
		if err != nil {
			return mcp.NewToolResultError(taggedError(err).Error()), nil
		}
		return result, nil
	}
}

func (s *Server) resourceHandler(backend, uri string) server.ResourceHandlerFunc {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		identity, err := s.identityFor(ctx)
		if err != nil {
			return nil, taggedError(err)
		}

		res, err := s.handler.Handle(ctx, identity, gateway.Request{
			Kind:        gateway.OperationReadResource,
			Backend:     backend,
			ResourceURI: uri,
		})
		if err != nil {
			logger.Debugw("resource read failed", "client", identity.Name, "backend", backend, "uri", uri, "error", err)
			return nil, taggedError(err)
		}

		result, err := gateway.DecodeReadResourceResult(res.Payload)
		if err != nil {
			return nil, taggedError(err)
		}
		return result.Contents, nil
	}
}

func (s *Server) promptHandler(backend, prompt string) server.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		identity, err := s.identityFor(ctx)
		if err != nil {
			return nil, taggedError(err)
		}

		var args map[string]any
		if len(request.Params.Arguments) > 0 {
			args = make(map[string]any, len(request.Params.Arguments))
			for k, v := range request.Params.Arguments {
				args[k] = v
			}
		}

		res, err := s.handler.Handle(ctx, identity, gateway.Request{
			Kind:      gateway.OperationGetPrompt,
			Backend:   backend,
			Operation: prompt,
			Arguments: args,
		})
		if err != nil {
			logger.Debugw("prompt request failed", "client", identity.Name, "backend", backend, "prompt", prompt, "error", err)
			return nil, taggedError(err)
		}

		result, err := gateway.DecodeGetPromptResult(res.Payload)
		if err != nil {
			return nil, taggedError(err)
		}
		return result, nil
	}
}
