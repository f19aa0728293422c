// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Payloads are kept as JSON so they can be cached and merged without caring
// about the concrete content types a backend returns. These helpers decode
// them back into MCP results.

// DecodeTools decodes a tools/list payload.
func DecodeTools(payload json.RawMessage) ([]mcp.Tool, error) {
	var res mcp.ListToolsResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return res.Tools, nil
}

// DecodeResources decodes a resources/list payload.
func DecodeResources(payload json.RawMessage) ([]mcp.Resource, error) {
	var res mcp.ListResourcesResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return res.Resources, nil
}

// DecodePrompts decodes a prompts/list payload.
func DecodePrompts(payload json.RawMessage) ([]mcp.Prompt, error) {
	var res mcp.ListPromptsResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	return res.Prompts, nil
}

// DecodeCallToolResult decodes a tools/call payload.
func DecodeCallToolResult(payload json.RawMessage) (*mcp.CallToolResult, error) {
	res, err := mcp.ParseCallToolResult(&payload)
	if err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return res, nil
}

// DecodeReadResourceResult decodes a resources/read payload.
func DecodeReadResourceResult(payload json.RawMessage) (*mcp.ReadResourceResult, error) {
	res, err := mcp.ParseReadResourceResult(&payload)
	if err != nil {
		return nil, fmt.Errorf("decode resource contents: %w", err)
	}
	return res, nil
}

// DecodeGetPromptResult decodes a prompts/get payload.
func DecodeGetPromptResult(payload json.RawMessage) (*mcp.GetPromptResult, error) {
	res, err := mcp.ParseGetPromptResult(&payload)
	if err != nil {
		return nil, fmt.Errorf("decode prompt: %w", err)
	}
	return res, nil
}

// EncodeTools encodes a tools/list payload.
func EncodeTools(tools []mcp.Tool) (json.RawMessage, error) {
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return json.Marshal(mcp.ListToolsResult{Tools: tools})
}

// EncodeResources encodes a resources/list payload.
func EncodeResources(resources []mcp.Resource) (json.RawMessage, error) {
	if resources == nil {
		resources = []mcp.Resource{}
	}
	return json.Marshal(mcp.ListResourcesResult{Resources: resources})
}

// EncodePrompts encodes a prompts/list payload.
func EncodePrompts(prompts []mcp.Prompt) (json.RawMessage, error) {
	if prompts == nil {
		prompts = []mcp.Prompt{}
	}
	return json.Marshal(mcp.ListPromptsResult{Prompts: prompts})
}
