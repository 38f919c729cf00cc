// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// AttachMCP exposes the catalog over an MCP server. Every non-deprecated
// tool is registered with its schema converted to the MCP shape; calls
// route through Execute so validation, metrics, and audit apply to MCP
// callers too.
func (r *Registry) AttachMCP(srv *server.MCPServer) {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name, rt := range r.tools {
		if rt.capability.Deprecated {
			continue
		}
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		tool, _, ok := r.Get(name)
		if !ok {
			continue
		}
		srv.AddTool(mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: toMCPSchema(tool.InputSchema),
		}, r.mcpHandler(tool.Name))
	}
}

// toMCPSchema converts a registry input schema to the MCP wire shape.
func toMCPSchema(schema map[string]any) mcp.ToolInputSchema {
	out := mcp.ToolInputSchema{Type: "object"}

	if t, ok := schema["type"].(string); ok && t != "" {
		out.Type = t
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = props
	}
	switch required := schema["required"].(type) {
	case []string:
		out.Required = required
	case []any:
		for _, item := range required {
			if key, ok := item.(string); ok {
				out.Required = append(out.Required, key)
			}
		}
	}
	return out
}

// mcpHandler routes one MCP tool call through the registry. Execution
// errors become MCP error results rather than transport failures so the
// client sees the message.
func (r *Registry) mcpHandler(name string) func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		result, err := r.Execute(ctx, name, args, nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		switch v := result.(type) {
		case string:
			return mcp.NewToolResultText(v), nil
		case nil:
			return mcp.NewToolResultText(""), nil
		default:
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return mcp.NewToolResultText(fmt.Sprintf("%v", v)), nil
			}
			return mcp.NewToolResultText(string(data)), nil
		}
	}
}
