// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/executor"
	"github.com/mxcp-dev/mxcp/pkg/logger"
	"github.com/mxcp-dev/mxcp/pkg/policy"
	"github.com/mxcp-dev/mxcp/pkg/validation"
)

// toolHandler adapts one tool invocation to the SDK. Execution always goes
// through the executor, which resolves the endpoint against whatever
// generation is current at call time.
func (s *Server) toolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if raw, ok := request.Params.Arguments.(map[string]any); ok {
			args = raw
		}

		value, err := s.exec.CallTool(ctx, name, args)
		if err != nil {
			return mcp.NewToolResultError(toolErrorMessage(err)), nil
		}

		text, err := encodeResult(value)
		if err != nil {
			logger.Warnw("failed to encode tool result", "tool", name, "error", err)
			return mcp.NewToolResultError("failed to encode result"), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func (s *Server) resourceHandler() func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		uri := request.Params.URI
		value, _, err := s.exec.ReadResource(ctx, uri)
		if err != nil {
			return nil, err
		}

		text, err := encodeResult(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode resource %s: %w", uri, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      uri,
				MIMEType: "application/json",
				Text:     text,
			},
		}, nil
	}
}

func (s *Server) promptHandler(name, description string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]any, len(request.Params.Arguments))
		for k, v := range request.Params.Arguments {
			args[k] = v
		}

		messages, err := s.exec.GetPrompt(ctx, name, args)
		if err != nil {
			return nil, err
		}

		out := make([]mcp.PromptMessage, len(messages))
		for i, msg := range messages {
			out[i] = mcp.PromptMessage{
				Role:    mcp.Role(msg.Role),
				Content: mcp.NewTextContent(msg.Prompt),
			}
		}
		return &mcp.GetPromptResult{
			Description: description,
			Messages:    out,
		}, nil
	}
}

// toolErrorMessage maps pipeline errors to client-facing text. Validation
// and authorization failures are safe to echo; everything else is
// summarized so engine internals stay out of responses.
func toolErrorMessage(err error) string {
	var (
		notFound  *executor.NotFoundError
		forbidden *executor.ForbiddenError
		denied    *policy.DenyError
		invalid   *validation.Error
	)
	switch {
	case errors.As(err, &notFound),
		errors.As(err, &forbidden),
		errors.As(err, &denied),
		errors.As(err, &invalid):
		return err.Error()
	default:
		logger.Warnw("tool execution failed", "error", err)
		return "execution failed"
	}
}

// encodeResult renders an execution result for the wire. Strings pass
// through untouched; everything else becomes JSON.
func encodeResult(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// toolInputSchema renders the declared parameters as a JSON schema object
// for MCP tool listings.
func toolInputSchema(def *endpoints.Definition) ([]byte, error) {
	properties := make(map[string]any, len(def.Parameters))
	var required []string
	for i := range def.Parameters {
		p := &def.Parameters[i]
		properties[p.Name] = typeSpecSchema(&p.TypeSpec)
		if p.Default == nil {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}

// typeSpecSchema converts one declared type to its JSON-schema rendering.
// The semantic string types map onto "string" plus a format annotation.
func typeSpecSchema(spec *endpoints.TypeSpec) map[string]any {
	out := map[string]any{}

	switch spec.Type {
	case "date", "date-time", "email", "uri":
		out["type"] = "string"
		out["format"] = spec.Type
	case "duration":
		out["type"] = "string"
		out["format"] = "duration"
	default:
		out["type"] = spec.Type
	}

	if spec.Description != "" {
		out["description"] = spec.Description
	}
	if len(spec.Enum) > 0 {
		out["enum"] = spec.Enum
	}
	if spec.Minimum != nil {
		out["minimum"] = *spec.Minimum
	}
	if spec.Maximum != nil {
		out["maximum"] = *spec.Maximum
	}
	if spec.Pattern != "" {
		out["pattern"] = spec.Pattern
	}
	if spec.MinLength != nil {
		out["minLength"] = *spec.MinLength
	}
	if spec.MaxLength != nil {
		out["maxLength"] = *spec.MaxLength
	}
	if spec.Items != nil {
		out["items"] = typeSpecSchema(spec.Items)
	}
	if len(spec.Properties) > 0 {
		props := make(map[string]any, len(spec.Properties))
		for name, prop := range spec.Properties {
			props[name] = typeSpecSchema(prop)
		}
		out["properties"] = props
		if len(spec.Required) > 0 {
			out["required"] = spec.Required
		}
	}
	return out
}
