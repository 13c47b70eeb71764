// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"regexp"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/runtime"
	"github.com/mxcp-dev/mxcp/pkg/sqlengine"
	"github.com/mxcp-dev/mxcp/pkg/validation"
)

// dispatch routes the validated, policy-filtered parameters to the
// endpoint's implementation.
func (e *Executor) dispatch(ctx context.Context, gen *runtime.Generation, def *endpoints.Definition, user *auth.UserContext, params map[string]any) (any, error) {
	switch {
	case def.Kind == endpoints.KindPrompt:
		return renderPrompt(def, params), nil
	case def.Source.Native != "":
		return e.dispatchNative(ctx, gen, def, user, params)
	default:
		return e.dispatchSQL(ctx, gen, def, params)
	}
}

func (e *Executor) dispatchSQL(ctx context.Context, gen *runtime.Generation, def *endpoints.Definition, params map[string]any) (any, error) {
	bound := make(map[string]any, len(params))
	for name, value := range params {
		bound[name] = validation.FormatValue(value)
	}

	res, err := gen.Engine.Execute(ctx, def.Source.Code, bound, e.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", def.Kind, def.Name, err)
	}
	return shapeResult(res, def.Return), nil
}

// shapeResult converts a row set into the declared return shape: scalar
// types take the single cell, object takes the first row, array keeps the
// rows. With no declared return the raw rows pass through.
func shapeResult(res *sqlengine.Result, ret *endpoints.TypeSpec) any {
	if ret == nil {
		return res.Rows
	}
	switch ret.Type {
	case "array":
		rows := make([]any, len(res.Rows))
		for i, row := range res.Rows {
			rows[i] = row
		}
		return rows
	case "object":
		if len(res.Rows) == 0 {
			return nil
		}
		return res.Rows[0]
	default:
		if v, ok := res.Scalar(); ok {
			return v
		}
		if len(res.Rows) == 0 {
			return nil
		}
		return res.Rows[0]
	}
}

func (e *Executor) dispatchNative(ctx context.Context, gen *runtime.Generation, def *endpoints.Definition, user *auth.UserContext, params map[string]any) (any, error) {
	handler, ok := gen.Natives.Lookup(def.Source.Native)
	if !ok {
		return nil, fmt.Errorf("%s %q: native handler %q not registered",
			def.Kind, def.Name, def.Source.Native)
	}

	nctx := &runtime.NativeContext{
		User:    user,
		Secrets: gen.Secrets,
	}
	if e.opts.ProviderToken != nil && user != nil && user.SessionID != "" {
		sessionID := user.SessionID
		nctx.ProviderToken = func(ctx context.Context) (string, error) {
			return e.opts.ProviderToken(ctx, sessionID)
		}
	}

	value, err := handler(ctx, nctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", def.Kind, def.Name, err)
	}
	return value, nil
}

var promptVarPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// renderPrompt substitutes {{ param }} placeholders in each message.
// Unknown placeholders are left untouched.
func renderPrompt(def *endpoints.Definition, params map[string]any) []endpoints.Message {
	out := make([]endpoints.Message, len(def.Messages))
	for i, msg := range def.Messages {
		rendered := promptVarPattern.ReplaceAllStringFunc(msg.Prompt, func(m string) string {
			name := promptVarPattern.FindStringSubmatch(m)[1]
			value, ok := params[name]
			if !ok {
				return m
			}
			return fmt.Sprintf("%v", validation.FormatValue(value))
		})
		out[i] = endpoints.Message{Role: msg.Role, Prompt: rendered}
	}
	return out
}
