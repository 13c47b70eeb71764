// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs endpoint invocations through the full pipeline:
// scope admission, parameter validation, input policies, dispatch, output
// validation, output policies, and auditing. Exactly one audit record is
// written per attempt, whatever the outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mxcp-dev/mxcp/pkg/audit"
	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/logger"
	"github.com/mxcp-dev/mxcp/pkg/policy"
	"github.com/mxcp-dev/mxcp/pkg/runtime"
	"github.com/mxcp-dev/mxcp/pkg/validation"
)

// ProviderTokenFunc returns a valid upstream access token for a session.
type ProviderTokenFunc func(ctx context.Context, sessionID string) (string, error)

// Options configures an Executor.
type Options struct {
	// Transport is recorded on audit entries ("http" or "stdio").
	Transport string

	// Timeout bounds each SQL execution.
	Timeout time.Duration

	// ProviderToken is set in issuer mode so native handlers can call the
	// upstream provider on the user's behalf.
	ProviderToken ProviderTokenFunc
}

// Executor dispatches invocations against whatever generation is current at
// call time.
type Executor struct {
	host *runtime.Host
	sink audit.Sink
	opts Options
}

// New builds an Executor over the host and audit sink.
func New(host *runtime.Host, sink audit.Sink, opts Options) *Executor {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Executor{host: host, sink: sink, opts: opts}
}

// CallTool runs a tool invocation end to end.
func (e *Executor) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	gen, release, err := e.host.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	def, ok := gen.Registry.Lookup(endpoints.KindTool, name)
	if !ok {
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}
	return e.execute(ctx, gen, def, args)
}

// ReadResource matches uri against the registered templates and runs the
// resource. Template captures become parameters, merged under any caller
// payload.
func (e *Executor) ReadResource(ctx context.Context, uri string) (any, *endpoints.Definition, error) {
	gen, release, err := e.host.Enter(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	def, captures, ok := gen.Registry.MatchResource(uri)
	if !ok {
		return nil, nil, &NotFoundError{Kind: "resource", Name: uri}
	}

	params := make(map[string]any, len(captures))
	for k, v := range captures {
		params[k] = v
	}
	value, err := e.execute(ctx, gen, def, params)
	return value, def, err
}

// GetPrompt renders a prompt's messages with the validated arguments.
func (e *Executor) GetPrompt(ctx context.Context, name string, args map[string]any) ([]endpoints.Message, error) {
	gen, release, err := e.host.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	def, ok := gen.Registry.Lookup(endpoints.KindPrompt, name)
	if !ok {
		return nil, &NotFoundError{Kind: "prompt", Name: name}
	}
	value, err := e.execute(ctx, gen, def, args)
	if err != nil {
		return nil, err
	}
	messages, ok := value.([]endpoints.Message)
	if !ok {
		return nil, fmt.Errorf("prompt %q produced unexpected value", name)
	}
	return messages, nil
}

// outcome accumulates what the deferred audit write needs. errKind is one
// of the audit error kinds; the error's message rides in reason.
type outcome struct {
	decision policy.Decision
	reason   string
	status   string
	errKind  string
	err      error
}

func (o *outcome) fail(kind string, err error) {
	o.status = audit.StatusError
	o.errKind = kind
	o.err = err
}

// execute runs the shared pipeline for one endpoint invocation.
func (e *Executor) execute(ctx context.Context, gen *runtime.Generation, def *endpoints.Definition, args map[string]any) (any, error) {
	started := time.Now()
	user, _ := auth.UserFrom(ctx)
	out := &outcome{decision: policy.DecisionNA, status: audit.StatusSuccess}

	defer func() {
		e.writeAudit(def, args, user, started, out)
	}()

	// Scope admission precedes everything, including validation.
	if missing := missingScope(def, user); missing != "" {
		out.fail(audit.ErrorForbidden, &ForbiddenError{MissingScope: missing})
		return nil, out.err
	}

	params, err := validation.ValidateParams(args, def.Parameters)
	if err != nil {
		out.fail(audit.ErrorValidation, err)
		return nil, err
	}

	binding := userBinding(user)
	set := gen.PolicySet(def.Kind, def.Name)
	if set != nil {
		res, err := set.EvaluateInput(binding, params)
		out.decision = res.Decision
		out.reason = res.Reason
		if err != nil {
			out.fail(audit.ErrorPolicy, err)
			return nil, err
		}
		params, _ = res.Value.(map[string]any)
	}

	value, err := e.dispatch(ctx, gen, def, user, params)
	if err != nil {
		out.fail(executionErrorKind(err), err)
		return nil, err
	}

	if def.Return != nil {
		value, err = validation.ValidateReturn(value, def.Return)
		if err != nil {
			out.fail(audit.ErrorValidation, err)
			return nil, err
		}
	}

	if set != nil {
		res, err := set.EvaluateOutput(binding, value)
		if res.Decision != policy.DecisionNA && res.Decision != policy.DecisionAllow {
			out.decision = res.Decision
			out.reason = res.Reason
		}
		if err != nil {
			out.fail(audit.ErrorPolicy, err)
			return nil, err
		}
		value = res.Value
	}

	return value, nil
}

func executionErrorKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return audit.ErrorTimeout
	}
	return audit.ErrorExecution
}

// missingScope returns the first required scope the caller lacks. With
// authentication disabled (no user on the context) scope requirements are
// not enforced.
func missingScope(def *endpoints.Definition, user *auth.UserContext) string {
	if len(def.RequiredScopes) == 0 || user == nil {
		return ""
	}
	for _, scope := range def.RequiredScopes {
		if !user.HasScope(scope) {
			return scope
		}
	}
	return ""
}

func userBinding(user *auth.UserContext) map[string]any {
	if user == nil {
		return map[string]any{}
	}
	return user.PolicyBinding()
}

// writeAudit emits the single audit record for this attempt. Sensitive
// parameters are redacted before serialization.
func (e *Executor) writeAudit(def *endpoints.Definition, args map[string]any, user *auth.UserContext, started time.Time, out *outcome) {
	rec := &audit.Record{
		Timestamp:      started.UTC(),
		Transport:      e.opts.Transport,
		Type:           string(def.Kind),
		Name:           def.Name,
		DurationMS:     time.Since(started).Milliseconds(),
		PolicyDecision: string(out.decision),
		Reason:         out.reason,
		Status:         out.status,
		TraceID:        audit.NewTraceID(),
	}
	rec.Error = out.errKind
	if rec.Reason == "" && out.err != nil {
		rec.Reason = out.err.Error()
	}
	if user != nil {
		rec.SessionID = user.SessionID
	}
	if len(args) > 0 {
		input, err := json.Marshal(validation.Redact(args, def.Parameters))
		if err != nil {
			logger.Warnw("failed to serialize audit input", "endpoint", def.Name, "error", err)
		} else {
			rec.InputJSON = input
		}
	}
	e.sink.Write(rec)
}
