// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package policy compiles and evaluates endpoint policy rules.
//
// Rules are CEL expressions paired with an action. Input rules see the
// authenticated user and every endpoint parameter; output rules see the user
// and the response. Compilation happens once per generation; evaluation is
// total and never panics: a failing expression rejects the request with a
// policy error rather than letting it through.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// Decision is the audit-visible outcome of policy evaluation.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionFilter Decision = "filter"
	DecisionMask   Decision = "mask"
	DecisionNA     Decision = "n/a"
	DecisionError  Decision = "error"
)

// Actions understood by the evaluator.
const (
	ActionDeny                  = "deny"
	ActionFilterFields          = "filter_fields"
	ActionFilterSensitiveFields = "filter_sensitive_fields"
	ActionMaskFields            = "mask_fields"
)

// maskValue replaces masked field values.
const maskValue = "****"

// DenyError is returned when a rule denies the request. Reason is the
// rule-declared explanation surfaced to the client and the audit log.
type DenyError struct {
	Reason string
}

func (e *DenyError) Error() string {
	if e.Reason == "" {
		return "denied by policy"
	}
	return "denied by policy: " + e.Reason
}

// EvalError wraps a CEL runtime failure.
type EvalError struct {
	Condition string
	Err       error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("policy expression failed: %v", e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

type compiledRule struct {
	prog   cel.Program
	action string
	fields []string
	reason string
	source string
}

// Set holds the compiled input and output rules of one endpoint.
type Set struct {
	input  []compiledRule
	output []compiledRule

	// Fields dropped by filter_sensitive_fields: parameter names marked
	// sensitive for input rules, return-schema fields for output rules.
	sensitiveInput  []string
	sensitiveOutput []string
}

// Compile builds the Set for one endpoint definition. Any expression that
// fails to compile fails the whole load.
func Compile(def *endpoints.Definition) (*Set, error) {
	s := &Set{
		sensitiveInput:  def.SensitiveParams(),
		sensitiveOutput: sensitiveReturnFields(def.Return),
	}

	inputEnv, err := newInputEnv(def)
	if err != nil {
		return nil, err
	}
	outputEnv, err := newOutputEnv()
	if err != nil {
		return nil, err
	}

	for i, rule := range def.Policies.Input {
		cr, err := compileRule(inputEnv, rule)
		if err != nil {
			return nil, fmt.Errorf("%s %q input policy %d: %w", def.Kind, def.Name, i, err)
		}
		s.input = append(s.input, cr)
	}
	for i, rule := range def.Policies.Output {
		cr, err := compileRule(outputEnv, rule)
		if err != nil {
			return nil, fmt.Errorf("%s %q output policy %d: %w", def.Kind, def.Name, i, err)
		}
		s.output = append(s.output, cr)
	}
	return s, nil
}

// newInputEnv declares "user" plus every endpoint parameter. A parameter
// named "user" loses to the reserved binding.
func newInputEnv(def *endpoints.Definition) (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
	}
	for i := range def.Parameters {
		name := def.Parameters[i].Name
		if name == "user" {
			logger.Warnw("parameter shadows reserved policy binding; the user context wins",
				"endpoint", def.Name, "parameter", name)
			continue
		}
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy environment: %w", err)
	}
	return env, nil
}

func newOutputEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("response", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy environment: %w", err)
	}
	return env, nil
}

func compileRule(env *cel.Env, rule endpoints.PolicyRule) (compiledRule, error) {
	ast, issues := env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return compiledRule{}, fmt.Errorf("invalid condition %q: %w", rule.Condition, issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return compiledRule{}, fmt.Errorf("failed to build program for %q: %w", rule.Condition, err)
	}
	return compiledRule{
		prog:   prog,
		action: rule.Action,
		fields: rule.Fields,
		reason: rule.Reason,
		source: rule.Condition,
	}, nil
}

// matches runs the rule's condition. A runtime error or a non-boolean result
// surfaces as *EvalError.
func (r *compiledRule) matches(activation map[string]any) (bool, error) {
	val, _, err := r.prog.Eval(activation)
	if err != nil {
		return false, &EvalError{Condition: r.source, Err: err}
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, &EvalError{Condition: r.source,
			Err: fmt.Errorf("condition evaluated to %T, want bool", val.Value())}
	}
	return b, nil
}

// Result carries the transformed value and the audit decision.
type Result struct {
	Value    any
	Decision Decision
	Reason   string
}

// EvaluateInput runs input rules in declaration order against the user
// context and validated parameters. Matching transform actions rewrite the
// parameter map before execution; a matching deny stops the request.
func (s *Set) EvaluateInput(user map[string]any, params map[string]any) (Result, error) {
	if len(s.input) == 0 {
		return Result{Value: params, Decision: DecisionNA}, nil
	}

	activation := make(map[string]any, len(params)+1)
	for k, v := range params {
		if k == "user" {
			continue
		}
		activation[k] = v
	}
	activation["user"] = userOrEmpty(user)

	decision := DecisionAllow
	current := params
	for i := range s.input {
		rule := &s.input[i]
		matched, err := rule.matches(activation)
		if err != nil {
			return Result{Value: current, Decision: DecisionError}, err
		}
		if !matched {
			continue
		}

		switch rule.action {
		case ActionDeny:
			return Result{Value: current, Decision: DecisionDeny, Reason: rule.reason},
				&DenyError{Reason: rule.reason}
		case ActionFilterFields:
			current = filterMap(current, rule.fields)
			decision = firstDecision(decision, DecisionFilter)
		case ActionFilterSensitiveFields:
			current = filterMap(current, s.sensitiveInput)
			decision = firstDecision(decision, DecisionFilter)
		case ActionMaskFields:
			current = maskMap(current, rule.fields)
			decision = firstDecision(decision, DecisionMask)
		}
	}
	return Result{Value: current, Decision: decision}, nil
}

// EvaluateOutput runs output rules in order; later rules see the output of
// earlier ones. The first non-trivial decision is reported for audit.
func (s *Set) EvaluateOutput(user map[string]any, response any) (Result, error) {
	if len(s.output) == 0 {
		return Result{Value: response, Decision: DecisionNA}, nil
	}

	decision := DecisionAllow
	current := response
	for i := range s.output {
		rule := &s.output[i]
		matched, err := rule.matches(map[string]any{
			"user":     userOrEmpty(user),
			"response": current,
		})
		if err != nil {
			return Result{Value: current, Decision: DecisionError}, err
		}
		if !matched {
			continue
		}

		switch rule.action {
		case ActionDeny:
			return Result{Value: current, Decision: DecisionDeny, Reason: rule.reason},
				&DenyError{Reason: rule.reason}
		case ActionFilterFields:
			current = FilterFields(current, rule.fields)
			decision = firstDecision(decision, DecisionFilter)
		case ActionFilterSensitiveFields:
			current = FilterFields(current, s.sensitiveOutput)
			decision = firstDecision(decision, DecisionFilter)
		case ActionMaskFields:
			current = MaskFields(current, rule.fields)
			decision = firstDecision(decision, DecisionMask)
		}
	}
	return Result{Value: current, Decision: decision}, nil
}

func firstDecision(current, next Decision) Decision {
	if current != DecisionAllow && current != DecisionNA {
		return current
	}
	return next
}

func userOrEmpty(user map[string]any) map[string]any {
	if user == nil {
		return map[string]any{}
	}
	return user
}

func sensitiveReturnFields(ret *endpoints.TypeSpec) []string {
	if ret == nil {
		return nil
	}
	props := ret.Properties
	if ret.Type == "array" && ret.Items != nil {
		props = ret.Items.Properties
	}
	var out []string
	for name, spec := range props {
		if spec != nil && spec.Sensitive {
			out = append(out, name)
		}
	}
	return out
}
