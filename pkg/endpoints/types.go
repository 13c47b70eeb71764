// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package endpoints loads tool, resource, and prompt definitions from YAML
// files and serves them through an immutable registry. A registry is built
// once per configuration generation; definitions never change after load.
package endpoints

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the endpoint kind.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// TypeSpec is the recursive schema for a parameter or return value.
type TypeSpec struct {
	// Type is one of string, number, integer, boolean, array, object,
	// date, date-time, duration, email, uri.
	Type        string               `yaml:"type"`
	Description string               `yaml:"description,omitempty"`
	Enum        []any                `yaml:"enum,omitempty"`
	Minimum     *float64             `yaml:"minimum,omitempty"`
	Maximum     *float64             `yaml:"maximum,omitempty"`
	Pattern     string               `yaml:"pattern,omitempty"`
	Format      string               `yaml:"format,omitempty"`
	MinLength   *int                 `yaml:"minLength,omitempty"`
	MaxLength   *int                 `yaml:"maxLength,omitempty"`
	Items       *TypeSpec            `yaml:"items,omitempty"`
	Properties  map[string]*TypeSpec `yaml:"properties,omitempty"`
	Required    []string             `yaml:"required,omitempty"`

	// Sensitive marks the value for redaction in audit records and for
	// removal by the filter_sensitive_fields policy action.
	Sensitive bool `yaml:"sensitive,omitempty"`
}

// Parameter is a named, ordered input declaration.
type Parameter struct {
	Name     string `yaml:"name"`
	TypeSpec `yaml:",inline"`
	Default  any `yaml:"default,omitempty"`
}

// Source declares where an endpoint's implementation lives. Exactly one of
// the fields is set after normalization.
type Source struct {
	// Code is inline SQL.
	Code string `yaml:"code,omitempty"`

	// File references a SQL file relative to the defining YAML file. Its
	// contents are read into Code during load.
	File string `yaml:"file,omitempty"`

	// Native names a registered native function.
	Native string `yaml:"native,omitempty"`
}

// PolicyRule is a declared (condition, action, reason) triple. Compilation
// and evaluation live in the policy package.
type PolicyRule struct {
	Condition string   `yaml:"condition"`
	Action    string   `yaml:"action"`
	Fields    []string `yaml:"fields,omitempty"`
	Reason    string   `yaml:"reason,omitempty"`
}

// Policies groups the input and output rule lists of one endpoint.
type Policies struct {
	Input  []PolicyRule `yaml:"input,omitempty"`
	Output []PolicyRule `yaml:"output,omitempty"`
}

// Message is one entry of a prompt endpoint's message sequence.
type Message struct {
	Role   string `yaml:"role"`
	Prompt string `yaml:"prompt"`
}

// Definition is a fully normalized endpoint.
type Definition struct {
	Kind        Kind
	Name        string
	Description string

	// URI is the resource URI template ("db://employees/{id}" style).
	// Set only for resources.
	URI string

	Parameters []Parameter
	Return     *TypeSpec
	Source     Source
	Messages   []Message

	// RequiredScopes must all be present in the caller's scope set.
	RequiredScopes []string

	Policies    Policies
	Annotations map[string]any

	// SourcePath is the YAML file this definition came from.
	SourcePath string

	uriPattern *regexp.Regexp
	uriVars    []string
}

// Parameter returns the named parameter declaration, if any.
func (d *Definition) Parameter(name string) (*Parameter, bool) {
	for i := range d.Parameters {
		if d.Parameters[i].Name == name {
			return &d.Parameters[i], true
		}
	}
	return nil, false
}

// SensitiveParams returns the names of parameters marked sensitive.
func (d *Definition) SensitiveParams() []string {
	var out []string
	for i := range d.Parameters {
		if d.Parameters[i].Sensitive {
			out = append(out, d.Parameters[i].Name)
		}
	}
	return out
}

var uriVarPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// compileURITemplate turns "db://employees/{id}" into a matcher capturing
// the brace variables.
func (d *Definition) compileURITemplate() error {
	if d.URI == "" {
		return fmt.Errorf("resource %q has no uri", d.Name)
	}

	var sb strings.Builder
	sb.WriteString("^")
	last := 0
	for _, m := range uriVarPattern.FindAllStringSubmatchIndex(d.URI, -1) {
		sb.WriteString(regexp.QuoteMeta(d.URI[last:m[0]]))
		name := d.URI[m[2]:m[3]]
		sb.WriteString(fmt.Sprintf(`(?P<%s>[^/]+)`, name))
		d.uriVars = append(d.uriVars, name)
		last = m[1]
	}
	sb.WriteString(regexp.QuoteMeta(d.URI[last:]))
	sb.WriteString("$")

	p, err := regexp.Compile(sb.String())
	if err != nil {
		return fmt.Errorf("resource %q: invalid uri template: %w", d.Name, err)
	}
	d.uriPattern = p
	return nil
}

// MatchURI tests a concrete URI against the resource's template and returns
// the captured variables.
func (d *Definition) MatchURI(uri string) (map[string]string, bool) {
	if d.uriPattern == nil {
		return nil, false
	}
	m := d.uriPattern.FindStringSubmatch(uri)
	if m == nil {
		return nil, false
	}
	captures := make(map[string]string, len(d.uriVars))
	for i, name := range d.uriVars {
		captures[name] = m[i+1]
	}
	return captures, true
}
