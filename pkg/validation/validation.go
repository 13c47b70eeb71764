// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package validation coerces and validates endpoint parameters and return
// values against their declared schemas.
package validation

import (
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mxcp-dev/mxcp/pkg/endpoints"
)

// Error describes a single schema violation. Path identifies the offending
// value ("price", "items[2].name").
type Error struct {
	Path       string
	Constraint string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Path, e.Message)
}

func errf(path, constraint, format string, args ...any) *Error {
	return &Error{Path: path, Constraint: constraint, Message: fmt.Sprintf(format, args...)}
}

// ValidateParams coerces raw inputs against the declared parameter list and
// returns the normalized map. Unknown parameters are rejected; missing ones
// take their default or fail if no default exists.
func ValidateParams(raw map[string]any, params []endpoints.Parameter) (map[string]any, error) {
	out := make(map[string]any, len(params))
	known := make(map[string]bool, len(params))

	for i := range params {
		p := &params[i]
		known[p.Name] = true

		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			return nil, errf(p.Name, "required", "missing required parameter")
		}

		coerced, err := Coerce(p.Name, v, &p.TypeSpec)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}

	for name := range raw {
		if !known[name] {
			return nil, errf(name, "unknown", "unknown parameter")
		}
	}
	return out, nil
}

// ValidateReturn validates a response value against the return schema.
// Arrays of objects are validated element-wise.
func ValidateReturn(value any, schema *endpoints.TypeSpec) (any, error) {
	if schema == nil {
		return value, nil
	}
	return Coerce("return", value, schema)
}

// Coerce converts value to the declared type, enforcing every constraint.
// String inputs are parsed for the semantic types (date, duration, ...).
func Coerce(path string, value any, spec *endpoints.TypeSpec) (any, error) {
	var (
		out any
		err error
	)

	switch spec.Type {
	case "string":
		out, err = coerceString(path, value, spec)
	case "number":
		out, err = coerceNumber(path, value)
	case "integer":
		out, err = coerceInteger(path, value)
	case "boolean":
		out, err = coerceBoolean(path, value)
	case "array":
		out, err = coerceArray(path, value, spec)
	case "object":
		out, err = coerceObject(path, value, spec)
	case "date":
		out, err = coerceTime(path, value, "2006-01-02")
	case "date-time":
		out, err = coerceTime(path, value, time.RFC3339)
	case "duration":
		out, err = coerceDuration(path, value)
	case "email":
		out, err = coerceEmail(path, value)
	case "uri":
		out, err = coerceURI(path, value)
	default:
		return nil, errf(path, "type", "unsupported type %q", spec.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := checkEnum(path, out, spec); err != nil {
		return nil, err
	}
	return out, nil
}

func coerceString(path string, value any, spec *endpoints.TypeSpec) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, errf(path, "type", "expected string, got %T", value)
	}
	if spec.MinLength != nil && len(s) < *spec.MinLength {
		return nil, errf(path, "minLength", "length %d below minimum %d", len(s), *spec.MinLength)
	}
	if spec.MaxLength != nil && len(s) > *spec.MaxLength {
		return nil, errf(path, "maxLength", "length %d above maximum %d", len(s), *spec.MaxLength)
	}
	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, errf(path, "pattern", "invalid pattern: %v", err)
		}
		if !re.MatchString(s) {
			return nil, errf(path, "pattern", "value does not match pattern %s", spec.Pattern)
		}
	}
	return s, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func coerceNumber(path string, value any) (any, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, errf(path, "type", "expected number, got %T", value)
	}
	return f, nil
}

func coerceInteger(path string, value any) (any, error) {
	f, ok := toFloat(value)
	if !ok || f != math.Trunc(f) {
		return nil, errf(path, "type", "expected integer, got %v", value)
	}
	return int64(f), nil
}

func coerceBoolean(path string, value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errf(path, "type", "expected boolean, got %q", v)
		}
		return b, nil
	default:
		return nil, errf(path, "type", "expected boolean, got %T", value)
	}
}

func coerceArray(path string, value any, spec *endpoints.TypeSpec) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, errf(path, "type", "expected array, got %T", value)
	}
	if spec.MinLength != nil && len(items) < *spec.MinLength {
		return nil, errf(path, "minLength", "array length %d below minimum %d", len(items), *spec.MinLength)
	}
	if spec.MaxLength != nil && len(items) > *spec.MaxLength {
		return nil, errf(path, "maxLength", "array length %d above maximum %d", len(items), *spec.MaxLength)
	}
	if spec.Items == nil {
		return items, nil
	}

	out := make([]any, len(items))
	for i, item := range items {
		v, err := Coerce(fmt.Sprintf("%s[%d]", path, i), item, spec.Items)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func coerceObject(path string, value any, spec *endpoints.TypeSpec) (any, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, errf(path, "type", "expected object, got %T", value)
	}

	for _, req := range spec.Required {
		if _, ok := obj[req]; !ok {
			return nil, errf(path+"."+req, "required", "missing required property")
		}
	}
	if len(spec.Properties) == 0 {
		return obj, nil
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		propSpec, declared := spec.Properties[k]
		if !declared {
			out[k] = v
			continue
		}
		coerced, err := Coerce(path+"."+k, v, propSpec)
		if err != nil {
			return nil, err
		}
		out[k] = coerced
	}
	return out, nil
}

func coerceTime(path string, value any, layout string) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, errf(path, "type", "expected string timestamp, got %T", value)
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return nil, errf(path, "format", "invalid timestamp %q", s)
	}
	return t, nil
}

// isoDurationPattern covers the common ISO 8601 duration shapes (PT1H30M,
// P2DT3H). Go duration strings ("1h30m") are accepted as well.
var isoDurationPattern = regexp.MustCompile(
	`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

func coerceDuration(path string, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, errf(path, "type", "expected duration string, got %T", value)
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	m := isoDurationPattern.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "" && m[4] == "") {
		return nil, errf(path, "format", "invalid duration %q", s)
	}
	var d time.Duration
	if m[1] != "" {
		n, _ := strconv.Atoi(m[1])
		d += time.Duration(n) * 24 * time.Hour
	}
	if m[2] != "" {
		n, _ := strconv.Atoi(m[2])
		d += time.Duration(n) * time.Hour
	}
	if m[3] != "" {
		n, _ := strconv.Atoi(m[3])
		d += time.Duration(n) * time.Minute
	}
	if m[4] != "" {
		f, _ := strconv.ParseFloat(m[4], 64)
		d += time.Duration(f * float64(time.Second))
	}
	return d, nil
}

func coerceEmail(path string, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, errf(path, "type", "expected email string, got %T", value)
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return nil, errf(path, "format", "invalid email address")
	}
	return s, nil
}

func coerceURI(path string, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, errf(path, "type", "expected uri string, got %T", value)
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return nil, errf(path, "format", "invalid uri %q", s)
	}
	return s, nil
}

func checkEnum(path string, value any, spec *endpoints.TypeSpec) error {
	if err := checkRange(path, value, spec); err != nil {
		return err
	}
	if len(spec.Enum) == 0 {
		return nil
	}
	for _, allowed := range spec.Enum {
		if equalLoose(value, allowed) {
			return nil
		}
	}
	return errf(path, "enum", "value %v is not one of the allowed values", value)
}

func checkRange(path string, value any, spec *endpoints.TypeSpec) error {
	if spec.Minimum == nil && spec.Maximum == nil {
		return nil
	}
	f, ok := toFloat(value)
	if !ok {
		return nil
	}
	if spec.Minimum != nil && f < *spec.Minimum {
		return errf(path, "minimum", "value %v below minimum %v", value, *spec.Minimum)
	}
	if spec.Maximum != nil && f > *spec.Maximum {
		return errf(path, "maximum", "value %v above maximum %v", value, *spec.Maximum)
	}
	return nil
}

// equalLoose compares enum members across the numeric types YAML and JSON
// decoding produce.
func equalLoose(a, b any) bool {
	if af, ok := toFloatStrict(a); ok {
		if bf, ok := toFloatStrict(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloatStrict(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Redact returns a copy of params with sensitive values replaced by
// "[REDACTED]". Used before audit serialization.
func Redact(params map[string]any, defs []endpoints.Parameter) map[string]any {
	sensitive := make(map[string]bool)
	for i := range defs {
		if defs[i].Sensitive {
			sensitive[defs[i].Name] = true
		}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitive[k] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// FormatValue renders a coerced value back into its SQL-bindable form.
// Times and durations become strings the engine can compare.
func FormatValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		if strings.HasSuffix(t.Format(time.RFC3339), "T00:00:00Z") {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	case time.Duration:
		return t.String()
	default:
		return v
	}
}
