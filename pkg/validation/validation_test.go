// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp-dev/mxcp/pkg/endpoints"
)

func fptr(f float64) *float64 { return &f }
func iptr(i int) *int         { return &i }

func TestValidateParamsHappyPath(t *testing.T) {
	t.Parallel()

	params := []endpoints.Parameter{
		{Name: "price", TypeSpec: endpoints.TypeSpec{Type: "number", Minimum: fptr(0)}},
		{Name: "discount_percent", TypeSpec: endpoints.TypeSpec{Type: "number", Minimum: fptr(0), Maximum: fptr(100)}},
	}

	out, err := ValidateParams(map[string]any{"price": 100, "discount_percent": 10.0}, params)
	require.NoError(t, err)
	assert.Equal(t, float64(100), out["price"])
	assert.Equal(t, float64(10), out["discount_percent"])
}

func TestValidateParamsMinimumViolation(t *testing.T) {
	t.Parallel()

	params := []endpoints.Parameter{
		{Name: "price", TypeSpec: endpoints.TypeSpec{Type: "number", Minimum: fptr(0)}},
	}

	_, err := ValidateParams(map[string]any{"price": -1}, params)
	require.Error(t, err)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "price", verr.Path)
	assert.Equal(t, "minimum", verr.Constraint)
}

func TestValidateParamsUnknownAndMissing(t *testing.T) {
	t.Parallel()

	params := []endpoints.Parameter{
		{Name: "a", TypeSpec: endpoints.TypeSpec{Type: "string"}},
	}

	_, err := ValidateParams(map[string]any{"a": "x", "b": "y"}, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown parameter")

	_, err = ValidateParams(map[string]any{}, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required")
}

func TestValidateParamsDefault(t *testing.T) {
	t.Parallel()

	params := []endpoints.Parameter{
		{Name: "limit", TypeSpec: endpoints.TypeSpec{Type: "integer"}, Default: 10},
	}

	out, err := ValidateParams(map[string]any{}, params)
	require.NoError(t, err)
	assert.Equal(t, 10, out["limit"])
}

func TestCoerceSemanticTypes(t *testing.T) {
	t.Parallel()

	d, err := Coerce("d", "2024-06-01", &endpoints.TypeSpec{Type: "date"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), d)

	dt, err := Coerce("dt", "2024-06-01T12:30:00Z", &endpoints.TypeSpec{Type: "date-time"})
	require.NoError(t, err)
	assert.Equal(t, 12, dt.(time.Time).Hour())

	dur, err := Coerce("dur", "PT1H30M", &endpoints.TypeSpec{Type: "duration"})
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, dur)

	dur2, err := Coerce("dur", "45m", &endpoints.TypeSpec{Type: "duration"})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, dur2)

	_, err = Coerce("dur", "not-a-duration", &endpoints.TypeSpec{Type: "duration"})
	assert.Error(t, err)

	_, err = Coerce("e", "alice@example.com", &endpoints.TypeSpec{Type: "email"})
	assert.NoError(t, err)
	_, err = Coerce("e", "not-an-email", &endpoints.TypeSpec{Type: "email"})
	assert.Error(t, err)

	_, err = Coerce("u", "https://example.com/x", &endpoints.TypeSpec{Type: "uri"})
	assert.NoError(t, err)
	_, err = Coerce("u", "://broken", &endpoints.TypeSpec{Type: "uri"})
	assert.Error(t, err)
}

func TestCoerceStringConstraints(t *testing.T) {
	t.Parallel()

	spec := &endpoints.TypeSpec{Type: "string", MinLength: iptr(2), MaxLength: iptr(4), Pattern: "^[a-z]+$"}

	_, err := Coerce("s", "ab", spec)
	assert.NoError(t, err)
	_, err = Coerce("s", "a", spec)
	assert.Error(t, err)
	_, err = Coerce("s", "abcde", spec)
	assert.Error(t, err)
	_, err = Coerce("s", "AB", spec)
	assert.Error(t, err)
}

func TestCoerceEnum(t *testing.T) {
	t.Parallel()

	spec := &endpoints.TypeSpec{Type: "string", Enum: []any{"red", "green"}}
	_, err := Coerce("c", "red", spec)
	assert.NoError(t, err)
	_, err = Coerce("c", "blue", spec)
	assert.Error(t, err)

	// Numeric enums must match across decoder-produced types.
	nspec := &endpoints.TypeSpec{Type: "integer", Enum: []any{1, 2}}
	_, err = Coerce("n", float64(2), nspec)
	assert.NoError(t, err)
}

func TestCoerceArrayElementWise(t *testing.T) {
	t.Parallel()

	spec := &endpoints.TypeSpec{
		Type:  "array",
		Items: &endpoints.TypeSpec{Type: "integer", Minimum: fptr(0)},
	}

	out, err := Coerce("xs", []any{1, 2, 3}, spec)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, out)

	_, err = Coerce("xs", []any{1, -2}, spec)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "xs[1]", verr.Path)
}

func TestCoerceObject(t *testing.T) {
	t.Parallel()

	spec := &endpoints.TypeSpec{
		Type:     "object",
		Required: []string{"name"},
		Properties: map[string]*endpoints.TypeSpec{
			"name": {Type: "string"},
			"age":  {Type: "integer"},
		},
	}

	out, err := Coerce("o", map[string]any{"name": "A", "age": 3}, spec)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.(map[string]any)["age"])

	_, err = Coerce("o", map[string]any{"age": 3}, spec)
	assert.Error(t, err)
}

func TestValidateReturnArrayOfObjects(t *testing.T) {
	t.Parallel()

	schema := &endpoints.TypeSpec{
		Type: "array",
		Items: &endpoints.TypeSpec{
			Type:       "object",
			Properties: map[string]*endpoints.TypeSpec{"n": {Type: "integer"}},
		},
	}

	out, err := ValidateReturn([]any{
		map[string]any{"n": 1},
		map[string]any{"n": 2.0},
	}, schema)
	require.NoError(t, err)
	arr := out.([]any)
	assert.Equal(t, int64(2), arr[1].(map[string]any)["n"])
}

func TestRedact(t *testing.T) {
	t.Parallel()

	defs := []endpoints.Parameter{
		{Name: "username", TypeSpec: endpoints.TypeSpec{Type: "string"}},
		{Name: "password", TypeSpec: endpoints.TypeSpec{Type: "string", Sensitive: true}},
	}

	out := Redact(map[string]any{"username": "alice", "password": "hunter2"}, defs)
	assert.Equal(t, "alice", out["username"])
	assert.Equal(t, "[REDACTED]", out["password"])
}

func TestFormatValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2024-06-01",
		FormatValue(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-06-01T12:30:00Z",
		FormatValue(time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)))
	assert.Equal(t, "1h30m0s", FormatValue(90*time.Minute))
	assert.Equal(t, 42, FormatValue(42))
}
