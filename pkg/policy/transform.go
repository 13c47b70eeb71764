// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package policy

// FilterFields drops the listed top-level fields from an object response.
// Arrays are transformed element-wise. Non-object values and fields that do
// not exist pass through untouched. The input value is never mutated.
func FilterFields(value any, fields []string) any {
	if len(fields) == 0 {
		return value
	}
	switch v := value.(type) {
	case map[string]any:
		return filterMap(v, fields)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = FilterFields(item, fields)
		}
		return out
	default:
		return value
	}
}

// MaskFields replaces the values of the listed top-level fields with "****".
// Arrays are transformed element-wise; missing fields are silently skipped.
func MaskFields(value any, fields []string) any {
	if len(fields) == 0 {
		return value
	}
	switch v := value.(type) {
	case map[string]any:
		return maskMap(v, fields)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = MaskFields(item, fields)
		}
		return out
	default:
		return value
	}
}

func filterMap(m map[string]any, fields []string) map[string]any {
	drop := toSet(fields)
	out := make(map[string]any, len(m))
	for k, v := range m {
		if drop[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func maskMap(m map[string]any, fields []string) map[string]any {
	mask := toSet(fields)
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mask[k] {
			out[k] = maskValue
			continue
		}
		out[k] = v
	}
	return out
}

func toSet(fields []string) map[string]bool {
	s := make(map[string]bool, len(fields))
	for _, f := range fields {
		s[f] = true
	}
	return s
}
