// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/mxcp-dev/mxcp/pkg/config"
)

// ScopeMapper translates provider claims into MXCP scopes. Stateless; one
// instance serves every request of a generation.
type ScopeMapper struct {
	rules config.ScopeMappingConfig
}

// NewScopeMapper builds a mapper from configuration.
func NewScopeMapper(rules config.ScopeMappingConfig) *ScopeMapper {
	return &ScopeMapper{rules: rules}
}

// Map derives the MXCP scope set from granted provider scopes and the raw
// profile. Every matching rule contributes its right-hand side; the result
// is the sorted union.
func (m *ScopeMapper) Map(grantedScopes []string, rawProfile map[string]any) []string {
	out := make(map[string]bool)

	for _, scope := range grantedScopes {
		for _, mxcp := range m.rules.Scopes[scope] {
			out[mxcp] = true
		}
	}

	profileJSON, err := json.Marshal(rawProfile)
	if err == nil {
		for _, group := range stringsAtPath(profileJSON, m.rules.GroupsPath) {
			for _, mxcp := range m.rules.Groups[group] {
				out[mxcp] = true
			}
		}
		for _, role := range stringsAtPath(profileJSON, m.rules.RolesPath) {
			for _, mxcp := range m.rules.Roles[role] {
				out[mxcp] = true
			}
		}
	}

	scopes := make([]string, 0, len(out))
	for s := range out {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}

// stringsAtPath extracts a string list (or single string) at a gjson path.
func stringsAtPath(profileJSON []byte, path string) []string {
	if path == "" {
		return nil
	}
	result := gjson.GetBytes(profileJSON, path)
	if !result.Exists() {
		return nil
	}
	if result.IsArray() {
		items := result.Array()
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, item.String())
		}
		return out
	}
	return []string{result.String()}
}

// RequireScopes verifies every required provider scope was granted.
func RequireScopes(required, granted []string) error {
	grantedSet := make(map[string]bool, len(granted))
	for _, s := range granted {
		grantedSet[s] = true
	}
	for _, s := range required {
		if !grantedSet[s] {
			return fmt.Errorf("required provider scope %q was not granted", s)
		}
	}
	return nil
}
