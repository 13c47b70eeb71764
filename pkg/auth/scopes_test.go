// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp-dev/mxcp/pkg/config"
)

func TestScopeMapperUnion(t *testing.T) {
	t.Parallel()

	m := NewScopeMapper(config.ScopeMappingConfig{
		Scopes: map[string][]string{
			"email": {"email.read"},
		},
		Groups:     map[string][]string{"engineering": {"mxcp:read", "mxcp:write"}},
		GroupsPath: "groups",
		Roles:      map[string][]string{"admin": {"mxcp:admin"}},
		RolesPath:  "app_metadata.roles",
	})

	scopes := m.Map([]string{"email", "openid"}, map[string]any{
		"groups": []any{"engineering", "sales"},
		"app_metadata": map[string]any{
			"roles": []any{"admin"},
		},
	})
	assert.Equal(t, []string{"email.read", "mxcp:admin", "mxcp:read", "mxcp:write"}, scopes)
}

func TestScopeMapperSingleStringPath(t *testing.T) {
	t.Parallel()

	m := NewScopeMapper(config.ScopeMappingConfig{
		Roles:     map[string][]string{"hr": {"pii.read"}},
		RolesPath: "role",
	})

	scopes := m.Map(nil, map[string]any{"role": "hr"})
	assert.Equal(t, []string{"pii.read"}, scopes)
}

func TestScopeMapperNoMatches(t *testing.T) {
	t.Parallel()

	m := NewScopeMapper(config.ScopeMappingConfig{})
	assert.Empty(t, m.Map([]string{"openid"}, map[string]any{"groups": []any{"x"}}))
}

func TestRequireScopes(t *testing.T) {
	t.Parallel()

	require.NoError(t, RequireScopes([]string{"openid"}, []string{"openid", "email"}))
	require.NoError(t, RequireScopes(nil, nil))

	err := RequireScopes([]string{"openid", "email"}, []string{"openid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestUserContextHelpers(t *testing.T) {
	t.Parallel()

	u := &UserContext{
		UserID:     "u1",
		MXCPScopes: []string{"a", "b"},
		RawProfile: map[string]any{"role": "hr"},
	}
	assert.True(t, u.HasScope("a"))
	assert.False(t, u.HasScope("c"))
	assert.True(t, u.HasAllScopes([]string{"a", "b"}))
	assert.False(t, u.HasAllScopes([]string{"a", "c"}))

	binding := u.PolicyBinding()
	assert.Equal(t, "hr", binding["role"])
	assert.Equal(t, "u1", binding["user_id"])
	assert.Equal(t, []any{"a", "b"}, binding["mxcp_scopes"])
}
