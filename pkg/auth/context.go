// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated user identity through a request and
// provides the bearer-token middleware and verifiers for both issuer and
// external-verifier modes.
package auth

import (
	"context"
)

// UserContext is the authenticated identity attached to a request. It is
// immutable after construction.
type UserContext struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`

	// Provider names the upstream identity provider ("github", "okta").
	Provider string `json:"provider"`

	// RawProfile is the provider's user-info document, kept opaque.
	RawProfile map[string]any `json:"raw_profile,omitempty"`

	// MXCPScopes are the internal authorization labels derived by the
	// scope mapper.
	MXCPScopes []string `json:"mxcp_scopes"`

	// ProviderScopesGranted are the raw scopes the provider granted.
	ProviderScopesGranted []string `json:"provider_scopes_granted"`

	// SessionID is set in issuer mode.
	SessionID string `json:"session_id,omitempty"`
}

// HasScope reports whether the user holds the given MXCP scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.MXCPScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every required scope is held.
func (u *UserContext) HasAllScopes(required []string) bool {
	for _, s := range required {
		if !u.HasScope(s) {
			return false
		}
	}
	return true
}

// PolicyBinding renders the user for CEL evaluation. The raw profile is
// flattened in so policies can reference provider claims (user.role) without
// an extra level of nesting.
func (u *UserContext) PolicyBinding() map[string]any {
	out := make(map[string]any, len(u.RawProfile)+6)
	for k, v := range u.RawProfile {
		out[k] = v
	}
	out["user_id"] = u.UserID
	out["username"] = u.Username
	out["email"] = u.Email
	out["provider"] = u.Provider
	out["mxcp_scopes"] = toAnySlice(u.MXCPScopes)
	out["provider_scopes"] = toAnySlice(u.ProviderScopesGranted)
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

type contextKey struct{}

// WithUser attaches the user context to ctx.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFrom extracts the user context, if any.
func UserFrom(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(contextKey{}).(*UserContext)
	return user, ok
}
