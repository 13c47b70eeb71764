// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream adapts upstream identity providers behind a single
// Provider interface. Two concrete adapters exist: a plain OAuth 2.0
// adapter driven by explicit endpoints, and an OIDC adapter that discovers
// them and verifies ID tokens.
//
// Adapters never log tokens, secrets, emails, or provider response bodies.
package upstream

import (
	"context"
	"fmt"
	"time"
)

// Grant is the normalized result of a code exchange or refresh.
type Grant struct {
	AccessToken   string
	RefreshToken  string
	IDToken       string
	ExpiresAt     time.Time
	GrantedScopes []string
}

// ProviderError normalizes every upstream failure: transport errors,
// provider error objects, and malformed responses.
type ProviderError struct {
	// Kind is the provider's error code ("invalid_grant") or a transport
	// classification ("network", "malformed_response").
	Kind        string
	Description string
	StatusCode  int
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error %s: %s", e.Kind, e.Description)
	}
	return fmt.Sprintf("provider error %s", e.Kind)
}

// Provider is the contract one upstream IdP adapter fulfills.
type Provider interface {
	// Name identifies the provider in logs and the user context.
	Name() string

	// AuthorizationURL builds the upstream authorize redirect. state is the
	// internal state; challenge is the S256 PKCE challenge derived from the
	// verifier held in the state record (empty if PKCE is unsupported).
	AuthorizationURL(state, challenge, nonce string, scopes []string) string

	// ExchangeCode redeems the upstream authorization code.
	ExchangeCode(ctx context.Context, code, verifier string) (*Grant, error)

	// Refresh exchanges a refresh token for a fresh grant.
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)

	// UserInfo fetches the raw profile document for the access token.
	UserInfo(ctx context.Context, accessToken string) (map[string]any, error)

	// Revoke invalidates a token upstream, best-effort.
	Revoke(ctx context.Context, token string) error

	// CallbackRedirectURI is the mxcp callback the provider redirects to.
	CallbackRedirectURI() string

	// SupportsPKCE reports whether the upstream leg carries PKCE.
	SupportsPKCE() bool
}
