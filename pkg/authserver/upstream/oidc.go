// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/mxcp-dev/mxcp/pkg/config"
)

// OIDCProvider discovers its endpoints from the issuer and verifies ID
// tokens on exchange. Token and userinfo plumbing is shared with the plain
// OAuth2 adapter.
type OIDCProvider struct {
	*OAuth2Provider

	verifier *oidc.IDTokenVerifier
}

// discoveredEndpoints captures the optional discovery fields go-oidc does
// not surface directly.
type discoveredEndpoints struct {
	UserInfoEndpoint   string `json:"userinfo_endpoint"`
	RevocationEndpoint string `json:"revocation_endpoint"`
}

// NewOIDCProvider runs discovery against cfg.IssuerURL and builds the
// adapter.
func NewOIDCProvider(ctx context.Context, cfg config.ProviderConfig, callbackURL string) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("oidc provider requires issuer_url")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed for %s: %w", cfg.IssuerURL, err)
	}

	var extra discoveredEndpoints
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	endpoint := provider.Endpoint()
	base := cfg
	base.AuthorizeEndpoint = endpoint.AuthURL
	base.TokenEndpoint = endpoint.TokenURL
	if base.UserInfoEndpoint == "" {
		base.UserInfoEndpoint = extra.UserInfoEndpoint
	}
	if base.RevokeEndpoint == "" {
		base.RevokeEndpoint = extra.RevocationEndpoint
	}

	inner, err := NewOAuth2Provider(base, callbackURL)
	if err != nil {
		return nil, err
	}

	return &OIDCProvider{
		OAuth2Provider: inner,
		verifier:       provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// AuthorizationURL adds the OIDC nonce on top of the OAuth2 parameters.
func (p *OIDCProvider) AuthorizationURL(state, challenge, nonce string, scopes []string) string {
	u := p.OAuth2Provider.AuthorizationURL(state, challenge, "", scopes)
	if nonce == "" {
		return u
	}
	return u + "&" + url.Values{"nonce": {nonce}}.Encode()
}

// ExchangeCode redeems the code and verifies the returned ID token.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, verifier string) (*Grant, error) {
	grant, err := p.OAuth2Provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	if grant.IDToken == "" {
		return nil, &ProviderError{Kind: "malformed_response",
			Description: "provider returned no id_token"}
	}
	if _, err := p.verifier.Verify(ctx, grant.IDToken); err != nil {
		return nil, &ProviderError{Kind: "invalid_id_token",
			Description: "id token verification failed"}
	}
	return grant, nil
}

// VerifyNonce checks the ID token's nonce claim against the expected value
// stored in the state record.
func (p *OIDCProvider) VerifyNonce(ctx context.Context, rawIDToken, expected string) error {
	if expected == "" {
		return nil
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return &ProviderError{Kind: "invalid_id_token",
			Description: "id token verification failed"}
	}
	if idToken.Nonce != expected {
		return &ProviderError{Kind: "invalid_id_token", Description: "nonce mismatch"}
	}
	return nil
}

// UserInfo prefers the discovered userinfo endpoint and falls back to the
// ID token claims when the provider does not expose one.
func (p *OIDCProvider) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if p.userInfoEndpoint != "" {
		return p.OAuth2Provider.UserInfo(ctx, accessToken)
	}
	return nil, &ProviderError{Kind: "configuration",
		Description: "provider has no userinfo endpoint"}
}

// ClaimsFromIDToken decodes the verified ID token's claims into a raw
// profile map. Used when the provider exposes no userinfo endpoint.
func (p *OIDCProvider) ClaimsFromIDToken(ctx context.Context, rawIDToken string) (map[string]any, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, &ProviderError{Kind: "invalid_id_token",
			Description: "id token verification failed"}
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, &ProviderError{Kind: "malformed_response",
			Description: "failed to decode id token claims"}
	}
	return claims, nil
}

// DefaultScopes ensures the openid scope is always requested.
func DefaultScopes(scopes []string) []string {
	for _, s := range scopes {
		if s == oidc.ScopeOpenID {
			return scopes
		}
	}
	return append([]string{oidc.ScopeOpenID}, scopes...)
}

// New builds the configured provider adapter.
func New(ctx context.Context, cfg config.ProviderConfig, callbackURL string) (Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "oidc":
		return NewOIDCProvider(ctx, cfg, callbackURL)
	case "oauth2":
		return NewOAuth2Provider(cfg, callbackURL)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
