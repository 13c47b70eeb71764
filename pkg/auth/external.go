// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/mxcp-dev/mxcp/pkg/config"
)

// ExternalVerifier validates tokens issued by an external authorization
// server. JWTs are verified against the issuer's JWKS; opaque tokens fall
// back to RFC 7662 introspection when an endpoint is configured.
type ExternalVerifier struct {
	issuer        string
	audience      string
	jwksURL       string
	introspectURL string
	clientID      string
	clientSecret  string
	scopes        *ScopeMapper
	client        *http.Client
	jwksCache     *jwk.Cache

	registerOnce sync.Once
	registerErr  error
}

// oidcDiscovery is the subset of the discovery document we need.
type oidcDiscovery struct {
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

// NewExternalVerifier builds a verifier from configuration, discovering the
// JWKS URL from the issuer when one is not given explicitly.
func NewExternalVerifier(ctx context.Context, cfg config.VerifierConfig, scopes *ScopeMapper) (*ExternalVerifier, error) {
	v := &ExternalVerifier{
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		jwksURL:       cfg.JWKSURL,
		introspectURL: cfg.IntrospectionURL,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		scopes:        scopes,
		client:        &http.Client{Timeout: 30 * time.Second},
	}

	if v.jwksURL == "" && v.issuer != "" {
		doc, err := v.discover(ctx)
		if err != nil {
			return nil, err
		}
		v.jwksURL = doc.JWKSURI
		if v.introspectURL == "" {
			v.introspectURL = doc.IntrospectionEndpoint
		}
	}
	if v.jwksURL == "" && v.introspectURL == "" {
		return nil, fmt.Errorf("verifier requires a jwks_url, an introspection_url, or a discoverable issuer")
	}

	if v.jwksURL != "" {
		cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(v.client)))
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
		}
		v.jwksCache = cache
	}
	return v, nil
}

func (v *ExternalVerifier) discover(ctx context.Context) (*oidcDiscovery, error) {
	wellKnown := strings.TrimSuffix(v.issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc discovery returned status %d", resp.StatusCode)
	}
	var doc oidcDiscovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document has no jwks_uri")
	}
	return &doc, nil
}

// ensureJWKS registers the JWKS URL on first use so startup never blocks on
// the remote keyset.
func (v *ExternalVerifier) ensureJWKS(ctx context.Context) error {
	v.registerOnce.Do(func() {
		registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := v.jwksCache.Register(registerCtx, v.jwksURL); err != nil {
			v.registerErr = fmt.Errorf("failed to register JWKS URL: %w", err)
		}
	})
	return v.registerErr
}

func (v *ExternalVerifier) keyForToken(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKS(ctx); err != nil {
		return nil, err
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}
	keySet, err := v.jwksCache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to look up JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %s not found in JWKS", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	return raw, nil
}

// Verify implements TokenVerifier.
func (v *ExternalVerifier) Verify(ctx context.Context, tokenString string) (*UserContext, error) {
	if v.jwksCache != nil {
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			return v.keyForToken(ctx, t)
		}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))

		switch {
		case err == nil && token.Valid:
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				return nil, ErrInvalidToken
			}
			if err := v.validateClaims(claims); err != nil {
				return nil, err
			}
			return v.userFromClaims(claims), nil
		case errors.Is(err, jwt.ErrTokenMalformed) && v.introspectURL != "":
			// Not a JWT; fall through to introspection.
		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		default:
			return nil, ErrInvalidToken
		}
	}

	claims, err := v.introspect(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return v.userFromClaims(claims), nil
}

func (v *ExternalVerifier) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || strings.TrimSpace(iss) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}
	if v.audience != "" {
		auds, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range auds {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// userFromClaims snapshots the external token's claims into a user context,
// applying the same scope mapping rules the issuer mode applies at login.
func (v *ExternalVerifier) userFromClaims(claims jwt.MapClaims) *UserContext {
	profile := map[string]any(claims)

	user := &UserContext{
		Provider:   "external",
		RawProfile: profile,
	}
	user.UserID, _ = profile["sub"].(string)
	user.Email, _ = profile["email"].(string)
	if username, ok := profile["preferred_username"].(string); ok {
		user.Username = username
	} else {
		user.Username = user.UserID
	}
	if scope, ok := profile["scope"].(string); ok && scope != "" {
		user.ProviderScopesGranted = strings.Fields(scope)
	}
	user.MXCPScopes = v.scopes.Map(user.ProviderScopesGranted, profile)
	return user
}

// introspect validates an opaque token against the RFC 7662 endpoint.
func (v *ExternalVerifier) introspect(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if v.introspectURL == "" {
		return nil, ErrInvalidToken
	}

	form := url.Values{
		"token":           {tokenString},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.introspectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if v.clientID != "" && v.clientSecret != "" {
		req.SetBasicAuth(v.clientID, v.clientSecret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection returned status %d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}
	if active, _ := raw["active"].(bool); !active {
		return nil, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	for k, val := range raw {
		if k == "active" {
			continue
		}
		claims[k] = val
	}
	return claims, nil
}
