// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mxcp-dev/mxcp/pkg/config"
)

// tokenExpirationBuffer is subtracted from expires_in so a token is treated
// as expired slightly before the provider would reject it.
const tokenExpirationBuffer = 30 * time.Second

const defaultHTTPTimeout = 30 * time.Second

// maxResponseBytes bounds provider response bodies.
const maxResponseBytes = 1 << 20

// OAuth2Provider talks to an upstream IdP through explicitly configured
// OAuth 2.0 endpoints.
type OAuth2Provider struct {
	name         string
	clientID     string
	clientSecret string

	authorizeEndpoint string
	tokenEndpoint     string
	userInfoEndpoint  string
	revokeEndpoint    string

	callbackURL string
	httpClient  *http.Client
}

// NewOAuth2Provider builds the adapter from provider configuration.
// callbackURL is mxcp's own callback the provider will redirect to.
func NewOAuth2Provider(cfg config.ProviderConfig, callbackURL string) (*OAuth2Provider, error) {
	if cfg.AuthorizeEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("oauth2 provider requires authorize_endpoint and token_endpoint")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("oauth2 provider requires client_id")
	}
	return &OAuth2Provider{
		name:              cfg.Name,
		clientID:          cfg.ClientID,
		clientSecret:      cfg.ClientSecret,
		authorizeEndpoint: cfg.AuthorizeEndpoint,
		tokenEndpoint:     cfg.TokenEndpoint,
		userInfoEndpoint:  cfg.UserInfoEndpoint,
		revokeEndpoint:    cfg.RevokeEndpoint,
		callbackURL:       callbackURL,
		httpClient:        &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

func (p *OAuth2Provider) Name() string                { return p.name }
func (p *OAuth2Provider) CallbackRedirectURI() string { return p.callbackURL }
func (p *OAuth2Provider) SupportsPKCE() bool          { return true }

func (p *OAuth2Provider) AuthorizationURL(state, challenge, _ string, scopes []string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", p.callbackURL)
	q.Set("state", state)
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	if challenge != "" {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", "S256")
	}

	sep := "?"
	if strings.Contains(p.authorizeEndpoint, "?") {
		sep = "&"
	}
	return p.authorizeEndpoint + sep + q.Encode()
}

func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code, verifier string) (*Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.callbackURL)
	form.Set("client_id", p.clientID)
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	return p.tokenRequest(ctx, form)
}

func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.clientID)
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}
	grant, err := p.tokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	// Some providers omit the refresh token on refresh; keep the old one.
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

// tokenResponse is the wire shape of a token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p *OAuth2Provider) tokenRequest(ctx context.Context, form url.Values) (*Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ProviderError{Kind: "network", Description: "failed to build token request"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Kind: "network", Description: "token request failed"}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProviderError{Kind: "network", Description: "failed to read token response",
			StatusCode: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &ProviderError{Kind: "malformed_response",
			Description: "token endpoint returned invalid JSON", StatusCode: resp.StatusCode}
	}
	if tr.Error != "" {
		return nil, &ProviderError{Kind: tr.Error, Description: tr.ErrorDescription,
			StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		return nil, &ProviderError{Kind: "malformed_response",
			Description: "token endpoint returned no access token", StatusCode: resp.StatusCode}
	}

	grant := &Grant{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
	}
	if tr.ExpiresIn > 0 {
		grant.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpirationBuffer)
	}
	if tr.Scope != "" {
		grant.GrantedScopes = strings.Fields(tr.Scope)
	}
	return grant, nil
}

func (p *OAuth2Provider) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if p.userInfoEndpoint == "" {
		return nil, &ProviderError{Kind: "configuration",
			Description: "provider has no userinfo endpoint"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoEndpoint, nil)
	if err != nil {
		return nil, &ProviderError{Kind: "network", Description: "failed to build userinfo request"}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Kind: "network", Description: "userinfo request failed"}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProviderError{Kind: "network", Description: "failed to read userinfo response",
			StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Kind: "userinfo_failed",
			Description: "userinfo endpoint rejected the token", StatusCode: resp.StatusCode}
	}

	var profile map[string]any
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, &ProviderError{Kind: "malformed_response",
			Description: "userinfo endpoint returned invalid JSON", StatusCode: resp.StatusCode}
	}
	return profile, nil
}

func (p *OAuth2Provider) Revoke(ctx context.Context, token string) error {
	if p.revokeEndpoint == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", p.clientID)
	if p.clientSecret != "" {
		form.Set("client_secret", p.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return &ProviderError{Kind: "network", Description: "failed to build revoke request"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Kind: "network", Description: "revoke request failed"}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 400 {
		return &ProviderError{Kind: "revocation_failed", StatusCode: resp.StatusCode}
	}
	return nil
}
