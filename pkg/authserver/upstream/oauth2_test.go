// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp-dev/mxcp/pkg/config"
)

func newTestProvider(t *testing.T, handler http.Handler) *OAuth2Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewOAuth2Provider(config.ProviderConfig{
		Name:              "testidp",
		ClientID:          "mxcp-client",
		ClientSecret:      "mxcp-secret",
		AuthorizeEndpoint: srv.URL + "/authorize",
		TokenEndpoint:     srv.URL + "/token",
		UserInfoEndpoint:  srv.URL + "/userinfo",
		RevokeEndpoint:    srv.URL + "/revoke",
	}, "https://mxcp.test/auth/oauth/callback")
	require.NoError(t, err)
	return p
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()
	p := newTestProvider(t, http.NotFoundHandler())

	raw := p.AuthorizationURL("state-123", "challenge-abc", "", []string{"openid", "email"})
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "mxcp-client", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "challenge-abc", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "openid email", q.Get("scope"))
	assert.Equal(t, "https://mxcp.test/auth/oauth/callback", q.Get("redirect_uri"))
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()

	var gotForm url.Values
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"refresh_token": "upstream-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid email",
		})
	}))

	grant, err := p.ExchangeCode(context.Background(), "the-code", "the-verifier")
	require.NoError(t, err)
	assert.Equal(t, "upstream-access", grant.AccessToken)
	assert.Equal(t, "upstream-refresh", grant.RefreshToken)
	assert.Equal(t, []string{"openid", "email"}, grant.GrantedScopes)
	assert.WithinDuration(t, time.Now().Add(time.Hour), grant.ExpiresAt, time.Minute)

	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "the-code", gotForm.Get("code"))
	assert.Equal(t, "the-verifier", gotForm.Get("code_verifier"))
	assert.Equal(t, "mxcp-secret", gotForm.Get("client_secret"))
}

func TestExchangeCodeProviderError(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	}))

	_, err := p.ExchangeCode(context.Background(), "stale", "")
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "invalid_grant", perr.Kind)
	assert.Equal(t, "code expired", perr.Description)
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
}

func TestExchangeCodeMalformedResponse(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))

	_, err := p.ExchangeCode(context.Background(), "c", "")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "malformed_response", perr.Kind)
}

func TestRefreshKeepsOldRefreshToken(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access",
			"expires_in":   3600,
		})
	}))

	grant, err := p.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", grant.AccessToken)
	assert.Equal(t, "old-refresh", grant.RefreshToken)
}

func TestUserInfo(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer upstream-access", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub": "user-1", "email": "a@example.com", "groups": []string{"eng"},
		})
	}))

	profile, err := p.UserInfo(context.Background(), "upstream-access")
	require.NoError(t, err)
	assert.Equal(t, "user-1", profile["sub"])
}

func TestUserInfoRejectedToken(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := p.UserInfo(context.Background(), "bad")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "userinfo_failed", perr.Kind)
	assert.Equal(t, http.StatusUnauthorized, perr.StatusCode)
}

func TestRevokeBestEffort(t *testing.T) {
	t.Parallel()

	called := false
	p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "tok", r.PostForm.Get("token"))
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, p.Revoke(context.Background(), "tok"))
	assert.True(t, called)
}

func TestDefaultScopes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"openid"}, DefaultScopes(nil))
	assert.Equal(t, []string{"openid", "email"}, DefaultScopes([]string{"email"}))
	assert.Equal(t, []string{"email", "openid"}, DefaultScopes([]string{"email", "openid"}))
}
