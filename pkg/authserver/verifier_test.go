// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/authserver/session"
	"github.com/mxcp-dev/mxcp/pkg/authserver/storage"
	"github.com/mxcp-dev/mxcp/pkg/authserver/upstream"
)

const testKey = "0123456789abcdef0123456789abcdef"

type refreshingProvider struct {
	upstream.Provider

	refreshCalls int
}

func (p *refreshingProvider) Refresh(context.Context, string) (*upstream.Grant, error) {
	p.refreshCalls++
	return &upstream.Grant{
		AccessToken:  "refreshed-access",
		RefreshToken: "refreshed-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func newVerifierFixture(t *testing.T, providerExpiry time.Time) (*Verifier, *session.Issued, *refreshingProvider) {
	t.Helper()

	mgr, err := session.NewManager(storage.NewMemoryStore(), testKey, session.TTLs{
		State: time.Minute, Code: time.Minute, Access: time.Hour, Refresh: time.Hour,
	})
	require.NoError(t, err)

	issued, err := mgr.IssueSession(context.Background(), "client-1",
		&auth.UserContext{UserID: "u1", MXCPScopes: []string{"mxcp:read"}},
		&upstream.Grant{
			AccessToken:  "upstream-access",
			RefreshToken: "upstream-refresh",
			ExpiresAt:    providerExpiry,
		})
	require.NoError(t, err)

	provider := &refreshingProvider{}
	return NewVerifier(mgr, provider, time.Minute), issued, provider
}

func TestVerifierResolvesIssuedTokens(t *testing.T) {
	t.Parallel()
	v, issued, _ := newVerifierFixture(t, time.Now().Add(time.Hour))

	user, err := v.Verify(context.Background(), issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)
	assert.Equal(t, issued.SessionID, user.SessionID)
}

func TestVerifierRejectsUnknownAndForeignTokens(t *testing.T) {
	t.Parallel()
	v, _, _ := newVerifierFixture(t, time.Now().Add(time.Hour))

	_, err := v.Verify(context.Background(), "mxcp_at_unknown")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	// A JWT-looking token is not one of ours.
	_, err = v.Verify(context.Background(), "eyJhbGciOiJSUzI1NiJ9.x.y")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestProviderAccessTokenNoOpWhileValid(t *testing.T) {
	t.Parallel()
	v, issued, provider := newVerifierFixture(t, time.Now().Add(time.Hour))

	token, err := v.ProviderAccessToken(context.Background(), issued.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "upstream-access", token)
	assert.Zero(t, provider.refreshCalls)
}

func TestProviderAccessTokenRefreshesNearExpiry(t *testing.T) {
	t.Parallel()
	v, issued, provider := newVerifierFixture(t, time.Now().Add(10*time.Second))

	token, err := v.ProviderAccessToken(context.Background(), issued.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", token)
	assert.Equal(t, 1, provider.refreshCalls)
}
