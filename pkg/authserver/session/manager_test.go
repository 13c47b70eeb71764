// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/authserver/storage"
	"github.com/mxcp-dev/mxcp/pkg/authserver/upstream"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(storage.NewMemoryStore(), testKey, TTLs{
		State:   10 * time.Minute,
		Code:    5 * time.Minute,
		Access:  time.Hour,
		Refresh: 30 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return m
}

func testUser() *auth.UserContext {
	return &auth.UserContext{
		UserID:                "user-1",
		Username:              "alice",
		Email:                 "alice@example.com",
		Provider:              "testidp",
		MXCPScopes:            []string{"mxcp:read"},
		ProviderScopesGranted: []string{"openid", "email"},
	}
}

func testGrant() *upstream.Grant {
	return &upstream.Grant{
		AccessToken:   "upstream-access",
		RefreshToken:  "upstream-refresh",
		ExpiresAt:     time.Now().Add(time.Hour),
		GrantedScopes: []string{"openid", "email"},
	}
}

func TestNewManagerRejectsBadKey(t *testing.T) {
	t.Parallel()
	_, err := NewManager(storage.NewMemoryStore(), "short", TTLs{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestIssueSessionStoresOnlyHashes(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	issued, err := m.IssueSession(ctx, "client-1", testUser(), testGrant())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.AccessToken, AccessTokenPrefix))
	assert.True(t, strings.HasPrefix(issued.RefreshToken, RefreshTokenPrefix))
	assert.EqualValues(t, 3600, issued.ExpiresIn)

	sess, err := m.Store().GetSession(ctx, issued.SessionID)
	require.NoError(t, err)
	assert.NotEqual(t, issued.AccessToken, sess.AccessTokenHash)
	assert.Equal(t, HashToken(issued.AccessToken), sess.AccessTokenHash)
	assert.NotContains(t, string(sess.ProviderTokens), "upstream-access")
}

func TestLookupByAccessToken(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	issued, err := m.IssueSession(ctx, "client-1", testUser(), testGrant())
	require.NoError(t, err)

	sess, user, err := m.LookupByAccessToken(ctx, issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, issued.SessionID, sess.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, issued.SessionID, user.SessionID)
	assert.True(t, user.HasScope("mxcp:read"))

	_, _, err = m.LookupByAccessToken(ctx, "mxcp_at_bogus")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestProviderTokensRoundTrip(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	issued, err := m.IssueSession(ctx, "client-1", testUser(), testGrant())
	require.NoError(t, err)
	sess, err := m.Store().GetSession(ctx, issued.SessionID)
	require.NoError(t, err)

	tokens, err := m.ProviderTokens(sess)
	require.NoError(t, err)
	assert.Equal(t, "upstream-access", tokens.AccessToken)
	assert.Equal(t, "upstream-refresh", tokens.RefreshToken)
}

func TestProviderTokensKeyRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	m1, err := NewManager(store, testKey, TTLs{Access: time.Hour, Refresh: time.Hour})
	require.NoError(t, err)
	issued, err := m1.IssueSession(ctx, "client-1", testUser(), testGrant())
	require.NoError(t, err)

	// A manager with a rotated key cannot decrypt the old blob; the
	// session survives but the provider grant is unusable.
	m2, err := NewManager(store, "fedcba9876543210fedcba9876543210", TTLs{Access: time.Hour, Refresh: time.Hour})
	require.NoError(t, err)

	sess, _, err := m2.LookupByAccessToken(ctx, issued.AccessToken)
	require.NoError(t, err)
	_, err = m2.ProviderTokens(sess)
	assert.ErrorIs(t, err, ErrProviderUnusable)
}

func TestConsumeStateOnce(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.CreateState(ctx, &storage.StateRecord{
		ClientID:    "client-1",
		RedirectURI: "https://client.test/cb",
	})
	require.NoError(t, err)

	rec, err := m.ConsumeState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "client-1", rec.ClientID)

	_, err = m.ConsumeState(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-string-that-is-long-enough-12345"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestAuthorizationCodeBinding(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()
	verifier, challenge := pkcePair()

	issue := func() string {
		code, err := m.IssueAuthorizationCode(ctx, "sess-1", "client-1",
			"https://client.test/cb", challenge, "S256")
		require.NoError(t, err)
		return code
	}

	// Happy path.
	sessionID, err := m.ConsumeAuthorizationCode(ctx, issue(), "client-1",
		"https://client.test/cb", verifier)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)

	// Wrong client.
	_, err = m.ConsumeAuthorizationCode(ctx, issue(), "client-2",
		"https://client.test/cb", verifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// Wrong redirect URI.
	_, err = m.ConsumeAuthorizationCode(ctx, issue(), "client-1",
		"https://evil.test/cb", verifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// Wrong PKCE verifier.
	_, err = m.ConsumeAuthorizationCode(ctx, issue(), "client-1",
		"https://client.test/cb", "wrong-verifier")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestAuthorizationCodeRejectsPlainPKCE(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	// A challenge bound with the plain method never verifies, even when the
	// verifier matches the challenge byte for byte.
	code, err := m.IssueAuthorizationCode(ctx, "sess-1", "client-1",
		"https://client.test/cb", "shared-secret-value", "plain")
	require.NoError(t, err)

	_, err = m.ConsumeAuthorizationCode(ctx, code, "client-1",
		"https://client.test/cb", "shared-secret-value")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()
	verifier, challenge := pkcePair()

	code, err := m.IssueAuthorizationCode(ctx, "sess-1", "client-1",
		"https://client.test/cb", challenge, "S256")
	require.NoError(t, err)

	_, err = m.ConsumeAuthorizationCode(ctx, code, "client-1", "https://client.test/cb", verifier)
	require.NoError(t, err)

	_, err = m.ConsumeAuthorizationCode(ctx, code, "client-1", "https://client.test/cb", verifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRefreshGrantRotatesTokens(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	issued, err := m.IssueSession(ctx, "client-1", testUser(), testGrant())
	require.NoError(t, err)

	rotated, err := m.RefreshGrant(ctx, issued.RefreshToken, "client-1")
	require.NoError(t, err)
	assert.Equal(t, issued.SessionID, rotated.SessionID)
	assert.NotEqual(t, issued.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, issued.RefreshToken, rotated.RefreshToken)

	// Old pair is dead.
	_, _, err = m.LookupByAccessToken(ctx, issued.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = m.RefreshGrant(ctx, issued.RefreshToken, "client-1")
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// New pair works.
	_, _, err = m.LookupByAccessToken(ctx, rotated.AccessToken)
	assert.NoError(t, err)

	// Wrong client cannot redeem.
	_, err = m.RefreshGrant(ctx, rotated.RefreshToken, "client-2")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

type fakeRefresher struct {
	upstream.Provider
	grant *upstream.Grant
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (*upstream.Grant, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

func TestRefreshProviderIfNeededNoOpWhileValid(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	issued, err := m.IssueSession(ctx, "client-1", testUser(), testGrant())
	require.NoError(t, err)
	sess, err := m.Store().GetSession(ctx, issued.SessionID)
	require.NoError(t, err)

	f := &fakeRefresher{}
	got, err := m.RefreshProviderIfNeeded(ctx, sess, f, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, f.calls)
	assert.Equal(t, sess.ID, got.ID)
}

func TestRefreshProviderIfNeededRefreshes(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	grant := testGrant()
	grant.ExpiresAt = time.Now().Add(10 * time.Second)
	issued, err := m.IssueSession(ctx, "client-1", testUser(), grant)
	require.NoError(t, err)
	sess, err := m.Store().GetSession(ctx, issued.SessionID)
	require.NoError(t, err)

	f := &fakeRefresher{grant: &upstream.Grant{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	updated, err := m.RefreshProviderIfNeeded(ctx, sess, f, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)

	tokens, err := m.ProviderTokens(updated)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tokens.AccessToken)
}

func TestRefreshProviderFailureMarksUnusable(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	grant := testGrant()
	grant.ExpiresAt = time.Now().Add(-time.Minute)
	issued, err := m.IssueSession(ctx, "client-1", testUser(), grant)
	require.NoError(t, err)
	sess, err := m.Store().GetSession(ctx, issued.SessionID)
	require.NoError(t, err)

	f := &fakeRefresher{err: &upstream.ProviderError{Kind: "invalid_grant"}}
	_, err = m.RefreshProviderIfNeeded(ctx, sess, f, time.Minute)
	require.Error(t, err)

	reloaded, err := m.Store().GetSession(ctx, issued.SessionID)
	require.NoError(t, err)
	assert.False(t, reloaded.ProviderUsable)

	_, err = m.ProviderTokens(reloaded)
	assert.ErrorIs(t, err, ErrProviderUnusable)
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	issued, err := m.IssueSession(ctx, "client-1", testUser(), testGrant())
	require.NoError(t, err)

	// Revoking an unknown token is not an error.
	require.NoError(t, m.Revoke(ctx, "mxcp_at_unknown"))

	require.NoError(t, m.Revoke(ctx, issued.RefreshToken))
	_, _, err = m.LookupByAccessToken(ctx, issued.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
