// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs the shared contract tests against every implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqlite, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	mr := miniredis.RunT(t)
	rds, err := NewRedisStore(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rds.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"redis":  rds,
	}
}

func testClient() *Client {
	return &Client{
		ID:           "client-1",
		Name:         "Test Client",
		RedirectURIs: []string{"https://client.test/cb"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"mxcp:read"},
		Public:       true,
		CreatedAt:    time.Now().Truncate(time.Second),
	}
}

func testSession(id string) *Session {
	now := time.Now().Truncate(time.Second)
	return &Session{
		ID:               id,
		ClientID:         "client-1",
		AccessTokenHash:  "access-hash-" + id,
		RefreshTokenHash: "refresh-hash-" + id,
		ProviderTokens:   []byte("encrypted-blob"),
		ProviderExpiry:   now.Add(time.Hour),
		ProviderUsable:   true,
		UserContextJSON:  []byte(`{"user_id":"u1"}`),
		MXCPScopes:       []string{"mxcp:read"},
		ProviderScopes:   []string{"openid"},
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
		RefreshExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestClientRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			client := testClient()

			require.NoError(t, store.CreateClient(ctx, client))
			assert.ErrorIs(t, store.CreateClient(ctx, client), ErrClientExists)

			got, err := store.GetClient(ctx, client.ID)
			require.NoError(t, err)
			assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
			assert.True(t, got.Public)
			assert.True(t, got.HasRedirectURI("https://client.test/cb"))
			assert.False(t, got.HasRedirectURI("https://evil.test/cb"))

			_, err = store.GetClient(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStateConsumedExactlyOnce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := &StateRecord{
				ID:                   "state-1",
				ClientID:             "client-1",
				RedirectURI:          "https://client.test/cb",
				ClientState:          "orig",
				ClientPKCEChallenge:  "challenge",
				ClientPKCEMethod:     "S256",
				UpstreamPKCEVerifier: "verifier",
				Scopes:               []string{"mxcp:read"},
				CreatedAt:            time.Now(),
				ExpiresAt:            time.Now().Add(10 * time.Minute),
			}
			require.NoError(t, store.PutState(ctx, state))

			got, err := store.ConsumeState(ctx, "state-1")
			require.NoError(t, err)
			assert.Equal(t, "verifier", got.UpstreamPKCEVerifier)
			assert.Equal(t, "orig", got.ClientState)

			_, err = store.ConsumeState(ctx, "state-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestExpiredStateNotConsumable(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.PutState(ctx, &StateRecord{
				ID:        "stale",
				ClientID:  "client-1",
				CreatedAt: time.Now().Add(-time.Hour),
				ExpiresAt: time.Now().Add(-30 * time.Minute),
			}))

			_, err := store.ConsumeState(ctx, "stale")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAuthorizationCodeConsumedExactlyOnce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			code := &AuthorizationCode{
				Code:          "code-1",
				SessionID:     "sess-1",
				ClientID:      "client-1",
				RedirectURI:   "https://client.test/cb",
				PKCEChallenge: "challenge",
				PKCEMethod:    "S256",
				ExpiresAt:     time.Now().Add(5 * time.Minute),
			}
			require.NoError(t, store.PutAuthorizationCode(ctx, code))

			got, err := store.ConsumeAuthorizationCode(ctx, "code-1")
			require.NoError(t, err)
			assert.Equal(t, "sess-1", got.SessionID)

			_, err = store.ConsumeAuthorizationCode(ctx, "code-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSessionLookupByHashes(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := testSession("sess-1")
			require.NoError(t, store.CreateSession(ctx, sess))

			byAccess, err := store.GetSessionByAccessHash(ctx, sess.AccessTokenHash)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, byAccess.ID)
			assert.Equal(t, []byte("encrypted-blob"), byAccess.ProviderTokens)
			assert.True(t, byAccess.ProviderUsable)

			byRefresh, err := store.GetSessionByRefreshHash(ctx, sess.RefreshTokenHash)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, byRefresh.ID)

			_, err = store.GetSessionByAccessHash(ctx, "bogus")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSessionTokenRotation(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := testSession("sess-rot")
			require.NoError(t, store.CreateSession(ctx, sess))

			newExpiry := time.Now().Add(2 * time.Hour).Truncate(time.Second)
			newRefreshExpiry := time.Now().Add(48 * time.Hour).Truncate(time.Second)
			require.NoError(t, store.UpdateSessionTokens(ctx, sess.ID,
				"new-access", "new-refresh", newExpiry, newRefreshExpiry))

			// Old hashes no longer resolve.
			_, err := store.GetSessionByAccessHash(ctx, sess.AccessTokenHash)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.GetSessionByRefreshHash(ctx, sess.RefreshTokenHash)
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := store.GetSessionByAccessHash(ctx, "new-access")
			require.NoError(t, err)
			assert.Equal(t, sess.ID, got.ID)
		})
	}
}

func TestUpdateProviderTokens(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := testSession("sess-prov")
			require.NoError(t, store.CreateSession(ctx, sess))

			expiry := time.Now().Add(30 * time.Minute).Truncate(time.Second)
			require.NoError(t, store.UpdateProviderTokens(ctx, sess.ID,
				[]byte("new-blob"), expiry, false))

			got, err := store.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, []byte("new-blob"), got.ProviderTokens)
			assert.False(t, got.ProviderUsable)
		})
	}
}

func TestDeleteAndListSessions(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateSession(ctx, testSession("s1")))
			require.NoError(t, store.CreateSession(ctx, testSession("s2")))

			sessions, err := store.ListSessions(ctx)
			require.NoError(t, err)
			assert.Len(t, sessions, 2)

			require.NoError(t, store.DeleteSession(ctx, "s1"))
			assert.ErrorIs(t, store.DeleteSession(ctx, "s1"), ErrNotFound)

			sessions, err = store.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.Equal(t, "s2", sessions[0].ID)
		})
	}
}

func TestDeleteExpired(t *testing.T) {
	// TTL expiry is redis-native, so the cleanup contract differs there;
	// exercise the scan-based backends.
	ctx := context.Background()
	sqlite, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "exp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	for name, store := range map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlite} {
		t.Run(name, func(t *testing.T) {
			past := time.Now().Add(-time.Hour)
			future := time.Now().Add(time.Hour)

			require.NoError(t, store.PutState(ctx, &StateRecord{ID: "old", ExpiresAt: past, CreatedAt: past}))
			require.NoError(t, store.PutState(ctx, &StateRecord{ID: "new", ExpiresAt: future, CreatedAt: past}))
			require.NoError(t, store.PutAuthorizationCode(ctx, &AuthorizationCode{Code: "old", ExpiresAt: past}))

			stale := testSession("stale")
			stale.RefreshExpiresAt = past
			require.NoError(t, store.CreateSession(ctx, stale))
			require.NoError(t, store.CreateSession(ctx, testSession("fresh")))

			n, err := store.DeleteExpired(ctx, time.Now())
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			_, err = store.ConsumeState(ctx, "new")
			assert.NoError(t, err)
			_, err = store.GetSession(ctx, "fresh")
			assert.NoError(t, err)
			_, err = store.GetSession(ctx, "stale")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
