// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package session orchestrates state records, authorization codes, and
// sessions over the token store. It owns token generation and hashing, and
// the encryption of upstream provider tokens at rest.
package session

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/authserver/storage"
	"github.com/mxcp-dev/mxcp/pkg/authserver/upstream"
	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// Sentinel errors mapped to OAuth error codes by the HTTP layer.
var (
	ErrInvalidState     = errors.New("invalid or expired state")
	ErrInvalidGrant     = errors.New("invalid grant")
	ErrUnauthorized     = errors.New("invalid or expired token")
	ErrProviderUnusable = errors.New("provider grant is no longer usable")
)

// ProviderTokens is the plaintext shape of the encrypted provider blob.
type ProviderTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TTLs bundles the lifetimes the manager stamps onto records.
type TTLs struct {
	State   time.Duration
	Code    time.Duration
	Access  time.Duration
	Refresh time.Duration
}

// Issued is the plaintext token pair returned to the client at issuance.
// It exists only in memory and in the token response.
type Issued struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// Manager implements session lifecycle over a storage backend.
type Manager struct {
	store storage.Store
	aead  cipher.AEAD
	ttls  TTLs
}

// NewManager builds a Manager. encryptionKey must decode to 32 bytes; it is
// resolved from secrets configuration by the caller.
func NewManager(store storage.Store, encryptionKey string, ttls TTLs) (*Manager, error) {
	aead, err := cipherFromKey(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, aead: aead, ttls: ttls}, nil
}

// Store exposes the underlying token store for admin operations.
func (m *Manager) Store() storage.Store { return m.store }

func randomID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateState persists a new state record and returns its id (the internal
// state sent upstream).
func (m *Manager) CreateState(ctx context.Context, rec *storage.StateRecord) (string, error) {
	id, err := randomID()
	if err != nil {
		return "", err
	}
	rec.ID = id
	rec.CreatedAt = time.Now()
	rec.ExpiresAt = rec.CreatedAt.Add(m.ttls.State)
	if err := m.store.PutState(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

// ConsumeState atomically loads and deletes the state record. A second
// consume of the same id fails with ErrInvalidState.
func (m *Manager) ConsumeState(ctx context.Context, stateID string) (*storage.StateRecord, error) {
	rec, err := m.store.ConsumeState(ctx, stateID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// IssueSession creates a session for the authenticated user: generates the
// opaque token pair, hashes them for storage, and encrypts the provider
// grant. The returned Issued carries the only plaintext copies.
func (m *Manager) IssueSession(ctx context.Context, clientID string, user *auth.UserContext, grant *upstream.Grant) (*Issued, error) {
	accessToken, err := newToken(AccessTokenPrefix)
	if err != nil {
		return nil, err
	}
	refreshToken, err := newToken(RefreshTokenPrefix)
	if err != nil {
		return nil, err
	}

	blob, err := m.encryptProviderTokens(&ProviderTokens{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		IDToken:      grant.IDToken,
		ExpiresAt:    grant.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	userJSON, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize user context: %w", err)
	}

	now := time.Now()
	sess := &storage.Session{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		AccessTokenHash:  HashToken(accessToken),
		RefreshTokenHash: HashToken(refreshToken),
		ProviderTokens:   blob,
		ProviderExpiry:   grant.ExpiresAt,
		ProviderUsable:   true,
		UserContextJSON:  userJSON,
		MXCPScopes:       user.MXCPScopes,
		ProviderScopes:   user.ProviderScopesGranted,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.ttls.Access),
		RefreshExpiresAt: now.Add(m.ttls.Refresh),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	return &Issued{
		SessionID:    sess.ID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(m.ttls.Access.Seconds()),
	}, nil
}

// IssueAuthorizationCode mints the one-time code binding the session to the
// client and redirect URI it was issued for.
func (m *Manager) IssueAuthorizationCode(ctx context.Context, sessionID, clientID, redirectURI, pkceChallenge, pkceMethod string) (string, error) {
	code, err := randomID()
	if err != nil {
		return "", err
	}
	rec := &storage.AuthorizationCode{
		Code:          code,
		SessionID:     sessionID,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		PKCEChallenge: pkceChallenge,
		PKCEMethod:    pkceMethod,
		ExpiresAt:     time.Now().Add(m.ttls.Code),
	}
	if err := m.store.PutAuthorizationCode(ctx, rec); err != nil {
		return "", err
	}
	return code, nil
}

// ConsumeAuthorizationCode atomically consumes the code and verifies its
// binding: client id, redirect URI, and PKCE when the code carries a
// challenge. Any mismatch, expiry, or reuse fails with ErrInvalidGrant.
func (m *Manager) ConsumeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, pkceVerifier string) (string, error) {
	rec, err := m.store.ConsumeAuthorizationCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidGrant
	}
	if err != nil {
		return "", err
	}

	if rec.ClientID != clientID || rec.RedirectURI != redirectURI {
		return "", ErrInvalidGrant
	}
	if rec.PKCEChallenge != "" {
		if !verifyPKCE(rec.PKCEChallenge, rec.PKCEMethod, pkceVerifier) {
			return "", ErrInvalidGrant
		}
	}
	return rec.SessionID, nil
}

// RedeemAuthorizationCode consumes the code and rotates the session's token
// pair, returning the plaintext pair for the token response. Session
// plaintext is never stored, so redemption always mints fresh tokens.
func (m *Manager) RedeemAuthorizationCode(ctx context.Context, code, clientID, redirectURI, pkceVerifier string) (*Issued, error) {
	sessionID, err := m.ConsumeAuthorizationCode(ctx, code, clientID, redirectURI, pkceVerifier)
	if err != nil {
		return nil, err
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	if sess.ClientID != clientID {
		return nil, ErrInvalidGrant
	}
	return m.rotateTokens(ctx, sess.ID)
}

// rotateTokens replaces the session's hashed token pair and returns the new
// plaintext pair.
func (m *Manager) rotateTokens(ctx context.Context, sessionID string) (*Issued, error) {
	newAccess, err := newToken(AccessTokenPrefix)
	if err != nil {
		return nil, err
	}
	newRefresh, err := newToken(RefreshTokenPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := m.store.UpdateSessionTokens(ctx, sessionID,
		HashToken(newAccess), HashToken(newRefresh),
		now.Add(m.ttls.Access), now.Add(m.ttls.Refresh)); err != nil {
		return nil, err
	}

	return &Issued{
		SessionID:    sessionID,
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		ExpiresIn:    int64(m.ttls.Access.Seconds()),
	}, nil
}

// verifyPKCE checks an S256 challenge against the verifier. No other method
// is accepted; an empty method defaults to S256.
func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	switch method {
	case "S256", "":
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
	default:
		return false
	}
}

// LookupByAccessToken resolves a bearer token to its session and the stored
// user context. Expired or unknown tokens fail with ErrUnauthorized.
func (m *Manager) LookupByAccessToken(ctx context.Context, token string) (*storage.Session, *auth.UserContext, error) {
	sess, err := m.store.GetSessionByAccessHash(ctx, HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrUnauthorized
	}
	if err != nil {
		return nil, nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, nil, ErrUnauthorized
	}

	user, err := m.userContext(sess)
	if err != nil {
		return nil, nil, err
	}
	return sess, user, nil
}

func (m *Manager) userContext(sess *storage.Session) (*auth.UserContext, error) {
	var user auth.UserContext
	if err := json.Unmarshal(sess.UserContextJSON, &user); err != nil {
		return nil, fmt.Errorf("failed to decode stored user context: %w", err)
	}
	user.SessionID = sess.ID
	return &user, nil
}

// RefreshGrant redeems a refresh token, rotating both tokens of the
// session. The old pair stops working immediately.
func (m *Manager) RefreshGrant(ctx context.Context, refreshToken, clientID string) (*Issued, error) {
	sess, err := m.store.GetSessionByRefreshHash(ctx, HashToken(refreshToken))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	if sess.ClientID != clientID {
		return nil, ErrInvalidGrant
	}
	if time.Now().After(sess.RefreshExpiresAt) {
		return nil, ErrInvalidGrant
	}
	return m.rotateTokens(ctx, sess.ID)
}

// ProviderTokens decrypts the session's provider token blob.
func (m *Manager) ProviderTokens(sess *storage.Session) (*ProviderTokens, error) {
	if !sess.ProviderUsable {
		return nil, ErrProviderUnusable
	}
	plaintext, err := decrypt(m.aead, sess.ProviderTokens)
	if err != nil {
		// Key rotation leaves old blobs undecryptable; the grant is dead
		// but the session itself stays valid.
		return nil, ErrProviderUnusable
	}
	var tokens ProviderTokens
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode provider tokens: %w", err)
	}
	return &tokens, nil
}

func (m *Manager) encryptProviderTokens(tokens *ProviderTokens) ([]byte, error) {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider tokens: %w", err)
	}
	return encrypt(m.aead, plaintext)
}

// RefreshProviderIfNeeded refreshes the upstream grant when it is within
// skew of expiry. A no-op while the token is comfortably valid. On refresh
// failure the grant is marked unusable and the error is returned.
func (m *Manager) RefreshProviderIfNeeded(ctx context.Context, sess *storage.Session, provider upstream.Provider, skew time.Duration) (*storage.Session, error) {
	if time.Until(sess.ProviderExpiry) > skew {
		return sess, nil
	}

	tokens, err := m.ProviderTokens(sess)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		m.markProviderUnusable(ctx, sess.ID)
		return nil, ErrProviderUnusable
	}

	grant, err := provider.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		m.markProviderUnusable(ctx, sess.ID)
		return nil, fmt.Errorf("provider refresh failed: %w", err)
	}

	blob, err := m.encryptProviderTokens(&ProviderTokens{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		IDToken:      grant.IDToken,
		ExpiresAt:    grant.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateProviderTokens(ctx, sess.ID, blob, grant.ExpiresAt, true); err != nil {
		return nil, err
	}

	updated := *sess
	updated.ProviderTokens = blob
	updated.ProviderExpiry = grant.ExpiresAt
	updated.ProviderUsable = true
	return &updated, nil
}

func (m *Manager) markProviderUnusable(ctx context.Context, sessionID string) {
	if err := m.store.UpdateProviderTokens(ctx, sessionID, nil, time.Time{}, false); err != nil {
		logger.Warnw("failed to mark provider grant unusable",
			"session_id", sessionID, "error", err)
	}
}

// Revoke deletes the session referenced by an access or refresh token.
// Unknown tokens are not an error (RFC 7009 semantics).
func (m *Manager) Revoke(ctx context.Context, token string) error {
	hash := HashToken(token)

	sess, err := m.store.GetSessionByAccessHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		sess, err = m.store.GetSessionByRefreshHash(ctx, hash)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.store.DeleteSession(ctx, sess.ID)
}

// Cleanup prunes expired states, codes, and sessions.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, time.Now())
}

// RunCleanupLoop prunes on a ticker until ctx is canceled.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Cleanup(ctx)
			if err != nil {
				logger.Warnw("token store cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("token store cleanup", "deleted", n)
			}
		}
	}
}
