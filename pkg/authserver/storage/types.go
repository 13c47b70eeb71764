// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists the OAuth issuer's records: registered clients,
// one-time state records, one-time authorization codes, and sessions.
//
// All token material is stored hashed; provider tokens are stored as an
// encrypted blob the session layer owns. One-time records are consumed with
// an atomic load-and-delete so replay of a state or code always fails.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every backend.
var (
	ErrNotFound     = errors.New("record not found")
	ErrClientExists = errors.New("client already registered")
)

// Client is a registered OAuth client.
type Client struct {
	ID string

	// SecretHash is the SHA-256 of the client secret; empty for public
	// clients.
	SecretHash string

	Name         string
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string

	// Public marks clients that authenticate with PKCE only.
	Public bool

	CreatedAt time.Time
}

// HasRedirectURI reports whether uri exactly matches a registered URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// HasGrantType reports whether the client may use the given grant.
func (c *Client) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// StateRecord binds a client's /authorize request to its eventual upstream
// callback. One-time use.
type StateRecord struct {
	// ID is the internal state sent to the upstream provider.
	ID string

	ClientID    string
	RedirectURI string

	// ClientState is the client's original state parameter, echoed back on
	// the final redirect.
	ClientState string

	// ClientPKCEChallenge/Method protect the client↔mxcp leg.
	ClientPKCEChallenge string
	ClientPKCEMethod    string

	// UpstreamPKCEVerifier protects the mxcp↔provider leg.
	UpstreamPKCEVerifier string

	// UpstreamNonce is the OIDC nonce, when the provider supports it.
	UpstreamNonce string

	// Scopes are the MXCP scopes the client asked for.
	Scopes []string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode is the one-time code handed to the client at callback
// completion. It references the session issued during the callback.
type AuthorizationCode struct {
	Code      string
	SessionID string

	ClientID    string
	RedirectURI string

	// PKCEChallenge/Method are carried over from the state record and
	// verified at /token.
	PKCEChallenge string
	PKCEMethod    string

	ExpiresAt time.Time
}

// Session is an issued MXCP session. Token plaintext never reaches storage.
type Session struct {
	ID       string
	ClientID string

	AccessTokenHash  string
	RefreshTokenHash string

	// ProviderTokens is the AES-GCM encrypted upstream token blob.
	ProviderTokens []byte

	// ProviderExpiry is when the upstream access token expires.
	ProviderExpiry time.Time

	// ProviderUsable is cleared when a provider refresh fails, so later
	// requests fail fast instead of retrying a dead grant.
	ProviderUsable bool

	// UserContextJSON is the serialized user context snapshot.
	UserContextJSON []byte

	MXCPScopes     []string
	ProviderScopes []string

	CreatedAt        time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// Store is the persistence contract of the issuer. Consume operations are
// atomic load-and-delete: two concurrent consumers of the same record see
// exactly one success and one ErrNotFound.
type Store interface {
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	PutState(ctx context.Context, state *StateRecord) error
	ConsumeState(ctx context.Context, stateID string) (*StateRecord, error)

	PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	GetSessionByAccessHash(ctx context.Context, hash string) (*Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error)

	// UpdateSessionTokens rotates the hashed token pair and expiries.
	UpdateSessionTokens(ctx context.Context, sessionID, accessHash, refreshHash string, expiresAt, refreshExpiresAt time.Time) error

	// UpdateProviderTokens swaps the encrypted provider blob in place.
	UpdateProviderTokens(ctx context.Context, sessionID string, blob []byte, providerExpiry time.Time, usable bool) error

	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]*Session, error)

	// DeleteExpired prunes expired states, codes, and sessions.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	Close() error
}
