// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package authserver wires the embedded issuer's pieces together: the token
// store, the session manager, the upstream provider adapter, and the
// bearer-token verifier the MCP transport uses.
package authserver

import (
	"context"
	"errors"
	"time"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/authserver/session"
	"github.com/mxcp-dev/mxcp/pkg/authserver/upstream"
)

// Verifier resolves the opaque tokens minted by the embedded issuer.
type Verifier struct {
	sessions *session.Manager
	provider upstream.Provider
	skew     time.Duration
}

// NewVerifier builds the issuer-mode verifier. skew controls how close to
// expiry the upstream grant may get before ProviderAccessToken forces a
// refresh.
func NewVerifier(sessions *session.Manager, provider upstream.Provider, skew time.Duration) *Verifier {
	return &Verifier{sessions: sessions, provider: provider, skew: skew}
}

// Verify implements auth.TokenVerifier for tokens the issuer minted.
func (v *Verifier) Verify(ctx context.Context, token string) (*auth.UserContext, error) {
	if !session.IsAccessToken(token) {
		return nil, auth.ErrInvalidToken
	}
	_, user, err := v.sessions.LookupByAccessToken(ctx, token)
	if errors.Is(err, session.ErrUnauthorized) {
		return nil, auth.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ProviderAccessToken returns a currently valid upstream access token for
// the session, refreshing the grant first when it is within skew of expiry.
// Used by native endpoints that call the provider's APIs on the user's
// behalf.
func (v *Verifier) ProviderAccessToken(ctx context.Context, sessionID string) (string, error) {
	sess, err := v.sessions.Store().GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	sess, err = v.sessions.RefreshProviderIfNeeded(ctx, sess, v.provider, v.skew)
	if err != nil {
		return "", err
	}
	tokens, err := v.sessions.ProviderTokens(sess)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}
