// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mxcp-dev/mxcp/pkg/authserver/session"
	"github.com/mxcp-dev/mxcp/pkg/authserver/storage"
	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// tokenResponse is the RFC 6749 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// tokenError is the RFC 6749 error body.
type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// TokenHandler handles POST /token for the authorization_code and
// refresh_token grants. Every binding failure (unknown code, reused code,
// wrong client, wrong redirect URI, failed PKCE) collapses into
// invalid_grant so callers learn nothing about which check failed.
func (r *Router) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	client, ok := r.authenticateClient(w, req)
	if !ok {
		return
	}

	grantType := req.PostForm.Get("grant_type")
	if !client.HasGrantType(grantType) {
		writeTokenError(w, http.StatusBadRequest, "unauthorized_client",
			"client is not authorized for this grant type")
		return
	}

	switch grantType {
	case "authorization_code":
		r.handleAuthorizationCodeGrant(w, req, client)
	case "refresh_token":
		r.handleRefreshTokenGrant(w, req, client)
	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type",
			"supported grant types are authorization_code and refresh_token")
	}
}

func (r *Router) handleAuthorizationCodeGrant(w http.ResponseWriter, req *http.Request, client *storage.Client) {
	code := req.PostForm.Get("code")
	redirectURI := req.PostForm.Get("redirect_uri")
	verifier := req.PostForm.Get("code_verifier")

	if code == "" || redirectURI == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request",
			"code and redirect_uri are required")
		return
	}

	issued, err := r.sessions.RedeemAuthorizationCode(req.Context(), code, client.ID, redirectURI, verifier)
	if errors.Is(err, session.ErrInvalidGrant) {
		logger.Warnw("authorization code redemption rejected", "client_id", client.ID)
		writeTokenError(w, http.StatusBadRequest, "invalid_grant",
			"authorization code is invalid, expired, or already used")
		return
	}
	if err != nil {
		logger.Errorw("authorization code redemption failed", "error", err)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeTokenResponse(w, issued)
}

func (r *Router) handleRefreshTokenGrant(w http.ResponseWriter, req *http.Request, client *storage.Client) {
	refreshToken := req.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	issued, err := r.sessions.RefreshGrant(req.Context(), refreshToken, client.ID)
	if errors.Is(err, session.ErrInvalidGrant) {
		logger.Warnw("refresh token rejected", "client_id", client.ID)
		writeTokenError(w, http.StatusBadRequest, "invalid_grant",
			"refresh token is invalid or expired")
		return
	}
	if err != nil {
		logger.Errorw("refresh grant failed", "error", err)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeTokenResponse(w, issued)
}

// RevokeHandler handles POST /revoke (RFC 7009). Unknown tokens succeed;
// the upstream grant is revoked best-effort before the session is deleted.
func (r *Router) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if err := req.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	client, ok := r.authenticateClient(w, req)
	if !ok {
		return
	}

	token := req.PostForm.Get("token")
	if token == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	hash := session.HashToken(token)
	sess, err := r.store.GetSessionByAccessHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		sess, err = r.store.GetSessionByRefreshHash(ctx, hash)
	}
	if errors.Is(err, storage.ErrNotFound) || (err == nil && sess.ClientID != client.ID) {
		// RFC 7009: revoking a token you do not hold is not an error.
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		logger.Errorw("revocation lookup failed", "error", err)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	if tokens, err := r.sessions.ProviderTokens(sess); err == nil {
		if err := r.provider.Revoke(ctx, tokens.AccessToken); err != nil {
			logger.Warnw("upstream revocation failed",
				"provider", r.provider.Name(), "session_id", sess.ID)
		}
	}

	if err := r.sessions.Revoke(ctx, token); err != nil {
		logger.Errorw("session revocation failed", "error", err)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	logger.Infow("session revoked", "client_id", client.ID, "session_id", sess.ID)
	w.WriteHeader(http.StatusOK)
}

// authenticateClient resolves and authenticates the requesting client from
// HTTP basic auth or the form body. Public clients present no secret; they
// are bound by PKCE instead. On failure the error response is written and
// ok is false.
func (r *Router) authenticateClient(w http.ResponseWriter, req *http.Request) (*storage.Client, bool) {
	clientID, clientSecret, hasBasic := req.BasicAuth()
	if !hasBasic {
		clientID = req.PostForm.Get("client_id")
		clientSecret = req.PostForm.Get("client_secret")
	}
	if clientID == "" {
		writeTokenError(w, http.StatusUnauthorized, "invalid_client", "client_id is required")
		return nil, false
	}

	client, err := r.store.GetClient(req.Context(), clientID)
	if err != nil {
		logger.Warnw("token request from unknown client", "client_id", clientID)
		writeTokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return nil, false
	}

	if client.Public {
		return client, true
	}

	providedHash := session.HashToken(clientSecret)
	if clientSecret == "" ||
		subtle.ConstantTimeCompare([]byte(providedHash), []byte(client.SecretHash)) != 1 {
		logger.Warnw("client secret verification failed", "client_id", clientID)
		writeTokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return nil, false
	}
	return client, true
}

func writeTokenResponse(w http.ResponseWriter, issued *session.Issued) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  issued.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    issued.ExpiresIn,
		RefreshToken: issued.RefreshToken,
	}); err != nil {
		logger.Errorw("failed to encode token response", "error", err)
	}
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(tokenError{Error: code, Description: description}); err != nil {
		logger.Errorw("failed to encode token error", "error", err)
	}
}
