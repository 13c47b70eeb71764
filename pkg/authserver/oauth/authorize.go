// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/authserver/storage"
	"github.com/mxcp-dev/mxcp/pkg/authserver/upstream"
	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// AuthorizeHandler handles GET /authorize. It validates the client's
// request, persists a one-time state record, and redirects the browser to
// the upstream provider.
func (r *Router) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	clientState := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}
	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return
	}

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		logger.Warnw("authorize request for unknown client", "client_id", clientID)
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}

	// Exact match only. Unregistered redirect URIs never receive redirects,
	// not even error redirects.
	if !client.HasRedirectURI(redirectURI) {
		logger.Warnw("authorize request with unregistered redirect_uri",
			"client_id", clientID, "redirect_uri", redirectURI)
		http.Error(w, "redirect_uri does not match a registered URI", http.StatusBadRequest)
		return
	}

	// From here on errors go back to the client's redirect URI.
	if rt := q.Get("response_type"); rt != "code" {
		redirectWithError(w, redirectURI, clientState,
			"unsupported_response_type", "only response_type=code is supported")
		return
	}

	if client.Public && codeChallenge == "" {
		redirectWithError(w, redirectURI, clientState,
			"invalid_request", "code_challenge is required for public clients")
		return
	}
	// Only S256 is accepted, for confidential clients too.
	if codeChallenge != "" && codeChallengeMethod != "S256" {
		redirectWithError(w, redirectURI, clientState,
			"invalid_request", "code_challenge_method must be S256")
		return
	}

	var requestedScopes []string
	if scope := q.Get("scope"); scope != "" {
		requestedScopes = strings.Fields(scope)
	}

	rec := &storage.StateRecord{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ClientState:         clientState,
		ClientPKCEChallenge: codeChallenge,
		ClientPKCEMethod:    codeChallengeMethod,
		Scopes:              requestedScopes,
	}

	var upstreamChallenge string
	if r.provider.SupportsPKCE() {
		verifier, err := GeneratePKCEVerifier()
		if err != nil {
			logger.Errorw("failed to generate upstream pkce verifier", "error", err)
			redirectWithError(w, redirectURI, clientState, "server_error", "internal error")
			return
		}
		rec.UpstreamPKCEVerifier = verifier
		upstreamChallenge = ComputePKCEChallenge(verifier)
	}
	if nonce, err := GeneratePKCEVerifier(); err == nil {
		rec.UpstreamNonce = nonce
	}

	stateID, err := r.sessions.CreateState(ctx, rec)
	if err != nil {
		logger.Errorw("failed to store state record", "error", err)
		redirectWithError(w, redirectURI, clientState, "server_error", "internal error")
		return
	}

	upstreamURL := r.provider.AuthorizationURL(stateID, upstreamChallenge, rec.UpstreamNonce, r.upstreamScopes)

	logger.Infow("redirecting to upstream provider",
		"client_id", clientID, "provider", r.provider.Name())
	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

// nonceVerifier is implemented by providers that can check the ID token
// nonce against the expected value from the state record.
type nonceVerifier interface {
	VerifyNonce(ctx context.Context, rawIDToken, expected string) error
}

// claimsFallback is implemented by providers that can derive the raw profile
// from the ID token when no userinfo endpoint exists.
type claimsFallback interface {
	ClaimsFromIDToken(ctx context.Context, rawIDToken string) (map[string]any, error)
}

// CallbackHandler handles the upstream provider's redirect. It consumes the
// state record, exchanges the upstream code, maps the user's claims to mxcp
// scopes, issues the session, and hands the client a one-time code.
func (r *Router) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	stateID := q.Get("state")

	if errCode := q.Get("error"); errCode != "" {
		logger.Warnw("upstream provider returned error",
			"provider", r.provider.Name(), "error", errCode)
		// Consume the state so the denial still counts as the one use.
		if stateID != "" {
			if rec, err := r.sessions.ConsumeState(ctx, stateID); err == nil {
				redirectWithError(w, rec.RedirectURI, rec.ClientState, errCode, q.Get("error_description"))
				return
			}
		}
		http.Error(w, "upstream authentication failed", http.StatusBadGateway)
		return
	}

	code := q.Get("code")
	if stateID == "" || code == "" {
		http.Error(w, "missing state or code parameter", http.StatusBadRequest)
		return
	}

	rec, err := r.sessions.ConsumeState(ctx, stateID)
	if err != nil {
		logger.Warnw("callback with invalid or replayed state")
		http.Error(w, "invalid or expired state", http.StatusBadRequest)
		return
	}

	grant, err := r.provider.ExchangeCode(ctx, code, rec.UpstreamPKCEVerifier)
	if err != nil {
		logger.Errorw("upstream code exchange failed",
			"provider", r.provider.Name(), "error", providerErrorKind(err))
		redirectWithError(w, rec.RedirectURI, rec.ClientState,
			"server_error", "failed to exchange authorization code")
		return
	}

	if v, ok := r.provider.(nonceVerifier); ok && grant.IDToken != "" {
		if err := v.VerifyNonce(ctx, grant.IDToken, rec.UpstreamNonce); err != nil {
			logger.Warnw("id token nonce verification failed", "provider", r.provider.Name())
			redirectWithError(w, rec.RedirectURI, rec.ClientState,
				"access_denied", "id token validation failed")
			return
		}
	}

	if err := auth.RequireScopes(r.cfg.Provider.RequiredScopes, grant.GrantedScopes); err != nil {
		logger.Warnw("provider did not grant a required scope",
			"provider", r.provider.Name(), "error", err)
		redirectWithError(w, rec.RedirectURI, rec.ClientState,
			"access_denied", err.Error())
		return
	}

	profile, err := r.fetchProfile(ctx, grant)
	if err != nil {
		logger.Errorw("failed to fetch user profile",
			"provider", r.provider.Name(), "error", providerErrorKind(err))
		redirectWithError(w, rec.RedirectURI, rec.ClientState,
			"server_error", "failed to fetch user profile")
		return
	}

	user := r.buildUserContext(profile, grant)

	issued, err := r.sessions.IssueSession(ctx, rec.ClientID, user, grant)
	if err != nil {
		logger.Errorw("failed to issue session", "error", err)
		redirectWithError(w, rec.RedirectURI, rec.ClientState, "server_error", "internal error")
		return
	}

	ourCode, err := r.sessions.IssueAuthorizationCode(ctx, issued.SessionID,
		rec.ClientID, rec.RedirectURI, rec.ClientPKCEChallenge, rec.ClientPKCEMethod)
	if err != nil {
		logger.Errorw("failed to issue authorization code", "error", err)
		redirectWithError(w, rec.RedirectURI, rec.ClientState, "server_error", "internal error")
		return
	}

	logger.Infow("authorization complete",
		"client_id", rec.ClientID, "session_id", issued.SessionID)
	http.Redirect(w, req, buildCallbackURL(rec.RedirectURI, ourCode, rec.ClientState), http.StatusFound)
}

// fetchProfile prefers the userinfo endpoint and falls back to ID token
// claims for providers without one.
func (r *Router) fetchProfile(ctx context.Context, grant *upstream.Grant) (map[string]any, error) {
	profile, err := r.provider.UserInfo(ctx, grant.AccessToken)
	if err == nil {
		return profile, nil
	}
	if fb, ok := r.provider.(claimsFallback); ok && grant.IDToken != "" {
		return fb.ClaimsFromIDToken(ctx, grant.IDToken)
	}
	return nil, err
}

// buildUserContext snapshots the identity at login time. The snapshot is
// what policies see for the life of the session.
func (r *Router) buildUserContext(profile map[string]any, grant *upstream.Grant) *auth.UserContext {
	user := &auth.UserContext{
		Provider:              r.provider.Name(),
		RawProfile:            profile,
		ProviderScopesGranted: grant.GrantedScopes,
	}
	user.UserID, _ = profile["sub"].(string)
	user.Email, _ = profile["email"].(string)
	if username, ok := profile["preferred_username"].(string); ok {
		user.Username = username
	} else if user.Email != "" {
		user.Username = user.Email
	} else {
		user.Username = user.UserID
	}
	user.MXCPScopes = r.scopes.Map(grant.GrantedScopes, profile)
	return user
}

func providerErrorKind(err error) string {
	var perr *upstream.ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return "internal"
}

// redirectWithError sends an OAuth error response to the client's redirect
// URI, falling back to a plain error page when no URI is available.
func redirectWithError(w http.ResponseWriter, redirectURI, state, errCode, description string) {
	if redirectURI == "" {
		http.Error(w, description, http.StatusBadRequest)
		return
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("error", errCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}

// buildCallbackURL appends code and state to the client's redirect URI.
func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
