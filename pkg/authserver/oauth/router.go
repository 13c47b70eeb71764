// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package oauth implements the embedded OAuth 2.0 authorization server:
// dynamic client registration, the authorization-code flow brokered through
// an upstream identity provider, the token endpoint, and revocation.
//
// The server never mints JWTs. Access and refresh tokens are opaque random
// strings bound to a stored session; the session layer keeps only hashes.
package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-chi/chi/v5"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/authserver/session"
	"github.com/mxcp-dev/mxcp/pkg/authserver/storage"
	"github.com/mxcp-dev/mxcp/pkg/authserver/upstream"
	"github.com/mxcp-dev/mxcp/pkg/config"
	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// Router holds the issuer's handlers and their dependencies.
type Router struct {
	cfg      config.AuthConfig
	sessions *session.Manager
	store    storage.Store
	provider upstream.Provider
	scopes   *auth.ScopeMapper

	// upstreamScopes is the fixed scope set sent to the provider. Clients
	// never influence the upstream leg.
	upstreamScopes []string
}

// NewRouter builds the issuer router and registers the statically configured
// clients.
func NewRouter(ctx context.Context, cfg config.AuthConfig, sessions *session.Manager, provider upstream.Provider) (*Router, error) {
	scopes := append(append([]string{}, cfg.Provider.RequiredScopes...), cfg.Provider.OptionalScopes...)
	if cfg.Provider.Type == "oidc" {
		scopes = upstream.DefaultScopes(scopes)
	}

	r := &Router{
		cfg:            cfg,
		sessions:       sessions,
		store:          sessions.Store(),
		provider:       provider,
		scopes:         auth.NewScopeMapper(cfg.ScopeMapping),
		upstreamScopes: scopes,
	}
	if err := r.registerStaticClients(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// registerStaticClients loads clients from configuration into the store.
// Existing ids are left alone so restarts are idempotent.
func (r *Router) registerStaticClients(ctx context.Context) error {
	for _, c := range r.cfg.Clients {
		if c.ClientID == "" {
			return fmt.Errorf("static client requires a client_id")
		}
		client := &storage.Client{
			ID:           c.ClientID,
			Name:         c.Name,
			RedirectURIs: c.RedirectURIs,
			GrantTypes:   c.GrantTypes,
			Scopes:       c.Scopes,
			Public:       c.ClientSecret == "",
		}
		if c.ClientSecret != "" {
			client.SecretHash = session.HashToken(c.ClientSecret)
		}
		if len(client.GrantTypes) == 0 {
			client.GrantTypes = defaultGrantTypes()
		}

		err := r.store.CreateClient(ctx, client)
		if errors.Is(err, storage.ErrClientExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to register static client %s: %w", c.ClientID, err)
		}
		logger.Debugw("registered static client", "client_id", c.ClientID)
	}
	return nil
}

// Routes returns the issuer's route tree, intended to be mounted at the
// server root. The callback path is configurable because it must match what
// the upstream provider has registered.
func (r *Router) Routes() chi.Router {
	mux := chi.NewRouter()
	mux.Get("/.well-known/oauth-authorization-server", r.MetadataHandler)
	mux.Get("/authorize", r.AuthorizeHandler)
	mux.Get(r.cfg.CallbackPath, r.CallbackHandler)
	mux.Post("/token", r.TokenHandler)
	mux.Post("/register", r.RegisterHandler)
	mux.Post("/revoke", r.RevokeHandler)
	return mux
}

func defaultGrantTypes() []string {
	return []string{"authorization_code", "refresh_token"}
}
