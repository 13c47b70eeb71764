// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// Verification errors.
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
)

// TokenVerifier resolves a bearer token to a user context. The issuer mode
// looks sessions up in the token store; the verifier mode validates
// externally issued JWTs or introspects opaque tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*UserContext, error)
}

// MiddlewareOptions tunes the unauthorized responses of Middleware.
type MiddlewareOptions struct {
	// Realm appears in the WWW-Authenticate header, usually the issuer URL.
	Realm string

	// ResourceMetadataURL advertises the RFC 9728 protected resource
	// document so MCP clients can discover the authorization server.
	ResourceMetadataURL string
}

// Middleware returns an HTTP middleware that authenticates every request
// with the verifier and stores the user context on the request context.
func Middleware(verifier TokenVerifier, opts MiddlewareOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", wwwAuthenticate(opts, false))
				http.Error(w, "authorization required", http.StatusUnauthorized)
				return
			}

			user, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Debugw("token verification failed", "error", err)
				w.Header().Set("WWW-Authenticate", wwwAuthenticate(opts, true))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoToken
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// wwwAuthenticate builds the RFC 6750 challenge, with the RFC 9728
// resource_metadata parameter when configured.
func wwwAuthenticate(opts MiddlewareOptions, invalidToken bool) string {
	var parts []string
	if opts.Realm != "" {
		parts = append(parts, fmt.Sprintf("realm=%q", opts.Realm))
	}
	if opts.ResourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf("resource_metadata=%q", opts.ResourceMetadataURL))
	}
	if invalidToken {
		parts = append(parts, `error="invalid_token"`)
	}
	return strings.TrimSpace("Bearer " + strings.Join(parts, ", "))
}

// protectedResourceMetadata is the RFC 9728 document body.
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// ProtectedResourceHandler serves GET /.well-known/oauth-protected-resource
// so MCP clients can locate the authorization server for this resource.
func ProtectedResourceHandler(resourceURL, issuer string, scopes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		doc := protectedResourceMetadata{
			Resource:               resourceURL,
			AuthorizationServers:   []string{issuer},
			BearerMethodsSupported: []string{"header"},
			ScopesSupported:        scopes,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Errorw("failed to encode protected resource metadata", "error", err)
		}
	})
}
