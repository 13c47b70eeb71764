// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mxcp-dev/mxcp/pkg/authserver/session"
	"github.com/mxcp-dev/mxcp/pkg/authserver/storage"
	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// registrationRequest is the RFC 7591 client metadata we accept.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
}

// registrationResponse is the RFC 7591 success body.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// registrationError is the RFC 7591 error body.
type registrationError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// RegisterHandler handles POST /register (RFC 7591 dynamic client
// registration). MCP clients typically register as public clients with
// token_endpoint_auth_method "none" and rely on PKCE.
func (r *Router) RegisterHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var body registrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64*1024)).Decode(&body); err != nil {
		writeRegistrationError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed JSON body")
		return
	}

	if len(body.RedirectURIs) == 0 {
		writeRegistrationError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, raw := range body.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			writeRegistrationError(w, http.StatusBadRequest, "invalid_redirect_uri",
				"redirect URIs must be absolute")
			return
		}
	}

	authMethod := body.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	switch authMethod {
	case "none", "client_secret_post", "client_secret_basic":
	default:
		writeRegistrationError(w, http.StatusBadRequest, "invalid_client_metadata",
			"unsupported token_endpoint_auth_method")
		return
	}

	grantTypes := body.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes()
	}
	for _, g := range grantTypes {
		if g != "authorization_code" && g != "refresh_token" {
			writeRegistrationError(w, http.StatusBadRequest, "invalid_client_metadata",
				"unsupported grant type: "+g)
			return
		}
	}

	client := &storage.Client{
		ID:           uuid.NewString(),
		Name:         body.ClientName,
		RedirectURIs: body.RedirectURIs,
		GrantTypes:   grantTypes,
		Public:       authMethod == "none",
		CreatedAt:    time.Now(),
	}

	var plainSecret string
	if !client.Public {
		secret, err := newClientSecret()
		if err != nil {
			logger.Errorw("failed to generate client secret", "error", err)
			writeRegistrationError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		plainSecret = secret
		client.SecretHash = session.HashToken(secret)
	}

	if err := r.store.CreateClient(ctx, client); err != nil {
		logger.Errorw("failed to persist registered client", "error", err)
		writeRegistrationError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	logger.Infow("registered client",
		"client_id", client.ID, "public", client.Public)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(registrationResponse{
		ClientID:                client.ID,
		ClientSecret:            plainSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		TokenEndpointAuthMethod: authMethod,
	}); err != nil {
		logger.Errorw("failed to encode registration response", "error", err)
	}
}

func newClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func writeRegistrationError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(registrationError{Error: code, Description: description}); err != nil {
		logger.Errorw("failed to encode registration error", "error", err)
	}
}
