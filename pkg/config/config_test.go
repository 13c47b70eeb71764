// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mxcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
profile:
  endpoints_dir: ./endpoints
  database_path: ./data.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "/mcp", cfg.Server.EndpointPath)
	assert.Equal(t, AuthModeNone, cfg.Auth.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Auth.StateTTL)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AuthCodeTTL)
	assert.Equal(t, time.Hour, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, 60*time.Second, cfg.Auth.ProviderRefreshSkew)
	assert.Equal(t, 30*time.Second, cfg.Reload.DrainTimeout)
	assert.Equal(t, "sqlite", cfg.Auth.Store.Backend)
	assert.Equal(t, 4, cfg.Profile.PoolSize)
}

func TestLoadIssuerMode(t *testing.T) {
	path := writeConfig(t, `
server:
  transport: http
  port: 9000
auth:
  mode: issuer
  issuer: https://mxcp.example.com
  encryption_key: ${MXCP_ENC_KEY}
  state_ttl: 2m
  provider:
    type: oidc
    name: okta
    issuer_url: https://okta.example.com
    client_id: abc
    client_secret: ${OKTA_SECRET}
    required_scopes: [openid, email]
  scope_mapping:
    groups_path: groups
    groups:
      engineering: ["mxcp:read", "mxcp:write"]
profile:
  endpoints_dir: ./endpoints
  database_path: ./data.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, AuthModeIssuer, cfg.Auth.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Auth.StateTTL)
	assert.Equal(t, "oidc", cfg.Auth.Provider.Type)
	assert.Equal(t, []string{"openid", "email"}, cfg.Auth.Provider.RequiredScopes)
	assert.Equal(t, []string{"mxcp:read", "mxcp:write"}, cfg.Auth.ScopeMapping.Groups["engineering"])
}

func TestValidateRejectsIncompleteIssuer(t *testing.T) {
	path := writeConfig(t, `
auth:
  mode: issuer
profile:
  endpoints_dir: ./endpoints
  database_path: ./data.db
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.issuer")
}

func TestValidateRejectsBadTransport(t *testing.T) {
	path := writeConfig(t, `
server:
  transport: websocket
profile:
  endpoints_dir: ./endpoints
  database_path: ./data.db
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.transport")
}

func TestValidateRequiresProfilePaths(t *testing.T) {
	path := writeConfig(t, `
profile:
  endpoints_dir: ./endpoints
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_path")
}
