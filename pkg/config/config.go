// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the mxcp configuration model and its loading rules.
//
// Two documents feed the model: a project configuration (endpoint directory,
// profiles, policy defaults) and a user configuration (secret values or
// resolver references, provider credentials, statically registered clients).
// Both are merged through viper so every field can also be set via
// MXCP_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default TTLs and windows. These are deliberately conservative; all of them
// can be overridden per deployment.
const (
	DefaultStateTTL         = 10 * time.Minute
	DefaultAuthCodeTTL      = 5 * time.Minute
	DefaultAccessTokenTTL   = time.Hour
	DefaultRefreshTokenTTL  = 30 * 24 * time.Hour
	DefaultProviderSkew     = 60 * time.Second
	DefaultDrainTimeout     = 30 * time.Second
	DefaultShutdownGrace    = 10 * time.Second
	DefaultExecutionTimeout = 30 * time.Second
	DefaultCleanupInterval  = 5 * time.Minute
)

// AuthMode selects how incoming bearer tokens are handled.
type AuthMode string

const (
	// AuthModeNone disables authentication entirely. Intended for stdio
	// transport and local development.
	AuthModeNone AuthMode = "none"

	// AuthModeIssuer runs the embedded OAuth authorization server and
	// validates the opaque tokens it issued.
	AuthModeIssuer AuthMode = "issuer"

	// AuthModeVerifier validates tokens issued by an external authorization
	// server via JWKS or introspection.
	AuthModeVerifier AuthMode = "verifier"
)

// Config is the fully merged runtime configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Profile ProfileConfig `mapstructure:"profile"`
	Reload  ReloadConfig  `mapstructure:"reload"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the MCP-facing transport.
type ServerConfig struct {
	// Transport is "http" or "stdio".
	Transport string `mapstructure:"transport"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// EndpointPath is the MCP endpoint path for the HTTP transport.
	EndpointPath string `mapstructure:"endpoint_path"`

	// Name and Version are advertised during MCP initialization.
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`

	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// AuthConfig controls authentication and the embedded issuer.
type AuthConfig struct {
	Mode AuthMode `mapstructure:"mode"`

	// Issuer is the externally visible base URL of this server, used in
	// discovery metadata and as the callback host.
	Issuer string `mapstructure:"issuer"`

	// CallbackPath is where the upstream IdP redirects back to.
	CallbackPath string `mapstructure:"callback_path"`

	StateTTL        time.Duration `mapstructure:"state_ttl"`
	AuthCodeTTL     time.Duration `mapstructure:"auth_code_ttl"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`

	// ProviderRefreshSkew is how close to expiry the upstream access token
	// may get before the next request that needs it forces a refresh.
	ProviderRefreshSkew time.Duration `mapstructure:"provider_refresh_skew"`

	// EncryptionKey is a secret reference resolving to the 32-byte
	// (base64 or hex) key used to encrypt provider tokens at rest.
	EncryptionKey string `mapstructure:"encryption_key"`

	Provider ProviderConfig `mapstructure:"provider"`

	// ScopeMapping translates provider claims into mxcp scopes.
	ScopeMapping ScopeMappingConfig `mapstructure:"scope_mapping"`

	// Verifier configures external-token validation (verifier mode only).
	Verifier VerifierConfig `mapstructure:"verifier"`

	// Clients are statically registered OAuth clients, in addition to any
	// created through dynamic registration.
	Clients []StaticClient `mapstructure:"clients"`

	// Store selects the token store backend: "sqlite", "memory" or "redis".
	Store TokenStoreConfig `mapstructure:"store"`
}

// ProviderConfig describes the upstream identity provider.
type ProviderConfig struct {
	// Type is "oidc" or "oauth2".
	Type string `mapstructure:"type"`

	// Name is a short identifier used in logs and the user context
	// (e.g. "github", "okta").
	Name string `mapstructure:"name"`

	// IssuerURL enables OIDC discovery. Required for type "oidc".
	IssuerURL string `mapstructure:"issuer_url"`

	// Explicit endpoints for type "oauth2".
	AuthorizeEndpoint string `mapstructure:"authorize_endpoint"`
	TokenEndpoint     string `mapstructure:"token_endpoint"`
	UserInfoEndpoint  string `mapstructure:"userinfo_endpoint"`
	RevokeEndpoint    string `mapstructure:"revoke_endpoint"`

	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// RequiredScopes must all be granted by the provider or login fails.
	// OptionalScopes are requested but not enforced.
	RequiredScopes []string `mapstructure:"required_scopes"`
	OptionalScopes []string `mapstructure:"optional_scopes"`
}

// ScopeMappingConfig holds the claim-to-scope translation rules.
type ScopeMappingConfig struct {
	// Scopes maps a provider scope string to mxcp scopes.
	Scopes map[string][]string `mapstructure:"scopes"`

	// Groups maps a group name to mxcp scopes. GroupsPath is the gjson path
	// locating the group list inside the raw profile.
	Groups     map[string][]string `mapstructure:"groups"`
	GroupsPath string              `mapstructure:"groups_path"`

	// Roles maps a role string to mxcp scopes, located via RolesPath.
	Roles     map[string][]string `mapstructure:"roles"`
	RolesPath string              `mapstructure:"roles_path"`
}

// VerifierConfig configures validation of externally issued tokens.
type VerifierConfig struct {
	Issuer           string `mapstructure:"issuer"`
	Audience         string `mapstructure:"audience"`
	JWKSURL          string `mapstructure:"jwks_url"`
	IntrospectionURL string `mapstructure:"introspection_url"`
	ClientID         string `mapstructure:"client_id"`
	ClientSecret     string `mapstructure:"client_secret"`
}

// StaticClient is an OAuth client registered from configuration.
type StaticClient struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Name         string   `mapstructure:"name"`
	RedirectURIs []string `mapstructure:"redirect_uris"`
	GrantTypes   []string `mapstructure:"grant_types"`
	Scopes       []string `mapstructure:"scopes"`
}

// TokenStoreConfig selects and configures the token store backend.
type TokenStoreConfig struct {
	Backend string `mapstructure:"backend"`

	// Path is the sqlite database file for the sqlite backend.
	Path string `mapstructure:"path"`

	// Redis connection settings for the redis backend.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// ProfileConfig selects the database, endpoints, and audit destination.
type ProfileConfig struct {
	Name string `mapstructure:"name"`

	// EndpointsDir is the directory tree of endpoint YAML files.
	EndpointsDir string `mapstructure:"endpoints_dir"`

	// DatabasePath is the embedded SQL database file.
	DatabasePath string `mapstructure:"database_path"`
	ReadOnly     bool   `mapstructure:"read_only"`
	PoolSize     int    `mapstructure:"pool_size"`

	// Extensions are engine extensions loaded per generation.
	Extensions []string `mapstructure:"extensions"`

	// Secrets maps logical secret names to resolver references.
	Secrets map[string]string `mapstructure:"secrets"`

	// AuditPath is the NDJSON audit log file. Empty disables auditing.
	AuditPath string `mapstructure:"audit_path"`

	// AuditDurable makes audit writes synchronous with the response.
	AuditDurable bool `mapstructure:"audit_durable"`

	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
}

// ReloadConfig controls drain-and-swap behavior.
type ReloadConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// AdminConfig controls the local admin socket.
type AdminConfig struct {
	// SocketPath is the unix domain socket path. Empty disables the socket.
	SocketPath string `mapstructure:"socket_path"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads the configuration file at path (plus MXCP_* environment
// overrides) and returns the validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MXCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = "http"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.EndpointPath == "" {
		c.Server.EndpointPath = "/mcp"
	}
	if c.Server.Name == "" {
		c.Server.Name = "mxcp"
	}
	if c.Server.Version == "" {
		c.Server.Version = "0.1.0"
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeNone
	}
	if c.Auth.CallbackPath == "" {
		c.Auth.CallbackPath = "/auth/oauth/callback"
	}
	if c.Auth.StateTTL == 0 {
		c.Auth.StateTTL = DefaultStateTTL
	}
	if c.Auth.AuthCodeTTL == 0 {
		c.Auth.AuthCodeTTL = DefaultAuthCodeTTL
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.Auth.ProviderRefreshSkew == 0 {
		c.Auth.ProviderRefreshSkew = DefaultProviderSkew
	}
	if c.Auth.Store.Backend == "" {
		c.Auth.Store.Backend = "sqlite"
	}
	if c.Profile.PoolSize < 2 {
		c.Profile.PoolSize = 4
	}
	if c.Profile.ExecutionTimeout == 0 {
		c.Profile.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.Reload.DrainTimeout == 0 {
		c.Reload.DrainTimeout = DefaultDrainTimeout
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "http", "stdio":
	default:
		return fmt.Errorf("invalid server.transport %q (must be http or stdio)", c.Server.Transport)
	}

	switch c.Auth.Mode {
	case AuthModeNone:
	case AuthModeIssuer:
		if c.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required in issuer mode")
		}
		if c.Auth.Provider.Type == "" {
			return fmt.Errorf("auth.provider.type is required in issuer mode")
		}
		if c.Auth.EncryptionKey == "" {
			return fmt.Errorf("auth.encryption_key is required in issuer mode")
		}
	case AuthModeVerifier:
		if c.Auth.Verifier.JWKSURL == "" && c.Auth.Verifier.Issuer == "" && c.Auth.Verifier.IntrospectionURL == "" {
			return fmt.Errorf("auth.verifier requires an issuer, jwks_url, or introspection_url")
		}
	default:
		return fmt.Errorf("invalid auth.mode %q", c.Auth.Mode)
	}

	if c.Profile.EndpointsDir == "" {
		return fmt.Errorf("profile.endpoints_dir is required")
	}
	if c.Profile.DatabasePath == "" {
		return fmt.Errorf("profile.database_path is required")
	}
	return nil
}
