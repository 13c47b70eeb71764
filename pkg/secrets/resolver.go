// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets resolves secret references found in mxcp configuration.
//
// A reference is one of:
//
//	${NAME}                  environment variable
//	vault://path#key         Vault KV v2 logical read
//	op://vault/item/field    1Password service account
//	file://path              trimmed file contents
//
// Any other string is treated as a literal value. Resolution happens once per
// configuration generation; resolved values are cached for the lifetime of the
// resolver and never written to logs or disk.
package secrets

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/1password/onepassword-sdk-go"
	vault "github.com/hashicorp/vault/api"
)

// SecretMap holds resolved secrets keyed by their logical name.
type SecretMap map[string]string

var envRefPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// OPSecretsService is the narrow slice of the 1Password SDK the resolver
// needs. Satisfied by client.Secrets(); replaced with a fake in tests.
type OPSecretsService interface {
	Resolve(ctx context.Context, secretReference string) (string, error)
}

// VaultLogical is the slice of the Vault client used for KV reads.
type VaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// Resolver resolves secret references to their values.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]string

	opOnce sync.Once
	op     OPSecretsService
	opErr  error

	vaultOnce sync.Once
	vault     VaultLogical
	vaultErr  error
}

// Option customizes a Resolver, mainly for tests.
type Option func(*Resolver)

// WithOnePassword injects a pre-built 1Password secrets service.
func WithOnePassword(svc OPSecretsService) Option {
	return func(r *Resolver) {
		r.opOnce.Do(func() { r.op = svc })
	}
}

// WithVault injects a pre-built Vault logical client.
func WithVault(v VaultLogical) Option {
	return func(r *Resolver) {
		r.vaultOnce.Do(func() { r.vault = v })
	}
}

// NewResolver returns a Resolver with an empty cache. Backend clients are
// constructed lazily on first use so deployments without op:// or vault://
// references never touch those SDKs.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{cache: make(map[string]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve resolves a single reference. Literals pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	r.mu.Lock()
	if v, ok := r.cache[ref]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	v, err := r.resolve(ctx, ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[ref] = v
	r.mu.Unlock()
	return v, nil
}

// ResolveMap resolves every reference in refs, failing fast on the first
// error. The returned map is keyed by the logical names from refs.
func (r *Resolver) ResolveMap(ctx context.Context, refs map[string]string) (SecretMap, error) {
	out := make(SecretMap, len(refs))
	for name, ref := range refs {
		v, err := r.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("secret %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case envRefPattern.MatchString(ref):
		name := envRefPattern.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return v, nil

	case strings.HasPrefix(ref, "file://"):
		data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil

	case strings.HasPrefix(ref, "op://"):
		return r.resolveOnePassword(ctx, ref)

	case strings.HasPrefix(ref, "vault://"):
		return r.resolveVault(ctx, ref)

	default:
		return ref, nil
	}
}

func (r *Resolver) resolveOnePassword(ctx context.Context, ref string) (string, error) {
	r.opOnce.Do(func() {
		r.op, r.opErr = newOnePasswordService(ctx)
	})
	if r.opErr != nil {
		return "", r.opErr
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	v, err := r.op.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("error resolving 1Password secret: %w", err)
	}
	return v, nil
}

func newOnePasswordService(ctx context.Context) (OPSecretsService, error) {
	token := os.Getenv("OP_SERVICE_ACCOUNT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("OP_SERVICE_ACCOUNT_TOKEN is not set")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := onepassword.NewClient(
		ctx,
		onepassword.WithServiceAccountToken(token),
		onepassword.WithIntegrationInfo(onepassword.DefaultIntegrationName, onepassword.DefaultIntegrationVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating 1Password client: %w", err)
	}
	return client.Secrets(), nil
}

// resolveVault reads vault://secret/data/path#key through the KV v2 API.
func (r *Resolver) resolveVault(ctx context.Context, ref string) (string, error) {
	r.vaultOnce.Do(func() {
		r.vault, r.vaultErr = newVaultClient()
	})
	if r.vaultErr != nil {
		return "", r.vaultErr
	}

	path, key, ok := strings.Cut(strings.TrimPrefix(ref, "vault://"), "#")
	if !ok || path == "" || key == "" {
		return "", fmt.Errorf("invalid vault reference (want vault://path#key)")
	}

	secret, err := r.vault.ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %s not found", path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}
	v, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("vault path %s has no string key %q", path, key)
	}
	return v, nil
}

func newVaultClient() (VaultLogical, error) {
	cfg := vault.DefaultConfig()
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating vault client: %w", err)
	}
	return client.Logical(), nil
}
