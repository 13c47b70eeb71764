// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime owns the immutable per-generation state of the server and
// the drain-and-swap reload protocol. A generation bundles everything a
// request needs: the endpoint registry, compiled policies, resolved
// secrets, the SQL engine, and native handlers. Requests enter a generation
// through an admission gate; reload closes the gate, drains, rebuilds, and
// atomically publishes the next generation.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/policy"
	"github.com/mxcp-dev/mxcp/pkg/sqlengine"
)

// NativeContext carries the per-request facilities a native handler may
// use.
type NativeContext struct {
	// User is nil when authentication is disabled.
	User *auth.UserContext

	// Secrets are the generation's resolved secret values.
	Secrets map[string]string

	// ProviderToken returns a currently valid upstream access token for the
	// calling user's session. Nil outside issuer mode.
	ProviderToken func(ctx context.Context) (string, error)
}

// NativeHandler is a Go function backing an endpoint with source.native.
type NativeHandler func(ctx context.Context, nc *NativeContext, params map[string]any) (any, error)

// NativeRegistry maps source.native names to handlers. Registered once at
// startup; generations reference it read-only.
type NativeRegistry struct {
	mu       sync.RWMutex
	handlers map[string]NativeHandler
}

// NewNativeRegistry returns an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{handlers: make(map[string]NativeHandler)}
}

// Register adds a handler. Registering a duplicate name fails.
func (r *NativeRegistry) Register(name string, handler NativeHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("native handler %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// Lookup resolves a handler by name.
func (r *NativeRegistry) Lookup(name string) (NativeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Generation is one immutable snapshot of serving state. Fields are set at
// build time and never mutated while the generation serves, so concurrent
// readers need no locks.
type Generation struct {
	// Number increases by one per successful reload.
	Number uint64

	Registry *endpoints.Registry
	Engine   *sqlengine.Engine

	// EngineOpts rebuilds the engine if a reload fails after draining it.
	EngineOpts sqlengine.Options

	// Policies holds one compiled set per endpoint, keyed by PolicyKey.
	Policies map[string]*policy.Set

	// Secrets are the resolved secret values of this generation.
	Secrets map[string]string

	Natives *NativeRegistry

	adm admission
}

// PolicyKey is the Policies map key for an endpoint.
func PolicyKey(kind endpoints.Kind, name string) string {
	return string(kind) + "/" + name
}

// PolicySet returns the compiled policy set for an endpoint, or nil when it
// declares none.
func (g *Generation) PolicySet(kind endpoints.Kind, name string) *policy.Set {
	return g.Policies[PolicyKey(kind, name)]
}

// CompilePolicies builds the policy map for every endpoint in the registry.
func CompilePolicies(reg *endpoints.Registry) (map[string]*policy.Set, error) {
	sets := make(map[string]*policy.Set)
	for _, def := range reg.All() {
		set, err := policy.Compile(def)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", def.Name, err)
		}
		if set != nil {
			sets[PolicyKey(def.Kind, def.Name)] = set
		}
	}
	return sets, nil
}
