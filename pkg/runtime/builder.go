// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"

	"github.com/mxcp-dev/mxcp/pkg/config"
	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/secrets"
	"github.com/mxcp-dev/mxcp/pkg/sqlengine"
)

// Build constructs a full generation from the profile: loads and validates
// the endpoint tree, compiles every policy, resolves secrets, and opens the
// SQL engine. Everything that can fail does so before the engine opens, so
// a broken reload never takes the database.
func Build(ctx context.Context, profile config.ProfileConfig, resolver *secrets.Resolver, natives *NativeRegistry) (*Generation, error) {
	registry, err := endpoints.FromDir(profile.EndpointsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints: %w", err)
	}

	policies, err := CompilePolicies(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policies: %w", err)
	}

	resolved, err := resolver.ResolveMap(ctx, profile.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	// Native endpoints must have a registered handler before we serve them.
	for _, def := range registry.All() {
		if def.Source.Native == "" {
			continue
		}
		if _, ok := natives.Lookup(def.Source.Native); !ok {
			return nil, fmt.Errorf("endpoint %s references unregistered native handler %q",
				def.Name, def.Source.Native)
		}
	}

	opts := sqlengine.Options{
		Path:       profile.DatabasePath,
		PoolSize:   profile.PoolSize,
		ReadOnly:   profile.ReadOnly,
		Extensions: profile.Extensions,
	}
	engine, err := sqlengine.New(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql engine: %w", err)
	}

	return &Generation{
		Registry:   registry,
		Engine:     engine,
		EngineOpts: opts,
		Policies:   policies,
		Secrets:    resolved,
		Natives:    natives,
	}, nil
}
