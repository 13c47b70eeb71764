// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"

	"github.com/mxcp-dev/mxcp/pkg/config"
)

// New selects and opens the token store backend named in cfg.
func New(ctx context.Context, cfg config.TokenStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite token store requires auth.store.path")
		}
		return NewSQLiteStore(ctx, cfg.Path)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis token store requires auth.store.redis_addr")
		}
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown token store backend %q", cfg.Backend)
	}
}
