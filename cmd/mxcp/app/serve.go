// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mxcp-dev/mxcp/pkg/audit"
	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/authserver"
	"github.com/mxcp-dev/mxcp/pkg/authserver/oauth"
	"github.com/mxcp-dev/mxcp/pkg/authserver/session"
	"github.com/mxcp-dev/mxcp/pkg/authserver/storage"
	"github.com/mxcp-dev/mxcp/pkg/authserver/upstream"
	"github.com/mxcp-dev/mxcp/pkg/config"
	"github.com/mxcp-dev/mxcp/pkg/executor"
	"github.com/mxcp-dev/mxcp/pkg/logger"
	"github.com/mxcp-dev/mxcp/pkg/runtime"
	"github.com/mxcp-dev/mxcp/pkg/secrets"
	"github.com/mxcp-dev/mxcp/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured endpoints over MCP",
		Long: `Serve loads the configuration, builds the first generation from the
endpoint directory, and serves it over the configured transport until
interrupted. SIGHUP (or POST /reload on the admin socket) rebuilds the
generation with the drain-and-swap protocol.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mxcp.yaml", "Path to the configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Initialize(logger.Options{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver()

	sink, err := newAuditSink(cfg.Profile)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warnw("failed to close audit sink", "error", err)
		}
	}()

	// Native handlers are registered by embedders; the CLI serves SQL and
	// prompt endpoints only.
	natives := runtime.NewNativeRegistry()
	build := func(ctx context.Context) (*runtime.Generation, error) {
		return runtime.Build(ctx, cfg.Profile, resolver, natives)
	}

	gen, err := build(ctx)
	if err != nil {
		return fmt.Errorf("initial build failed: %w", err)
	}
	host := runtime.NewHost(cfg.Reload.DrainTimeout)
	host.Publish(gen)

	authParts, err := setupAuth(ctx, cfg, resolver)
	if err != nil {
		return err
	}
	if authParts.store != nil {
		defer func() {
			if err := authParts.store.Close(); err != nil {
				logger.Warnw("failed to close token store", "error", err)
			}
		}()
	}

	exec := executor.New(host, sink, executor.Options{
		Transport:     cfg.Server.Transport,
		Timeout:       cfg.Profile.ExecutionTimeout,
		ProviderToken: authParts.providerToken,
	})

	srv := server.New(cfg.Server, host, exec, build, server.Options{
		Verifier:            authParts.verifier,
		AuthRoutes:          authParts.routes,
		ResourceMetadata:    authParts.resourceMetadata,
		ResourceMetadataURL: authParts.resourceMetadataURL,
	})

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.Start(ctx)
	})

	if cfg.Admin.SocketPath != "" {
		admin := server.NewAdmin(cfg.Admin.SocketPath, srv, authParts.sessions)
		group.Go(func() error {
			return admin.Serve(ctx)
		})
	}

	if authParts.sessions != nil {
		group.Go(func() error {
			authParts.sessions.RunCleanupLoop(ctx, config.DefaultCleanupInterval)
			return nil
		})
	}

	group.Go(func() error {
		return watchReloadSignal(ctx, srv)
	})

	logger.Infow("mxcp started",
		"transport", cfg.Server.Transport,
		"auth_mode", cfg.Auth.Mode,
		"endpoints", gen.Registry.Len())

	return group.Wait()
}

// watchReloadSignal reloads the serving generation on every SIGHUP.
func watchReloadSignal(ctx context.Context, srv *server.Server) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			logger.Info("SIGHUP received, reloading")
			if err := srv.Reload(ctx); err != nil {
				logger.Errorw("reload failed, previous generation still serving", "error", err)
			}
		}
	}
}

func newAuditSink(profile config.ProfileConfig) (audit.Sink, error) {
	if profile.AuditPath == "" {
		return audit.NopSink{}, nil
	}
	sink, err := audit.NewFileSink(profile.AuditPath, profile.AuditDurable)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return sink, nil
}

// authComponents groups whatever the selected auth mode contributes to the
// server wiring.
type authComponents struct {
	verifier            auth.TokenVerifier
	routes              chi.Router
	resourceMetadata    http.Handler
	resourceMetadataURL string
	sessions            *session.Manager
	store               storage.Store
	providerToken       executor.ProviderTokenFunc
}

func setupAuth(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver) (*authComponents, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeNone:
		return &authComponents{}, nil

	case config.AuthModeIssuer:
		return setupIssuer(ctx, cfg, resolver)

	case config.AuthModeVerifier:
		mapper := auth.NewScopeMapper(cfg.Auth.ScopeMapping)
		verifier, err := auth.NewExternalVerifier(ctx, cfg.Auth.Verifier, mapper)
		if err != nil {
			return nil, fmt.Errorf("failed to build external verifier: %w", err)
		}
		parts := &authComponents{verifier: verifier}
		// Discovery documents need this server's public base URL; without
		// one, clients fall back to the WWW-Authenticate challenge alone.
		if cfg.Auth.Issuer != "" {
			resourceURL := cfg.Auth.Issuer + cfg.Server.EndpointPath
			parts.resourceMetadata = auth.ProtectedResourceHandler(resourceURL, cfg.Auth.Verifier.Issuer, nil)
			parts.resourceMetadataURL = cfg.Auth.Issuer + "/.well-known/oauth-protected-resource"
		}
		return parts, nil

	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Auth.Mode)
	}
}

func setupIssuer(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver) (*authComponents, error) {
	encryptionKey, err := resolver.Resolve(ctx, cfg.Auth.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve encryption key: %w", err)
	}

	store, err := storage.New(ctx, cfg.Auth.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	sessions, err := session.NewManager(store, encryptionKey, session.TTLs{
		State:   cfg.Auth.StateTTL,
		Code:    cfg.Auth.AuthCodeTTL,
		Access:  cfg.Auth.AccessTokenTTL,
		Refresh: cfg.Auth.RefreshTokenTTL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build session manager: %w", err)
	}

	callbackURL := cfg.Auth.Issuer + cfg.Auth.CallbackPath
	provider, err := upstream.New(ctx, cfg.Auth.Provider, callbackURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build upstream provider: %w", err)
	}

	router, err := oauth.NewRouter(ctx, cfg.Auth, sessions, provider)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build oauth router: %w", err)
	}

	verifier := authserver.NewVerifier(sessions, provider, cfg.Auth.ProviderRefreshSkew)
	resourceURL := cfg.Auth.Issuer + cfg.Server.EndpointPath

	return &authComponents{
		verifier:            verifier,
		routes:              router.Routes(),
		resourceMetadata:    auth.ProtectedResourceHandler(resourceURL, cfg.Auth.Issuer, nil),
		resourceMetadataURL: cfg.Auth.Issuer + "/.well-known/oauth-protected-resource",
		sessions:            sessions,
		store:               store,
		providerToken:       verifier.ProviderAccessToken,
	}, nil
}
