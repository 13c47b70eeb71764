// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the endpoint registry over MCP. It owns the
// protocol server, the HTTP and stdio transports, and the admin socket, and
// re-synchronizes the advertised capabilities after every reload.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mxcp-dev/mxcp/pkg/auth"
	"github.com/mxcp-dev/mxcp/pkg/config"
	"github.com/mxcp-dev/mxcp/pkg/endpoints"
	"github.com/mxcp-dev/mxcp/pkg/executor"
	"github.com/mxcp-dev/mxcp/pkg/logger"
	"github.com/mxcp-dev/mxcp/pkg/runtime"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 120 * time.Second
	maxHeaderBytes    = 1 << 20
)

// BuildFunc constructs the next generation during a reload.
type BuildFunc func(ctx context.Context) (*runtime.Generation, error)

// Options carries the optional collaborators of a Server. All fields may be
// nil; nil disables the corresponding surface.
type Options struct {
	// Verifier authenticates bearer tokens on the MCP endpoint.
	Verifier auth.TokenVerifier

	// AuthRoutes is mounted at the HTTP root, carrying the embedded
	// issuer's OAuth endpoints in issuer mode.
	AuthRoutes chi.Router

	// ResourceMetadata serves the RFC 9728 protected resource document.
	ResourceMetadata http.Handler

	// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
	ResourceMetadataURL string
}

// Server serves the current generation's endpoints over MCP.
type Server struct {
	cfg   config.ServerConfig
	host  *runtime.Host
	exec  *executor.Executor
	build BuildFunc
	opts  Options

	mcp        *mcpserver.MCPServer
	httpServer *http.Server

	// Advertised capability names, tracked so a reload can delete what the
	// new generation no longer defines.
	activeTools     map[string]bool
	activePrompts   map[string]bool
	activeResources map[string]bool
}

// New assembles the MCP server and advertises the current generation's
// capabilities.
func New(cfg config.ServerConfig, host *runtime.Host, exec *executor.Executor, build BuildFunc, opts Options) *Server {
	s := &Server{
		cfg:             cfg,
		host:            host,
		exec:            exec,
		build:           build,
		opts:            opts,
		activeTools:     map[string]bool{},
		activePrompts:   map[string]bool{},
		activeResources: map[string]bool{},
	}

	s.mcp = mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithLogging(),
	)

	s.syncCapabilities()
	return s
}

// Reload swaps in a freshly built generation and re-advertises its
// capabilities. Safe to call concurrently; reloads are serialized by the
// host.
func (s *Server) Reload(ctx context.Context) error {
	if err := s.host.Reload(ctx, s.build); err != nil {
		return err
	}
	s.syncCapabilities()
	return nil
}

// syncCapabilities reconciles the SDK's advertised tools, prompts, and
// resources with the current generation's registry.
func (s *Server) syncCapabilities() {
	gen := s.host.Current()
	if gen == nil {
		return
	}

	var (
		tools     []mcpserver.ServerTool
		prompts   []mcpserver.ServerPrompt
		resources []mcpserver.ServerResource
		templates []mcpserver.ServerResourceTemplate

		nextTools     = map[string]bool{}
		nextPrompts   = map[string]bool{}
		nextResources = map[string]bool{}
	)

	for _, def := range gen.Registry.All() {
		switch def.Kind {
		case endpoints.KindTool:
			schema, err := toolInputSchema(def)
			if err != nil {
				logger.Warnw("skipping tool with unserializable schema",
					"tool", def.Name, "error", err)
				continue
			}
			tools = append(tools, mcpserver.ServerTool{
				Tool: mcp.Tool{
					Name:           def.Name,
					Description:    def.Description,
					RawInputSchema: schema,
				},
				Handler: s.toolHandler(def.Name),
			})
			nextTools[def.Name] = true

		case endpoints.KindPrompt:
			args := make([]mcp.PromptArgument, len(def.Parameters))
			for i := range def.Parameters {
				p := &def.Parameters[i]
				args[i] = mcp.PromptArgument{
					Name:        p.Name,
					Description: p.Description,
					Required:    p.Default == nil,
				}
			}
			prompts = append(prompts, mcpserver.ServerPrompt{
				Prompt: mcp.Prompt{
					Name:        def.Name,
					Description: def.Description,
					Arguments:   args,
				},
				Handler: s.promptHandler(def.Name, def.Description),
			})
			nextPrompts[def.Name] = true

		case endpoints.KindResource:
			// URIs with template variables register as resource templates so
			// the SDK matches concrete read URIs against them. Fixed URIs
			// register as plain resources.
			if strings.Contains(def.URI, "{") {
				templates = append(templates, mcpserver.ServerResourceTemplate{
					Template: mcp.NewResourceTemplate(
						def.URI,
						def.Name,
						mcp.WithTemplateDescription(def.Description),
						mcp.WithTemplateMIMEType("application/json"),
					),
					Handler: s.resourceHandler(),
				})
				continue
			}
			resources = append(resources, mcpserver.ServerResource{
				Resource: mcp.Resource{
					URI:         def.URI,
					Name:        def.Name,
					Description: def.Description,
					MIMEType:    "application/json",
				},
				Handler: s.resourceHandler(),
			})
			nextResources[def.URI] = true
		}
	}

	// Drop what the new generation no longer defines.
	var obsoleteTools, obsoletePrompts []string
	for name := range s.activeTools {
		if !nextTools[name] {
			obsoleteTools = append(obsoleteTools, name)
		}
	}
	for name := range s.activePrompts {
		if !nextPrompts[name] {
			obsoletePrompts = append(obsoletePrompts, name)
		}
	}
	if len(obsoleteTools) > 0 {
		s.mcp.DeleteTools(obsoleteTools...)
	}
	if len(obsoletePrompts) > 0 {
		s.mcp.DeletePrompts(obsoletePrompts...)
	}
	for uri := range s.activeResources {
		if !nextResources[uri] {
			s.mcp.RemoveResource(uri)
		}
	}

	if len(tools) > 0 {
		s.mcp.AddTools(tools...)
	}
	if len(prompts) > 0 {
		s.mcp.AddPrompts(prompts...)
	}
	if len(resources) > 0 {
		s.mcp.AddResources(resources...)
	}
	// SetResourceTemplates replaces the whole set, so a reload sheds
	// templates the new generation dropped.
	s.mcp.SetResourceTemplates(templates...)

	s.activeTools = nextTools
	s.activePrompts = nextPrompts
	s.activeResources = nextResources

	logger.Infow("capabilities synchronized",
		"generation", gen.Number,
		"tools", len(nextTools),
		"prompts", len(nextPrompts),
		"resources", len(nextResources))
}

// Start serves the configured transport until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Transport == "stdio" {
		return s.serveStdio(ctx)
	}
	return s.serveHTTP(ctx)
}

func (s *Server) serveStdio(ctx context.Context) error {
	logger.Infow("serving MCP over stdio", "name", s.cfg.Name)
	stdio := mcpserver.NewStdioServer(s.mcp)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server error: %w", err)
	}
	return nil
}

func (s *Server) serveHTTP(ctx context.Context) error {
	streamable := mcpserver.NewStreamableHTTPServer(
		s.mcp,
		mcpserver.WithEndpointPath(s.cfg.EndpointPath),
	)

	var mcpHandler http.Handler = streamable
	if s.opts.Verifier != nil {
		mcpHandler = auth.Middleware(s.opts.Verifier, auth.MiddlewareOptions{
			Realm:               s.cfg.Name,
			ResourceMetadataURL: s.opts.ResourceMetadataURL,
		})(mcpHandler)
	}

	// The issuer's routes form the base router so its endpoints live at the
	// HTTP root next to the MCP endpoint.
	router := s.opts.AuthRoutes
	if router == nil {
		router = chi.NewRouter()
	}
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.opts.ResourceMetadata != nil {
		router.Handle("/.well-known/oauth-protected-resource", s.opts.ResourceMetadata)
	}
	router.Handle(s.cfg.EndpointPath, mcpHandler)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("serving MCP over http", "addr", addr, "endpoint", s.cfg.EndpointPath)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		logger.Info("shutting down http server")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}
