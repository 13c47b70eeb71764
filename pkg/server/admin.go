// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mxcp-dev/mxcp/pkg/authserver/session"
	"github.com/mxcp-dev/mxcp/pkg/logger"
)

// Admin serves the local operations API over a unix domain socket. The
// socket is owner-only; anything that can open it is trusted.
type Admin struct {
	socketPath string
	srv        *Server

	// sessions is set in issuer mode and enables the /auth routes.
	sessions *session.Manager
}

// NewAdmin creates the admin surface. sessions may be nil.
func NewAdmin(socketPath string, srv *Server, sessions *session.Manager) *Admin {
	return &Admin{socketPath: socketPath, srv: srv, sessions: sessions}
}

// Routes assembles the admin HTTP API.
func (a *Admin) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.handleHealth)
	r.Get("/status", a.handleStatus)
	r.Post("/reload", a.handleReload)
	if a.sessions != nil {
		r.Get("/auth/sessions", a.handleListSessions)
		r.Delete("/auth/sessions/{id}", a.handleDeleteSession)
		r.Post("/auth/cleanup", a.handleCleanup)
	}
	return r
}

// Serve listens on the unix socket until ctx is canceled. A stale socket
// file from a previous run is removed before binding.
func (a *Admin) Serve(ctx context.Context) error {
	if err := os.Remove(a.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale admin socket: %w", err)
	}

	listener, err := net.Listen("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on admin socket: %w", err)
	}
	if err := os.Chmod(a.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to restrict admin socket permissions: %w", err)
	}

	httpServer := &http.Server{
		Handler:           a.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("admin socket listening", "path", a.socketPath)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin shutdown: %w", err)
		}
		return nil
	}
}

func (*Admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *Admin) handleStatus(w http.ResponseWriter, _ *http.Request) {
	gen := a.srv.host.Current()
	if gen == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": gen.Number,
		"endpoints":  gen.Registry.Len(),
		"transport":  a.srv.cfg.Transport,
	})
}

func (a *Admin) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.srv.Reload(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	gen := a.srv.host.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "reloaded",
		"generation": gen.Number,
		"endpoints":  gen.Registry.Len(),
	})
}

// sessionSummary is the admin rendering of a session. No token material,
// no provider blob, no profile.
type sessionSummary struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	Scopes         []string  `json:"scopes"`
	ProviderUsable bool      `json:"provider_usable"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (a *Admin) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.sessions.Store().ListSessions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{
			ID:             sess.ID,
			ClientID:       sess.ClientID,
			Scopes:         sess.MXCPScopes,
			ProviderUsable: sess.ProviderUsable,
			CreatedAt:      sess.CreatedAt,
			ExpiresAt:      sess.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *Admin) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.sessions.Store().DeleteSession(r.Context(), id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "id": id})
}

func (a *Admin) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := a.sessions.Cleanup(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnw("failed to encode admin response", "error", err)
	}
}
