// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStore is the default persistent backend. A single connection keeps
// the single-writer discipline the embedded engine expects.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies all
// pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func (s *SQLiteStore) CreateClient(ctx context.Context, client *Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, secret_hash, name, redirect_uris, grant_types, scopes, public, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.SecretHash, client.Name,
		marshalStrings(client.RedirectURIs), marshalStrings(client.GrantTypes),
		marshalStrings(client.Scopes), boolToInt(client.Public), client.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrClientExists
		}
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, secret_hash, name, redirect_uris, grant_types, scopes, public, created_at
		FROM clients WHERE id = ?`, clientID)

	var c Client
	var redirects, grants, scopes string
	var public int
	var created int64
	err := row.Scan(&c.ID, &c.SecretHash, &c.Name, &redirects, &grants, &scopes, &public, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	c.RedirectURIs = unmarshalStrings(redirects)
	c.GrantTypes = unmarshalStrings(grants)
	c.Scopes = unmarshalStrings(scopes)
	c.Public = public != 0
	c.CreatedAt = time.Unix(created, 0)
	return &c, nil
}

func (s *SQLiteStore) PutState(ctx context.Context, state *StateRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO states
		(id, client_id, redirect_uri, client_state, client_pkce_challenge, client_pkce_method,
		 upstream_pkce_verifier, upstream_nonce, scopes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.ClientID, state.RedirectURI, state.ClientState,
		state.ClientPKCEChallenge, state.ClientPKCEMethod,
		state.UpstreamPKCEVerifier, state.UpstreamNonce,
		marshalStrings(state.Scopes), state.CreatedAt.Unix(), state.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConsumeState(ctx context.Context, stateID string) (*StateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM states WHERE id = ?
		RETURNING id, client_id, redirect_uri, client_state, client_pkce_challenge,
		          client_pkce_method, upstream_pkce_verifier, upstream_nonce, scopes,
		          created_at, expires_at`, stateID)

	var rec StateRecord
	var scopes string
	var created, expires int64
	err := row.Scan(&rec.ID, &rec.ClientID, &rec.RedirectURI, &rec.ClientState,
		&rec.ClientPKCEChallenge, &rec.ClientPKCEMethod, &rec.UpstreamPKCEVerifier,
		&rec.UpstreamNonce, &scopes, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}
	rec.Scopes = unmarshalStrings(scopes)
	rec.CreatedAt = time.Unix(created, 0)
	rec.ExpiresAt = time.Unix(expires, 0)
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *SQLiteStore) PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes
		(code, session_id, client_id, redirect_uri, pkce_challenge, pkce_method, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.SessionID, code.ClientID, code.RedirectURI,
		code.PKCEChallenge, code.PKCEMethod, code.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM authorization_codes WHERE code = ?
		RETURNING code, session_id, client_id, redirect_uri, pkce_challenge, pkce_method, expires_at`,
		code)

	var rec AuthorizationCode
	var expires int64
	err := row.Scan(&rec.Code, &rec.SessionID, &rec.ClientID, &rec.RedirectURI,
		&rec.PKCEChallenge, &rec.PKCEMethod, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	rec.ExpiresAt = time.Unix(expires, 0)
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
		(id, client_id, access_token_hash, refresh_token_hash, provider_tokens,
		 provider_expiry, provider_usable, user_context, mxcp_scopes, provider_scopes,
		 created_at, expires_at, refresh_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ClientID, session.AccessTokenHash, session.RefreshTokenHash,
		session.ProviderTokens, session.ProviderExpiry.Unix(), boolToInt(session.ProviderUsable),
		session.UserContextJSON, marshalStrings(session.MXCPScopes),
		marshalStrings(session.ProviderScopes),
		session.CreatedAt.Unix(), session.ExpiresAt.Unix(), session.RefreshExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, client_id, access_token_hash, refresh_token_hash, provider_tokens,
	provider_expiry, provider_usable, user_context, mxcp_scopes, provider_scopes,
	created_at, expires_at, refresh_expires_at`

func (s *SQLiteStore) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var mxcpScopes, providerScopes string
	var usable int
	var providerExpiry, created, expires, refreshExpires int64
	err := row.Scan(&sess.ID, &sess.ClientID, &sess.AccessTokenHash, &sess.RefreshTokenHash,
		&sess.ProviderTokens, &providerExpiry, &usable, &sess.UserContextJSON,
		&mxcpScopes, &providerScopes, &created, &expires, &refreshExpires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.ProviderExpiry = time.Unix(providerExpiry, 0)
	sess.ProviderUsable = usable != 0
	sess.MXCPScopes = unmarshalStrings(mxcpScopes)
	sess.ProviderScopes = unmarshalStrings(providerScopes)
	sess.CreatedAt = time.Unix(created, 0)
	sess.ExpiresAt = time.Unix(expires, 0)
	sess.RefreshExpiresAt = time.Unix(refreshExpires, 0)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID))
}

func (s *SQLiteStore) GetSessionByAccessHash(ctx context.Context, hash string) (*Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE access_token_hash = ?", hash))
}

func (s *SQLiteStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE refresh_token_hash = ?", hash))
}

func (s *SQLiteStore) UpdateSessionTokens(ctx context.Context, sessionID, accessHash, refreshHash string, expiresAt, refreshExpiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET access_token_hash = ?, refresh_token_hash = ?, expires_at = ?, refresh_expires_at = ?
		WHERE id = ?`,
		accessHash, refreshHash, expiresAt.Unix(), refreshExpiresAt.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to rotate session tokens: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateProviderTokens(ctx context.Context, sessionID string, blob []byte, providerExpiry time.Time, usable bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET provider_tokens = ?, provider_expiry = ?, provider_usable = ?
		WHERE id = ?`,
		blob, providerExpiry.Unix(), boolToInt(usable), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update provider tokens: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM sessions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, stmt := range []string{
		"DELETE FROM states WHERE expires_at < ?",
		"DELETE FROM authorization_codes WHERE expires_at < ?",
		"DELETE FROM sessions WHERE refresh_expires_at < ?",
	} {
		res, err := s.db.ExecContext(ctx, stmt, now.Unix())
		if err != nil {
			return total, fmt.Errorf("cleanup failed: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects a primary-key or unique-index conflict without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
