// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps every record in process memory. Used for tests and
// ephemeral (stdio) runs; all guarantees are lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	clients   map[string]*Client
	states    map[string]*StateRecord
	codes     map[string]*AuthorizationCode
	sessions  map[string]*Session
	byAccess  map[string]string
	byRefresh map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:   make(map[string]*Client),
		states:    make(map[string]*StateRecord),
		codes:     make(map[string]*AuthorizationCode),
		sessions:  make(map[string]*Session),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
	}
}

func (s *MemoryStore) CreateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client.ID]; ok {
		return ErrClientExists
	}
	c := *client
	s.clients[client.ID] = &c
	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) PutState(_ context.Context, state *StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *state
	s.states[state.ID] = &rec
	return nil
}

func (s *MemoryStore) ConsumeState(_ context.Context, stateID string) (*StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[stateID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.states, stateID)
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) PutAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *code
	s.codes[code.Code] = &rec
	return nil
}

func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.codes, code)
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := *session
	s.sessions[session.ID] = &sess
	s.byAccess[session.AccessTokenHash] = session.ID
	s.byRefresh[session.RefreshTokenHash] = session.ID
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLocked(sessionID)
}

func (s *MemoryStore) sessionLocked(sessionID string) (*Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *sess
	return &out, nil
}

func (s *MemoryStore) GetSessionByAccessHash(_ context.Context, hash string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAccess[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return s.sessionLocked(id)
}

func (s *MemoryStore) GetSessionByRefreshHash(_ context.Context, hash string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRefresh[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return s.sessionLocked(id)
}

func (s *MemoryStore) UpdateSessionTokens(_ context.Context, sessionID, accessHash, refreshHash string, expiresAt, refreshExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(s.byAccess, sess.AccessTokenHash)
	delete(s.byRefresh, sess.RefreshTokenHash)
	sess.AccessTokenHash = accessHash
	sess.RefreshTokenHash = refreshHash
	sess.ExpiresAt = expiresAt
	sess.RefreshExpiresAt = refreshExpiresAt
	s.byAccess[accessHash] = sessionID
	s.byRefresh[refreshHash] = sessionID
	return nil
}

func (s *MemoryStore) UpdateProviderTokens(_ context.Context, sessionID string, blob []byte, providerExpiry time.Time, usable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.ProviderTokens = blob
	sess.ProviderExpiry = providerExpiry
	sess.ProviderUsable = usable
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(s.byAccess, sess.AccessTokenHash)
	delete(s.byRefresh, sess.RefreshTokenHash)
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		c := *sess
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, rec := range s.states {
		if now.After(rec.ExpiresAt) {
			delete(s.states, id)
			deleted++
		}
	}
	for code, rec := range s.codes {
		if now.After(rec.ExpiresAt) {
			delete(s.codes, code)
			deleted++
		}
	}
	for id, sess := range s.sessions {
		if now.After(sess.RefreshExpiresAt) {
			delete(s.byAccess, sess.AccessTokenHash)
			delete(s.byRefresh, sess.RefreshTokenHash)
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (*MemoryStore) Close() error { return nil }
