// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisClientPrefix  = "mxcp:client:"
	redisStatePrefix   = "mxcp:state:"
	redisCodePrefix    = "mxcp:code:"
	redisSessionPrefix = "mxcp:session:"
	redisAccessPrefix  = "mxcp:access:"
	redisRefreshPrefix = "mxcp:refresh:"
	redisSessionSet    = "mxcp:sessions"
)

// RedisStore keeps issuer records in redis, leaning on native TTLs for
// expiry and GETDEL for one-time consumption.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the server is reachable.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis read failed: %w", err)
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) consumeJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis consume failed: %w", err)
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) CreateClient(ctx context.Context, client *Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisClientPrefix+client.ID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	if !ok {
		return ErrClientExists
	}
	return nil
}

func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	if err := s.getJSON(ctx, redisClientPrefix+clientID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) PutState(ctx context.Context, state *StateRecord) error {
	return s.setJSON(ctx, redisStatePrefix+state.ID, state, ttlUntil(state.ExpiresAt))
}

func (s *RedisStore) ConsumeState(ctx context.Context, stateID string) (*StateRecord, error) {
	var rec StateRecord
	if err := s.consumeJSON(ctx, redisStatePrefix+stateID, &rec); err != nil {
		return nil, err
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *RedisStore) PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	return s.setJSON(ctx, redisCodePrefix+code.Code, code, ttlUntil(code.ExpiresAt))
}

func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var rec AuthorizationCode
	if err := s.consumeJSON(ctx, redisCodePrefix+code, &rec); err != nil {
		return nil, err
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *RedisStore) CreateSession(ctx context.Context, session *Session) error {
	ttl := ttlUntil(session.RefreshExpiresAt)
	if err := s.setJSON(ctx, redisSessionPrefix+session.ID, session, ttl); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisAccessPrefix+session.AccessTokenHash, session.ID, ttl)
	pipe.Set(ctx, redisRefreshPrefix+session.RefreshTokenHash, session.ID, ttl)
	pipe.SAdd(ctx, redisSessionSet, session.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.getJSON(ctx, redisSessionPrefix+sessionID, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *RedisStore) sessionByIndex(ctx context.Context, key string) (*Session, error) {
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis read failed: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *RedisStore) GetSessionByAccessHash(ctx context.Context, hash string) (*Session, error) {
	return s.sessionByIndex(ctx, redisAccessPrefix+hash)
}

func (s *RedisStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	return s.sessionByIndex(ctx, redisRefreshPrefix+hash)
}

func (s *RedisStore) UpdateSessionTokens(ctx context.Context, sessionID, accessHash, refreshHash string, expiresAt, refreshExpiresAt time.Time) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisAccessPrefix+sess.AccessTokenHash)
	pipe.Del(ctx, redisRefreshPrefix+sess.RefreshTokenHash)

	sess.AccessTokenHash = accessHash
	sess.RefreshTokenHash = refreshHash
	sess.ExpiresAt = expiresAt
	sess.RefreshExpiresAt = refreshExpiresAt

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ttl := ttlUntil(refreshExpiresAt)
	pipe.Set(ctx, redisSessionPrefix+sessionID, data, ttl)
	pipe.Set(ctx, redisAccessPrefix+accessHash, sessionID, ttl)
	pipe.Set(ctx, redisRefreshPrefix+refreshHash, sessionID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateProviderTokens(ctx context.Context, sessionID string, blob []byte, providerExpiry time.Time, usable bool) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.ProviderTokens = blob
	sess.ProviderExpiry = providerExpiry
	sess.ProviderUsable = usable
	return s.setJSON(ctx, redisSessionPrefix+sessionID, sess, ttlUntil(sess.RefreshExpiresAt))
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisSessionPrefix+sessionID)
	pipe.Del(ctx, redisAccessPrefix+sess.AccessTokenHash)
	pipe.Del(ctx, redisRefreshPrefix+sess.RefreshTokenHash)
	pipe.SRem(ctx, redisSessionSet, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, redisSessionSet).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read failed: %w", err)
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteExpired prunes the session index of ids whose records have already
// been expired away by redis TTLs. States and codes expire natively.
func (s *RedisStore) DeleteExpired(ctx context.Context, _ time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, redisSessionSet).Result()
	if err != nil {
		return 0, fmt.Errorf("redis read failed: %w", err)
	}
	pruned := 0
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, redisSessionPrefix+id).Result()
		if err != nil {
			return pruned, fmt.Errorf("redis read failed: %w", err)
		}
		if exists == 0 {
			if err := s.client.SRem(ctx, redisSessionSet, id).Err(); err != nil {
				return pruned, fmt.Errorf("redis delete failed: %w", err)
			}
			pruned++
		}
	}
	return pruned, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func ttlUntil(expiry time.Time) time.Duration {
	ttl := time.Until(expiry)
	if ttl <= 0 {
		return time.Millisecond
	}
	return ttl
}
