package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store. One-shot key spaces rely on native
// TTLs, so no sweeper is needed. Values are stored as JSON under
// {prefix}:{space}:{key}.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "runloop".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed credential store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "runloop"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(space, k string) string {
	return s.prefix + ":" + space + ":" + k
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetConfig(ctx context.Context, authKey string) (*Config, error) {
	var cfg Config
	if err := s.getJSON(ctx, s.key("cfg", authKey), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *RedisStore) PutConfig(ctx context.Context, authKey string, cfg *Config) error {
	return s.putJSON(ctx, s.key("cfg", authKey), cfg, 0)
}

func (s *RedisStore) GetTokens(ctx context.Context, authKey string) (*Credential, error) {
	var cred Credential
	if err := s.getJSON(ctx, s.key("tok", authKey), &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *RedisStore) PutTokens(ctx context.Context, authKey string, cred *Credential) error {
	return s.putJSON(ctx, s.key("tok", authKey), cred, 0)
}

func (s *RedisStore) DeleteTokens(ctx context.Context, authKey string) error {
	return s.client.Del(ctx, s.key("tok", authKey)).Err()
}

func (s *RedisStore) GetAuthResponse(ctx context.Context, authKey string) (*AuthResponse, error) {
	var rsp AuthResponse
	if err := s.getJSON(ctx, s.key("rsp", authKey), &rsp); err != nil {
		return nil, err
	}
	return &rsp, nil
}

func (s *RedisStore) PutAuthResponse(ctx context.Context, authKey string, rsp *AuthResponse, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	return s.putJSON(ctx, s.key("rsp", authKey), rsp, ttl)
}

func (s *RedisStore) DeleteAuthResponse(ctx context.Context, authKey string) error {
	return s.client.Del(ctx, s.key("rsp", authKey)).Err()
}

func (s *RedisStore) GetPending(ctx context.Context, sessionID, toolCallID string) (string, error) {
	authKey, err := s.client.Get(ctx, s.key("pend", pendingKey(sessionID, toolCallID))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get pending: %w", err)
	}
	return authKey, nil
}

func (s *RedisStore) PutPending(ctx context.Context, sessionID, toolCallID, authKey string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if err := s.client.Set(ctx, s.key("pend", pendingKey(sessionID, toolCallID)), authKey, ttl).Err(); err != nil {
		return fmt.Errorf("redis set pending: %w", err)
	}
	return nil
}

func (s *RedisStore) DeletePending(ctx context.Context, sessionID, toolCallID string) error {
	return s.client.Del(ctx, s.key("pend", pendingKey(sessionID, toolCallID))).Err()
}
