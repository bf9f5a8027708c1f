package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
// One-shot entries carry expiry stamps collected by PruneExpired.
type MemoryStore struct {
	mu        sync.RWMutex
	configs   map[string]*Config
	tokens    map[string]*Credential
	responses map[string]expiringResponse
	pending   map[string]expiringRoute
}

type expiringResponse struct {
	rsp       *AuthResponse
	expiresAt time.Time
}

type expiringRoute struct {
	authKey   string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[string]*Config),
		tokens:    make(map[string]*Credential),
		responses: make(map[string]expiringResponse),
		pending:   make(map[string]expiringRoute),
	}
}

func (s *MemoryStore) GetConfig(ctx context.Context, authKey string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[authKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConfig(cfg), nil
}

func (s *MemoryStore) PutConfig(ctx context.Context, authKey string, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[authKey] = cloneConfig(cfg)
	return nil
}

func (s *MemoryStore) GetTokens(ctx context.Context, authKey string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.tokens[authKey]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cred
	return &c, nil
}

func (s *MemoryStore) PutTokens(ctx context.Context, authKey string, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.tokens[authKey] = &c
	return nil
}

func (s *MemoryStore) DeleteTokens(ctx context.Context, authKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, authKey)
	return nil
}

func (s *MemoryStore) GetAuthResponse(ctx context.Context, authKey string) (*AuthResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.responses[authKey]
	if !ok || expired(e.expiresAt) {
		return nil, ErrNotFound
	}
	r := *e.rsp
	return &r, nil
}

func (s *MemoryStore) PutAuthResponse(ctx context.Context, authKey string, rsp *AuthResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rsp
	s.responses[authKey] = expiringResponse{rsp: &r, expiresAt: stamp(ttl)}
	return nil
}

func (s *MemoryStore) DeleteAuthResponse(ctx context.Context, authKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.responses, authKey)
	return nil
}

func (s *MemoryStore) GetPending(ctx context.Context, sessionID, toolCallID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pending[pendingKey(sessionID, toolCallID)]
	if !ok || expired(e.expiresAt) {
		return "", ErrNotFound
	}
	return e.authKey, nil
}

func (s *MemoryStore) PutPending(ctx context.Context, sessionID, toolCallID, authKey string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingKey(sessionID, toolCallID)] = expiringRoute{authKey: authKey, expiresAt: stamp(ttl)}
	return nil
}

func (s *MemoryStore) DeletePending(ctx context.Context, sessionID, toolCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pendingKey(sessionID, toolCallID))
	return nil
}

// PruneExpired drops expired one-shot entries and returns how many were
// removed.
func (s *MemoryStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.responses {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.responses, k)
			removed++
		}
	}
	for k, e := range s.pending {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.pending, k)
			removed++
		}
	}
	return removed, nil
}

func stamp(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	if cfg.OAuth != nil {
		o := *cfg.OAuth
		o.Scopes = append([]string(nil), cfg.OAuth.Scopes...)
		out.OAuth = &o
	}
	if cfg.APIKey != nil {
		k := *cfg.APIKey
		out.APIKey = &k
	}
	if cfg.State != nil {
		st := *cfg.State
		out.State = &st
	}
	return &out
}
