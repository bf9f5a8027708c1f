package auth

import (
	"context"
	"time"
)

// TTL defaults for the one-shot key spaces.
const (
	DefaultResponseTTL = 600 * time.Second
	DefaultPendingTTL  = 600 * time.Second
)

// Store persists the four credential key spaces, each indexed by auth key:
// configs (scheme + flow state), tokens (exchanged credentials), one-shot
// auth responses deposited by the callback boundary, and pending routes
// mapping a suspended (sessionId, toolCallId) back to its auth key.
//
// Every operation is atomic per key. Implementations return ErrNotFound for
// absent or expired entries.
type Store interface {
	GetConfig(ctx context.Context, authKey string) (*Config, error)
	PutConfig(ctx context.Context, authKey string, cfg *Config) error

	GetTokens(ctx context.Context, authKey string) (*Credential, error)
	PutTokens(ctx context.Context, authKey string, cred *Credential) error
	DeleteTokens(ctx context.Context, authKey string) error

	GetAuthResponse(ctx context.Context, authKey string) (*AuthResponse, error)
	PutAuthResponse(ctx context.Context, authKey string, rsp *AuthResponse, ttl time.Duration) error
	DeleteAuthResponse(ctx context.Context, authKey string) error

	GetPending(ctx context.Context, sessionID, toolCallID string) (string, error)
	PutPending(ctx context.Context, sessionID, toolCallID, authKey string, ttl time.Duration) error
	DeletePending(ctx context.Context, sessionID, toolCallID string) error
}

// Sweeper is implemented by stores that need periodic expiry collection.
// Stores with native TTLs (Redis) do not implement it.
type Sweeper interface {
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

func pendingKey(sessionID, toolCallID string) string {
	return sessionID + ":" + toolCallID
}
