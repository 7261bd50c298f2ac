package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailroom-io/mailroom/blob"
)

// ErrTokenNotFound is returned by Redeem for unknown or expired tokens.
var ErrTokenNotFound = errors.New("token not found")

type (
	// Grant is what a signed-URL token authorizes: one key, one method,
	// until the expiry.
	Grant struct {
		Key       string      `json:"key"`
		Method    blob.Method `json:"method"`
		ExpiresAt time.Time   `json:"expires_at"`
	}

	// TokenStore persists signed-URL grants. A shared implementation lets
	// any replica redeem a token issued by another.
	TokenStore interface {
		Save(ctx context.Context, token string, grant Grant, ttl time.Duration) error
		// Redeem looks up the grant for a token. Expired tokens behave as
		// absent.
		Redeem(ctx context.Context, token string) (Grant, error)
	}
)

// MemoryTokens keeps grants in process memory. Suitable for single-replica
// deployments and tests.
type MemoryTokens struct {
	mu     sync.Mutex
	grants map[string]Grant
}

// NewMemoryTokens constructs an empty in-process token store.
func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{grants: make(map[string]Grant)}
}

func (m *MemoryTokens) Save(ctx context.Context, token string, grant Grant, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[token] = grant
	return nil
}

func (m *MemoryTokens) Redeem(ctx context.Context, token string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[token]
	if !ok {
		return Grant{}, ErrTokenNotFound
	}
	if time.Now().UTC().After(grant.ExpiresAt) {
		delete(m.grants, token)
		return Grant{}, ErrTokenNotFound
	}
	return grant, nil
}

// RedisTokens stores grants in Redis so signed URLs work across replicas.
// Expiry is enforced by the key TTL.
type RedisTokens struct {
	redis  *redis.Client
	prefix string
}

// NewRedisTokens constructs a Redis-backed token store.
func NewRedisTokens(rdb *redis.Client) (*RedisTokens, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisTokens{redis: rdb, prefix: "blob_token:"}, nil
}

func (r *RedisTokens) Save(ctx context.Context, token string, grant Grant, ttl time.Duration) error {
	raw, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("token save: %w", err)
	}
	if err := r.redis.Set(ctx, r.prefix+token, raw, ttl).Err(); err != nil {
		return fmt.Errorf("token save: %w", err)
	}
	return nil
}

func (r *RedisTokens) Redeem(ctx context.Context, token string) (Grant, error) {
	raw, err := r.redis.Get(ctx, r.prefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Grant{}, ErrTokenNotFound
		}
		return Grant{}, fmt.Errorf("token redeem: %w", err)
	}
	var grant Grant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return Grant{}, fmt.Errorf("token redeem: %w", err)
	}
	return grant, nil
}
