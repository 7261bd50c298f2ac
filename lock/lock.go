// Package lock provides the distributed lock used to guarantee a single
// active worker per mail account across replicas. Locks live in Redis under
// email_worker:{account_id} with NX semantics and a TTL, so a crashed holder
// frees the lock without operator intervention.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTLMargin is added to the poll interval when deriving a lock TTL, so
// a slow tick does not lose its lock mid-batch.
const DefaultTTLMargin = 30 * time.Second

// releaseScript deletes the key only when the caller still owns it, so a
// holder that outlived its TTL cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type (
	// Locker acquires and releases named distributed locks.
	Locker interface {
		// Acquire attempts to take the lock for ttl. It returns false when
		// another holder owns it.
		Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

		// Release frees the lock if this locker still owns it. Releasing a
		// lock held by someone else (or nobody) is a no-op.
		Release(ctx context.Context, key string) error

		// Identity returns the owner value written into acquired locks.
		Identity() string
	}

	// Options configures the Redis locker.
	Options struct {
		// Redis is the shared connection. Required.
		Redis *redis.Client
		// Identity names this process as the lock owner. Defaults to
		// hostname plus a random suffix.
		Identity string
	}

	locker struct {
		redis    *redis.Client
		identity string
	}
)

// AccountKey returns the lock key guarding the mail source loop for the
// given account.
func AccountKey(accountID string) string {
	return "email_worker:" + accountID
}

// TTLFor derives the lock TTL from a source poll interval.
func TTLFor(interval time.Duration) time.Duration {
	return interval + DefaultTTLMargin
}

// New constructs a Redis-backed locker.
func New(opts Options) (Locker, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	identity := opts.Identity
	if identity == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		identity = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &locker{redis: opts.Redis, identity: identity}, nil
}

func (l *locker) Identity() string { return l.identity }

func (l *locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	ok, err := l.redis.SetNX(ctx, key, l.identity, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire %s: %w", key, err)
	}
	return ok, nil
}

func (l *locker) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.redis, []string{key}, l.identity).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock release %s: %w", key, err)
	}
	return nil
}
