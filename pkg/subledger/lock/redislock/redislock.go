// Package redislock provides a Redis-backed implementation of the
// subledger.Locker interface, extending the per-organization writer
// scope across replicas that process webhooks concurrently.
package redislock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mrdja026/subledger/pkg/subledger"
)

// releaseScript deletes the lock key only when it still holds our token
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Config holds lock configuration
type Config struct {
	// KeyPrefix namespaces lock keys (default "subledger:orglock:")
	KeyPrefix string

	// TTL bounds how long a crashed holder can block others
	// (default 30s, comfortably above handler timeouts)
	TTL time.Duration

	// WaitTimeout bounds how long Lock blocks for a held lock
	// (default 10s)
	WaitTimeout time.Duration

	// RetryInterval is the polling interval while waiting (default 100ms)
	RetryInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "subledger:orglock:",
		TTL:           30 * time.Second,
		WaitTimeout:   10 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Locker implements subledger.Locker using Redis SET NX with a fenced
// token release.
type Locker struct {
	client  redis.UniversalClient
	config  Config
	release *redis.Script
}

// New creates a new Redis lock adapter
func New(client redis.UniversalClient, config Config) *Locker {
	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaults.WaitTimeout
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	return &Locker{
		client:  client,
		config:  config,
		release: redis.NewScript(releaseScript),
	}
}

// Lock implements subledger.Locker
func (l *Locker) Lock(ctx context.Context, orgID string) (func(), error) {
	key := l.config.KeyPrefix + orgID
	token := uuid.NewString()

	deadline := time.Now().Add(l.config.WaitTimeout)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.config.TTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.unlock(key, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, subledger.ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.config.RetryInterval):
		}
	}
}

func (l *Locker) unlock(key, token string) {
	// Release is best-effort; the TTL reclaims the lock if this fails
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.release.Run(ctx, l.client, []string{key}, token).Err()
}
