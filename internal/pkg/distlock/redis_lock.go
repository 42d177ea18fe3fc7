package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock holds a SET NX key with a TTL, so a crashed holder frees the
// slot once the TTL lapses. Each acquisition stores a fresh random token; release and extend run as
// Lua scripts that act only while the token still matches.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	value string
}

// NewRedisLock stores the lock under "lock:<key>".
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		ttl:    ttl,
	}
}

// Acquire sets the key only if absent, under a fresh token.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return false, fmt.Errorf("lock token: %w", err)
	}
	token := hex.EncodeToString(b)

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if ok {
		l.mu.Lock()
		l.value = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release releases the lock only if we still own it.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.value
	l.value = ""
	l.mu.Unlock()
	if token == "" {
		return ErrNotHeld
	}

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lock TTL out for long-running jobs.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	token := l.value
	l.mu.Unlock()
	if token == "" {
		return ErrNotHeld
	}

	n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
