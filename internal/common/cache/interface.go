package cache

import (
	"context"
	"time"
)

// Cache is the subset of Redis the grader relies on: string values for the
// status read-through and owner-scoped locks for submission dispatch.
type Cache interface {
	BasicOps
	LockOps
	Ping(ctx context.Context) error
	Close() error
}

// BasicOps covers plain string keys. Get returns "" on a miss.
type BasicOps interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// LockOps are owner-scoped locks. Unlock and ExtendLock only act when token
// still owns the key.
type LockOps interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
