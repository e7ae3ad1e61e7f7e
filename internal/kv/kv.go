// Package kv defines the minimal key-value interface the chat core needs
// from Redis, plus a go-redis adapter and an in-memory fallback.
//
// Components depend on this interface rather than a concrete driver;
// cmd/server creates the go-redis client and injects it. When Redis is not
// reachable at startup the process falls back to the in-memory store, which
// keeps single-instance deployments and tests working.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the operation set shared by the Redis adapter and the in-memory
// fallback. All operations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets the key only if it does not exist. Returns true when the
	// key was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	// IncrWindow atomically increments a counter, applying the TTL when the
	// counter is created. Returns the new count.
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	// DrainList atomically renames the list away and returns its contents.
	// Concurrent drainers observe exactly one winner; losers get nil.
	DrainList(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe registers a handler for messages on a channel and returns
	// an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}
