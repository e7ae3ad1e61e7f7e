package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis adapts go-redis v9 to the Store interface.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to Redis and verifies connectivity with a ping. The
// caller decides whether a connection error means fallback or fatal.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &Redis{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (r *Redis) Close() error { return r.rdb.Close() }

// Ping verifies connectivity (health checks).
func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

// incrWindowScript increments and stamps the TTL only on counter creation,
// so the window does not slide on every hit.
var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (r *Redis) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, r.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr window %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return r.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return r.rdb.SRem(ctx, key, ifaces...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	ifaces := make([]interface{}, len(values))
	for i, v := range values {
		ifaces[i] = v
	}
	return r.rdb.RPush(ctx, key, ifaces...).Result()
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	return r.rdb.LLen(ctx, key).Result()
}

// DrainList renames the list to a unique scratch key, reads it, and deletes
// it. RENAME is atomic, so two concurrent drainers produce exactly one
// non-empty result.
func (r *Redis) DrainList(ctx context.Context, key string) ([]string, error) {
	scratch := key + ":drain:" + uuid.NewString()
	if err := r.rdb.Rename(ctx, key, scratch).Err(); err != nil {
		if err.Error() == "ERR no such key" || err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("rename %s: %w", key, err)
	}
	items, err := r.rdb.LRange(ctx, scratch, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", scratch, err)
	}
	_ = r.rdb.Del(ctx, scratch).Err()
	return items, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, message []byte) error {
	return r.rdb.Publish(ctx, channel, message).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := r.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return func() { sub.Close() }, nil
}
