// Package redisstore wraps the Redis client operations used by the tile store.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
)

const storeLabel = "redis"

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveStoreOp(storeLabel, "ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Get returns the value of key and whether it exists.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveStoreOp(storeLabel, "get", nil, time.Since(start).Seconds())
		return nil, false, nil
	}
	observability.ObserveStoreOp(storeLabel, "get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, true, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	n, err := c.rdb.Exists(ctx, key).Result()
	observability.ObserveStoreOp(storeLabel, "exists", err, time.Since(start).Seconds())
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %q: %w", key, err)
	}
	return n > 0, nil
}

// StrLen is the stored value's length without transferring it.
func (c *Client) StrLen(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := c.rdb.StrLen(ctx, key).Result()
	observability.ObserveStoreOp(storeLabel, "strlen", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis STRLEN %q: %w", key, err)
	}
	return n, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observability.ObserveStoreOp(storeLabel, "set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observability.ObserveStoreOp(storeLabel, "del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// DeleteMatching scans keys matching pattern and deletes those accepted by filter.
// A nil filter deletes every match. It returns the number of deleted keys.
func (c *Client) DeleteMatching(ctx context.Context, pattern string, filter func(key string) bool) (int, error) {
	start := time.Now()
	deleted := 0
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			observability.ObserveStoreOp(storeLabel, "scan_del", err, time.Since(start).Seconds())
			return deleted, fmt.Errorf("redis SCAN %q: %w", pattern, err)
		}
		victims := batch[:0]
		for _, k := range batch {
			if filter == nil || filter(k) {
				victims = append(victims, k)
			}
		}
		if len(victims) > 0 {
			if err := c.rdb.Del(ctx, victims...).Err(); err != nil {
				observability.ObserveStoreOp(storeLabel, "scan_del", err, time.Since(start).Seconds())
				return deleted, fmt.Errorf("redis DEL %d keys: %w", len(victims), err)
			}
			deleted += len(victims)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	observability.ObserveStoreOp(storeLabel, "scan_del", nil, time.Since(start).Seconds())
	return deleted, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
