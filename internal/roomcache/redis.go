package roomcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pacebot/internal/storage"
)

const keyPrefix = "pacebot:room:"

// Redis stores rooms as JSON values with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to addr and verifies the connection with PING.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("roomcache: redis address is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("roomcache: redis ping: %w", err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (c *Redis) Get(ctx context.Context, owner, id string) (storage.Room, bool, error) {
	val, err := c.client.Get(ctx, key(owner, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.Room{}, false, nil
	}
	if err != nil {
		return storage.Room{}, false, fmt.Errorf("redis get: %w", err)
	}
	var r storage.Room
	if err := json.Unmarshal(val, &r); err != nil {
		// A corrupt entry is a miss; the caller refills it.
		_ = c.client.Del(ctx, key(owner, id)).Err()
		return storage.Room{}, false, nil
	}
	return r, true, nil
}

func (c *Redis) Put(ctx context.Context, r storage.Room) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key(r.Owner, r.ID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, owner, id string) error {
	if err := c.client.Del(ctx, key(owner, id)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (c *Redis) Close() error { return c.client.Close() }
