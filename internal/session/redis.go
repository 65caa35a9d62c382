package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces session keys in a shared Redis.
const KeyPrefix = "usage-monitor:session:"

// RedisBackend stores statuses as JSON with an expiry, so inlet and outlet
// may be served by different replicas.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisBackend{client: client, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisBackend(client, ttl), nil
}

func key(id string) string {
	return KeyPrefix + id
}

func (r *RedisBackend) Load(ctx context.Context, id string) (Status, bool, error) {
	raw, err := r.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("loading session %s: %w", id, err)
	}

	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, false, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return st, true, nil
}

func (r *RedisBackend) Save(ctx context.Context, id string, st Status) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	if err := r.client.Set(ctx, key(id), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("saving session %s: %w", id, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
