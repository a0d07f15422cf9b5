package devicedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"fleetwatch/internal/fleet"
)

// SideCache is the short-lived cache scoped to a caller, e.g. a user token.
type SideCache interface {
	Get(ctx context.Context, scope, id string) (fleet.State, bool, error)
	Set(ctx context.Context, scope, id string, s fleet.State, ttl time.Duration) error
}

// RedisCache stores scoped device states in Redis as JSON.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a side cache. Keys are "<prefix>:<scope>:<id>"; a
// trailing colon on prefix is not doubled.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "fleetwatch:device"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) key(scope, id string) string {
	return r.prefix + scope + ":" + id
}

// Get implements SideCache. A missing key is a miss, not an error.
func (r *RedisCache) Get(ctx context.Context, scope, id string) (fleet.State, bool, error) {
	val, err := r.client.Get(ctx, r.key(scope, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fleet.State{}, false, nil
		}
		return fleet.State{}, false, fmt.Errorf("get side cache: %w", err)
	}
	var s fleet.State
	if err := json.Unmarshal(val, &s); err != nil {
		return fleet.State{}, false, fmt.Errorf("decode side cache: %w", err)
	}
	return s, true, nil
}

// Set implements SideCache.
func (r *RedisCache) Set(ctx context.Context, scope, id string, s fleet.State, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode side cache: %w", err)
	}
	if err := r.client.Set(ctx, r.key(scope, id), data, ttl).Err(); err != nil {
		return fmt.Errorf("set side cache: %w", err)
	}
	return nil
}
