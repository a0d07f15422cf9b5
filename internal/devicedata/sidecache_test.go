package devicedata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/fleet"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisCache(client, "test:device:")
}

func TestRedisCache_SetAndGet(t *testing.T) {
	mr, cache := setupTestRedis(t)
	ctx := context.Background()

	state := fleet.State{ID: "d1", Name: "Phone", SIM: fleet.SIM{Status: 1}, WiFi: fleet.WiFi{Status: 0}}
	require.NoError(t, cache.Set(ctx, "user-1", "d1", state, 2*time.Minute))

	assert.True(t, mr.Exists("test:device:user-1:d1"))
	assert.Equal(t, 2*time.Minute, mr.TTL("test:device:user-1:d1"))

	got, ok, err := cache.Get(ctx, "user-1", "d1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, state, got)

	// Scopes are isolated.
	_, ok, err = cache.Get(ctx, "user-2", "d1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_PrefixSeparator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	for prefix, want := range map[string]string{
		"fleetwatch":  "fleetwatch:user1:d1",
		"fleetwatch:": "fleetwatch:user1:d1",
		"":            "fleetwatch:device:user1:d1",
	} {
		mr.FlushAll()
		cache := NewRedisCache(client, prefix)
		require.NoError(t, cache.Set(ctx, "user1", "d1", fleet.State{ID: "d1"}, time.Minute))
		assert.Equal(t, []string{want}, mr.Keys(), "prefix %q", prefix)
	}
}

func TestRedisCache_Expiry(t *testing.T) {
	mr, cache := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "u", "d1", fleet.State{ID: "d1"}, time.Minute))
	mr.FastForward(61 * time.Second)

	_, ok, err := cache.Get(ctx, "u", "d1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_CorruptValue(t *testing.T) {
	mr, cache := setupTestRedis(t)
	require.NoError(t, mr.Set("test:device:u:d1", "{not json"))

	_, ok, err := cache.Get(context.Background(), "u", "d1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestClient_RedisSideCacheLayering(t *testing.T) {
	mr, cache := setupTestRedis(t)
	c, up, clock := newTestClient(t, WithSideCache(cache))
	ctx := context.Background()

	c.FetchState(ctx, "d1", "user-1", Options{})
	require.Equal(t, 1, up.callCount())
	assert.Equal(t, DefaultSideTTL, mr.TTL("test:device:user-1:d1"))

	// The in-process entry expires first; the side cache still answers
	// while it is alive in Redis.
	clock.Advance(DefaultTTL + time.Second)
	up.set(fleet.State{ID: "d1", Name: "Newer"})
	got := c.FetchState(ctx, "d1", "user-1", Options{})
	assert.Equal(t, "Phone 1", got.Name)
	assert.Equal(t, 1, up.callCount())

	// Once Redis expires too, the upstream is consulted.
	clock.Advance(DefaultTTL + time.Second)
	mr.FastForward(DefaultSideTTL + time.Second)
	got = c.FetchState(ctx, "d1", "user-1", Options{})
	assert.Equal(t, "Newer", got.Name)
	assert.Equal(t, 2, up.callCount())
}

func TestClient_RedisDownIsAMiss(t *testing.T) {
	mr, cache := setupTestRedis(t)
	c, up, _ := newTestClient(t, WithSideCache(cache))
	mr.Close()

	got := c.FetchState(context.Background(), "d1", "user-1", Options{})
	assert.Equal(t, "d1", got.ID)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1, up.callCount())
}
