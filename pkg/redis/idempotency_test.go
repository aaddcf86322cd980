package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/abgdnv/storefront/pkg/web"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIdempotencyStore_ReserveOnce(t *testing.T) {
	// given
	store := NewIdempotencyStore(getRedisClient(t), time.Minute)
	key := uuid.NewString()
	ctx := context.Background()

	// when
	first, _, err1 := store.Reserve(ctx, key)
	second, stored, err2 := store.Reserve(ctx, key)

	// then
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.True(t, first)
	assert.False(t, second)
	assert.Nil(t, stored)
}

func TestIdempotencyStore_ReleaseAllowsRetry(t *testing.T) {
	// given
	store := NewIdempotencyStore(getRedisClient(t), time.Minute)
	key := uuid.NewString()
	ctx := context.Background()
	_, _, err := store.Reserve(ctx, key)
	require.NoError(t, err)

	// when
	require.NoError(t, store.Release(ctx, key))
	again, _, err := store.Reserve(ctx, key)

	// then
	require.NoError(t, err)
	assert.True(t, again)
}

func TestIdempotencyStore_CompleteIsReplayed(t *testing.T) {
	// given
	client := getRedisClient(t)
	store := NewIdempotencyStore(client, time.Minute)
	key := uuid.NewString()
	ctx := context.Background()
	_, _, err := store.Reserve(ctx, key)
	require.NoError(t, err)

	// when
	require.NoError(t, store.Complete(ctx, key, web.StoredResponse{Status: 201, Body: []byte(`{"id":1}`)}))
	reserved, stored, err := store.Reserve(ctx, key)

	// then
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, stored)
	assert.Equal(t, 201, stored.Status)
	assert.JSONEq(t, `{"id":1}`, string(stored.Body))
	ttl, err := client.TTL(ctx, idempotencyKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}
