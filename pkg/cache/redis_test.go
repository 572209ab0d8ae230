package cache

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOfflineCache() *RedisCache {
	return NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}))
}

func TestRedisCache_EmptyKeyRejected(t *testing.T) {
	c := newOfflineCache()
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	err = c.Set(ctx, "", "v", 0)
	assert.ErrorIs(t, err, ErrInvalidKey)

	err = c.PushCapped(ctx, "", 10, "v")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRedisCache_WithPrefixComposes(t *testing.T) {
	c := newOfflineCache()
	defer c.Close()

	scoped := c.WithPrefix("analytics:").WithPrefix("metric:")

	k, err := scoped.key("count")
	require.NoError(t, err)
	assert.Equal(t, "analytics:metric:count", k)

	k, err = c.key("count")
	require.NoError(t, err)
	assert.Equal(t, "count", k)
}

func TestRedisCache_PingOffline(t *testing.T) {
	c := newOfflineCache()
	defer c.Close()

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
}
