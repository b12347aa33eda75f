//go:build integration

package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"bitespeed-identity/internal/config"
)

func newRedisLocker(t *testing.T) (*Redis, *redis.Client) {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, config.RedisConfig{URL: url, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, config.LockConfig{
		TTL:           2 * time.Second,
		RetryInterval: 5 * time.Millisecond,
		KeyPrefix:     "test:lock:",
	}), client
}

func TestRedis_LockAndRelease(t *testing.T) {
	locker, client := newRedisLocker(t)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "email:a@x.com", "phone:555")
	require.NoError(t, err)

	n, err := client.Exists(ctx, "test:lock:email:a@x.com", "test:lock:phone:555").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	release()

	n, err = client.Exists(ctx, "test:lock:email:a@x.com", "test:lock:phone:555").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedis_ContendedKeyTimesOut(t *testing.T) {
	locker, client := newRedisLocker(t)

	release, err := locker.Lock(context.Background(), "email:a@x.com")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "phone:1", "email:a@x.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	// The partially acquired key is released again.
	n, err := client.Exists(context.Background(), "test:lock:phone:1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	locker, client := newRedisLocker(t)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "email:a@x.com")
	require.NoError(t, err)

	require.NoError(t, client.Set(ctx, "test:lock:email:a@x.com", "someone-else", time.Minute).Err())
	release()

	val, err := client.Get(ctx, "test:lock:email:a@x.com").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}
