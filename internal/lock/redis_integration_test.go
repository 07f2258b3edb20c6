//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedis_MutualExclusion(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	l := NewRedis(client, Options{
		Prefix: "test:",
		TTL:    5 * time.Second,
		Wait:   100 * time.Millisecond,
		Retry:  10 * time.Millisecond,
	})

	release, err := l.Acquire(ctx, "cart:1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "cart:1")
	require.ErrorIs(t, err, ErrNotAcquired)

	// Other keys are independent.
	other, err := l.Acquire(ctx, "cart:2")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))

	again, err := l.Acquire(ctx, "cart:1")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedis_ReleaseDoesNotStealForeignLease(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	l := NewRedis(client, Options{TTL: 300 * time.Millisecond, Wait: 2 * time.Second, Retry: 10 * time.Millisecond})

	stale, err := l.Acquire(ctx, "cart:9")
	require.NoError(t, err)

	// The first lease expires and a second holder takes over.
	fresh, err := l.Acquire(ctx, "cart:9")
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	n, err := client.Exists(ctx, "cart:9").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, fresh(ctx))
}
