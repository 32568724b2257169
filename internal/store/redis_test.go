package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobgate/internal/store"
	"github.com/kiranshivaraju/jobgate/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected client.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts, err := redis.ParseURL("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	storeContract(t, store.NewRedisStore(client, time.Hour))
}

func TestRedisStore_KeyCarriesTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	s := store.NewRedisStore(client, 10*time.Minute)
	ctx := context.Background()

	job := models.NewPendingJob(nil)
	require.NoError(t, s.Put(ctx, job))

	ttl, err := client.TTL(ctx, store.JobKey(job.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 9*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute)

	applied, err := s.SetTerminal(ctx, completed(job.ID, `{"v":1}`))
	require.NoError(t, err)
	require.True(t, applied)

	ttl, err = client.TTL(ctx, store.JobKey(job.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 9*time.Minute, "terminal write keeps a retention TTL")
}

func TestRedisStore_ExpiredKeyIsNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	s := store.NewRedisStore(client, time.Second)
	ctx := context.Background()

	job := models.NewPendingJob(nil)
	require.NoError(t, s.Put(ctx, job))

	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, job.ID)
		return err == store.ErrNotFound
	}, 5*time.Second, 100*time.Millisecond)
}
