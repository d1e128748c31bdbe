package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/promptman/promptman/internal/job"
)

// startRedis runs a throwaway redis container. The test is skipped when
// docker is not reachable.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	resource, err := pool.Run("redis", "7-alpine", nil)
	if err != nil {
		t.Skipf("could not start redis: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("localhost:%s", resource.GetPort("6379/tcp"))})
	pool.MaxWait = 30 * time.Second
	if err := pool.Retry(func() error {
		return client.Ping(context.Background()).Err()
	}); err != nil {
		t.Fatalf("redis did not become ready: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRepository(t *testing.T) {
	client := startRedis(t)
	testRepository(t, func(t *testing.T) domain.Repository {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return NewRedisRepository(client, time.Hour)
	})
}

// failingExec fails the next MULTI/EXEC once armed, after the watched reads
// have already gone through.
type failingExec struct {
	armed atomic.Bool
}

func (h *failingExec) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failingExec) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failingExec) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.armed.CompareAndSwap(true, false) {
			return errors.New("connection reset by peer")
		}
		return next(ctx, cmds)
	}
}

func TestRedisRepository_FailedClaimLeavesJobQueued(t *testing.T) {
	base := startRedis(t)
	ctx := context.Background()
	require.NoError(t, base.FlushDB(ctx).Err())

	client := redis.NewClient(base.Options())
	t.Cleanup(func() { _ = client.Close() })
	hook := &failingExec{}
	client.AddHook(hook)
	repo := NewRedisRepository(client, time.Hour)

	j := newJob(domain.TypeRepo)
	require.NoError(t, repo.Create(ctx, j))

	hook.armed.Store(true)
	_, err := repo.ClaimPending(ctx)
	require.Error(t, err)

	got, err := repo.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	queued, err := client.LRange(ctx, pendingKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, queued)

	claimed, err := repo.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j.ID, claimed.ID)
	assert.Equal(t, domain.StatusCloning, claimed.Status)

	n, err := client.LLen(ctx, pendingKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisRepository_ClaimSkipsStaleEntries(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	require.NoError(t, client.FlushDB(ctx).Err())
	repo := NewRedisRepository(client, time.Hour)

	expired := newJob(domain.TypeUpload)
	require.NoError(t, repo.Create(ctx, expired))
	require.NoError(t, client.Del(ctx, jobKey(expired.ID)).Err())
	live := newJob(domain.TypeWebsite)
	require.NoError(t, repo.Create(ctx, live))

	claimed, err := repo.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, live.ID, claimed.ID)

	n, err := client.LLen(ctx, pendingKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisRepository_KeepsTTLUntilTerminal(t *testing.T) {
	client := startRedis(t)
	repo := NewRedisRepository(client, time.Hour)
	ctx := context.Background()

	j := newJob(domain.TypeRepo)
	require.NoError(t, repo.Create(ctx, j))
	require.NoError(t, client.Expire(ctx, jobKey(j.ID), time.Minute).Err())

	_, err := repo.ClaimPending(ctx)
	require.NoError(t, err)
	ttl, err := client.TTL(ctx, jobKey(j.ID)).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute, "non-terminal update must not extend the ttl")

	_, err = repo.Update(ctx, j.ID, domain.Patch{Status: domain.StatusFailed, Error: "boom"})
	require.NoError(t, err)
	ttl, err = client.TTL(ctx, jobKey(j.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Minute)
}
