package redis_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dbleader/pkg/failover/redis"
	"github.com/kalbasit/dbleader/testhelper"
)

// skipIfRedisNotAvailable skips the test unless a Redis server was provided.
func skipIfRedisNotAvailable(t *testing.T) {
	t.Helper()

	if os.Getenv("DBLEADER_TEST_REDIS_ADDRS") == "" {
		t.Skip("Redis tests disabled (set DBLEADER_TEST_REDIS_ADDRS to enable)")
	}
}

func newTestConfig(t *testing.T) redis.Config {
	t.Helper()

	prefix := testhelper.RandIdentifier("dbleader")

	return redis.Config{
		Addrs:     strings.Split(os.Getenv("DBLEADER_TEST_REDIS_ADDRS"), ","),
		KeyPrefix: "test:dbleader:" + prefix + ":",
		LeaderTTL: 5 * time.Second,
	}
}

func TestNewPublisher_NoAddrs(t *testing.T) {
	t.Parallel()

	_, err := redis.NewPublisher(context.Background(), redis.Config{}, "node-a")
	require.ErrorIs(t, err, redis.ErrNoRedisAddrs)
}

func TestPublisher(t *testing.T) {
	t.Parallel()

	skipIfRedisNotAvailable(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := newTestConfig(t)

	var (
		mu     sync.Mutex
		events []redis.Event
	)

	watching := make(chan error, 1)

	go func() {
		watching <- redis.Watch(ctx, cfg, func(e redis.Event) {
			mu.Lock()
			defer mu.Unlock()

			events = append(events, e)
		})
	}()

	p, err := redis.NewPublisher(ctx, cfg, "node-a")
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Close() })

	// the subscription is asynchronous; keep announcing until it is seen.
	require.Eventually(t, func() bool {
		if p.Stop(ctx) != nil || p.Start(ctx) != nil {
			return false
		}

		mu.Lock()
		defer mu.Unlock()

		return len(events) > 0
	}, 5*time.Second, 50*time.Millisecond)

	leader, err := p.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", leader)

	// re-validation only refreshes the key.
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))

	leader, err = p.Leader(ctx)
	require.NoError(t, err)
	assert.Empty(t, leader)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		last := events[len(events)-1]

		return !last.Active && last.Instance == "node-a"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()

	require.NoError(t, <-watching)
}

func TestPublisher_StopDoesNotReleaseAnotherLeader(t *testing.T) {
	t.Parallel()

	skipIfRedisNotAvailable(t)

	ctx := context.Background()
	cfg := newTestConfig(t)

	a, err := redis.NewPublisher(ctx, cfg, "node-a")
	require.NoError(t, err)

	t.Cleanup(func() { _ = a.Close() })

	b, err := redis.NewPublisher(ctx, cfg, "node-b")
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, a.Stop(ctx))

	leader, err := a.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-b", leader)

	require.NoError(t, b.Stop(ctx))
}
