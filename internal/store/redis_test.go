package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/proxyfeed/internal/fault"
	"github.com/die-net/proxyfeed/internal/proxy"
)

// setupTestRedis connects to $TEST_REDIS_ADDR (default redis://localhost:6379)
// and skips the test when no server answers.
func setupTestRedis(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "redis://localhost:6379"
	}
	client, err := NewRedisUniversalClient(addr)
	require.NoError(t, err)

	s := NewRedisStore(client, "proxyfeed-test-"+t.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	cleanup := func() {
		client.Del(context.Background(), s.poolKey(), s.ledgerKey())
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		_ = client.Close()
	})
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := setupTestRedis(t)
	ctx := context.Background()

	pool, err := s.LoadPool(ctx)
	require.NoError(t, err)
	assert.Empty(t, pool)

	require.NoError(t, s.SavePool(ctx, samplePool()))
	pool, err = s.LoadPool(ctx)
	require.NoError(t, err)
	require.Len(t, pool, 2)
	assert.Equal(t, samplePool()[1].Identity(), pool[1].Identity())

	l := proxy.NewLedger()
	l.Record(proxy.User("9"), proxy.Batch(samplePool()))
	require.NoError(t, s.SaveLedger(ctx, l))

	back, err := s.LoadLedger(ctx)
	require.NoError(t, err)
	assert.True(t, proxy.RecentlySent(back.Recent(proxy.User("9")), samplePool()[0]))
}

func TestRedisStoreCorruptValue(t *testing.T) {
	s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.client.Set(ctx, s.poolKey(), "garbage", 0).Err())

	pool, err := s.LoadPool(ctx)
	assert.True(t, fault.Is(err, fault.Malformed), "err=%v", err)
	assert.Empty(t, pool)
}

func TestRedisStoreClosedClientIsTransient(t *testing.T) {
	client, err := NewRedisUniversalClient("redis://127.0.0.1:1")
	require.NoError(t, err)
	s := NewRedisStore(client, "proxyfeed-test")
	require.NoError(t, s.Close())

	_, err = s.LoadPool(context.Background())
	assert.True(t, fault.Is(err, fault.Transient), "err=%v", err)
}

func TestNewRedisUniversalClientBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewRedisUniversalClient("http://not-redis")
	require.Error(t, err)
}
