package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/internal/clock"
)

// exerciseStore runs the Store contract. advance moves the store's notion of time.
func exerciseStore(t *testing.T, s Store, advance func(time.Duration)) {
	ctx := context.Background()
	key := "cadence:rl:test:" + t.Name()
	t.Cleanup(func() { _ = s.Del(context.Background(), key) })

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.IncrWithTTL(ctx, key, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	// A later increment keeps the window of the first
	n, err = s.IncrWithTTL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	v, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	ttl, err := s.TTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 2*time.Second)

	advance(2100 * time.Millisecond)
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "expired")

	// Counting restarts in a fresh window
	n, err = s.IncrWithTTL(ctx, key, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	v, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	advance(2100 * time.Millisecond)

	// A counter without expiry gets one on its next increment
	require.NoError(t, s.SetTTL(ctx, key, "4", 0))
	n, err = s.IncrWithTTL(ctx, key, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	ttl, err = s.TTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.SetTTL(ctx, key, "1", time.Minute))
	require.NoError(t, s.Del(ctx, key))
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err = s.TTL(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestMemoryStore(t *testing.T) {
	clk := clock.NewMock(t0)
	exerciseStore(t, NewMemoryStore(clk), clk.Advance)
}

func TestMemoryStoreIncrNonInteger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clock.NewMock(t0))
	require.NoError(t, s.SetTTL(ctx, "k", "x", 0))
	_, err := s.IncrWithTTL(ctx, "k", time.Minute)
	assert.Error(t, err)
}

// Runs against a real server when CADENCE_TEST_REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CADENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CADENCE_TEST_REDIS_ADDR not set")
	}
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(context.Background()))

	exerciseStore(t, s, time.Sleep)
}
