package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisTracker(t *testing.T, ttl time.Duration) (*RedisTracker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTracker(client, ttl, nil), mr
}

func trackers(t *testing.T) map[string]Tracker {
	rt, _ := setupRedisTracker(t, time.Minute)
	return map[string]Tracker{
		"redis":  rt,
		"memory": NewMemoryTracker(time.Minute),
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "test:alice", Key("test", "alice"))
	assert.Equal(t, "test:anonymous", Key("test", ""))
}

func TestBeginUpToMax(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key("test", "user")

			for i := 0; i < 3; i++ {
				ok, err := tr.Begin(ctx, key, 3)
				require.NoError(t, err)
				assert.True(t, ok, "begin %d", i)
			}

			ok, err := tr.Begin(ctx, key, 3)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, tr.End(ctx, key))

			ok, err = tr.Begin(ctx, key, 3)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tr.Begin(ctx, key, 3)
			require.NoError(t, err)
			assert.False(t, ok)

			// Other users are unaffected.
			ok, err = tr.Begin(ctx, Key("test", "other"), 3)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestEndNeverGoesNegative(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key("floor", "user")

			require.NoError(t, tr.End(ctx, key))
			require.NoError(t, tr.End(ctx, key))

			ok, err := tr.Begin(ctx, key, 1)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tr.Begin(ctx, key, 1)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestConcurrentBegin(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key("busy", "user")

			var admitted int64
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := tr.Begin(ctx, key, 10)
					if err == nil && ok {
						atomic.AddInt64(&admitted, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(10), admitted)
		})
	}
}

func TestRedisTrackerTTL(t *testing.T) {
	tr, mr := setupRedisTracker(t, 10*time.Second)
	ctx := context.Background()
	key := Key("ttl", "user")

	ok, err := tr.Begin(ctx, key, 1)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, mr.Exists(keyPrefix+key))
	assert.Equal(t, 10*time.Second, mr.TTL(keyPrefix+key))

	ok, err = tr.Begin(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = tr.Begin(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisTrackerStoreDown(t *testing.T) {
	tr, mr := setupRedisTracker(t, time.Minute)
	mr.Close()

	_, err := tr.Begin(context.Background(), "k", 1)
	assert.Error(t, err)
	assert.Error(t, tr.End(context.Background(), "k"))
}

func TestMemoryTrackerTTL(t *testing.T) {
	tr := NewMemoryTracker(10 * time.Second)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := tr.Begin(ctx, "k", 1)
	require.True(t, ok)
	ok, _ = tr.Begin(ctx, "k", 1)
	require.False(t, ok)

	now = now.Add(11 * time.Second)
	ok, _ = tr.Begin(ctx, "k", 1)
	assert.True(t, ok)
}
