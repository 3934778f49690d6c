// Package quota bounds the number of simultaneous calls a user may have
// outstanding against one destination.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/logging"
)

// DefaultTTL bounds how long an unreleased slot is held. It lets counters
// heal after a caller crashes between Begin and End.
const DefaultTTL = 120 * time.Second

// Tracker admits or rejects calls per key.
type Tracker interface {
	// Begin takes a slot for key unless max slots are already taken.
	Begin(ctx context.Context, key string, max int64) (bool, error)
	// End releases a slot. Releasing more than was taken is a no-op.
	End(ctx context.Context, key string) error
}

// Key derives the tracker key for a user calling a destination.
func Key(destination, user string) string {
	if user == "" {
		user = "anonymous"
	}
	return destination + ":" + user
}

const keyPrefix = "clue:quota:"

var beginScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var endScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	return 0
end
local remaining = redis.call('DECR', KEYS[1])
if remaining <= 0 then
	redis.call('DEL', KEYS[1])
end
return remaining
`)

// RedisTracker keeps counters in Redis so every gateway instance shares them.
// Both operations run as Lua scripts, atomic on the server.
type RedisTracker struct {
	client redis.Scripter
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisTracker builds a tracker over client. A zero ttl uses DefaultTTL.
func NewRedisTracker(client redis.Scripter, ttl time.Duration, logger *zap.Logger) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl, logger: logging.OrNop(logger).Named("quota")}
}

func (t *RedisTracker) Begin(ctx context.Context, key string, max int64) (bool, error) {
	ok, err := beginScript.Run(ctx, t.client, []string{keyPrefix + key}, max, t.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("quota begin %s: %w", key, err)
	}
	if ok == 0 {
		t.logger.Debug("quota exhausted", zap.String("key", key), zap.Int64("max", max))
	}
	return ok == 1, nil
}

func (t *RedisTracker) End(ctx context.Context, key string) error {
	if err := endScript.Run(ctx, t.client, []string{keyPrefix + key}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("quota end %s: %w", key, err)
	}
	return nil
}

// MemoryTracker is a single-process Tracker for deployments without Redis.
type MemoryTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	counters map[string]*counter
	now      func() time.Time
}

type counter struct {
	n       int64
	expires time.Time
}

// NewMemoryTracker builds an in-process tracker. A zero ttl uses DefaultTTL.
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{ttl: ttl, counters: make(map[string]*counter), now: time.Now}
}

func (t *MemoryTracker) Begin(_ context.Context, key string, max int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	c := t.live(key, now)
	if c == nil {
		c = &counter{}
		t.counters[key] = c
	}
	if c.n >= max {
		return false, nil
	}
	c.n++
	c.expires = now.Add(t.ttl)
	return true, nil
}

func (t *MemoryTracker) End(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.live(key, t.now())
	if c == nil {
		return nil
	}
	c.n--
	if c.n <= 0 {
		delete(t.counters, key)
	}
	return nil
}

func (t *MemoryTracker) live(key string, now time.Time) *counter {
	c, ok := t.counters[key]
	if !ok {
		return nil
	}
	if !now.Before(c.expires) {
		delete(t.counters, key)
		return nil
	}
	return c
}
