package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-redis/redis/v8"
)

// SetStore persists dynamically registered sources as a set of normalized
// JSON members shared by every gateway instance.
type SetStore interface {
	Add(ctx context.Context, member string) (bool, error)
	Remove(ctx context.Context, member string) (bool, error)
	Members(ctx context.Context) ([]string, error)
}

// DefaultSetKey is the Redis key holding the dynamic source set.
const DefaultSetKey = "clue:external-sources"

// RedisSet is a SetStore backed by a Redis set.
type RedisSet struct {
	client redis.Cmdable
	key    string
}

// NewRedisSet builds a RedisSet. An empty key uses DefaultSetKey.
func NewRedisSet(client redis.Cmdable, key string) *RedisSet {
	if key == "" {
		key = DefaultSetKey
	}
	return &RedisSet{client: client, key: key}
}

func (s *RedisSet) Add(ctx context.Context, member string) (bool, error) {
	n, err := s.client.SAdd(ctx, s.key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add source to %s: %w", s.key, err)
	}
	return n > 0, nil
}

func (s *RedisSet) Remove(ctx context.Context, member string) (bool, error) {
	n, err := s.client.SRem(ctx, s.key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove source from %s: %w", s.key, err)
	}
	return n > 0, nil
}

func (s *RedisSet) Members(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.key, err)
	}
	sort.Strings(members)
	return members, nil
}

// MemorySet is a process-local SetStore.
type MemorySet struct {
	mu      sync.Mutex
	members map[string]struct{}
}

func NewMemorySet() *MemorySet {
	return &MemorySet{members: make(map[string]struct{})}
}

func (s *MemorySet) Add(_ context.Context, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[member]; ok {
		return false, nil
	}
	s.members[member] = struct{}{}
	return true, nil
}

func (s *MemorySet) Remove(_ context.Context, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[member]; !ok {
		return false, nil
	}
	delete(s.members, member)
	return true, nil
}

func (s *MemorySet) Members(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}
