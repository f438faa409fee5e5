package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSeenSet remembers keys for a TTL with SET NX, shared by every engine
// instance pointed at the same Redis.
type RedisSeenSet struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSeenSet creates a seen set whose keys live under prefix.
func NewRedisSeenSet(rdb *redis.Client, prefix string) *RedisSeenSet {
	return &RedisSeenSet{rdb: rdb, prefix: prefix}
}

// MarkSeen records key and reports whether it was new.
func (s *RedisSeenSet) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark seen %s: %w", key, err)
	}
	return ok, nil
}

// MemorySeenSet is the single-process MarkSeen. Expired keys are swept lazily.
type MemorySeenSet struct {
	mu        sync.Mutex
	now       func() time.Time
	expires   map[string]time.Time
	lastSweep time.Time
}

// NewMemorySeenSet creates an empty set. A nil now uses time.Now.
func NewMemorySeenSet(now func() time.Time) *MemorySeenSet {
	if now == nil {
		now = time.Now
	}
	return &MemorySeenSet{now: now, expires: make(map[string]time.Time)}
}

func (s *MemorySeenSet) MarkSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= ttl {
		for k, exp := range s.expires {
			if !now.Before(exp) {
				delete(s.expires, k)
			}
		}
		s.lastSweep = now
	}
	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of keys still held, expired or not.
func (s *MemorySeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}
