package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenSet is the cross-run memory of fingerprints already persisted.
type SeenSet interface {
	// Claim marks the key as seen and reports whether this call set it.
	Claim(ctx context.Context, entity, platform, fingerprint string) (bool, error)
	// Release forgets a claim whose write did not succeed.
	Release(ctx context.Context, entity, platform, fingerprint string) error
}

// SeenKey is the Redis key for a claimed fingerprint.
func SeenKey(entity, platform, fingerprint string) string {
	return fmt.Sprintf("repsentinel:seen:%s:%s:%s", entity, platform, fingerprint)
}

// RedisSeen is a SeenSet backed by SET NX with a TTL.
type RedisSeen struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSeen creates a Redis seen-set. A zero ttl defaults to 7 days.
func NewRedisSeen(client *redis.Client, ttl time.Duration) *RedisSeen {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisSeen{client: client, ttl: ttl}
}

// Claim implements SeenSet.
func (s *RedisSeen) Claim(ctx context.Context, entity, platform, fingerprint string) (bool, error) {
	ok, err := s.client.SetNX(ctx, SeenKey(entity, platform, fingerprint), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("seen-set claim: %w", err)
	}
	return ok, nil
}

// Release implements SeenSet.
func (s *RedisSeen) Release(ctx context.Context, entity, platform, fingerprint string) error {
	return s.client.Del(ctx, SeenKey(entity, platform, fingerprint)).Err()
}

// MemorySeen is a process-local SeenSet with the same TTL semantics.
type MemorySeen struct {
	mu   sync.Mutex
	keys map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemorySeen creates an in-memory seen-set.
func NewMemorySeen(ttl time.Duration) *MemorySeen {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &MemorySeen{keys: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Claim implements SeenSet.
func (s *MemorySeen) Claim(_ context.Context, entity, platform, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := SeenKey(entity, platform, fingerprint)
	now := s.now()
	if exp, ok := s.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.keys[key] = now.Add(s.ttl)
	return true, nil
}

// Release implements SeenSet.
func (s *MemorySeen) Release(_ context.Context, entity, platform, fingerprint string) error {
	s.mu.Lock()
	delete(s.keys, SeenKey(entity, platform, fingerprint))
	s.mu.Unlock()
	return nil
}
