package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultIdempotencyTTL bounds how long a delivered event is remembered.
// Vendors stop redelivering well inside three days.
const DefaultIdempotencyTTL = 72 * time.Hour

// IdempotencyStore remembers which job an event key produced. Implementations
// must be safe for concurrent use.
type IdempotencyStore interface {
	// Reserve binds key to jobID unless it is already bound. It returns the
	// job id the key is bound to and whether this call made the binding.
	Reserve(ctx context.Context, key string, jobID uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error)
	// Release forgets key so that a redelivery is processed again.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	jobID     uuid.UUID
	expiresAt time.Time
}

// MemoryStore is an in-process IdempotencyStore with TTL expiry and a
// background sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a MemoryStore. Call Stop to end the sweep.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// Stop terminates the background sweep.
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, jobID uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error) {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.jobID, false, nil
	}
	s.entries[key] = memoryEntry{jobID: jobID, expiresAt: now.Add(ttl)}
	return jobID, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// RedisStore shares idempotency keys between replicas with SET NX.
type RedisStore struct {
	c      *redis.Client
	prefix string
}

func NewRedisStore(c *redis.Client) *RedisStore {
	return &RedisStore{c: c, prefix: "holovitals:webhook:"}
}

func (r *RedisStore) Reserve(ctx context.Context, key string, jobID uuid.UUID, ttl time.Duration) (uuid.UUID, bool, error) {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	k := r.prefix + key
	// The key can expire between SETNX and GET; one more round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.c.SetNX(ctx, k, jobID.String(), ttl).Result()
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("reserve webhook key: %w", err)
		}
		if ok {
			return jobID, true, nil
		}
		val, err := r.c.Get(ctx, k).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("read webhook key: %w", err)
		}
		prior, err := uuid.Parse(val)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("corrupt webhook key %q: %w", k, err)
		}
		return prior, false, nil
	}
	return uuid.Nil, false, fmt.Errorf("reserve webhook key %q: key kept expiring", k)
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	return r.c.Del(ctx, r.prefix+key).Err()
}
