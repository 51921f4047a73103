package offline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tasksync/tasksync/pkg/errors"
)

// CacheStore is the backing storage for the fallback cache. The
// in-memory store serves a single process; the redis store lets several
// processes share one cache.
type CacheStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	ClearExpired(ctx context.Context) int
}

// Cache is a key/value cache with per-entry TTL, used as a read
// fallback when the remote is unreachable.
type Cache struct {
	store      CacheStore
	defaultTTL time.Duration
}

// NewCache creates a cache over the given store
func NewCache(store CacheStore, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{
		store:      store,
		defaultTTL: defaultTTL,
	}
}

// Set stores a value under key with the given TTL (0 means default)
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.store.Set(ctx, key, data, ttl)
}

// Get retrieves a value into dest, reporting whether a live entry existed
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}
	return true, nil
}

// Delete removes an entry
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// ClearExpired evicts dead entries and returns how many were removed
func (c *Cache) ClearExpired(ctx context.Context) int {
	return c.store.ClearExpired(ctx)
}

// memoryEntry is a cached value with its expiry
type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is the in-process CacheStore
type MemoryStore struct {
	mutex   sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an in-memory cache store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[key] = memoryEntry{
		data:      value,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mutex.RLock()
	entry, ok := s.entries[key]
	s.mutex.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mutex.Lock()
		delete(s.entries, key)
		s.mutex.Unlock()
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) ClearExpired(_ context.Context) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// RedisStore is a CacheStore backed by redis, for deployments where
// several sync processes share a fallback cache. Redis expires entries
// itself, so ClearExpired is a no-op.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a redis-backed cache store
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tasksync:cache:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return errors.NewInternalError("failed to set redis cache value").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewInternalError("failed to get redis cache value").WithCause(err)
	}
	return data, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.NewInternalError("failed to delete redis cache value").WithCause(err)
	}
	return nil
}

func (s *RedisStore) ClearExpired(_ context.Context) int {
	return 0
}
