package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xgate"
)

const (
	StoreName = "memory"
	CacheName = "memory"
)

func init() {
	if err := xgate.RegisterStore(StoreName, func(map[string]any) (xgate.Store, error) {
		return NewStore(), nil
	}); err != nil {
		panic(fmt.Errorf("xgate/memory: failed to register store: %w", err))
	}
	if err := xgate.RegisterCache(CacheName, func(map[string]any) (xgate.CacheBackend, error) {
		return NewCache(xclock.Default()), nil
	}); err != nil {
		panic(fmt.Errorf("xgate/memory: failed to register cache: %w", err))
	}
}

// Store is a map-backed xgate.Store.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

var _ xgate.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{buckets: make(map[string]map[string][]byte)}
}

func (s *Store) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Set(_ context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

// Incr keeps counters as decimal text, the way the Redis store does.
func (s *Store) Incr(_ context.Context, bucket, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	var n int64
	if raw, ok := b[key]; ok {
		var err error
		if n, err = strconv.ParseInt(string(raw), 10, 64); err != nil {
			return 0, fmt.Errorf("memory store: %s/%s is not a counter", bucket, key)
		}
	}
	n += delta
	b[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (s *Store) Keys(_ context.Context, bucket string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) Close() error { return nil }

// Cache is a map-backed xgate.CacheBackend with lazy expiry.
type Cache struct {
	clock   xgate.Clock
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   []byte
	expires time.Time
}

var _ xgate.CacheBackend = (*Cache)(nil)

func NewCache(clock xgate.Clock) *Cache {
	if clock == nil {
		clock = xclock.Default()
	}
	return &Cache{clock: clock, entries: make(map[string]cacheEntry)}
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = c.clock.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}
