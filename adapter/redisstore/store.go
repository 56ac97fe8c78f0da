package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xgate"
)

const (
	StoreName = "redis"
	CacheName = "redis"
)

func init() {
	if err := xgate.RegisterStore(StoreName, func(cfg map[string]any) (xgate.Store, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xgate/redisstore: failed to register store: %w", err))
	}
	if err := xgate.RegisterCache(CacheName, func(cfg map[string]any) (xgate.CacheBackend, error) {
		return NewCache(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xgate/redisstore: failed to register cache: %w", err))
	}
}

func newClient(cfg Config) (*redis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xgate.StoreError("ping", err)
	}
	return client, nil
}

// Store keeps each bucket entry as a plain string key "<prefix><bucket>:<key>".
// Counters are the same keys driven by INCRBY.
type Store struct {
	client *redis.Client
	prefix string
	scan   int64
}

var _ xgate.Store = (*Store)(nil)

func NewStore(cfg Config) (*Store, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{client: client, prefix: cfg.Prefix, scan: cfg.ScanCount}, nil
}

// NewStoreWithClient wraps an existing client; Close closes it.
func NewStoreWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, scan: Defaults().ScanCount}
}

func (s *Store) key(bucket, key string) string { return s.prefix + bucket + ":" + key }

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.key(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xgate.StoreError("get", err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, bucket, key string, value []byte) error {
	return xgate.StoreError("set", s.client.Set(ctx, s.key(bucket, key), value, 0).Err())
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return xgate.StoreError("delete", s.client.Del(ctx, s.key(bucket, key)).Err())
}

func (s *Store) Incr(ctx context.Context, bucket, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, s.key(bucket, key), delta).Result()
	if err != nil {
		return 0, xgate.StoreError("incr", err)
	}
	return n, nil
}

// Keys walks the bucket with SCAN, so it never blocks the server.
func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	head := s.prefix + bucket + ":"
	pattern := escapeGlob(head) + "*"

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, s.scan).Result()
		if err != nil {
			return nil, xgate.StoreError("keys", err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, head))
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *Store) Close() error { return s.client.Close() }

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Cache is an xgate.CacheBackend over SET EX / GET / DEL.
type Cache struct {
	client *redis.Client
	prefix string
}

var _ xgate.CacheBackend = (*Cache)(nil)

func NewCache(cfg Config) (*Cache, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Cache{client: client, prefix: cfg.Prefix}, nil
}

// NewCacheWithClient wraps an existing client.
func NewCacheWithClient(client *redis.Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value with ttl; ttl <= 0 keeps the key without expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func (c *Cache) Close() error { return c.client.Close() }
