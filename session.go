package xgate

import (
	"context"
	"time"

	"github.com/trickstertwo/xlog"
)

// Session is advisory per-address state. Losing it only resets continuity.
type Session map[string]string

// SessionKey derives the cache key for an address on a transport.
func SessionKey(address, transport string) string {
	return "session:" + transport + ":" + address
}

// SessionCache fronts a CacheBackend. Backend failures never reach callers:
// reads degrade to a miss and writes are dropped, both logged.
type SessionCache struct {
	backend CacheBackend
	ttl     time.Duration
	logger  *xlog.Logger
}

// NewSessionCache returns a cache with the given default TTL (5m if <= 0).
func NewSessionCache(backend CacheBackend, defaultTTL time.Duration, logger *xlog.Logger) *SessionCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &SessionCache{backend: backend, ttl: defaultTTL, logger: logger}
}

// DefaultTTL returns the TTL used when Put is called with ttl <= 0.
func (c *SessionCache) DefaultTTL() time.Duration { return c.ttl }

// Get returns the cached session, if any.
func (c *SessionCache) Get(ctx context.Context, key string) (Session, bool) {
	raw, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("xgate: session cache read failed, treating as miss")
		return nil, false
	}
	if !found {
		return nil, false
	}
	var s Session
	if err := jsonAPI.Unmarshal(raw, &s); err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("xgate: session cache entry unreadable, treating as miss")
		return nil, false
	}
	if s == nil {
		// a stored null
		return nil, false
	}
	return s, true
}

// GetOrCreate always returns a usable session. created reports whether the
// factory ran; a fresh session is written back with the default TTL.
func (c *SessionCache) GetOrCreate(ctx context.Context, key string, factory func() Session) (s Session, created bool) {
	if s, ok := c.Get(ctx, key); ok {
		return s, false
	}
	if factory != nil {
		s = factory()
	}
	if s == nil {
		s = Session{}
	}
	c.Put(ctx, key, s, 0)
	return s, true
}

// Put stores s under key for ttl (default TTL when ttl <= 0).
func (c *SessionCache) Put(ctx context.Context, key string, s Session, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := jsonAPI.Marshal(s)
	if err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("xgate: session encode failed")
		return
	}
	if err := c.backend.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("xgate: session cache write failed")
	}
}

// Invalidate removes key.
func (c *SessionCache) Invalidate(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("xgate: session cache delete failed")
	}
}
