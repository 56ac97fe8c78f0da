package xgate

import (
	"context"
	"time"
)

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received envelope with Ack/Nack semantics.
// Nack asks the transport to redeliver.
type Delivery interface {
	Envelope() *Envelope
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
//
// A subscription must invoke its handler for one delivery at a time, in
// arrival order, and must resume consumption by itself after a disconnect.
type Transport interface {
	Publish(ctx context.Context, queue string, envs ...*Envelope) error
	Subscribe(ctx context.Context, queue, group string, handler func(Delivery)) (Subscription, error)
	Close(ctx context.Context) error
}

// Store is the key-value client used for durable state. Keys live in named
// buckets. Every failure is reported as (or wraps) ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Set(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	// Incr adds delta to an integer counter, creating it at zero first.
	Incr(ctx context.Context, bucket, key string, delta int64) (int64, error)
	// Keys lists the keys of a bucket in no particular order.
	Keys(ctx context.Context, bucket string) ([]string, error)
	Close() error
}

// CacheBackend is the minimal surface SessionCache needs from a cache service.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Clock is the part of xclock.Clock the core reads time through.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Observer receives broker lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e BusEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

var (
	_ HealthChecker = (*Broker)(nil)
	_ Publisher     = (*Broker)(nil)
)
