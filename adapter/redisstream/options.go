package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xlog"
)

// Option configures the xgate.BrokerBuilder when calling Use.
type Option func(*xgate.BrokerBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xgate.BrokerBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xgate.BrokerBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xgate.BrokerBuilder) { b.WithCodec(name) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xgate.BrokerBuilder) { b.WithAckTimeout(d) }
}

// WithRetryPolicy sets the publish retry policy.
func WithRetryPolicy(p xgate.RetryPolicy) Option {
	return func(b *xgate.BrokerBuilder) { b.WithRetryPolicy(p) }
}

// WithPublishBuffer parks publishes that exhaust their retries instead of
// failing them.
func WithPublishBuffer(capacity int) Option {
	return func(b *xgate.BrokerBuilder) { b.WithPublishBuffer(capacity) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xgate.Observer) Option {
	return func(b *xgate.BrokerBuilder) { b.WithObserver(obs...) }
}
