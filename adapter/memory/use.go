package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xlog"
)

// Use builds a Broker over a fresh in-memory transport. The transport is
// returned too so tests can inspect queue depths.
//
// Example:
//
//	broker, tr := memory.Use(memory.Config{BufferSize: 4096},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) (*xgate.Broker, *Transport) {
	tr := NewTransport(cfg)
	bb := xgate.NewBrokerBuilder().WithTransportInstance(tr)
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	broker, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return broker, tr
}

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

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xgate.BrokerBuilder) { b.WithCodec(name) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xgate.BrokerBuilder) { b.WithAckTimeout(d) }
}

// WithRetryPolicy sets the publish retry policy.
func WithRetryPolicy(p xgate.RetryPolicy) Option {
	return func(b *xgate.BrokerBuilder) { b.WithRetryPolicy(p) }
}

// WithPublishBuffer switches publishing to buffered mode.
func WithPublishBuffer(capacity int) Option {
	return func(b *xgate.BrokerBuilder) { b.WithPublishBuffer(capacity) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xgate.Observer) Option {
	return func(b *xgate.BrokerBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xgate.BrokerBuilder) { b.WithObserverPool(workers, bufferSize) }
}
