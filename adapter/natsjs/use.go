package natsjs

import (
	"fmt"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xlog"
)

const TransportName = "nats-jetstream"

func init() {
	if err := xgate.RegisterTransport(TransportName, func(cfg map[string]any) (xgate.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xgate: failed to register transport %q: %w", TransportName, err))
	}
}

// Option configures the xgate.BrokerBuilder when calling Use.
type Option func(*xgate.BrokerBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *xgate.BrokerBuilder) { b.WithLogger(l) }
}

func WithRetryPolicy(p xgate.RetryPolicy) Option {
	return func(b *xgate.BrokerBuilder) { b.WithRetryPolicy(p) }
}

func WithPublishBuffer(capacity int) Option {
	return func(b *xgate.BrokerBuilder) { b.WithPublishBuffer(capacity) }
}

// Use builds a Broker over JetStream. It panics when the server cannot be
// reached, which suits process start-up.
func Use(cfg Config, opts ...Option) *xgate.Broker {
	bb := xgate.NewBrokerBuilder().
		WithTransport(TransportName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	broker, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("natsjs.Use: %w", err))
	}
	return broker
}
