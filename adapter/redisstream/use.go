package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xgate"
)

const TransportName = "redis-streams"

func init() {
	if err := xgate.RegisterTransport(TransportName, func(cfg map[string]any) (xgate.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xgate: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Broker over Redis Streams. It panics when the transport
// cannot be built, which suits process start-up.
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return broker
}
