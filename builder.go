package xgate

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BrokerBuilder constructs Broker instances (Builder pattern).
type BrokerBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	observers []Observer
	logger    *xlog.Logger
	clock     xclock.Clock

	ackTimeout time.Duration
	retry      RetryPolicy
	mode       PublishMode
	bufferSize int

	poolWorkers int
	poolBuffer  int
}

// NewBrokerBuilder returns a new builder with sensible defaults.
func NewBrokerBuilder() *BrokerBuilder {
	return &BrokerBuilder{
		codecName:  "json",
		ackTimeout: 5 * time.Second,
		retry:      DefaultRetryPolicy(),
		mode:       PublishFailFast,
		bufferSize: 1024,
	}
}

func (bb *BrokerBuilder) WithTransport(name string, cfg map[string]any) *BrokerBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter NewTransport).
func (bb *BrokerBuilder) WithTransportInstance(t Transport) *BrokerBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BrokerBuilder) WithCodec(name string) *BrokerBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BrokerBuilder) WithCodecInstance(c Codec) *BrokerBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BrokerBuilder) WithObserver(obs ...Observer) *BrokerBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool dispatches observer notifications asynchronously.
func (bb *BrokerBuilder) WithObserverPool(workers, bufferSize int) *BrokerBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BrokerBuilder) WithLogger(l *xlog.Logger) *BrokerBuilder {
	bb.logger = l
	return bb
}

func (bb *BrokerBuilder) WithClock(c xclock.Clock) *BrokerBuilder {
	bb.clock = c
	return bb
}

func (bb *BrokerBuilder) WithAckTimeout(d time.Duration) *BrokerBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// WithRetryPolicy sets how long publishes are retried before the publish
// mode takes over.
func (bb *BrokerBuilder) WithRetryPolicy(p RetryPolicy) *BrokerBuilder {
	bb.retry = p
	return bb
}

// WithPublishBuffer switches to PublishBuffer mode with the given capacity.
// A capacity < 1 restores fail-fast publishing.
func (bb *BrokerBuilder) WithPublishBuffer(capacity int) *BrokerBuilder {
	if capacity < 1 {
		bb.mode = PublishFailFast
		return bb
	}
	bb.mode = PublishBuffer
	bb.bufferSize = capacity
	return bb
}

func (bb *BrokerBuilder) Build() (*Broker, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Broker{
		transport:  tr,
		codec:      cd,
		clock:      clk,
		logger:     lg,
		retry:      bb.retry,
		mode:       bb.mode,
		ackTimeout: bb.ackTimeout,
		metrics:    &brokerMetrics{},
	}

	if bb.poolWorkers > 0 {
		b.observerPool = NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer)
	}

	if bb.mode == PublishBuffer {
		b.buffer = newPublishBuffer(bb.bufferSize, bb.retry, lg,
			func(ctx context.Context, p pendingPublish) error {
				return tr.Publish(ctx, p.queue, p.env)
			},
			func(pendingPublish) { b.metrics.publishCount.Add(1) },
		)
	}

	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// NewBroker constructs a Broker via Builder and returns a close func for convenience.
func NewBroker(init func(b *BrokerBuilder)) (*Broker, func() error, error) {
	b := NewBrokerBuilder()
	if init != nil {
		init(b)
	}
	broker, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return broker.Close(context.Background()) }
	return broker, closeFn, nil
}
