package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/trickstertwo/xgate"
)

var errClosed = errors.New("natsjs: transport closed")

type transport struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext

	closed  atomic.Bool
	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	publishErrors atomic.Uint64
	fetchErrors   atomic.Uint64
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	PublishErrors uint64
	FetchErrors   uint64
}

// NewTransport connects and makes sure the stream exists.
func NewTransport(cfg Config) (xgate.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("natsjs: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsjs: jetstream: %w", err)
	}
	t := &transport{cfg: cfg, nc: nc, js: js, metrics: &transportMetrics{}}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		FetchErrors:   t.metrics.fetchErrors.Load(),
	}
}

func (t *transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("natsjs: stream info %s: %w", t.cfg.Stream, err)
	}
	if _, err := t.js.AddStream(streamConfig(t.cfg)); err != nil {
		return fmt.Errorf("natsjs: add stream %s: %w", t.cfg.Stream, err)
	}
	return nil
}

func streamConfig(cfg Config) *nats.StreamConfig {
	storage := nats.FileStorage
	if cfg.MemoryOnly {
		storage = nats.MemoryStorage
	}
	return &nats.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ">"},
		Storage:    storage,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.Duplicates,
	}
}

func (t *transport) subject(queue string) string {
	return t.cfg.SubjectPrefix + queue
}

// durableName derives the consumer name for a queue and group. Consumer
// names may not contain '.', '*' or '>'.
func durableName(queue, group string) string {
	name := queue
	if group != "" {
		name = group + "__" + queue
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}

// Publish stores each envelope in the stream and waits for its ack.
func (t *transport) Publish(ctx context.Context, queue string, envs ...*xgate.Envelope) error {
	if t.closed.Load() {
		return errClosed
	}
	subject := t.subject(queue)
	for i, env := range envs {
		opts := []nats.PubOpt{nats.Context(ctx)}
		if env.ID != "" {
			opts = append(opts, nats.MsgId(env.ID))
		}
		if _, err := t.js.PublishMsg(toMsg(subject, env), opts...); err != nil {
			t.metrics.publishErrors.Add(uint64(len(envs) - i))
			return fmt.Errorf("natsjs: publish to %s: %w", subject, err)
		}
		t.metrics.published.Add(1)
	}
	return nil
}

type subscription struct {
	once  sync.Once
	close func() error
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.close() })
	return err
}

// Subscribe binds a pull subscription to the durable consumer for queue
// and group, creating the consumer if needed.
func (t *transport) Subscribe(ctx context.Context, queue, group string, handler func(xgate.Delivery)) (xgate.Subscription, error) {
	if t.closed.Load() {
		return nil, errClosed
	}
	subject := t.subject(queue)
	durable := durableName(queue, group)

	_, err := t.js.AddConsumer(t.cfg.Stream, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		MaxAckPending: 1,
	})
	if err != nil && !consumerExists(err) {
		return nil, fmt.Errorf("natsjs: add consumer %s: %w", durable, err)
	}
	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.cfg.Stream, durable))
	if err != nil {
		return nil, fmt.Errorf("natsjs: subscribe %s: %w", subject, err)
	}

	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.fetchLoop(innerCtx, sub, handler)
	}()

	return &subscription{close: func() error {
		cancel()
		<-done
		// Bound consumers are not deleted by Unsubscribe.
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			return err
		}
		return nil
	}}, nil
}

// consumerExists reports errors meaning the durable is already there,
// possibly with an older configuration; binding to it is still correct.
func consumerExists(err error) bool {
	if errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeConsumerAlreadyExists
}

func (t *transport) fetchLoop(ctx context.Context, sub *nats.Subscription, handler func(xgate.Delivery)) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(1, nats.MaxWait(t.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				backoff = 100 * time.Millisecond
				continue
			}
			if t.closed.Load() {
				return
			}
			t.metrics.fetchErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, msg := range msgs {
			d := &delivery{t: t, msg: msg, env: fromMsg(msg)}
			t.metrics.consumed.Add(1)
			handler(d)
		}
	}
}

// Close drains the connection. Subscriptions should be closed first.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return err
	}
	return nil
}
