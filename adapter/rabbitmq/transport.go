package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xgate"
)

const dlxSuffix = "-dlx"

var errClosed = errors.New("rabbitmq: transport closed")

type transport struct {
	cfg     Config
	backoff xgate.RetryPolicy

	mu   sync.Mutex
	conn *amqp.Connection

	// publishing shares one confirm-mode channel.
	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]struct{}

	closed  atomic.Bool
	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	reconnects    atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Reconnects    uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// NewTransport dials the broker once to fail fast on bad configuration.
func NewTransport(cfg Config) (xgate.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &transport{
		cfg:      cfg,
		backoff:  xgate.RetryPolicy{MinBackoff: cfg.ReconnectDelay, MaxBackoff: cfg.MaxReconnectDelay},
		declared: make(map[string]struct{}),
		metrics:  &transportMetrics{},
	}
	if _, err := t.connection(); err != nil {
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
		Reconnects:    t.metrics.reconnects.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// connection returns the live connection, dialling a new one if the last
// was closed.
func (t *transport) connection() (*amqp.Connection, error) {
	if t.closed.Load() {
		return nil, errClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, nil
	}
	if t.conn != nil {
		t.metrics.reconnects.Add(1)
	}
	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{
		Heartbeat:  t.cfg.Heartbeat,
		Properties: amqp.Table{"connection_name": t.cfg.ConnectionName},
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	t.conn = conn
	return conn, nil
}

// declare sets up queue and, when dead lettering is on, its dead-letter
// exchange and queue. Arguments must be identical everywhere the queue is
// declared or the broker closes the channel.
func (t *transport) declare(ch *amqp.Channel, queue string) error {
	args := queueArgs(queue, t.cfg.DeadLetter)
	if t.cfg.DeadLetter {
		dlx := queue + dlxSuffix
		if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(dlx, true, false, false, false, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(dlx, "", dlx, false, nil); err != nil {
			return err
		}
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, args)
	return err
}

func queueArgs(queue string, deadLetter bool) amqp.Table {
	if !deadLetter {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": queue + dlxSuffix}
}

// Publish sends envelopes to the default exchange with queue as routing key
// and waits for the broker to confirm each one.
func (t *transport) Publish(ctx context.Context, queue string, envs ...*xgate.Envelope) error {
	if t.closed.Load() {
		return errClosed
	}
	if len(envs) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.PublishTimeout)
		defer cancel()
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	err := t.publishLocked(ctx, queue, envs)
	if err != nil {
		t.metrics.publishErrors.Add(uint64(len(envs)))
		// The channel may be unusable now; open a fresh one next time.
		t.resetPublisherLocked()
		return err
	}
	t.metrics.published.Add(uint64(len(envs)))
	return nil
}

func (t *transport) publishLocked(ctx context.Context, queue string, envs []*xgate.Envelope) error {
	ch, err := t.publisherLocked()
	if err != nil {
		return err
	}
	if _, ok := t.declared[queue]; !ok {
		if err := t.declare(ch, queue); err != nil {
			return fmt.Errorf("rabbitmq: declare %s: %w", queue, err)
		}
		t.declared[queue] = struct{}{}
	}

	confirms := make([]*amqp.DeferredConfirmation, 0, len(envs))
	for _, env := range envs {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, toPublishing(env))
		if err != nil {
			return fmt.Errorf("rabbitmq: publish to %s: %w", queue, err)
		}
		confirms = append(confirms, dc)
	}
	for _, dc := range confirms {
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("rabbitmq: confirm on %s: %w", queue, err)
		}
		if !acked {
			return fmt.Errorf("rabbitmq: broker nacked publish to %s", queue)
		}
	}
	return nil
}

func (t *transport) publisherLocked() (*amqp.Channel, error) {
	if t.pubCh != nil {
		return t.pubCh, nil
	}
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: confirm mode: %w", err)
	}
	t.pubCh = ch
	return ch, nil
}

func (t *transport) resetPublisherLocked() {
	if t.pubCh != nil {
		_ = t.pubCh.Close()
		t.pubCh = nil
	}
	t.declared = make(map[string]struct{})
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

// Subscribe consumes queue until the subscription is closed, redialling
// whenever the connection or channel drops. The topology is declared
// before returning so a misconfigured queue fails here.
func (t *transport) Subscribe(ctx context.Context, queue, group string, handler func(xgate.Delivery)) (xgate.Subscription, error) {
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := t.declare(ch, queue); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: declare %s: %w", queue, err)
	}
	_ = ch.Close()

	name := group
	if name == "" {
		name = queue
	}
	tag := fmt.Sprintf("%s-%s", name, xid.New())

	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.consumeLoop(innerCtx, queue, tag, handler)
	}()

	return &subscription{close: func() error {
		cancel()
		<-done
		return nil
	}}, nil
}

func (t *transport) consumeLoop(ctx context.Context, queue, tag string, handler func(xgate.Delivery)) {
	attempt := 0
	for {
		started := time.Now()
		err := t.consume(ctx, queue, tag, handler)
		if ctx.Err() != nil || t.closed.Load() {
			return
		}
		if err != nil {
			t.metrics.consumeErrors.Add(1)
		}
		// A session that ran for a while starts the backoff over.
		if time.Since(started) > t.cfg.MaxReconnectDelay {
			attempt = 0
		}
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.backoff.Backoff(attempt)):
		}
	}
}

// consume runs one channel session. It returns when ctx ends, the channel
// closes or an ack fails.
func (t *transport) consume(ctx context.Context, queue, tag string, handler func(xgate.Delivery)) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(context.Background())

	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return ch.Cancel(tag, false)
		case <-egCtx.Done():
			return nil
		case chErr := <-ch.NotifyClose(make(chan *amqp.Error, 1)):
			if chErr == nil {
				return errors.New("rabbitmq: channel closed")
			}
			return chErr
		}
	})

	eg.Go(func() error {
		for msg := range deliveries {
			d := &delivery{t: t, msg: msg, env: fromDelivery(msg)}
			t.metrics.consumed.Add(1)
			handler(d)
			if d.err != nil {
				return fmt.Errorf("rabbitmq: acknowledge: %w", d.err)
			}
			if d.requeued && t.cfg.RedeliveryDelay > 0 {
				select {
				case <-time.After(t.cfg.RedeliveryDelay):
				case <-ctx.Done():
				}
			}
		}
		// Deliveries close after Cancel or when the channel dies.
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("rabbitmq: delivery stream ended")
	})

	return eg.Wait()
}

// Close closes the shared connection. Subscriptions should be closed first.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.pubMu.Lock()
	t.resetPublisherLocked()
	t.pubMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.IsClosed() {
		return nil
	}
	return t.conn.Close()
}
