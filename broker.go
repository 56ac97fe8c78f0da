package xgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// PublishMode selects what happens once publish retries are exhausted.
type PublishMode string

const (
	// PublishFailFast reports ErrBrokerUnavailable to the caller.
	PublishFailFast PublishMode = "fail-fast"
	// PublishBuffer parks envelopes in a bounded in-memory buffer that is
	// drained in order once the transport recovers.
	PublishBuffer PublishMode = "buffer"
)

// Publisher is the publishing half of the Broker, used by workers.
type Publisher interface {
	PublishMessage(ctx context.Context, queue string, m *Message) error
	PublishEvent(ctx context.Context, queue string, e *Event) error
}

// EnvelopeHandler processes one delivery. A nil return acks the envelope,
// an error nacks it for redelivery.
type EnvelopeHandler func(ctx context.Context, env *Envelope) error

// Broker is the central Facade handling publish/subscribe against a Transport.
type Broker struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	retry        RetryPolicy
	mode         PublishMode
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *brokerMetrics
	buffer       *publishBuffer
	closed       atomic.Bool
	closeOnce    sync.Once
}

type brokerMetrics struct {
	publishCount  atomic.Uint64
	bufferedCount atomic.Uint64
	failCount     atomic.Uint64
	consumeCount  atomic.Uint64
	ackCount      atomic.Uint64
	nackCount     atomic.Uint64
	errorCount    atomic.Uint64
	processingNs  atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Broker) Codec() Codec { return b.codec }

// Clock returns the injected clock.
func (b *Broker) Clock() xclock.Clock { return b.clock }

// Logger returns the broker logger.
func (b *Broker) Logger() *xlog.Logger { return b.logger }

// PublishMessage encodes m and publishes it to queue.
func (b *Broker) PublishMessage(ctx context.Context, queue string, m *Message) error {
	env, err := EncodeMessage(b.codec, m, b.clock.Now())
	if err != nil {
		return err
	}
	return b.Publish(ctx, queue, env)
}

// PublishEvent encodes e and publishes it to queue.
func (b *Broker) PublishEvent(ctx context.Context, queue string, e *Event) error {
	env, err := EncodeEvent(b.codec, e, b.clock.Now())
	if err != nil {
		return err
	}
	return b.Publish(ctx, queue, env)
}

// Publish sends env to queue, retrying transport failures per the retry
// policy. Once retries are exhausted the envelope is either buffered or the
// call fails with ErrBrokerUnavailable, depending on the publish mode.
func (b *Broker) Publish(ctx context.Context, queue string, env *Envelope) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if queue == "" {
		return ErrInvalidQueue
	}
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidMessage)
	}

	// Keep per-queue order: nothing overtakes envelopes already parked.
	if b.buffer != nil && b.buffer.pending() {
		return b.park(queue, env, nil)
	}

	start := b.clock.Now()
	b.notifyAsync(BusEvent{Type: EventPublishStart, Queue: queue, EnvelopeID: env.ID, Kind: env.Kind})

	err := b.retry.Do(ctx, retryablePublish, func(ctx context.Context) error {
		return b.transport.Publish(ctx, queue, env)
	})

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notifyAsync(BusEvent{
		Type:       EventPublishDone,
		Queue:      queue,
		EnvelopeID: env.ID,
		Kind:       env.Kind,
		Duration:   duration,
		Err:        err,
	})

	if err == nil {
		b.metrics.publishCount.Add(1)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if b.buffer != nil {
		return b.park(queue, env, err)
	}

	b.metrics.failCount.Add(1)
	b.metrics.errorCount.Add(1)
	b.logger.Error().Str("queue", queue).Str("envelope_id", env.ID).Err(err).Msg("xgate: publish failed after retries")
	return fmt.Errorf("%w: publish to %s: %w", ErrBrokerUnavailable, queue, err)
}

func (b *Broker) park(queue string, env *Envelope, cause error) error {
	if !b.buffer.push(pendingPublish{queue: queue, env: env}) {
		b.metrics.failCount.Add(1)
		b.metrics.errorCount.Add(1)
		b.logger.Error().Str("queue", queue).Str("envelope_id", env.ID).Err(cause).Msg("xgate: publish buffer full")
		return ErrPublishBufferFull
	}
	b.metrics.bufferedCount.Add(1)
	b.notifyAsync(BusEvent{Type: EventPublishBuffered, Queue: queue, EnvelopeID: env.ID, Kind: env.Kind, Err: cause})
	if cause != nil {
		b.logger.Warn().Str("queue", queue).Str("envelope_id", env.ID).Err(cause).Msg("xgate: transport unavailable, envelope buffered")
	}
	return nil
}

func retryablePublish(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Subscribe registers a handler under a consumer group for a queue.
func (b *Broker) Subscribe(ctx context.Context, queue, group string, handler EnvelopeHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if queue == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	hctx := InjectAll(ctx, b.codec, b.logger, b.clock)

	sub, err := b.transport.Subscribe(ctx, queue, group, func(d Delivery) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn().Str("queue", queue).Msg("xgate: handler panic (recovered)")
					b.metrics.errorCount.Add(1)
					b.metrics.nackCount.Add(1)
					b.ackWithTimeout(hctx, d, false, ErrHandlerPanic)
				}
			}()

			b.metrics.consumeCount.Add(1)
			env := d.Envelope()

			b.notifyAsync(BusEvent{Type: EventConsumeStart, Queue: queue, Group: group, EnvelopeID: env.ID, Kind: env.Kind})

			start := b.clock.Now()
			err := handler(hctx, env)

			duration := b.clock.Since(start)
			b.recordProcessingTime(duration.Nanoseconds())

			b.notifyAsync(BusEvent{
				Type:       EventConsumeDone,
				Queue:      queue,
				Group:      group,
				EnvelopeID: env.ID,
				Kind:       env.Kind,
				Duration:   duration,
				Err:        err,
			})

			if err == nil {
				b.metrics.ackCount.Add(1)
				b.ackWithTimeout(hctx, d, true, nil)
				b.notifyAsync(BusEvent{Type: EventAck, Queue: queue, Group: group, EnvelopeID: env.ID, Kind: env.Kind})
				return
			}

			b.metrics.nackCount.Add(1)
			b.ackWithTimeout(hctx, d, false, err)
			b.notifyAsync(BusEvent{Type: EventNack, Queue: queue, Group: group, EnvelopeID: env.ID, Kind: env.Kind, Err: err})
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrBrokerUnavailable, queue, err)
	}
	return sub, nil
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (b *Broker) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := context.WithoutCancel(ctx)
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(BusEvent{Type: EventError, Err: err})
			b.logger.Warn().Err(err).Msg("xgate: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(BusEvent{Type: EventError, Err: err})
		b.logger.Warn().Err(err).Msg("xgate: nack failed")
	}
}

// GetMetrics returns current broker metrics.
func (b *Broker) GetMetrics() Metrics {
	m := Metrics{
		Published:           b.metrics.publishCount.Load(),
		Buffered:            b.metrics.bufferedCount.Load(),
		PublishFailures:     b.metrics.failCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	if b.buffer != nil {
		m.BufferDepth = b.buffer.len()
	}
	return m
}

// Health reports degraded while envelopes are parked or errors exceed 5%
// of publishes.
func (b *Broker) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: now,
			Message:   "broker is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	msg := ""

	if metrics.Errors > 0 && metrics.Published > 0 {
		errorRate := float64(metrics.Errors) / float64(metrics.Published)
		if errorRate > 0.05 {
			status = "degraded"
			msg = "error rate above 5%"
		}
	}
	if metrics.BufferDepth > 0 {
		status = "degraded"
		msg = fmt.Sprintf("%d envelopes buffered", metrics.BufferDepth)
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: now,
		Message:   msg,
	}
}

// Close gracefully shuts down the broker. Buffered envelopes get one last
// drain attempt bounded by ctx; anything left is logged as lost.
func (b *Broker) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.buffer != nil {
			lost := b.buffer.stop(ctx)
			if lost > 0 {
				b.logger.Error().Str("lost", fmt.Sprint(lost)).Msg("xgate: buffered envelopes not delivered before close")
				closeErr = fmt.Errorf("%w: %d buffered envelopes not delivered", ErrBrokerUnavailable, lost)
			}
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xgate: observer pool shutdown timeout")
				closeErr = errors.Join(closeErr, err)
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xgate: transport close failed")
			closeErr = errors.Join(closeErr, err)
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Broker) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Broker) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

func (b *Broker) notifyAsync(e BusEvent) {
	if b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool == nil {
		for _, o := range observers {
			o.OnEvent(e)
		}
		return
	}
	b.observerPool.Notify(e, observers)
}

// recordProcessingTime records processing time using exponential moving average.
func (b *Broker) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}

type pendingPublish struct {
	queue string
	env   *Envelope
}

// publishBuffer parks envelopes while the transport is unreachable. The
// head stays in items until it is published so that concurrent publishers
// keep queueing behind it.
type publishBuffer struct {
	mu       sync.Mutex
	items    []pendingPublish
	capacity int

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	stopCtx atomic.Pointer[context.Context]

	send   func(ctx context.Context, p pendingPublish) error
	onSent func(p pendingPublish)
	retry  RetryPolicy
	logger *xlog.Logger
}

func newPublishBuffer(capacity int, retry RetryPolicy, logger *xlog.Logger, send func(context.Context, pendingPublish) error, onSent func(pendingPublish)) *publishBuffer {
	pb := &publishBuffer{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		send:     send,
		onSent:   onSent,
		retry:    retry.complete(),
		logger:   logger,
	}
	go pb.drain()
	return pb
}

func (pb *publishBuffer) pending() bool { return pb.len() > 0 }

func (pb *publishBuffer) len() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return len(pb.items)
}

func (pb *publishBuffer) push(p pendingPublish) bool {
	pb.mu.Lock()
	if len(pb.items) >= pb.capacity {
		pb.mu.Unlock()
		return false
	}
	pb.items = append(pb.items, p)
	pb.mu.Unlock()

	select {
	case pb.wake <- struct{}{}:
	default:
	}
	return true
}

func (pb *publishBuffer) head() (pendingPublish, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if len(pb.items) == 0 {
		return pendingPublish{}, false
	}
	return pb.items[0], true
}

func (pb *publishBuffer) pop() {
	pb.mu.Lock()
	pb.items[0] = pendingPublish{}
	pb.items = pb.items[1:]
	pb.mu.Unlock()
}

func (pb *publishBuffer) drain() {
	defer close(pb.stopped)
	attempt := 0
	for {
		p, ok := pb.head()
		if !ok {
			attempt = 0
			select {
			case <-pb.wake:
				continue
			case <-pb.done:
				return
			}
		}

		ctx := context.Background()
		if sc := pb.stopCtx.Load(); sc != nil {
			ctx = *sc
		}
		if err := pb.send(ctx, p); err != nil {
			select {
			case <-pb.done:
				// Closing: one attempt per envelope, no backoff.
				if ctx.Err() != nil {
					return
				}
				pb.logger.Warn().Str("queue", p.queue).Err(err).Msg("xgate: buffered publish failed during close")
				return
			default:
			}
			attempt++
			select {
			case <-time.After(pb.retry.Backoff(attempt)):
			case <-pb.done:
			}
			continue
		}
		attempt = 0
		pb.pop()
		pb.onSent(p)
	}
}

// stop asks the drain loop to flush what it can within ctx and returns the
// number of envelopes left behind.
func (pb *publishBuffer) stop(ctx context.Context) int {
	pb.stopCtx.Store(&ctx)
	close(pb.done)
	select {
	case <-pb.stopped:
	case <-ctx.Done():
	}
	return pb.len()
}
