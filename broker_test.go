package xgate_test

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xgate"
)

var noRetry = xgate.RetryPolicy{MaxRetries: -1, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func flakyBroker(t *testing.T, tr *flakyTransport, init func(*xgate.BrokerBuilder)) *xgate.Broker {
	t.Helper()
	broker, closeFn, err := xgate.NewBroker(func(b *xgate.BrokerBuilder) {
		b.WithTransportInstance(tr).WithLogger(testLogger()).WithRetryPolicy(noRetry)
		if init != nil {
			init(b)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return broker
}

func TestBroker_FailFast(t *testing.T) {
	tr := &flakyTransport{}
	tr.down.Store(true)
	broker := flakyBroker(t, tr, nil)

	err := broker.PublishMessage(context.Background(), "sms.inbound", inbound(t, "+1555", "1234", "hi"))
	assert.ErrorIs(t, err, xgate.ErrBrokerUnavailable)
	assert.True(t, xgate.IsTransient(err))
	assert.EqualValues(t, 1, broker.GetMetrics().PublishFailures)

	tr.down.Store(false)
	require.NoError(t, broker.PublishMessage(context.Background(), "sms.inbound", inbound(t, "+1555", "1234", "hi")))
	assert.Len(t, tr.Published(), 1)
}

func TestBroker_PublishRetriesTransientFailures(t *testing.T) {
	tr := &flakyTransport{}
	tr.down.Store(true)
	broker := flakyBroker(t, tr, func(b *xgate.BrokerBuilder) {
		b.WithRetryPolicy(xgate.RetryPolicy{MaxRetries: 50, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.down.Store(false)
	}()
	require.NoError(t, broker.PublishMessage(context.Background(), "q", inbound(t, "+1555", "1234", "hi")))
	assert.Len(t, tr.Published(), 1)
}

// TestBroker_BufferKeepsOrder tests that parked envelopes drain in order
// once the transport is back, and that the buffer is bounded.
func TestBroker_BufferKeepsOrder(t *testing.T) {
	tr := &flakyTransport{}
	tr.down.Store(true)
	broker := flakyBroker(t, tr, func(b *xgate.BrokerBuilder) { b.WithPublishBuffer(2) })
	ctx := context.Background()

	m1, m2, m3 := inbound(t, "+1", "1", "a"), inbound(t, "+1", "1", "b"), inbound(t, "+1", "1", "c")
	require.NoError(t, broker.PublishMessage(ctx, "q", m1))
	require.NoError(t, broker.PublishMessage(ctx, "q", m2))
	assert.ErrorIs(t, broker.PublishMessage(ctx, "q", m3), xgate.ErrPublishBufferFull)

	h := broker.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, 2, h.Metrics.BufferDepth)

	tr.down.Store(false)
	require.Eventually(t, func() bool { return broker.GetMetrics().Published == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"q/" + m1.ID, "q/" + m2.ID}, tr.Published())
	assert.Zero(t, broker.GetMetrics().BufferDepth)

	require.NoError(t, broker.PublishMessage(ctx, "q", m3))
	assert.Equal(t, []string{"q/" + m1.ID, "q/" + m2.ID, "q/" + m3.ID}, tr.Published())
	assert.EqualValues(t, 3, broker.GetMetrics().Published)
}

func TestBroker_CloseReportsLostEnvelopes(t *testing.T) {
	tr := &flakyTransport{}
	tr.down.Store(true)
	broker, _, err := xgate.NewBroker(func(b *xgate.BrokerBuilder) {
		b.WithTransportInstance(tr).WithLogger(testLogger()).WithRetryPolicy(noRetry).WithPublishBuffer(8)
	})
	require.NoError(t, err)
	require.NoError(t, broker.PublishMessage(context.Background(), "q", inbound(t, "+1", "1", "a")))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = broker.Close(ctx)
	assert.ErrorIs(t, err, xgate.ErrBrokerUnavailable)
	assert.Equal(t, "unhealthy", broker.Health(context.Background()).Status)
}

func TestBroker_Validation(t *testing.T) {
	broker, _ := newMemoryBroker(t)
	ctx := context.Background()
	handler := func(context.Context, *xgate.Envelope) error { return nil }

	assert.ErrorIs(t, broker.Publish(ctx, "", &xgate.Envelope{ID: "x"}), xgate.ErrInvalidQueue)
	assert.ErrorIs(t, broker.Publish(ctx, "q", nil), xgate.ErrInvalidMessage)
	assert.ErrorIs(t, broker.PublishMessage(ctx, "q", &xgate.Message{}), xgate.ErrInvalidMessage)

	_, err := broker.Subscribe(ctx, "q", "", handler)
	assert.ErrorIs(t, err, xgate.ErrInvalidSubscription)

	require.NoError(t, broker.Close(ctx))
	assert.ErrorIs(t, broker.Publish(ctx, "q", &xgate.Envelope{ID: "x"}), xgate.ErrBrokerClosed)
	_, err = broker.Subscribe(ctx, "q", "g", handler)
	assert.ErrorIs(t, err, xgate.ErrBrokerClosed)
}

func TestBrokerBuilder_Errors(t *testing.T) {
	_, err := xgate.NewBrokerBuilder().Build()
	assert.ErrorIs(t, err, xgate.ErrNoTransportConfigured)

	_, err = xgate.NewBrokerBuilder().WithTransport("carrier-pigeon", nil).Build()
	assert.ErrorContains(t, err, "carrier-pigeon")

	_, err = xgate.NewBrokerBuilder().WithTransportInstance(&flakyTransport{}).WithCodec("xml").Build()
	assert.Error(t, err)
}

// TestBroker_HandlerPanicRedelivers tests that a panicking handler is
// recovered and its envelope nacked for redelivery.
func TestBroker_HandlerPanicRedelivers(t *testing.T) {
	var (
		mu     sync.Mutex
		events []xgate.BusEventType
	)
	broker, _ := newMemoryBroker(t)
	broker.AddObserver(xgate.ObserverFunc(func(e xgate.BusEvent) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	}))

	var calls atomic.Int32
	done := make(chan struct{})
	sub, err := broker.Subscribe(context.Background(), "q", "g", func(context.Context, *xgate.Envelope) error {
		if calls.Add(1) == 1 {
			panic("first delivery explodes")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, broker.PublishMessage(context.Background(), "q", inbound(t, "+1", "1", "a")))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("envelope was not redelivered")
	}

	assert.EqualValues(t, 2, calls.Load())
	assert.Eventually(t, func() bool { return broker.GetMetrics().Acked == 1 }, time.Second, 5*time.Millisecond)
	m := broker.GetMetrics()
	assert.EqualValues(t, 1, m.Nacked)
	assert.EqualValues(t, 2, m.Consumed)

	seen := func(want xgate.BusEventType) bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(events, want)
	}
	assert.True(t, seen(xgate.EventPublishDone))
	assert.Eventually(t, func() bool { return seen(xgate.EventAck) }, time.Second, 5*time.Millisecond)
}

func TestObserverPool(t *testing.T) {
	var got atomic.Int32
	pool := xgate.NewObserverPool(context.Background(), 2, 16)
	obs := []xgate.Observer{xgate.ObserverFunc(func(xgate.BusEvent) { got.Add(1) })}
	for i := 0; i < 5; i++ {
		pool.Notify(xgate.BusEvent{Type: xgate.EventAck}, obs)
	}
	assert.Eventually(t, func() bool { return got.Load() == 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Close(time.Second))
	assert.EqualValues(t, 5, pool.Stats().Processed)
	assert.Equal(t, 2, pool.Stats().Workers)
}
