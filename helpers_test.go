package xgate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/adapter/memory"
)

func testLogger() *xlog.Logger {
	return zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelError,
		ConsoleTimeFormat: time.RFC3339Nano,
	}).With(xlog.Str("app", "xgate-test"))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func inbound(t *testing.T, from, to, content string) *xgate.Message {
	t.Helper()
	m, err := xgate.NewMessage(xgate.Inbound, from, to, "sms", content)
	require.NoError(t, err)
	return m
}

// sink collects what arrives on a queue under its own consumer group.
type sink struct {
	mu       sync.Mutex
	messages []*xgate.Message
	events   []*xgate.Event
	ch       chan struct{}
}

func listen(t *testing.T, broker *xgate.Broker, queue string) *sink {
	t.Helper()
	s := &sink{ch: make(chan struct{}, 256)}
	sub, err := broker.Subscribe(context.Background(), queue, "test-sink", func(_ context.Context, env *xgate.Envelope) error {
		s.mu.Lock()
		if env.Kind == xgate.KindEvent {
			e, err := xgate.DecodeEvent(broker.Codec(), env)
			if err == nil {
				s.events = append(s.events, e)
			}
		} else {
			m, err := xgate.DecodeMessage(broker.Codec(), env)
			if err == nil {
				s.messages = append(s.messages, m)
			}
		}
		s.mu.Unlock()
		s.ch <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return s
}

func (s *sink) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for got := 0; got < n; got++ {
		select {
		case <-s.ch:
		case <-deadline:
			t.Fatalf("timed out after %d of %d deliveries", got, n)
		}
	}
}

// quiet asserts nothing more arrives for a short while.
func (s *sink) quiet(t *testing.T) {
	t.Helper()
	select {
	case <-s.ch:
		t.Fatal("unexpected delivery")
	case <-time.After(150 * time.Millisecond):
	}
}

func (s *sink) Messages() []*xgate.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*xgate.Message(nil), s.messages...)
}

func (s *sink) Events() []*xgate.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*xgate.Event(nil), s.events...)
}

func newMemoryBroker(t *testing.T, opts ...memory.Option) (*xgate.Broker, *memory.Transport) {
	t.Helper()
	opts = append([]memory.Option{memory.WithLogger(testLogger())}, opts...)
	broker, tr := memory.Use(memory.Config{BufferSize: 256}, opts...)
	t.Cleanup(func() { _ = broker.Close(context.Background()) })
	return broker, tr
}

var errDown = errors.New("connection refused")

// flakyTransport fails publishes while down and records what got through.
type flakyTransport struct {
	down atomic.Bool

	mu        sync.Mutex
	published []string
}

func (f *flakyTransport) Publish(_ context.Context, queue string, envs ...*xgate.Envelope) error {
	if f.down.Load() {
		return errDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range envs {
		f.published = append(f.published, queue+"/"+e.ID)
	}
	return nil
}

func (f *flakyTransport) Subscribe(context.Context, string, string, func(xgate.Delivery)) (xgate.Subscription, error) {
	if f.down.Load() {
		return nil, errDown
	}
	return nopSubscription{}, nil
}

func (f *flakyTransport) Close(context.Context) error { return nil }

func (f *flakyTransport) Published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }

// flakyStore fails the next n calls with ErrStoreUnavailable.
type flakyStore struct {
	xgate.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) fail() error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return xgate.StoreError("test", errDown)
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	if err := f.fail(); err != nil {
		return nil, false, err
	}
	return f.Store.Get(ctx, bucket, key)
}

func (f *flakyStore) Set(ctx context.Context, bucket, key string, value []byte) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.Set(ctx, bucket, key, value)
}

func (f *flakyStore) Incr(ctx context.Context, bucket, key string, delta int64) (int64, error) {
	if err := f.fail(); err != nil {
		return 0, err
	}
	return f.Store.Incr(ctx, bucket, key, delta)
}
