package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xgate"
)

func env(id string) *xgate.Envelope {
	return &xgate.Envelope{ID: id, Kind: xgate.KindMessage, Payload: []byte(`{}`), ProducedAt: time.Now()}
}

type collector struct {
	mu  sync.Mutex
	ids []string
	ch  chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 1024)} }

func (c *collector) add(id string) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

// TestTransport_OrderPerQueue tests that a subscription sees envelopes in publish order.
func TestTransport_OrderPerQueue(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 16})
	defer tr.Close(context.Background())
	ctx := context.Background()

	c := newCollector()
	sub, err := tr.Subscribe(ctx, "q", "g", func(d xgate.Delivery) {
		c.add(d.Envelope().ID)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "q", env("1"), env("2"), env("3")))
	assert.Equal(t, []string{"1", "2", "3"}, c.wait(t, 3))
	assert.Equal(t, uint64(3), tr.Stats().Acked)
}

// TestTransport_BacklogBeforeSubscribe tests that envelopes published before any consumer are kept.
func TestTransport_BacklogBeforeSubscribe(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 4})
	defer tr.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, "q", env("a"), env("b")))
	assert.Equal(t, 2, tr.Depth("q", "g"))

	c := newCollector()
	sub, err := tr.Subscribe(ctx, "q", "g", func(d xgate.Delivery) {
		c.add(d.Envelope().ID)
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, []string{"a", "b"}, c.wait(t, 2))
}

// TestTransport_BacklogLimit tests that an unconsumed queue refuses envelopes past its buffer.
func TestTransport_BacklogLimit(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 1})
	ctx := context.Background()
	require.NoError(t, tr.Publish(ctx, "q", env("a")))
	assert.Error(t, tr.Publish(ctx, "q", env("b")))
}

// TestTransport_NackRedelivers tests that a nacked envelope comes back.
func TestTransport_NackRedelivers(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 8})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]int{}
	c := newCollector()
	sub, err := tr.Subscribe(ctx, "q", "g", func(d xgate.Delivery) {
		id := d.Envelope().ID
		mu.Lock()
		seen[id]++
		first := seen[id] == 1
		mu.Unlock()
		if first {
			_ = d.Nack(ctx, assert.AnError)
			return
		}
		_ = d.Ack(ctx)
		c.add(id)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "q", env("x")))
	assert.Equal(t, []string{"x"}, c.wait(t, 1))
	assert.Equal(t, uint64(1), tr.Stats().Redelivered)
}

// TestTransport_CloseCancelsPendingRedelivery tests that Close does not
// leave delayed redeliveries behind.
func TestTransport_CloseCancelsPendingRedelivery(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 1, RedeliveryDelay: time.Hour})
	ctx := context.Background()

	nacked := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "q", "g", func(d xgate.Delivery) {
		_ = d.Nack(ctx, assert.AnError)
		close(nacked)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "q", env("x")))
	select {
	case <-nacked:
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	closed := make(chan struct{})
	go func() {
		_ = tr.Close(ctx)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited on a pending redelivery")
	}
	assert.Equal(t, uint64(1), tr.Stats().Redelivered)
}

// TestTransport_GroupsFanOut tests that every group receives each envelope.
func TestTransport_GroupsFanOut(t *testing.T) {
	tr := NewTransport(Config{})
	defer tr.Close(context.Background())
	ctx := context.Background()

	a, b := newCollector(), newCollector()
	subA, err := tr.Subscribe(ctx, "q", "a", func(d xgate.Delivery) { a.add(d.Envelope().ID) })
	require.NoError(t, err)
	defer subA.Close()
	subB, err := tr.Subscribe(ctx, "q", "b", func(d xgate.Delivery) { b.add(d.Envelope().ID) })
	require.NoError(t, err)
	defer subB.Close()

	require.NoError(t, tr.Publish(ctx, "q", env("m")))
	assert.Equal(t, []string{"m"}, a.wait(t, 1))
	assert.Equal(t, []string{"m"}, b.wait(t, 1))
}

// TestTransport_Closed tests publish and subscribe after close.
func TestTransport_Closed(t *testing.T) {
	tr := NewTransport(Config{})
	require.NoError(t, tr.Close(context.Background()))
	assert.Error(t, tr.Publish(context.Background(), "q", env("1")))
	_, err := tr.Subscribe(context.Background(), "q", "g", func(xgate.Delivery) {})
	assert.Error(t, err)
}

// TestStore_Operations tests get/set/delete/incr/keys.
func TestStore_Operations(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, found, err := s.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "b", "k", []byte("v1")))
	require.NoError(t, s.Set(ctx, "b", "k", []byte("v2")))
	v, found, err := s.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", string(v))

	n, err := s.Incr(ctx, "c", "n", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = s.Incr(ctx, "c", "n", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Incr(ctx, "b", "k", 1)
	assert.Error(t, err)

	keys, err := s.Keys(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.NoError(t, s.Delete(ctx, "b", "k"))
	_, found, _ = s.Get(ctx, "b", "k")
	assert.False(t, found)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

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

// TestCache_Expiry tests TTL expiry against an injected clock.
func TestCache_Expiry(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewCache(clk)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	v, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(v))

	clk.advance(time.Minute)
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestRegistry tests that the adapters are reachable by name.
func TestRegistry(t *testing.T) {
	tr, err := xgate.NewTransport(TransportName, map[string]any{"buffer_size": 8})
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)

	st, err := xgate.NewStore(StoreName, nil)
	require.NoError(t, err)
	assert.IsType(t, &Store{}, st)

	cb, err := xgate.NewCache(CacheName, nil)
	require.NoError(t, err)
	assert.IsType(t, &Cache{}, cb)
}
