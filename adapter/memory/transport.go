package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xgate"
)

const TransportName = "memory"

var errClosed = errors.New("memory transport is closed")

func init() {
	if err := xgate.RegisterTransport(TransportName, func(cfg map[string]any) (xgate.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xgate/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size, and the backlog kept for a
	// queue nobody consumes yet (default: 1024).
	BufferSize int
	// RedeliveryDelay is the delay before re-enqueuing an envelope on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
}

func ConfigFromMap(cfg map[string]any) Config {
	return Config{
		BufferSize:      maxInt(1, getInt(cfg, "buffer_size", 1024)),
		RedeliveryDelay: getDur(cfg, "redelivery_delay", 0),
	}
}

func getInt(cfg map[string]any, k string, d int) int {
	switch v := cfg[k].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return d
	}
}

func getDur(cfg map[string]any, k string, d time.Duration) time.Duration {
	switch v := cfg[k].(type) {
	case time.Duration:
		return v
	case string:
		if p, err := time.ParseDuration(v); err == nil {
			return p
		}
	case float64:
		return time.Duration(v)
	}
	return d
}

// Transport implements xgate.Transport using in-memory channels (dev/testing).
// Each consumer group gets every envelope of its queue; one goroutine per
// subscription keeps handling sequential.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	queues map[string]*queue

	closed atomic.Bool
	done   chan struct{}
	// redeliveries tracks Nack goroutines waiting to requeue.
	redeliveries sync.WaitGroup

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var _ xgate.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Transport{
		cfg:     cfg,
		queues:  make(map[string]*queue),
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

// Publish fans envelopes out to every consumer group of the queue. A queue
// without groups keeps a bounded backlog handed to the first group.
func (t *Transport) Publish(ctx context.Context, name string, envs ...*xgate.Envelope) error {
	if t.closed.Load() {
		return errClosed
	}
	q := t.ensureQueue(name)
	for _, env := range envs {
		if env == nil {
			continue
		}
		if err := q.push(ctx, env, t.cfg.BufferSize); err != nil {
			return err
		}
		t.metrics.published.Add(1)
	}
	return nil
}

// Subscribe starts a consumer for queue/group.
func (t *Transport) Subscribe(ctx context.Context, name, group string, handler func(xgate.Delivery)) (xgate.Subscription, error) {
	if t.closed.Load() {
		return nil, errClosed
	}
	g := t.ensureQueue(name).ensureGroup(group, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.consume(innerCtx, g, handler)
	}()

	return &subscription{
		close: func() error {
			cancel()
			<-done
			return nil
		},
	}, nil
}

func (t *Transport) consume(ctx context.Context, g *group, handler func(xgate.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-g.ch:
			t.metrics.consumed.Add(1)
			handler(&delivery{env: env, group: g, tr: t})
		}
	}
}

// Close drops every queue. Envelopes not yet consumed, or waiting to be
// redelivered, are lost.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	t.queues = make(map[string]*queue)
	close(t.done)
	t.mu.Unlock()
	t.redeliveries.Wait()
	return nil
}

// Depth returns the number of envelopes waiting for group on queue.
func (t *Transport) Depth(name, group string) int {
	t.mu.RLock()
	q, ok := t.queues[name]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[group]; ok {
		return len(g.ch)
	}
	return len(q.backlog)
}

// Stats returns transport telemetry.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
	}
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

type queue struct {
	mu      sync.Mutex
	groups  map[string]*group
	backlog []*xgate.Envelope
}

type group struct {
	name string
	ch   chan *xgate.Envelope
}

func (q *queue) push(ctx context.Context, env *xgate.Envelope, limit int) error {
	q.mu.Lock()
	if len(q.groups) == 0 {
		defer q.mu.Unlock()
		if len(q.backlog) >= limit {
			return fmt.Errorf("memory transport: backlog full (%d)", limit)
		}
		q.backlog = append(q.backlog, env)
		return nil
	}
	groups := make([]*group, 0, len(q.groups))
	for _, g := range q.groups {
		groups = append(groups, g)
	}
	q.mu.Unlock()

	for _, g := range groups {
		select {
		case g.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *queue) ensureGroup(name string, size int) *group {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[name]; ok {
		return g
	}
	g := &group{name: name, ch: make(chan *xgate.Envelope, maxInt(size, len(q.backlog)))}
	for _, env := range q.backlog {
		g.ch <- env
	}
	q.backlog = nil
	q.groups[name] = g
	return g
}

func (t *Transport) ensureQueue(name string) *queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[name]; ok {
		return q
	}
	q := &queue{groups: make(map[string]*group)}
	t.queues[name] = q
	return q
}

type delivery struct {
	env   *xgate.Envelope
	group *group
	tr    *Transport
	once  sync.Once
}

func (d *delivery) Envelope() *xgate.Envelope { return d.env }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.tr.metrics.acked.Add(1) })
	return nil
}

// Nack puts the envelope back at the tail of its group queue.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		d.tr.metrics.nacked.Add(1)
		d.tr.metrics.redelivered.Add(1)

		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			select {
			case d.group.ch <- d.env:
				return
			default:
			}
		}
		// The consumer calling Nack is the one draining the queue, so a
		// full queue is refilled from the side.
		tr := d.tr
		tr.mu.RLock()
		if tr.closed.Load() {
			tr.mu.RUnlock()
			return
		}
		tr.redeliveries.Add(1)
		tr.mu.RUnlock()
		go func() {
			defer tr.redeliveries.Done()
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-tr.done:
					return
				}
			}
			select {
			case d.group.ch <- d.env:
			case <-tr.done:
			}
		}()
	})
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
