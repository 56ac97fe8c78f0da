package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xgate"
)

type transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	// delivery pool to reduce per-entry allocations
	dpool sync.Pool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

func NewTransport(cfg Config) (xgate.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() interface{} { return new(delivery) },
		},
	}, nil
}

// Stats returns current transport metrics.
func (t *transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// Publish appends envelopes to the queue stream with XADD, pipelined.
func (t *transport) Publish(ctx context.Context, queue string, envs ...*xgate.Envelope) error {
	if t.closed.Load() {
		return errors.New("redisstream: transport closed")
	}
	if len(envs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, env := range envs {
		args := &redis.XAddArgs{
			Stream: queue,
			ID:     "*",
			Values: encodeEnvelope(env),
		}
		// Approximate trimming to keep stream bounded
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(envs)))
		return err
	}
	t.metrics.published.Add(uint64(len(envs)))
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

// consumerState is shared by the poller and the claim loop of one
// subscription.
type consumerState struct {
	queue, group string
	// readPending makes the next read return this consumer's pending
	// entries before any new ones.
	readPending atomic.Bool
}

// Subscribe consumes queue as consumer group `group`. The group is created
// at the start of the stream so entries published before the first
// subscription are delivered too.
func (t *transport) Subscribe(ctx context.Context, queue, group string, handler func(xgate.Delivery)) (xgate.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("redisstream: transport closed")
	}
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, queue, group, cursorPending).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s on %s: %w", group, queue, err)
		}
	}

	st := &consumerState{queue: queue, group: group}
	// Entries left pending by an earlier run of this consumer come first.
	st.readPending.Store(true)

	innerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.pollerLoop(innerCtx, st, handler)
	}()

	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, st)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

// pollerLoop reads entries and hands them to the handler one at a time.
// A nack stops the current batch so the nacked entry is read again, ahead
// of the rest, once the redelivery delay has passed.
func (t *transport) pollerLoop(ctx context.Context, st *consumerState, handler func(xgate.Delivery)) {
	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cursor := cursorNew
		pending := st.readPending.Load()
		if pending {
			cursor = cursorPending
		}
		args := &redis.XReadGroupArgs{
			Group:    st.group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{st.queue, cursor},
			Count:    int64(_max(1, t.cfg.BatchSize)),
			NoAck:    false,
		}
		if !pending {
			args.Block = t.cfg.Block
		}

		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			// Transient error: exponential backoff
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = _min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = time.Millisecond * 100

		count := 0
		nacked := false
	batch:
		for _, stream := range res {
			for _, msg := range stream.Messages {
				count++
				if len(msg.Values) == 0 {
					// Pending entry whose stream entry was trimmed or deleted.
					_ = t.client.XAck(ctx, st.queue, st.group, msg.ID).Err()
					continue
				}
				if t.deliver(ctx, st, msg, handler) {
					nacked = true
					break batch
				}
				if ctx.Err() != nil {
					return
				}
			}
		}

		switch {
		case nacked:
			st.readPending.Store(true)
			if t.cfg.RedeliveryDelay > 0 {
				select {
				case <-time.After(t.cfg.RedeliveryDelay):
				case <-ctx.Done():
					return
				}
			}
		case pending && count == 0:
			st.readPending.Store(false)
		}
	}
}

// deliver runs the handler for one entry and reports whether it was nacked
// for redelivery.
func (t *transport) deliver(ctx context.Context, st *consumerState, msg redis.XMessage, handler func(xgate.Delivery)) bool {
	d := t.newDelivery()
	d.t = t
	d.queue = st.queue
	d.group = st.group
	d.id = msg.ID
	d.env = decodeEnvelope(msg.ID, msg.Values)

	t.metrics.consumed.Add(1)
	handler(d)

	redeliver := d.redeliver
	t.releaseDelivery(d)
	return redeliver
}

func (t *transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)
	*d = delivery{}
	return d
}

// releaseDelivery returns a delivery to the pool after clearing references.
func (t *transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// claimLoop periodically claims entries idle on other consumers and makes
// the poller read them.
func (t *transport) claimLoop(ctx context.Context, st *consumerState) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(_max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle
	consumer := t.cfg.Consumer

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: st.queue,
			Group:  st.group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			if p.Consumer != consumer {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		claimed, err := t.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   st.queue,
			Group:    st.group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err == nil && len(claimed) > 0 {
			t.metrics.claimed.Add(uint64(len(claimed)))
			st.readPending.Store(true)
		}
	}
}

// Close shuts down the client. Subscriptions should be closed first.
func (t *transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}

func _max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func _min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
