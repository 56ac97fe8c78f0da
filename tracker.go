package xgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// DeliveryStatus is the lifecycle position of an outbound message.
type DeliveryStatus string

const (
	StatusPending       DeliveryStatus = "pending"
	StatusAcknowledged  DeliveryStatus = "acknowledged"
	StatusDelivered     DeliveryStatus = "delivered"
	StatusFailed        DeliveryStatus = "failed"
	StatusFailedUnknown DeliveryStatus = "failed-unknown"
)

// Terminal reports whether no event may change s any more.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusFailedUnknown
}

// DeliveryRecord is stored as JSON under delivery/<message id>.
type DeliveryRecord struct {
	MessageID  string         `json:"message_id"`
	Status     DeliveryStatus `json:"status"`
	Transport  string         `json:"transport,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	RetryCount int            `json:"retry_count"`
}

type TrackerConfig struct {
	Store Store
	// HoldingPeriod bounds how long a record may stay non-terminal. Default 24h.
	HoldingPeriod time.Duration
	// SweepInterval is the Run period. Default 1m.
	SweepInterval time.Duration
	// AuditMessages also stores each recorded message under the audit bucket.
	AuditMessages bool
	Clock         Clock
	Logger        *xlog.Logger
}

// Tracker correlates outbound messages with their delivery events.
type Tracker struct {
	store    Store
	holding  time.Duration
	interval time.Duration
	audit    bool
	clock    Clock
	logger   *xlog.Logger
	locks    keyedMutex
}

func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("xgate: tracker store required")
	}
	if cfg.HoldingPeriod <= 0 {
		cfg.HoldingPeriod = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = xclock.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}
	return &Tracker{
		store:    cfg.Store,
		holding:  cfg.HoldingPeriod,
		interval: cfg.SweepInterval,
		audit:    cfg.AuditMessages,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(xlog.Str("component", "tracker")),
		locks:    keyedMutex{locks: make(map[string]*refLock)},
	}, nil
}

// HoldingPeriod returns the configured holding period.
func (t *Tracker) HoldingPeriod() time.Duration { return t.holding }

// Record registers an outbound message as pending. Recording the same ID
// again counts a redelivery and leaves the status alone.
func (t *Tracker) Record(ctx context.Context, m *Message) (*DeliveryRecord, error) {
	unlock := t.locks.lock(m.ID)
	defer unlock()

	now := t.clock.Now().UTC()
	rec, found, err := GetJSON[DeliveryRecord](ctx, t.store, BucketDelivery, m.ID)
	if err != nil {
		return nil, err
	}
	if found {
		rec.RetryCount++
		rec.UpdatedAt = now
	} else {
		rec = DeliveryRecord{
			MessageID: m.ID,
			Status:    StatusPending,
			Transport: m.Transport,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if err := SetJSON(ctx, t.store, BucketDelivery, m.ID, rec); err != nil {
		return nil, err
	}
	if t.audit && !found {
		if err := SetJSON(ctx, t.store, BucketAudit, m.ID, m); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// Observe applies an event to its record. Events for unknown messages or
// for records already terminal are logged, left without effect and
// reported as *AnomalousEventError.
func (t *Tracker) Observe(ctx context.Context, e *Event) (*DeliveryRecord, error) {
	unlock := t.locks.lock(e.MessageID)
	defer unlock()

	rec, found, err := GetJSON[DeliveryRecord](ctx, t.store, BucketDelivery, e.MessageID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, t.anomaly(e, "unknown message")
	}
	if rec.Status.Terminal() {
		return &rec, t.anomaly(e, fmt.Sprintf("record already %s", rec.Status))
	}

	next, err := transition(rec.Status, e.Kind)
	if err != nil {
		return &rec, t.anomaly(e, err.Error())
	}
	rec.Status = next
	if e.Status != "" {
		rec.Detail = e.Status
	}
	rec.UpdatedAt = t.clock.Now().UTC()
	if err := SetJSON(ctx, t.store, BucketDelivery, e.MessageID, rec); err != nil {
		return nil, err
	}
	t.logger.Debug().Str("message_id", e.MessageID).Str("status", string(next)).Msg("xgate: delivery status updated")
	return &rec, nil
}

func transition(from DeliveryStatus, kind EventKind) (DeliveryStatus, error) {
	switch kind {
	case EventAcknowledged:
		return StatusAcknowledged, nil
	case EventDeliveryReport:
		return StatusDelivered, nil
	case EventFailure:
		return StatusFailed, nil
	}
	return from, fmt.Errorf("unknown event kind %q", kind)
}

func (t *Tracker) anomaly(e *Event, reason string) error {
	err := &AnomalousEventError{EventID: e.ID, MessageID: e.MessageID, Reason: reason}
	t.logger.Warn().Str("event_id", e.ID).Str("message_id", e.MessageID).Str("kind", string(e.Kind)).Str("reason", reason).Msg("xgate: anomalous event discarded")
	return err
}

// Get returns the record for a message ID.
func (t *Tracker) Get(ctx context.Context, messageID string) (*DeliveryRecord, bool, error) {
	rec, found, err := GetJSON[DeliveryRecord](ctx, t.store, BucketDelivery, messageID)
	if err != nil || !found {
		return nil, found, err
	}
	return &rec, true, nil
}

// Sweep moves records that stayed non-terminal longer than the holding
// period to failed-unknown and returns how many it moved.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := t.store.Keys(ctx, BucketDelivery)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		moved, err := t.sweepOne(ctx, id, now)
		if err != nil {
			return swept, err
		}
		if moved {
			swept++
		}
	}
	if swept > 0 {
		t.logger.Info().Str("swept", fmt.Sprint(swept)).Dur("holding_period", t.holding).Msg("xgate: stale deliveries marked failed-unknown")
	}
	return swept, nil
}

func (t *Tracker) sweepOne(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := t.locks.lock(id)
	defer unlock()

	rec, found, err := GetJSON[DeliveryRecord](ctx, t.store, BucketDelivery, id)
	if err != nil || !found {
		return false, err
	}
	if rec.Status.Terminal() || now.Sub(rec.CreatedAt) <= t.holding {
		return false, nil
	}
	rec.Status = StatusFailedUnknown
	rec.Detail = "holding period exceeded"
	rec.UpdatedAt = now.UTC()
	if err := SetJSON(ctx, t.store, BucketDelivery, id, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Run sweeps every SweepInterval until ctx is done. Sweep failures are
// logged and retried on the next tick.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.Sweep(ctx, t.clock.Now()); err != nil && ctx.Err() == nil {
				t.logger.Error().Err(err).Msg("xgate: delivery sweep failed")
			}
		}
	}
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
