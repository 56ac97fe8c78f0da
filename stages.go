package xgate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Metadata keys written by built-in stages and the dispatcher.
const (
	MetaSessionNew    = "session_new"
	MetaOrphanedReply = "orphaned_reply"
	MetaRoutedBy      = "routed_by"
	MetaSourceQueue   = "source_queue"
)

var builtinStages = map[string]StageFactory{
	"tag":     newTagStage,
	"logging": newLoggingStage,
	"filter":  newFilterStage,
	"dedupe":  newDedupeStage,
	"session": newSessionStage,
	"quota":   newQuotaStage,
}

// tag: add a fixed metadata entry.
func newTagStage(opts StageOptions, _ StageDeps) (Stage, error) {
	if err := opts.Allow("tag", "key", "value"); err != nil {
		return nil, err
	}
	key, err := opts.Require("tag", "key")
	if err != nil {
		return nil, err
	}
	value := opts["value"]
	return NewStage("tag", func(_ context.Context, m *Message) (*Message, error) {
		return m.WithMetadata(key, value), nil
	}), nil
}

// logging: log the message and pass it on.
func newLoggingStage(opts StageOptions, deps StageDeps) (Stage, error) {
	if err := opts.Allow("logging", "level", "label"); err != nil {
		return nil, err
	}
	level := opts.String("level", "debug")
	if level != "debug" && level != "info" {
		return nil, fmt.Errorf("stage logging: level must be debug or info, got %q", level)
	}
	label := opts.String("label", "message")
	lg := deps.Logger
	return NewStage("logging", func(ctx context.Context, m *Message) (*Message, error) {
		l := loggerOr(ctx, lg)
		ev := l.Debug()
		if level == "info" {
			ev = l.Info()
		}
		ev.Str("label", label).
			Str("message_id", m.ID).
			Str("direction", string(m.Direction)).
			Str("transport", m.Transport).
			Str("from", m.From).
			Str("to", m.To).
			Msg("xgate: pipeline message")
		return m, nil
	}), nil
}

// filter: drop messages whose metadata key equals value, or empty content.
func newFilterStage(opts StageOptions, _ StageDeps) (Stage, error) {
	if err := opts.Allow("filter", "key", "value", "drop_empty"); err != nil {
		return nil, err
	}
	key, value := opts["key"], opts["value"]
	dropEmpty, err := opts.Bool("drop_empty", false)
	if err != nil {
		return nil, fmt.Errorf("stage filter: %w", err)
	}
	if key == "" && !dropEmpty {
		return nil, errors.New("stage filter: set key or drop_empty")
	}
	return NewStage("filter", func(_ context.Context, m *Message) (*Message, error) {
		if dropEmpty && m.Content == "" {
			return nil, nil
		}
		if key != "" && m.Meta(key) == value {
			return nil, nil
		}
		return m, nil
	}), nil
}

// dedupe: drop message IDs already seen, using a store counter. The ID is
// marked only once the envelope carrying it is acked, so a nacked envelope
// still passes when it is redelivered.
func newDedupeStage(opts StageOptions, deps StageDeps) (Stage, error) {
	if err := opts.Allow("dedupe", "bucket"); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("stage dedupe: requires a store")
	}
	bucket := opts.String("bucket", BucketDedupe)
	st := deps.Store
	return NewStage("dedupe", func(ctx context.Context, m *Message) (*Message, error) {
		key := string(m.Direction) + ":" + m.ID
		n, err := st.Incr(ctx, bucket, key, 0)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			loggerOr(ctx, deps.Logger).Debug().Str("message_id", m.ID).Msg("xgate: duplicate message dropped")
			return nil, nil
		}
		err = OnCommit(ctx, func(ctx context.Context) error {
			_, err := st.Incr(ctx, bucket, key, 1)
			return err
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}), nil
}

// session: tie messages to a cached session keyed by the end-user address.
func newSessionStage(opts StageOptions, deps StageDeps) (Stage, error) {
	if err := opts.Allow("session", "ttl"); err != nil {
		return nil, err
	}
	if deps.Sessions == nil {
		return nil, errors.New("stage session: requires a session cache")
	}
	ttl, err := opts.Duration("ttl", deps.Sessions.DefaultTTL())
	if err != nil {
		return nil, fmt.Errorf("stage session: %w", err)
	}
	cache := deps.Sessions
	return NewStage("session", func(ctx context.Context, m *Message) (*Message, error) {
		addr := m.From
		if m.Direction == Outbound {
			addr = m.To
		}
		key := SessionKey(addr, m.Transport)

		if m.SessionEvent == SessionClose {
			cache.Invalidate(ctx, key)
			return m, nil
		}
		if m.SessionEvent == SessionNew {
			cache.Invalidate(ctx, key)
		}

		s, created := cache.GetOrCreate(ctx, key, func() Session {
			return Session{"started_at": clockFor(ctx, deps.Clock).Now().UTC().Format(time.RFC3339Nano)}
		})
		s["last_message_id"] = m.ID
		cache.Put(ctx, key, s, ttl)

		out := m.WithMetadata(MetaSessionNew, strconv.FormatBool(created))
		if started := s["started_at"]; started != "" {
			out.Metadata["session_started_at"] = started
		}
		return out, nil
	}), nil
}

// quota: drop messages from an address beyond limit per window.
func newQuotaStage(opts StageOptions, deps StageDeps) (Stage, error) {
	if err := opts.Allow("quota", "limit", "window", "bucket"); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("stage quota: requires a store")
	}
	limit, err := opts.Int("limit", 0)
	if err != nil || limit <= 0 {
		return nil, fmt.Errorf("stage quota: limit must be a positive integer")
	}
	window, err := opts.Duration("window", time.Hour)
	if err != nil || window <= 0 {
		return nil, fmt.Errorf("stage quota: window must be a positive duration")
	}
	bucket := opts.String("bucket", "quota")
	st := deps.Store
	return NewStage("quota", func(ctx context.Context, m *Message) (*Message, error) {
		addr := m.From
		if m.Direction == Outbound {
			addr = m.To
		}
		slot := clockFor(ctx, deps.Clock).Now().UnixNano() / int64(window)
		n, err := st.Incr(ctx, bucket, fmt.Sprintf("%s:%s:%d", m.Transport, addr, slot), 1)
		if err != nil {
			return nil, err
		}
		if n > limit {
			loggerOr(ctx, deps.Logger).Info().Str("address", addr).Str("message_id", m.ID).Msg("xgate: address over quota, message dropped")
			return nil, nil
		}
		return m, nil
	}), nil
}
