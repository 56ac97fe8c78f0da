package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xgate"
)

// delivery implements xgate.Delivery for one stream entry.
type delivery struct {
	t     *transport
	queue string
	group string
	id    string
	env   *xgate.Envelope

	done      bool
	redeliver bool
}

func (d *delivery) Envelope() *xgate.Envelope {
	return d.env
}

// Ack acknowledges the entry.
func (d *delivery) Ack(ctx context.Context) error {
	if d.done {
		return nil
	}
	if err := d.t.client.XAck(ctx, d.queue, d.group, d.id).Err(); err != nil {
		return err
	}
	d.done = true
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.queue, d.id).Err()
	}
	return nil
}

// Nack leaves the entry pending for redelivery, or moves it to the
// dead-letter stream when one is configured.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	if d.done {
		return nil
	}
	d.t.metrics.nacked.Add(1)

	if dl := d.t.cfg.DeadLetter; dl != "" {
		values := encodeEnvelope(d.env)
		values["orig_queue"] = d.queue
		values["orig_id"] = d.id
		values["error"] = fmt.Sprintf("%v", reason)

		if err := d.t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			// Keep it pending rather than lose it.
			d.done = true
			d.redeliver = true
			return err
		}
		return d.Ack(ctx)
	}

	d.done = true
	d.redeliver = true
	return nil
}

func encodeEnvelope(env *xgate.Envelope) map[string]any {
	vals := make(map[string]any, 4+len(env.Headers))
	if env.ID != "" {
		vals[fieldID] = env.ID
	}
	vals[fieldKind] = string(env.Kind)
	vals[fieldPayload] = env.Payload
	vals[fieldProducedAt] = env.ProducedAt.UnixNano()
	for k, v := range env.Headers {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeEnvelope reconstructs an envelope from stream entry values. The
// stream entry ID stands in when the producer sent none.
func decodeEnvelope(entryID string, vals map[string]any) *xgate.Envelope {
	env := &xgate.Envelope{ID: entryID}

	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			env.ID = s
		}
	}
	if v, ok := vals[fieldKind]; ok {
		env.Kind = xgate.EnvelopeKind(asString(v))
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			env.Payload = p
		case string:
			env.Payload = []byte(p)
		}
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			env.ProducedAt = time.Unix(0, ns)
		}
	}

	env.Headers = make(map[string]string, 4)
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			env.Headers[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	if env.Kind == "" {
		env.Kind = xgate.KindFromHeaders(env.Headers)
	}
	return env
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
