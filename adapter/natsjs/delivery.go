package natsjs

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/trickstertwo/xgate"
)

const (
	headerPrefix     = "Xgate-"
	headerID         = "Xgate-Id"
	headerKind       = "Xgate-Kind"
	headerProducedAt = "Xgate-Produced-At"
)

type delivery struct {
	t   *transport
	msg *nats.Msg
	env *xgate.Envelope

	done bool
}

func (d *delivery) Envelope() *xgate.Envelope { return d.env }

func (d *delivery) Ack(ctx context.Context) error {
	if d.done {
		return nil
	}
	d.done = true
	if err := d.msg.Ack(nats.Context(ctx)); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	return nil
}

// Nack asks the server to redeliver after the configured delay.
func (d *delivery) Nack(ctx context.Context, _ error) error {
	if d.done {
		return nil
	}
	d.done = true
	d.t.metrics.nacked.Add(1)
	if delay := d.t.cfg.RedeliveryDelay; delay > 0 {
		return d.msg.NakWithDelay(delay, nats.Context(ctx))
	}
	return d.msg.Nak(nats.Context(ctx))
}

// Envelope headers travel as "Xgate-H-<key>" so they cannot collide with
// the fields above or with NATS' own headers.
func toMsg(subject string, env *xgate.Envelope) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = env.Payload
	msg.Header.Set(headerID, env.ID)
	msg.Header.Set(headerKind, string(env.Kind))
	if !env.ProducedAt.IsZero() {
		msg.Header.Set(headerProducedAt, env.ProducedAt.UTC().Format(time.RFC3339Nano))
	}
	for k, v := range env.Headers {
		msg.Header.Set(headerPrefix+"H-"+k, v)
	}
	return msg
}

func fromMsg(msg *nats.Msg) *xgate.Envelope {
	env := &xgate.Envelope{
		Payload: msg.Data,
		Headers: make(map[string]string),
	}
	for k, vs := range msg.Header {
		if len(vs) == 0 {
			continue
		}
		if key, ok := strings.CutPrefix(k, headerPrefix+"H-"); ok {
			env.Headers[key] = vs[0]
		}
	}
	env.ID = msg.Header.Get(headerID)
	env.Kind = xgate.EnvelopeKind(msg.Header.Get(headerKind))
	if ts := msg.Header.Get(headerProducedAt); ts != "" {
		if at, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.ProducedAt = at
		}
	}
	if env.ID == "" {
		if meta, err := msg.Metadata(); err == nil {
			env.ID = meta.Stream + "-" + strconv.FormatUint(meta.Sequence.Stream, 10)
		}
	}
	if env.Kind == "" {
		env.Kind = xgate.KindFromHeaders(env.Headers)
	}
	return env
}
