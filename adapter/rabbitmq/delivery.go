package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trickstertwo/xgate"
)

// delivery implements xgate.Delivery for one AMQP delivery. Ack errors are
// kept so the consume loop can abandon a broken channel.
type delivery struct {
	t   *transport
	msg amqp.Delivery
	env *xgate.Envelope

	done     bool
	requeued bool
	err      error
}

func (d *delivery) Envelope() *xgate.Envelope { return d.env }

func (d *delivery) Ack(_ context.Context) error {
	if d.done {
		return nil
	}
	d.done = true
	if err := d.msg.Ack(false); err != nil {
		d.err = err
		return err
	}
	d.t.metrics.acked.Add(1)
	return nil
}

// Nack requeues the delivery, or rejects it into the dead-letter exchange.
func (d *delivery) Nack(_ context.Context, _ error) error {
	if d.done {
		return nil
	}
	d.done = true
	d.t.metrics.nacked.Add(1)
	requeue := !d.t.cfg.DeadLetter
	if err := d.msg.Reject(requeue); err != nil {
		d.err = err
		return err
	}
	d.requeued = requeue
	return nil
}

const headerKind = "x-xgate-kind"

func toPublishing(env *xgate.Envelope) amqp.Publishing {
	headers := make(amqp.Table, len(env.Headers)+1)
	for k, v := range env.Headers {
		headers[k] = v
	}
	headers[headerKind] = string(env.Kind)
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType(env.Headers[xgate.HeaderCodec]),
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.ProducedAt,
		Type:         string(env.Kind),
		Body:         env.Payload,
	}
}

func fromDelivery(msg amqp.Delivery) *xgate.Envelope {
	env := &xgate.Envelope{
		ID:         msg.MessageId,
		Kind:       xgate.EnvelopeKind(msg.Type),
		Payload:    msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)),
		ProducedAt: msg.Timestamp,
	}
	for k, v := range msg.Headers {
		if k == headerKind {
			if env.Kind == "" {
				env.Kind = xgate.EnvelopeKind(fmt.Sprint(v))
			}
			continue
		}
		switch s := v.(type) {
		case string:
			env.Headers[k] = s
		case []byte:
			env.Headers[k] = string(s)
		default:
			env.Headers[k] = fmt.Sprint(s)
		}
	}
	if env.ID == "" {
		env.ID = fmt.Sprintf("amqp-%d", msg.DeliveryTag)
	}
	if env.Kind == "" {
		env.Kind = xgate.KindFromHeaders(env.Headers)
	}
	return env
}

func contentType(codec string) string {
	switch codec {
	case "", "json":
		return "application/json"
	}
	return "application/x-" + codec
}
