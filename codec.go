package xgate

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return jsonAPI.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return jsonAPI.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// EnvelopeKind discriminates what an envelope payload holds.
type EnvelopeKind string

const (
	KindMessage EnvelopeKind = "message"
	KindEvent   EnvelopeKind = "event"
)

// Header keys set on every envelope.
const (
	HeaderKind  = "kind"
	HeaderCodec = "codec"
)

// Envelope is the unit a Transport carries. The Payload is encoded via Codec.
type Envelope struct {
	// ID is the message or event identifier.
	ID string
	// Kind tells consumers how to decode Payload.
	Kind EnvelopeKind
	// Payload is the encoded message or event.
	Payload []byte
	// Headers carry kind, codec and any transport hints.
	Headers map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// EncodeMessage wraps m into an envelope.
func EncodeMessage(c Codec, m *Message, now time.Time) (*Envelope, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := c.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return newEnvelope(c, m.ID, KindMessage, data, now), nil
}

// EncodeEvent wraps e into an envelope.
func EncodeEvent(c Codec, e *Event, now time.Time) (*Envelope, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := c.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return newEnvelope(c, e.ID, KindEvent, data, now), nil
}

func newEnvelope(c Codec, id string, kind EnvelopeKind, data []byte, now time.Time) *Envelope {
	return &Envelope{
		ID:      id,
		Kind:    kind,
		Payload: data,
		Headers: map[string]string{
			HeaderKind:  string(kind),
			HeaderCodec: c.Name(),
		},
		ProducedAt: now,
	}
}

// DecodeMessage unwraps a message envelope.
func DecodeMessage(c Codec, env *Envelope) (*Message, error) {
	if env.Kind != KindMessage {
		return nil, fmt.Errorf("%w: envelope %s holds %q", ErrInvalidMessage, env.ID, env.Kind)
	}
	m, err := Decode[Message](c, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeEvent unwraps an event envelope.
func DecodeEvent(c Codec, env *Envelope) (*Event, error) {
	if env.Kind != KindEvent {
		return nil, fmt.Errorf("%w: envelope %s holds %q", ErrInvalidEvent, env.ID, env.Kind)
	}
	e, err := Decode[Event](c, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &e, nil
}

// Decode is a helper to unmarshal an envelope payload into a typed value using the provided codec.
func Decode[T any](c Codec, env *Envelope) (T, error) {
	var v T
	if err := c.Unmarshal(env.Payload, &v); err != nil {
		return v, err
	}
	return v, nil
}

// KindFromHeaders recovers the envelope kind from transport headers.
func KindFromHeaders(h map[string]string) EnvelopeKind {
	if h[HeaderKind] == string(KindEvent) {
		return KindEvent
	}
	return KindMessage
}
