package xgate

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message travels from a carrier into the gateway
// or back out to it.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// SessionEvent marks session continuity for session-oriented carriers (USSD).
type SessionEvent string

const (
	SessionNone   SessionEvent = ""
	SessionNew    SessionEvent = "new"
	SessionResume SessionEvent = "resume"
	SessionClose  SessionEvent = "close"
)

// Message is a user-level message moving through the gateway.
// Addresses, content and ID are fixed at construction; middleware attaches
// metadata through WithMetadata, which returns a new value.
type Message struct {
	ID           string            `json:"message_id"`
	Direction    Direction         `json:"direction"`
	From         string            `json:"from_addr"`
	To           string            `json:"to_addr"`
	Transport    string            `json:"transport_name"`
	Content      string            `json:"content"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	InReplyTo    string            `json:"in_reply_to,omitempty"`
	SessionEvent SessionEvent      `json:"session_event,omitempty"`
	Group        string            `json:"group,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
}

// NewMessage builds a message with a fresh identifier.
// Content may only be empty for session-close messages.
func NewMessage(dir Direction, from, to, transport, content string) (*Message, error) {
	m := &Message{
		ID:        uuid.NewString(),
		Direction: dir,
		From:      from,
		To:        to,
		Transport: transport,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the construction invariants.
func (m *Message) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case m.Direction != Inbound && m.Direction != Outbound:
		return fmt.Errorf("%w: direction %q", ErrInvalidMessage, m.Direction)
	case m.From == "":
		return fmt.Errorf("%w: missing from address", ErrInvalidMessage)
	case m.To == "":
		return fmt.Errorf("%w: missing to address", ErrInvalidMessage)
	case m.Transport == "":
		return fmt.Errorf("%w: missing transport name", ErrInvalidMessage)
	case m.Content == "" && m.SessionEvent != SessionClose:
		return fmt.Errorf("%w: missing content", ErrInvalidMessage)
	}
	return nil
}

// Equal compares messages by identifier only.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.ID == o.ID
}

// IsReply reports whether the message correlates to an earlier one.
func (m *Message) IsReply() bool { return m.InReplyTo != "" }

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = maps.Clone(m.Metadata)
	return &c
}

// WithMetadata returns a copy of m carrying the extra metadata entry.
func (m *Message) WithMetadata(key, value string) *Message {
	c := m.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 1)
	}
	c.Metadata[key] = value
	return c
}

// Meta returns a metadata value or "".
func (m *Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// Reply derives an outbound reply to orig that keeps the session open.
func Reply(orig *Message, content string) *Message {
	return reply(orig, content, SessionResume)
}

// ReplyClosing derives an outbound reply that ends the session.
func ReplyClosing(orig *Message, content string) *Message {
	return reply(orig, content, SessionClose)
}

// ReplyToGroup addresses the reply to the group the original arrived on,
// falling back to the sender when there is no group.
func ReplyToGroup(orig *Message, content string) *Message {
	r := reply(orig, content, SessionResume)
	if orig.Group != "" {
		r.To = orig.Group
	}
	return r
}

func reply(orig *Message, content string, ev SessionEvent) *Message {
	return &Message{
		ID:           uuid.NewString(),
		Direction:    Outbound,
		From:         orig.To,
		To:           orig.From,
		Transport:    orig.Transport,
		Content:      content,
		Timestamp:    time.Now().UTC(),
		InReplyTo:    orig.ID,
		SessionEvent: ev,
		Group:        orig.Group,
		Endpoint:     orig.Endpoint,
	}
}

// SendTo builds an unsolicited outbound message for a transport endpoint.
func SendTo(from, to, content, transport, endpoint string) (*Message, error) {
	m, err := NewMessage(Outbound, from, to, transport, content)
	if err != nil {
		return nil, err
	}
	m.Endpoint = endpoint
	return m, nil
}
